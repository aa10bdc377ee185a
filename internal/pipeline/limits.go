// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

// Class names one bounded resource pool. Every stage executor takes a
// permit from its class before doing real work, so the media tools and
// the remote model hosts never see more load than configured,
// regardless of how many runs the worker pool carries.
type Class string

const (
	ClassAudioExtraction  Class = "audio_extraction"
	ClassTranscription    Class = "transcription"
	ClassMomentGeneration Class = "moment_generation"
	ClassClipExtraction   Class = "clip_extraction"
	ClassRefinement       Class = "refinement"
)

var permitsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "clipline",
	Name:      "stage_permits_in_use",
	Help:      "Held concurrency permits by class",
}, []string{"class"})

// Bounds configures the permit count per class. Zero or negative
// values select the defaults.
type Bounds struct {
	AudioExtraction  int
	Transcription    int
	MomentGeneration int
	ClipExtraction   int
	Refinement       int
}

func (b Bounds) withDefaults() Bounds {
	def := func(v, d int) int {
		if v <= 0 {
			return d
		}
		return v
	}
	return Bounds{
		AudioExtraction:  def(b.AudioExtraction, 2),
		Transcription:    def(b.Transcription, 2),
		MomentGeneration: def(b.MomentGeneration, 2),
		ClipExtraction:   def(b.ClipExtraction, 2),
		Refinement:       def(b.Refinement, 3),
	}
}

// Limits is the process-wide set of stage permit pools. The bounds are
// local to this process; they do not coordinate across workers of a
// multi-process deployment.
type Limits struct {
	pools map[Class]*semaphore.Weighted
}

func NewLimits(b Bounds) *Limits {
	b = b.withDefaults()
	return &Limits{pools: map[Class]*semaphore.Weighted{
		ClassAudioExtraction:  semaphore.NewWeighted(int64(b.AudioExtraction)),
		ClassTranscription:    semaphore.NewWeighted(int64(b.Transcription)),
		ClassMomentGeneration: semaphore.NewWeighted(int64(b.MomentGeneration)),
		ClassClipExtraction:   semaphore.NewWeighted(int64(b.ClipExtraction)),
		ClassRefinement:       semaphore.NewWeighted(int64(b.Refinement)),
	}}
}

// Acquire blocks until a permit of the class is free or the context
// ends. The returned release function is idempotent and must be called
// on every exit path.
func (l *Limits) Acquire(ctx context.Context, class Class) (func(), error) {
	pool, ok := l.pools[class]
	if !ok {
		return nil, fmt.Errorf("unknown limit class %q", class)
	}
	if err := pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s permit: %w", class, err)
	}
	permitsInUse.WithLabelValues(string(class)).Inc()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		pool.Release(1)
		permitsInUse.WithLabelValues(string(class)).Dec()
	}, nil
}
