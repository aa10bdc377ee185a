// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsBlockUntilRelease(t *testing.T) {
	limits := NewLimits(Bounds{Transcription: 1})
	ctx := context.Background()

	release, err := limits.Acquire(ctx, ClassTranscription)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = limits.Acquire(blocked, ClassTranscription)
	require.Error(t, err, "the single permit is held, the second acquire must time out")

	release()
	release() // second call is a no-op

	again, err := limits.Acquire(ctx, ClassTranscription)
	require.NoError(t, err, "released permit must be acquirable again")
	again()
}

func TestLimitsClassesAreIndependent(t *testing.T) {
	limits := NewLimits(Bounds{AudioExtraction: 1, ClipExtraction: 1})
	ctx := context.Background()

	relAudio, err := limits.Acquire(ctx, ClassAudioExtraction)
	require.NoError(t, err)
	defer relAudio()

	relClip, err := limits.Acquire(ctx, ClassClipExtraction)
	require.NoError(t, err, "a held audio permit must not block clip extraction")
	relClip()
}

func TestLimitsDefaultRefinementBound(t *testing.T) {
	limits := NewLimits(Bounds{})
	ctx := context.Background()

	var releases []func()
	for i := 0; i < 3; i++ {
		release, err := limits.Acquire(ctx, ClassRefinement)
		require.NoError(t, err, "permit %d within the default bound", i+1)
		releases = append(releases, release)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := limits.Acquire(blocked, ClassRefinement)
	assert.Error(t, err, "the default refinement bound is three permits")

	for _, release := range releases {
		release()
	}
}

func TestLimitsUnknownClass(t *testing.T) {
	limits := NewLimits(Bounds{})

	_, err := limits.Acquire(context.Background(), Class("torrenting"))
	assert.Error(t, err)
}
