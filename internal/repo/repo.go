// SPDX-License-Identifier: MIT

// Package repo persists the durable pipeline entities: videos,
// transcripts, generation configs and moments. Two backends exist,
// sqlite for production and memory for tests and ephemeral runs.
package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/clipline/clipline/internal/moments"
)

// Video is one ingested source video with its probe metadata and the
// object-store location of the uploaded original.
type Video struct {
	ID              string
	SourceURL       string
	CloudURL        string
	LocalPath       string
	DurationSeconds float64
	SizeBytes       int64
	Codec           string
	Width           int
	Height          int
	FrameRate       float64
	CreatedAt       time.Time
}

// Transcript is the full transcription of a video, one per video.
type Transcript struct {
	VideoID   string
	Text      string
	Words     []moments.WordTimestamp
	Segments  []moments.SegmentTimestamp
	CreatedAt time.Time
}

// GenerationConfig records the parameters one generation run used, so
// the moments it produced stay traceable to their prompt and bounds.
type GenerationConfig struct {
	ID          string
	VideoID     string
	Model       string
	Temperature float64
	MinLen      float64
	MaxLen      float64
	MinMoments  int
	MaxMoments  int
	Prompt      string
	CreatedAt   time.Time
}

// Store is the repository contract the stage executors run against.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	PutVideo(ctx context.Context, v Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)

	PutTranscript(ctx context.Context, t Transcript) error
	GetTranscript(ctx context.Context, videoID string) (*Transcript, error)

	PutGenerationConfig(ctx context.Context, gc GenerationConfig) error

	// InsertMoments bulk-upserts generated moments. Matching ids are
	// overwritten in place; existing clip paths survive regeneration.
	InsertMoments(ctx context.Context, ms []moments.Moment) error

	// DeleteMoments removes every moment of the video, refined
	// children included. Regeneration replaces the whole set.
	DeleteMoments(ctx context.Context, videoID string) error

	// MomentsByVideo returns every moment of the video, originals and
	// refined children, ordered by start time.
	MomentsByVideo(ctx context.Context, videoID string) ([]moments.Moment, error)

	// OriginalsByVideo returns only non-refined moments, ordered by
	// start time.
	OriginalsByVideo(ctx context.Context, videoID string) ([]moments.Moment, error)

	// UpsertRefined writes the refined child of m.ParentID, replacing
	// any previous child so a parent never has more than one.
	UpsertRefined(ctx context.Context, m moments.Moment) error

	SetClipPath(ctx context.Context, momentID, path string) error
	SetCloudPath(ctx context.Context, momentID, path string) error

	// ClearClipPaths blanks clip and cloud paths for every moment of
	// the video. Used before clips are regenerated with override.
	ClearClipPaths(ctx context.Context, videoID string) error

	Close() error
}

// New creates a repository store for the given backend. An empty
// backend defaults to sqlite; sqlite with an empty dir degrades to the
// memory backend so tests and dry runs need no filesystem.
func New(backend, dir string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "sqlite":
		if dir == "" {
			return NewMemoryStore(), nil
		}
		return NewSqliteStore(filepath.Join(dir, "clipline.sqlite"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown repo backend: %s (supported: sqlite, memory)", backend)
	}
}
