// SPDX-License-Identifier: MIT

package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clipline/clipline/internal/moments"
)

// MemoryStore implements Store on in-process maps. Thread-safe; used
// by tests and `memory` backend runs.
type MemoryStore struct {
	mu          sync.RWMutex
	videos      map[string]Video
	transcripts map[string]Transcript
	configs     map[string]GenerationConfig
	moments     map[string]moments.Moment
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:      make(map[string]Video),
		transcripts: make(map[string]Transcript),
		configs:     make(map[string]GenerationConfig),
		moments:     make(map[string]moments.Moment),
	}
}

func (s *MemoryStore) PutVideo(ctx context.Context, v Video) error {
	if v.ID == "" {
		return errors.New("video id must not be empty")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.videos[v.ID]; ok {
		v.CreatedAt = existing.CreatedAt
	}
	s.videos[v.ID] = v
	return nil
}

func (s *MemoryStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.videos[id]; ok {
		clone := v
		return &clone, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutTranscript(ctx context.Context, t Transcript) error {
	if t.VideoID == "" {
		return errors.New("transcript video id must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	// Copy the slices so later caller mutations do not leak in.
	t.Words = append([]moments.WordTimestamp(nil), t.Words...)
	t.Segments = append([]moments.SegmentTimestamp(nil), t.Segments...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[t.VideoID] = t
	return nil
}

func (s *MemoryStore) GetTranscript(ctx context.Context, videoID string) (*Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[videoID]
	if !ok {
		return nil, nil
	}
	clone := t
	clone.Words = append([]moments.WordTimestamp(nil), t.Words...)
	clone.Segments = append([]moments.SegmentTimestamp(nil), t.Segments...)
	return &clone, nil
}

func (s *MemoryStore) PutGenerationConfig(ctx context.Context, gc GenerationConfig) error {
	if gc.ID == "" {
		return errors.New("generation config id must not be empty")
	}
	if gc.CreatedAt.IsZero() {
		gc.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[gc.ID]; ok {
		return fmt.Errorf("generation config %s already exists", gc.ID)
	}
	s.configs[gc.ID] = gc
	return nil
}

func (s *MemoryStore) InsertMoments(ctx context.Context, ms []moments.Moment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		if m.ID == "" || m.VideoID == "" {
			return fmt.Errorf("moment missing id or video id: %+v", m)
		}
		if existing, ok := s.moments[m.ID]; ok {
			// Regenerated span keeps its extracted clip.
			m.ClipPath = existing.ClipPath
			m.CloudPath = existing.CloudPath
		} else {
			m.ClipPath = ""
			m.CloudPath = ""
		}
		s.moments[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) MomentsByVideo(ctx context.Context, videoID string) ([]moments.Moment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(videoID, true), nil
}

func (s *MemoryStore) OriginalsByVideo(ctx context.Context, videoID string) ([]moments.Moment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(videoID, false), nil
}

// collect gathers moments for a video under the read lock, sorted the
// way the sqlite queries order them.
func (s *MemoryStore) collect(videoID string, includeRefined bool) []moments.Moment {
	var out []moments.Moment
	for _, m := range s.moments {
		if m.VideoID != videoID {
			continue
		}
		if !includeRefined && m.IsRefined {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		if out[i].IsRefined != out[j].IsRefined {
			return !out[i].IsRefined
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) UpsertRefined(ctx context.Context, m moments.Moment) error {
	if !m.IsRefined || m.ParentID == "" {
		return errors.New("refined moment requires is_refined and parent id")
	}
	if m.ID == "" || m.VideoID == "" {
		return errors.New("refined moment missing id or video id")
	}
	m.ClipPath = ""
	m.CloudPath = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.moments {
		if existing.IsRefined && existing.ParentID == m.ParentID {
			delete(s.moments, id)
			break
		}
	}
	s.moments[m.ID] = m
	return nil
}

func (s *MemoryStore) SetClipPath(ctx context.Context, momentID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.moments[momentID]; ok {
		m.ClipPath = path
		s.moments[momentID] = m
	}
	return nil
}

func (s *MemoryStore) SetCloudPath(ctx context.Context, momentID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.moments[momentID]; ok {
		m.CloudPath = path
		s.moments[momentID] = m
	}
	return nil
}

func (s *MemoryStore) ClearClipPaths(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.moments {
		if m.VideoID == videoID {
			m.ClipPath = ""
			m.CloudPath = ""
			s.moments[id] = m
		}
	}
	return nil
}

func (s *MemoryStore) DeleteMoments(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.moments {
		if m.VideoID == videoID {
			delete(s.moments, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.videos = nil
	s.transcripts = nil
	s.configs = nil
	s.moments = nil
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SqliteStore)(nil)
