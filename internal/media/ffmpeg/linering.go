// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"strings"
	"sync"
)

// LineRing keeps the last N lines of tool output so failures can be
// reported with context without buffering a whole transcode log.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	size  int
}

func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &LineRing{lines: make([]string, capacity), size: capacity}
}

// Write splits the input into lines and records the non-empty ones.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	return len(p), nil
}

// LastN returns up to n recorded lines, oldest first.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	ordered := make([]string, 0, n)
	for i := 0; i < r.size; i++ {
		line := r.lines[(r.head+i)%r.size]
		if line != "" {
			ordered = append(ordered, line)
		}
	}
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
