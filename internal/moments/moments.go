// SPDX-License-Identifier: MIT

// Package moments holds the AI-facing domain types: moments inside a
// video, transcript timestamps, the decoder that coerces model output
// into moments, and the word-alignment used for clip boundaries.
package moments

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Moment is one highlighted span inside a video. Refined moments carry
// ParentID and IsRefined; at most one refined child exists per parent.
type Moment struct {
	ID        string  `json:"id"`
	VideoID   string  `json:"video_id"`
	ConfigID  string  `json:"config_id,omitempty"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Title     string  `json:"title"`
	IsRefined bool    `json:"is_refined"`
	ParentID  string  `json:"parent_id,omitempty"`
	ClipPath  string  `json:"clip_path,omitempty"`
	CloudPath string  `json:"cloud_path,omitempty"`
}

// Duration returns the moment's length in seconds.
func (m Moment) Duration() float64 { return m.EndTime - m.StartTime }

// WordTimestamp is one transcribed word with its boundaries in seconds.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SegmentTimestamp is one transcribed segment: a start offset and the
// text spoken from there.
type SegmentTimestamp struct {
	Start float64 `json:"start"`
	Text  string  `json:"text"`
}

// ID derives the deterministic moment identifier: the first 16 hex
// digits of SHA-256 over "{start:.2f}_{end:.2f}". Stable across
// processes so re-generation upserts instead of duplicating.
func ID(start, end float64) string {
	literal := strconv.FormatFloat(start, 'f', 2, 64) + "_" + strconv.FormatFloat(end, 'f', 2, 64)
	sum := sha256.Sum256([]byte(literal))
	return hex.EncodeToString(sum[:])[:16]
}
