// SPDX-License-Identifier: MIT

package moments

import (
	"errors"
	"testing"
)

func TestStripThink(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			name:     "single block",
			in:       "<think>let me reason</think>[1,2]",
			expected: "[1,2]",
		},
		{
			name:     "multiline and mixed case",
			in:       "<THINK>line one\nline two</Think>\nresult",
			expected: "result",
		},
		{
			name:     "two blocks non-greedy",
			in:       "<think>a</think>keep<think>b</think>",
			expected: "keep",
		},
		{
			name:     "no block",
			in:       "plain",
			expected: "plain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripThink(tt.in); got != tt.expected {
				t.Errorf("StripThink(%q) = %q, want %q", tt.in, got, tt.expected)
			}
		})
	}
}

func TestStripFence(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			name:     "json fence",
			in:       "```json\n[{\"a\":1}]\n```",
			expected: "[{\"a\":1}]",
		},
		{
			name:     "bare fence",
			in:       "```\n[1]\n```",
			expected: "[1]",
		},
		{
			name:     "fence without language on one line",
			in:       "```[1]```",
			expected: "[1]",
		},
		{
			name:     "unfenced passes through",
			in:       "  [1, 2]  ",
			expected: "[1, 2]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFence(tt.in); got != tt.expected {
				t.Errorf("StripFence(%q) = %q, want %q", tt.in, got, tt.expected)
			}
		})
	}
}

func TestDecodeMomentListArray(t *testing.T) {
	content := `[{"start_time": 10, "end_time": 70, "title": "Opening"}]`

	got, source, err := DecodeMomentList(content)
	if err != nil {
		t.Fatalf("DecodeMomentList: %v", err)
	}
	if source != SourceArray {
		t.Errorf("source = %s, want array", source)
	}
	if len(got) != 1 || got[0].Title != "Opening" || got[0].StartTime != 10 {
		t.Errorf("unexpected moments: %+v", got)
	}
}

func TestDecodeMomentListWrapper(t *testing.T) {
	tests := []struct {
		name    string
		content string
		source  Source
	}{
		{
			name:    "moments key",
			content: `{"moments": [{"start_time": 5, "end_time": 65, "title": "A"}]}`,
			source:  SourceObjectKey,
		},
		{
			name:    "final_output key",
			content: `{"final_output": [{"start_time": 5, "end_time": 65, "title": "A"}]}`,
			source:  SourceObjectKey,
		},
		{
			name:    "unknown key discovered by start_time probe",
			content: `{"highlights": [{"start_time": 5, "end_time": 65, "title": "A"}]}`,
			source:  SourceObjectScan,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, source, err := DecodeMomentList(tt.content)
			if err != nil {
				t.Fatalf("DecodeMomentList: %v", err)
			}
			if source != tt.source {
				t.Errorf("source = %s, want %s", source, tt.source)
			}
			if len(got) != 1 || got[0].StartTime != 5 {
				t.Errorf("unexpected moments: %+v", got)
			}
		})
	}
}

// Three recovery layers at once: reasoning tags, a code fence, and a
// wrapper object.
func TestDecodeMomentListLayeredRecovery(t *testing.T) {
	content := "<think>\nfirst I look at the segments\n</think>\n" +
		"```json\n" +
		`{"moments": [{"start_time": 12.5, "end_time": 80.0, "title": "Key decision"},` +
		`{"start_time": 100, "end_time": 170, "title": "Wrap up"}]}` +
		"\n```"

	got, source, err := DecodeMomentList(content)
	if err != nil {
		t.Fatalf("DecodeMomentList: %v", err)
	}
	if source != SourceObjectKey {
		t.Errorf("source = %s, want object_key", source)
	}
	if len(got) != 2 {
		t.Fatalf("got %d moments, want 2", len(got))
	}
	if got[1].Title != "Wrap up" {
		t.Errorf("second moment title = %q", got[1].Title)
	}
}

func TestDecodeMomentListFragments(t *testing.T) {
	content := `The three best parts are {"start_time": 10, "end_time": 70, "title": "One"} and
also {"start_time": 90, "end_time": 150, "title": "Two"} but {"broken": true} and
{"start_time": 200} are not usable`

	got, source, err := DecodeMomentList(content)
	if err != nil {
		t.Fatalf("DecodeMomentList: %v", err)
	}
	if source != SourceFragments {
		t.Errorf("source = %s, want fragments", source)
	}
	if len(got) != 2 {
		t.Fatalf("got %d fragments, want 2: %+v", len(got), got)
	}
	if got[0].Title != "One" || got[1].Title != "Two" {
		t.Errorf("unexpected fragments: %+v", got)
	}
}

func TestDecodeMomentListFailure(t *testing.T) {
	for _, content := range []string{
		"",
		"no json here",
		"<think>only reasoning</think>",
		`{"note": "no array inside"}`,
		"[]",
	} {
		_, _, err := DecodeMomentList(content)
		if !errors.Is(err, ErrNoMoments) {
			t.Errorf("DecodeMomentList(%q) error = %v, want ErrNoMoments", content, err)
		}
	}
}

func TestDecodeWindow(t *testing.T) {
	content := "<think>checking the words</think>\n```json\n" +
		`{"start_time": 3.2, "end_time": 61.8}` + "\n```"

	w, err := DecodeWindow(content)
	if err != nil {
		t.Fatalf("DecodeWindow: %v", err)
	}
	if w.StartTime != 3.2 || w.EndTime != 61.8 {
		t.Errorf("window = %+v", w)
	}
}

func TestDecodeWindowSurroundedByProse(t *testing.T) {
	content := `The refined boundaries are {"start_time": 0.0, "end_time": 58.5} based on the transcript.`

	w, err := DecodeWindow(content)
	if err != nil {
		t.Fatalf("DecodeWindow: %v", err)
	}
	if w.EndTime != 58.5 {
		t.Errorf("window = %+v", w)
	}
}

func TestDecodeWindowBracesInsideStrings(t *testing.T) {
	content := `{"note": "a } inside", "start_time": 1.5, "end_time": 20.0}`

	w, err := DecodeWindow(content)
	if err != nil {
		t.Fatalf("DecodeWindow: %v", err)
	}
	if w.StartTime != 1.5 || w.EndTime != 20.0 {
		t.Errorf("window = %+v", w)
	}
}

func TestDecodeWindowRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no object", content: "nothing here"},
		{name: "missing end", content: `{"start_time": 3.0}`},
		{name: "missing start", content: `{"end_time": 3.0}`},
		{name: "inverted", content: `{"start_time": 10.0, "end_time": 5.0}`},
		{name: "equal", content: `{"start_time": 5.0, "end_time": 5.0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeWindow(tt.content); err == nil {
				t.Errorf("DecodeWindow(%q) accepted invalid input", tt.content)
			}
		})
	}
}
