// SPDX-License-Identifier: MIT

package moments

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Models disagree on how they wrap their output: some emit a bare
// JSON array, some wrap it in an object under a well-known key, some
// surround everything with reasoning tags and code fences, and some
// produce text that only contains JSON fragments. Decoding runs the
// recovery layers in order and reports which one succeeded.

// RawMoment is a decoded candidate before validation.
type RawMoment struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Title     string  `json:"title"`
}

// Source identifies the recovery layer that produced the candidates.
type Source uint8

const (
	SourceArray      Source = iota // content parsed as a JSON array
	SourceObjectKey                // array recovered from a known wrapper key
	SourceObjectScan               // array recovered from an unknown wrapper key
	SourceFragments                // objects extracted from malformed text
)

func (s Source) String() string {
	switch s {
	case SourceArray:
		return "array"
	case SourceObjectKey:
		return "object_key"
	case SourceObjectScan:
		return "object_scan"
	case SourceFragments:
		return "fragments"
	default:
		return "unknown"
	}
}

// ErrNoMoments reports content from which no recovery layer could
// extract a single candidate.
var ErrNoMoments = errors.New("no moments in model output")

// wrapperKeys are the object keys models are known to wrap their
// array in, tried in order.
var wrapperKeys = []string{
	"moments",
	"output",
	"final_output",
	"response",
	"final_json_output",
	"json_output",
}

var (
	thinkPattern    = regexp.MustCompile(`(?is)<think>.*?</think>`)
	fragmentPattern = regexp.MustCompile(`\{[^{}]*\}`)
)

// StripThink removes <think>…</think> reasoning blocks. Non-greedy,
// case-insensitive, spanning newlines.
func StripThink(content string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(content, ""))
}

// StripFence unwraps a surrounding triple-backtick code fence,
// dropping an optional language tag on the opening line. Content that
// is not fenced passes through unchanged.
func StripFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	inner := strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(inner, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(inner[:idx])
		// Opening fences carry at most a language tag ("json").
		if len(firstLine) <= 16 && !strings.ContainsAny(firstLine, "{[") {
			inner = inner[idx+1:]
		}
	}
	if idx := strings.LastIndex(inner, "```"); idx >= 0 {
		inner = inner[:idx]
	}
	return strings.TrimSpace(inner)
}

// DecodeMomentList coerces assistant content into moment candidates,
// applying the recovery layers in order: strip reasoning tags, strip a
// code fence, parse as array, unwrap a known or discovered object key,
// and finally collect well-formed object fragments from malformed text.
func DecodeMomentList(content string) ([]RawMoment, Source, error) {
	cleaned := StripFence(StripThink(content))
	if cleaned == "" {
		return nil, SourceFragments, fmt.Errorf("decode moments: %w", ErrNoMoments)
	}

	var arr []RawMoment
	if err := json.Unmarshal([]byte(cleaned), &arr); err == nil {
		if len(arr) == 0 {
			return nil, SourceArray, fmt.Errorf("decode moments: empty array: %w", ErrNoMoments)
		}
		return arr, SourceArray, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		if raw, source, ok := findArrayField(obj); ok {
			if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
				return arr, source, nil
			}
		}
		// A single bare object may itself be the only moment.
		var one RawMoment
		if err := json.Unmarshal([]byte(cleaned), &one); err == nil && isFormed(cleaned) {
			return []RawMoment{one}, SourceObjectScan, nil
		}
		return nil, SourceObjectScan, fmt.Errorf("decode moments: object carries no moment array: %w", ErrNoMoments)
	}

	fragments := extractFragments(cleaned)
	if len(fragments) == 0 {
		return nil, SourceFragments, fmt.Errorf("decode moments: malformed output: %w", ErrNoMoments)
	}
	return fragments, SourceFragments, nil
}

// findArrayField locates the moment array inside a wrapper object:
// the known keys first, then any list-valued field whose first
// element looks like a moment.
func findArrayField(obj map[string]json.RawMessage) (json.RawMessage, Source, bool) {
	for _, key := range wrapperKeys {
		if raw, ok := obj[key]; ok && isArrayOfObjects(raw) {
			return raw, SourceObjectKey, true
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw := obj[k]
		if !isArrayOfObjects(raw) {
			continue
		}
		var probe []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil || len(probe) == 0 {
			continue
		}
		if _, ok := probe[0]["start_time"]; ok {
			return raw, SourceObjectScan, true
		}
	}
	return nil, SourceObjectScan, false
}

func isArrayOfObjects(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

// extractFragments recovers fully-formed moment objects from text the
// JSON parser rejected. Only fragments carrying all three fields count.
func extractFragments(content string) []RawMoment {
	var out []RawMoment
	for _, candidate := range fragmentPattern.FindAllString(content, -1) {
		if !isFormed(candidate) {
			continue
		}
		var m RawMoment
		if err := json.Unmarshal([]byte(candidate), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// isFormed checks a JSON object string names every moment field. The
// numeric fields must be present, not merely zero after decoding.
func isFormed(candidate string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return false
	}
	for _, field := range []string{"start_time", "end_time", "title"} {
		if _, ok := probe[field]; !ok {
			return false
		}
	}
	return true
}

// Window is a refined boundary pair in the clip's normalized
// coordinates (the clip starts at 0.0).
type Window struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// DecodeWindow coerces a refinement response into a boundary window:
// strip reasoning tags and fences, locate the first balanced JSON
// object, and require both fields with end after start.
func DecodeWindow(content string) (Window, error) {
	cleaned := StripFence(StripThink(content))

	candidate, ok := firstBalancedObject(cleaned)
	if !ok {
		return Window{}, errors.New("decode window: no JSON object in output")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return Window{}, fmt.Errorf("decode window: %w", err)
	}
	if _, ok := probe["start_time"]; !ok {
		return Window{}, errors.New("decode window: missing start_time")
	}
	if _, ok := probe["end_time"]; !ok {
		return Window{}, errors.New("decode window: missing end_time")
	}

	var w Window
	if err := json.Unmarshal([]byte(candidate), &w); err != nil {
		return Window{}, fmt.Errorf("decode window: %w", err)
	}
	if w.EndTime <= w.StartTime {
		return Window{}, fmt.Errorf("decode window: end %.2f not after start %.2f", w.EndTime, w.StartTime)
	}
	return w, nil
}

// firstBalancedObject scans for the first top-level {...} span,
// honoring strings and escapes so braces inside titles do not break
// the balance.
func firstBalancedObject(content string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}
