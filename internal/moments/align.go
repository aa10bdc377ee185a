// SPDX-License-Identifier: MIT

package moments

// Alignment tunes how clip windows snap to word boundaries. Padding
// widens the moment on both sides so clips carry context; Margin is
// the slack allowed when searching for a word boundary near the
// padded edge.
type Alignment struct {
	Padding float64
	Margin  float64
}

// DefaultAlignment pads 30 s on each side and snaps within 2 s.
func DefaultAlignment() Alignment {
	return Alignment{Padding: 30, Margin: 2}
}

// Window computes the extraction window for a moment. The padded
// target is snapped to word boundaries from the transcript: the start
// to the latest word start at or before the target start, the end to
// the earliest word end at or after the target end, each within the
// margin. Without usable words the padded target stands as-is. The
// result is clamped to the video bounds and never inverted.
func (a Alignment) Window(m Moment, words []WordTimestamp, videoDuration float64) (float64, float64) {
	targetStart := m.StartTime - a.Padding
	if targetStart < 0 {
		targetStart = 0
	}
	targetEnd := m.EndTime + a.Padding

	start := targetStart
	end := targetEnd
	if len(words) > 0 {
		start = a.alignStart(targetStart, words)
		end = a.alignEnd(targetEnd, words)
	}

	start, end = clampWindow(start, end, videoDuration)
	if end <= start {
		return clampWindow(targetStart, targetEnd, videoDuration)
	}
	return start, end
}

// alignStart picks the largest word start that is at or before the
// target and within the margin. When no word starts in that band, the
// earliest word starting after target-margin is next best: the clip
// then begins exactly on speech.
func (a Alignment) alignStart(target float64, words []WordTimestamp) float64 {
	best := -1.0
	for _, w := range words {
		if w.Start <= target && w.Start >= target-a.Margin && w.Start > best {
			best = w.Start
		}
	}
	if best >= 0 {
		return best
	}

	next := -1.0
	for _, w := range words {
		if w.Start >= target-a.Margin && (next < 0 || w.Start < next) {
			next = w.Start
		}
	}
	if next >= 0 {
		return next
	}
	return target
}

// alignEnd mirrors alignStart on word ends: the smallest word end at
// or after the target within the margin, else the latest word end
// before target+margin.
func (a Alignment) alignEnd(target float64, words []WordTimestamp) float64 {
	best := -1.0
	for _, w := range words {
		if w.End >= target && w.End <= target+a.Margin && (best < 0 || w.End < best) {
			best = w.End
		}
	}
	if best >= 0 {
		return best
	}

	prev := -1.0
	for _, w := range words {
		if w.End <= target+a.Margin && w.End > prev {
			prev = w.End
		}
	}
	if prev >= 0 {
		return prev
	}
	return target
}

func clampWindow(start, end, videoDuration float64) (float64, float64) {
	if start < 0 {
		start = 0
	}
	if videoDuration > 0 && end > videoDuration {
		end = videoDuration
	}
	return start, end
}

// WordsWithin returns the words fully contained in [start, end],
// preserving order.
func WordsWithin(words []WordTimestamp, start, end float64) []WordTimestamp {
	var out []WordTimestamp
	for _, w := range words {
		if w.Start >= start && w.End <= end {
			out = append(out, w)
		}
	}
	return out
}

// NormalizeWords shifts word timestamps so the window starts at 0.0,
// matching the coordinates of an extracted clip.
func NormalizeWords(words []WordTimestamp, offset float64) []WordTimestamp {
	out := make([]WordTimestamp, len(words))
	for i, w := range words {
		out[i] = WordTimestamp{Word: w.Word, Start: w.Start - offset, End: w.End - offset}
	}
	return out
}
