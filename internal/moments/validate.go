// SPDX-License-Identifier: MIT

package moments

import (
	"fmt"
	"sort"
)

// Limits bounds moment selection for one video.
type Limits struct {
	VideoDuration float64
	MinLength     float64
	MaxLength     float64
	MinMoments    int
	MaxMoments    int
}

// Selection is the outcome of validating decoded candidates. The
// counters feed log lines; only Moments is persisted.
type Selection struct {
	Moments      []Moment
	Rejected     int  // out of bounds or wrong length
	Overlapped   int  // dropped because an accepted moment covers them
	Truncated    int  // beyond the maximum count
	BelowMinimum bool // fewer accepted than requested; not an error
}

// Select validates candidates against the limits, drops overlaps in
// start order, truncates to the maximum count and assigns
// deterministic ids. Fails only when nothing survives.
func Select(candidates []RawMoment, videoID string, limits Limits) (Selection, error) {
	var sel Selection

	valid := make([]RawMoment, 0, len(candidates))
	for _, c := range candidates {
		if !withinLimits(c, limits) {
			sel.Rejected++
			continue
		}
		valid = append(valid, c)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].StartTime < valid[j].StartTime
	})

	accepted := make([]RawMoment, 0, len(valid))
	lastEnd := -1.0
	for _, c := range valid {
		if c.StartTime < lastEnd {
			sel.Overlapped++
			continue
		}
		accepted = append(accepted, c)
		lastEnd = c.EndTime
	}

	if limits.MaxMoments > 0 && len(accepted) > limits.MaxMoments {
		sel.Truncated = len(accepted) - limits.MaxMoments
		accepted = accepted[:limits.MaxMoments]
	}

	if len(accepted) == 0 {
		return sel, fmt.Errorf("no valid moments among %d candidates: %w", len(candidates), ErrNoMoments)
	}
	sel.BelowMinimum = len(accepted) < limits.MinMoments

	sel.Moments = make([]Moment, len(accepted))
	for i, c := range accepted {
		sel.Moments[i] = Moment{
			ID:        ID(c.StartTime, c.EndTime),
			VideoID:   videoID,
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Title:     c.Title,
		}
	}
	return sel, nil
}

func withinLimits(c RawMoment, limits Limits) bool {
	if c.StartTime < 0 || c.EndTime <= c.StartTime {
		return false
	}
	if limits.VideoDuration > 0 && c.EndTime > limits.VideoDuration {
		return false
	}
	d := c.EndTime - c.StartTime
	if limits.MinLength > 0 && d < limits.MinLength {
		return false
	}
	if limits.MaxLength > 0 && d > limits.MaxLength {
		return false
	}
	return true
}
