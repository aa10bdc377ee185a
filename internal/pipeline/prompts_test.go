// SPDX-License-Identifier: MIT

package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
)

func TestGenerationPromptQwenSections(t *testing.T) {
	p := buildGenerationPrompt(generationPromptInput{
		ModelKey: model.ModelQwen3VLFP8,
		Segments: []moments.SegmentTimestamp{
			{Start: 0.24, Text: "welcome to the show"},
			{Start: 2.56, Text: "today we talk about boundaries"},
		},
		VideoDuration: 600,
		MinLength:     60,
		MaxLength:     120,
		MinMoments:    3,
		MaxMoments:    10,
	})

	assert.True(t, strings.HasPrefix(p, "CRITICAL OUTPUT REQUIREMENT"),
		"qwen generation leads with the strict array header")
	assert.Contains(t, p, defaultGenerationPrompt,
		"an empty user prompt falls back to the default instruction")
	assert.Contains(t, p, "Transcript segments:\n[0.24] welcome to the show\n[2.56] today we talk about boundaries")
	assert.Contains(t, p, "- Video duration: 600.00 seconds")
	assert.Contains(t, p, "- Moment length: Between 60.00 and 120.00 seconds")
	assert.Contains(t, p, "- Number of moments: Between 3 and 10")
	assert.Contains(t, p, "- All end_time values must be <= 600.00")
	assert.NotContains(t, p, "Remember: Output ONLY",
		"qwen prompts carry no closing reminder")
}

func TestGenerationPromptMiniMaxHeaderAndFooter(t *testing.T) {
	p := buildGenerationPrompt(generationPromptInput{
		ModelKey:      model.ModelMiniMax,
		UserPrompt:    "Find the sharpest arguments.",
		VideoDuration: 300,
		MinLength:     30,
		MaxLength:     90,
		MinMoments:    1,
		MaxMoments:    5,
	})

	assert.True(t, strings.HasPrefix(p, standardJSONHeader))
	assert.Contains(t, p, "Find the sharpest arguments.")
	assert.True(t, strings.HasSuffix(p, "Remember: Output ONLY the JSON array, nothing else."))
	assert.NotContains(t, p, "CRITICAL OUTPUT REQUIREMENT")
}

func TestRefinementPromptTextVariant(t *testing.T) {
	p := buildRefinementPrompt(refinementPromptInput{
		ModelKey:     model.ModelQwen3VLFP8,
		Title:        "Sharp argument",
		WindowStart:  30,
		WindowEnd:    95.5,
		ClipDuration: 125.5,
		Words: []moments.WordTimestamp{
			{Word: "rather", Start: 5.12, End: 5.48},
			{Word: "than", Start: 5.48, End: 5.76},
		},
	})

	assert.True(t, strings.HasPrefix(p, "CRITICAL OUTPUT REQUIREMENT"),
		"qwen refinement leads with the strict object header")
	assert.Contains(t, p, "MUST start with { and MUST end with }")
	assert.Contains(t, p, `- Title: "Sharp argument"`)
	assert.Contains(t, p, "- Current start time: 30.00 seconds")
	assert.Contains(t, p, "- Current end time: 95.50 seconds")
	assert.Contains(t, p, "- The clip ends at 125.50 seconds")
	assert.Contains(t, p, "Both the transcript and audio are aligned")
	assert.Contains(t, p, "Word-level transcript:\n[5.12-5.48] rather\n[5.48-5.76] than")
	assert.Contains(t, p, "- The end_time must be <= 125.50")
	assert.NotContains(t, p, "VIDEO INPUT:")
	assert.NotContains(t, p, "and video")
}

func TestRefinementPromptVideoVariant(t *testing.T) {
	p := buildRefinementPrompt(refinementPromptInput{
		ModelKey:     model.ModelMiniMax,
		Title:        "Demo",
		WindowStart:  10,
		WindowEnd:    20,
		ClipDuration: 80,
		IncludeVideo: true,
	})

	assert.True(t, strings.HasPrefix(p, standardJSONHeader))
	assert.Contains(t, p, "VIDEO INPUT:")
	assert.Contains(t, p, "Both the transcript and video are aligned")
	assert.Contains(t, p, "analyze the word-level transcript and video")
	assert.True(t, strings.HasSuffix(p, "Remember: Output ONLY the JSON object with start_time and end_time, nothing else."))
}
