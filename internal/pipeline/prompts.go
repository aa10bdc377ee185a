// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"
	"strings"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
)

// Prompt assembly. The user message sent to an inference model is a
// sequence of sections joined by blank lines: a model-specific JSON
// enforcement header, the task instruction, an input-format
// explanation, the transcript data, an output-format specification
// and, for generation, numeric constraints. The qwen family needs the
// strict header at the very top or it starts reasoning in the open;
// minimax behaves with a short note plus a closing reminder.

type shape uint8

const (
	shapeArray shape = iota
	shapeObject
)

// defaultGenerationPrompt seeds the user-editable part of the
// generation prompt when the submission does not carry one.
const defaultGenerationPrompt = "Analyze the following video transcript and identify the most " +
	"interesting, engaging, and shareable moments. These should be self-contained segments " +
	"that can stand alone as short video clips."

// refinementInstruction is the fixed task text for boundary
// refinement. Unlike the generation prompt it is not user-editable.
const refinementInstruction = `Before refining the timestamps, let's define what a moment is: A moment is a segment of a video (with its corresponding transcript) that represents something engaging, meaningful, or valuable to the viewer. A moment should be a complete, coherent thought or concept that makes sense on its own.

Now, analyze the word-level transcript and identify the precise start and end timestamps for this moment. The current timestamps may be slightly off. Find the exact point where this topic/segment naturally begins and ends.

Guidelines:
- Start the moment at the first word that introduces the topic or begins the engaging segment
- End the moment at the last word that concludes the thought or completes the concept
- Be precise with word boundaries
- Ensure the moment captures complete sentences or phrases
- The refined moment should represent a coherent, engaging segment that makes complete sense on its own`

const strictArrayHeader = `CRITICAL OUTPUT REQUIREMENT - READ THIS FIRST:

You MUST output ONLY a JSON array. Nothing else. No exceptions.

REQUIREMENTS:
- Your response MUST start with [ and MUST end with ]
- Do NOT output ANY explanation, notes, thoughts, reasoning, validation, analysis, or commentary
- Do NOT output <think> tags, hidden chain-of-thought, or any text before or after the array
- Do NOT include transcript data, rules, validation, analysis, notes, or any other fields
- Do NOT repeat the same data multiple times
- Do NOT wrap the array in an object
- Your response must be ONLY: [ ... ] - nothing before, nothing after

If you need to think, think internally. The output must be ONLY the JSON array.`

const strictObjectHeader = `CRITICAL OUTPUT REQUIREMENT - READ THIS FIRST:

You MUST output ONLY a JSON object. Nothing else. No exceptions.

REQUIREMENTS:
- Your response MUST start with { and MUST end with }
- Do NOT output ANY explanation, notes, thoughts, reasoning, validation, analysis, or commentary
- Do NOT output <think> tags, hidden chain-of-thought, or any text before or after the object
- Do NOT include transcript data, rules, validation, analysis, notes, or any other fields
- Do NOT wrap the object in an array
- Your response must be ONLY: { ... } - nothing before, nothing after

If you need to think, think internally. The output must be ONLY the JSON object.`

const standardJSONHeader = "IMPORTANT: You must respond with ONLY valid JSON. " +
	"Do not include any explanations, notes, or text outside the JSON structure."

const segmentInputFormat = `INPUT FORMAT:
The transcript is provided as a series of segments. Each segment has:
- A timestamp (in seconds) indicating when that segment starts in the video
- The text content spoken during that segment

Format: [timestamp_in_seconds] text_content

Example:
[0.24] You know, rather than be scared by a jobless future
[2.56] I started to rethink it and I said
[5.12] I could really be excited by a jobless future`

const wordInputFormat = `INPUT FORMAT:
You are provided with word-level timestamps. Each line shows:
- The start and end time of a specific word in seconds (starting from 0.00)
- The word itself

Format: [start_time-end_time] word

Example:
[5.12-5.48] rather
[5.48-5.76] than
[5.76-5.92] be
[5.92-6.24] scared

The first word in the transcript starts at or near 0.00 seconds.`

const arrayOutputFormat = `OUTPUT FORMAT - CRITICAL - READ CAREFULLY:

You MUST respond with ONLY a valid JSON array. Nothing else.

REQUIREMENTS:
- Your response MUST start with [ and MUST end with ]
- Do NOT output a JSON object { } - ONLY an array [ ]
- Do NOT wrap the array in an object
- Do NOT include ANY other fields like "transcript", "analysis", "validation", "output", "notes" or "rules"
- Do NOT include any thinking, reasoning, or explanation
- NO text before the [ and NO text after the ]
- NO markdown code fences (no ` + "```json or ```" + `)

REQUIRED STRUCTURE (this is ALL you should output):
[
  {
    "start_time": 0.24,
    "end_time": 15.5,
    "title": "Introduction to jobless future concept"
  },
  {
    "start_time": 45.2,
    "end_time": 78.8,
    "title": "Discussion about human potential"
  }
]

RULES:
- Each object needs exactly 3 fields: start_time (float), end_time (float), title (string)
- Do not add any other fields to the objects
- Do not add any fields outside the array

FINAL REMINDER: Output ONLY the JSON array [ ... ]. Nothing else.`

func objectOutputFormat(clipEnd float64) string {
	return fmt.Sprintf(`OUTPUT FORMAT - CRITICAL - READ CAREFULLY:

You MUST respond with ONLY a valid JSON object. Nothing else.

REQUIREMENTS:
- Your response MUST start with { and MUST end with }
- Do NOT output a JSON array [ ] - ONLY an object { }
- Do NOT include any thinking, reasoning, or explanation
- NO text before the { and NO text after the }
- NO markdown code fences (no `+"```json or ```"+`)

REQUIRED STRUCTURE (this is ALL you should output):
{
  "start_time": 5.12,
  "end_time": 67.84
}

RULES:
- Must have exactly 2 fields: start_time (float), end_time (float)
- Timestamps must be in the normalized coordinate system (starting from 0.00)
- The start_time and end_time must correspond to word boundaries from the provided transcript
- The start_time must be >= 0.00 and < end_time
- The end_time must be <= %.2f
- Do not add any other fields

FINAL REMINDER: Output ONLY the JSON object { ... }. Nothing else.`, clipEnd)
}

const videoInputContext = `VIDEO INPUT:
A video clip is provided along with this request. The video clip is precisely aligned with the transcript below:
- The video starts at 0.00 seconds
- The transcript starts at 0.00 seconds
- Both are synchronized in the same normalized time coordinate system

IMPORTANT: Use the video frames to visually identify the exact moment boundaries. Look for:
- Visual cues that indicate the start of the topic/segment
- Scene changes, speaker changes, or visual transitions
- The exact frame where the engaging content begins and ends
- Correlation between what you see and what you hear in the transcript

Analyze BOTH the video frames and the word-level transcript to determine the most accurate timestamps. The timestamps you output should match this normalized coordinate system (starting from 0.00).`

func jsonHeader(modelKey string, s shape) string {
	if modelKey == model.ModelMiniMax {
		return standardJSONHeader
	}
	if s == shapeArray {
		return strictArrayHeader
	}
	return strictObjectHeader
}

func jsonFooter(modelKey string, s shape) string {
	if modelKey != model.ModelMiniMax {
		return ""
	}
	if s == shapeArray {
		return "Remember: Output ONLY the JSON array, nothing else."
	}
	return "Remember: Output ONLY the JSON object with start_time and end_time, nothing else."
}

type generationPromptInput struct {
	ModelKey      string
	UserPrompt    string
	Segments      []moments.SegmentTimestamp
	VideoDuration float64
	MinLength     float64
	MaxLength     float64
	MinMoments    int
	MaxMoments    int
}

func buildGenerationPrompt(in generationPromptInput) string {
	userPrompt := in.UserPrompt
	if userPrompt == "" {
		userPrompt = defaultGenerationPrompt
	}

	var data strings.Builder
	data.WriteString("Transcript segments:")
	for _, seg := range in.Segments {
		fmt.Fprintf(&data, "\n[%.2f] %s", seg.Start, seg.Text)
	}

	constraints := fmt.Sprintf(`CONSTRAINTS:
- Video duration: %.2f seconds
- Moment length: Between %.2f and %.2f seconds
- Number of moments: Between %d and %d
- All moments must be non-overlapping
- All start_time values must be >= 0
- All end_time values must be <= %.2f
- Each moment's end_time must be > start_time`,
		in.VideoDuration, in.MinLength, in.MaxLength,
		in.MinMoments, in.MaxMoments, in.VideoDuration)

	parts := []string{
		jsonHeader(in.ModelKey, shapeArray),
		userPrompt,
		segmentInputFormat,
		data.String(),
		arrayOutputFormat,
		constraints,
	}
	if footer := jsonFooter(in.ModelKey, shapeArray); footer != "" {
		parts = append(parts, footer)
	}
	return strings.Join(parts, "\n\n")
}

// refinementPromptInput carries one moment's refinement context. All
// times are normalized to the clip's coordinate system: the clip
// starts at 0.0 and ends at ClipDuration.
type refinementPromptInput struct {
	ModelKey     string
	Title        string
	WindowStart  float64
	WindowEnd    float64
	ClipDuration float64
	IncludeVideo bool
	Words        []moments.WordTimestamp
}

func buildRefinementPrompt(in refinementPromptInput) string {
	parts := []string{jsonHeader(in.ModelKey, shapeObject)}

	if in.IncludeVideo {
		parts = append(parts, videoInputContext)
	}

	medium, analyze := "audio", ""
	if in.IncludeVideo {
		medium, analyze = "video", " and video"
	}
	parts = append(parts, fmt.Sprintf(`TASK CONTEXT:
You are refining the timestamps for an existing video moment. The moment currently has the following information:
- Title: %q
- Current start time: %.2f seconds
- Current end time: %.2f seconds

IMPORTANT - COORDINATE SYSTEM:
All timestamps (transcript, video, and the current moment times above) are in the SAME normalized coordinate system:
- The clip starts at 0.00 seconds
- The clip ends at %.2f seconds
- Both the transcript and %s are aligned to this coordinate system
- Your output timestamps must also be in this coordinate system (0.00 to %.2f)

The current timestamps may not be precisely aligned with where the content actually begins and ends. Your task is to analyze the word-level transcript%s and determine the exact timestamps where this moment should start and end.`,
		in.Title, in.WindowStart, in.WindowEnd,
		in.ClipDuration, medium, in.ClipDuration, analyze))

	parts = append(parts, refinementInstruction, wordInputFormat)

	var data strings.Builder
	data.WriteString("Word-level transcript:")
	for _, w := range in.Words {
		fmt.Fprintf(&data, "\n[%.2f-%.2f] %s", w.Start, w.End, w.Word)
	}
	parts = append(parts, data.String(), objectOutputFormat(in.ClipDuration))

	if footer := jsonFooter(in.ModelKey, shapeObject); footer != "" {
		parts = append(parts, footer)
	}
	return strings.Join(parts, "\n\n")
}
