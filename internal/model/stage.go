// SPDX-License-Identifier: MIT

// Package model holds the shared control-plane records: pipeline stages,
// request configuration, and the stream entry format.
package model

// Stage is one step in the pipeline sequence. The string value is the tag
// used as field prefix in the live-status hash and in API responses.
type Stage string

const (
	StageDownload    Stage = "download"
	StageAudio       Stage = "audio"
	StageAudioUpload Stage = "audio_upload"
	StageTranscript  Stage = "transcript"
	StageGeneration  Stage = "generation"
	StageClips       Stage = "clips"
	StageClipUpload  Stage = "clip_upload"
	StageRefinement  Stage = "refinement"
)

// FullSequence is the 8-stage order used when the refinement model accepts
// video input.
func FullSequence() []Stage {
	return []Stage{
		StageDownload,
		StageAudio,
		StageAudioUpload,
		StageTranscript,
		StageGeneration,
		StageClips,
		StageClipUpload,
		StageRefinement,
	}
}

// TextOnlySequence omits clip extraction and upload; it is selected when the
// refinement model cannot consume video.
func TextOnlySequence() []Stage {
	return []Stage{
		StageDownload,
		StageAudio,
		StageAudioUpload,
		StageTranscript,
		StageGeneration,
		StageRefinement,
	}
}

// AllStages returns every known stage tag in pipeline order, regardless of
// the selected sequence. Status initialization pre-creates fields for all of
// them.
func AllStages() []Stage {
	return FullSequence()
}

func (s Stage) String() string { return string(s) }
