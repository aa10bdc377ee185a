// SPDX-License-Identifier: MIT

package state

import (
	"strconv"

	"github.com/clipline/clipline/internal/model"
)

// Record is the typed view of a live-status or archived-run hash.
// Status readers (HTTP handlers, tests) use it instead of poking at
// raw field names; durations are derived here, never stored.
type Record struct {
	RequestID       string         `json:"request_id"`
	VideoID         string         `json:"video_id"`
	Status          PipelineStatus `json:"status"`
	GenerationModel string         `json:"generation_model"`
	RefinementModel string         `json:"refinement_model"`
	Config          string         `json:"config,omitempty"`
	StartedAt       float64        `json:"started_at"`
	CompletedAt     float64        `json:"completed_at,omitempty"`
	CurrentStage    model.Stage    `json:"current_stage,omitempty"`
	ErrorStage      string         `json:"error_stage,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`

	Stages map[model.Stage]StageRecord `json:"stages"`

	DownloadBytes      int64   `json:"download_bytes,omitempty"`
	DownloadTotal      int64   `json:"download_total,omitempty"`
	DownloadPercentage float64 `json:"download_percentage,omitempty"`
	UploadBytes        int64   `json:"upload_bytes,omitempty"`
	UploadTotal        int64   `json:"upload_total,omitempty"`

	ClipsTotal     int `json:"clips_total,omitempty"`
	ClipsProcessed int `json:"clips_processed,omitempty"`
	ClipsFailed    int `json:"clips_failed,omitempty"`

	RefinementTotal      int `json:"refinement_total,omitempty"`
	RefinementProcessed  int `json:"refinement_processed,omitempty"`
	RefinementSuccessful int `json:"refinement_successful,omitempty"`

	AudioSignedURL string `json:"audio_signed_url,omitempty"`
}

// StageRecord is the typed view of one stage's fields.
type StageRecord struct {
	Status      StageStatus `json:"status"`
	StartedAt   float64     `json:"started_at,omitempty"`
	CompletedAt float64     `json:"completed_at,omitempty"`
	Skipped     bool        `json:"skipped,omitempty"`
	SkipReason  string      `json:"skip_reason,omitempty"`
}

// Duration returns the run's elapsed seconds, zero until terminal.
func (r Record) Duration() float64 {
	if r.CompletedAt <= 0 || r.StartedAt <= 0 {
		return 0
	}
	return r.CompletedAt - r.StartedAt
}

// Duration returns the stage's elapsed seconds, zero until completed.
func (sr StageRecord) Duration() float64 {
	if sr.CompletedAt <= 0 || sr.StartedAt <= 0 {
		return 0
	}
	return sr.CompletedAt - sr.StartedAt
}

// ParseRecord builds the typed view from a raw hash snapshot.
func ParseRecord(fields map[string]string) Record {
	r := Record{
		RequestID:       fields[FieldRequestID],
		VideoID:         fields[FieldVideoID],
		Status:          PipelineStatus(fields[FieldStatus]),
		GenerationModel: fields[FieldGenerationModel],
		RefinementModel: fields[FieldRefinementModel],
		Config:          fields[FieldConfig],
		StartedAt:       parseSeconds(fields[FieldStartedAt]),
		CompletedAt:     parseSeconds(fields[FieldCompletedAt]),
		CurrentStage:    model.Stage(fields[FieldCurrentStage]),
		ErrorStage:      fields[FieldErrorStage],
		ErrorMessage:    fields[FieldErrorMessage],

		DownloadBytes:      parseInt64(fields[FieldDownloadBytes]),
		DownloadTotal:      parseInt64(fields[FieldDownloadTotal]),
		DownloadPercentage: parseSeconds(fields[FieldDownloadPercentage]),
		UploadBytes:        parseInt64(fields[FieldUploadBytes]),
		UploadTotal:        parseInt64(fields[FieldUploadTotal]),

		ClipsTotal:     parseInt(fields[FieldClipsTotal]),
		ClipsProcessed: parseInt(fields[FieldClipsProcessed]),
		ClipsFailed:    parseInt(fields[FieldClipsFailed]),

		RefinementTotal:      parseInt(fields[FieldRefinementTotal]),
		RefinementProcessed:  parseInt(fields[FieldRefinementProcessed]),
		RefinementSuccessful: parseInt(fields[FieldRefinementSuccessful]),

		AudioSignedURL: fields[FieldAudioSignedURL],
	}

	r.Stages = make(map[model.Stage]StageRecord, len(model.AllStages()))
	for _, stage := range model.AllStages() {
		status, ok := fields[StageField(stage, "status")]
		if !ok {
			continue
		}
		r.Stages[stage] = StageRecord{
			Status:      StageStatus(status),
			StartedAt:   parseSeconds(fields[StageField(stage, "started_at")]),
			CompletedAt: parseSeconds(fields[StageField(stage, "completed_at")]),
			Skipped:     fields[StageField(stage, "skipped")] == "true",
			SkipReason:  fields[StageField(stage, "skip_reason")],
		}
	}
	return r
}

func parseInt64(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(raw string) int {
	return int(parseInt64(raw))
}
