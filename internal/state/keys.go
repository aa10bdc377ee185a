// SPDX-License-Identifier: MIT

// Package state owns the control-plane records kept in Redis: the live
// status hash for the run in flight, the per-video lock and cancel
// flag, and the archived run history. All writes go through the lock
// holder; HTTP readers only ever observe whole hash snapshots.
package state

import "github.com/clipline/clipline/internal/model"

// Stream names shared by submitter and worker.
const (
	RequestStream = "pipeline:requests"
	ConsumerGroup = "pipeline_workers"
)

// PipelineStatus is the top-level run status. It only moves forward:
// pending, processing, then exactly one terminal value.
type PipelineStatus string

const (
	StatusPending    PipelineStatus = "pending"
	StatusProcessing PipelineStatus = "processing"
	StatusCompleted  PipelineStatus = "completed"
	StatusFailed     PipelineStatus = "failed"
	StatusCancelled  PipelineStatus = "cancelled"
)

// IsTerminal reports whether s ends a run.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageStatus is the per-stage status stored under "{stage}_status".
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
	StageFailed     StageStatus = "failed"
)

// Hash field names of the live-status record. Stage-scoped fields are
// built with StageField.
const (
	FieldRequestID       = "request_id"
	FieldVideoID         = "video_id"
	FieldStatus          = "status"
	FieldGenerationModel = "generation_model"
	FieldRefinementModel = "refinement_model"
	FieldConfig          = "config"
	FieldStartedAt       = "started_at"
	FieldCompletedAt     = "completed_at"
	FieldCurrentStage    = "current_stage"
	FieldErrorStage      = "error_stage"
	FieldErrorMessage    = "error_message"

	FieldDownloadBytes      = "download_bytes"
	FieldDownloadTotal      = "download_total"
	FieldDownloadPercentage = "download_percentage"
	FieldUploadBytes        = "upload_bytes"
	FieldUploadTotal        = "upload_total"
	FieldClipsTotal         = "clips_total"
	FieldClipsProcessed     = "clips_processed"
	FieldClipsFailed        = "clips_failed"

	FieldRefinementTotal      = "refinement_total"
	FieldRefinementProcessed  = "refinement_processed"
	FieldRefinementSuccessful = "refinement_successful"

	// Handoff slot written by audio_upload and read by transcript.
	FieldAudioSignedURL = "audio_signed_url"
)

func ActiveKey(videoID string) string  { return "pipeline:" + videoID + ":active" }
func RunKey(requestID string) string   { return "run:" + requestID }
func HistoryKey(videoID string) string { return "pipeline:" + videoID + ":history" }
func LockKey(videoID string) string    { return "lock:" + videoID }
func CancelKey(videoID string) string  { return "cancel:" + videoID }

// StageField builds a stage-scoped hash field, e.g. "audio_status".
func StageField(stage model.Stage, suffix string) string {
	return string(stage) + "_" + suffix
}
