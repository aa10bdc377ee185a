// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/model"
)

const (
	defaultHistoryTTL     = 24 * time.Hour
	defaultHistoryMaxRuns = 50
)

// Status reads and writes the live-status hash for a run and archives
// it into the per-video history once the run is terminal.
type Status struct {
	client         *redis.Client
	logger         zerolog.Logger
	historyTTL     time.Duration
	historyMaxRuns int64
}

// StatusOptions tunes archival. Zero values select the defaults.
type StatusOptions struct {
	HistoryTTL     time.Duration
	HistoryMaxRuns int
}

func NewStatus(client *redis.Client, opts StatusOptions, logger zerolog.Logger) *Status {
	ttl := opts.HistoryTTL
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	maxRuns := opts.HistoryMaxRuns
	if maxRuns <= 0 {
		maxRuns = defaultHistoryMaxRuns
	}
	return &Status{
		client:         client,
		logger:         logger,
		historyTTL:     ttl,
		historyMaxRuns: int64(maxRuns),
	}
}

// Initialize writes the base record for a freshly submitted run:
// status pending, started_at now, every stage pending. Called by the
// submitter before the request enters the stream so status polls never
// observe a gap.
func (s *Status) Initialize(ctx context.Context, videoID, requestID string, cfg model.PipelineConfig) error {
	encoded, err := cfg.Encode()
	if err != nil {
		return fmt.Errorf("initialize status %s: encode config: %w", videoID, err)
	}

	values := map[string]interface{}{
		FieldRequestID:       requestID,
		FieldVideoID:         videoID,
		FieldStatus:          string(StatusPending),
		FieldGenerationModel: cfg.GenerationModel,
		FieldRefinementModel: cfg.RefinementModel,
		FieldConfig:          string(encoded),
		FieldStartedAt:       formatSeconds(nowSeconds()),
		FieldCompletedAt:     "",
		FieldCurrentStage:    "",
		FieldErrorStage:      "",
		FieldErrorMessage:    "",
	}
	for _, stage := range model.AllStages() {
		values[StageField(stage, "status")] = string(StagePending)
	}

	if err := s.client.HSet(ctx, ActiveKey(videoID), values).Err(); err != nil {
		return fmt.Errorf("initialize status %s: %w", videoID, err)
	}
	return nil
}

// MarkStageStarted flips a stage to processing and stamps its start.
func (s *Status) MarkStageStarted(ctx context.Context, videoID string, stage model.Stage) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		StageField(stage, "status"):     string(StageProcessing),
		StageField(stage, "started_at"): formatSeconds(nowSeconds()),
	})
}

func (s *Status) MarkStageCompleted(ctx context.Context, videoID string, stage model.Stage) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		StageField(stage, "status"):       string(StageCompleted),
		StageField(stage, "completed_at"): formatSeconds(nowSeconds()),
	})
}

func (s *Status) MarkStageSkipped(ctx context.Context, videoID string, stage model.Stage, reason string) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		StageField(stage, "status"):      string(StageSkipped),
		StageField(stage, "skipped"):     "true",
		StageField(stage, "skip_reason"): reason,
	})
}

// MarkStageFailed records the failing stage and message on both the
// stage fields and the top-level error slots.
func (s *Status) MarkStageFailed(ctx context.Context, videoID string, stage model.Stage, msg string) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		StageField(stage, "status"):       string(StageFailed),
		StageField(stage, "completed_at"): formatSeconds(nowSeconds()),
		FieldErrorStage:                   string(stage),
		FieldErrorMessage:                 msg,
	})
}

// SetPipelineStatus updates the top-level status and stamps
// completed_at when the status is terminal.
func (s *Status) SetPipelineStatus(ctx context.Context, videoID string, status PipelineStatus) error {
	values := map[string]interface{}{FieldStatus: string(status)}
	if status.IsTerminal() {
		values[FieldCompletedAt] = formatSeconds(nowSeconds())
	}
	return s.setFields(ctx, videoID, values)
}

func (s *Status) SetCurrentStage(ctx context.Context, videoID string, stage model.Stage) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		FieldCurrentStage: string(stage),
	})
}

// SetDownloadProgress writes byte counters for the download stage.
// total may be zero when the source did not announce a length.
func (s *Status) SetDownloadProgress(ctx context.Context, videoID string, done, total int64) error {
	values := map[string]interface{}{
		FieldDownloadBytes: strconv.FormatInt(done, 10),
		FieldDownloadTotal: strconv.FormatInt(total, 10),
	}
	if total > 0 {
		pct := float64(done) / float64(total) * 100
		values[FieldDownloadPercentage] = strconv.FormatFloat(pct, 'f', 1, 64)
	}
	return s.setFields(ctx, videoID, values)
}

// SetUploadProgress writes cumulative byte counters shared by the
// audio-upload and clip-upload stages.
func (s *Status) SetUploadProgress(ctx context.Context, videoID string, done, total int64) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		FieldUploadBytes: strconv.FormatInt(done, 10),
		FieldUploadTotal: strconv.FormatInt(total, 10),
	})
}

func (s *Status) SetClipsProgress(ctx context.Context, videoID string, total, processed, failed int) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		FieldClipsTotal:     strconv.Itoa(total),
		FieldClipsProcessed: strconv.Itoa(processed),
		FieldClipsFailed:    strconv.Itoa(failed),
	})
}

func (s *Status) SetRefinementProgress(ctx context.Context, videoID string, total, processed, successful int) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		FieldRefinementTotal:      strconv.Itoa(total),
		FieldRefinementProcessed:  strconv.Itoa(processed),
		FieldRefinementSuccessful: strconv.Itoa(successful),
	})
}

// SetAudioSignedURL stores the handoff URL produced by audio_upload.
func (s *Status) SetAudioSignedURL(ctx context.Context, videoID, url string) error {
	return s.setFields(ctx, videoID, map[string]interface{}{
		FieldAudioSignedURL: url,
	})
}

// AudioSignedURL reads the handoff URL for the transcript stage.
// Returns "" when the slot was never written.
func (s *Status) AudioSignedURL(ctx context.Context, videoID string) (string, error) {
	url, err := s.client.HGet(ctx, ActiveKey(videoID), FieldAudioSignedURL).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audio url %s: %w", videoID, err)
	}
	return url, nil
}

// Get returns the whole live-status hash, or nil when no run is
// active for the video.
func (s *Status) Get(ctx context.Context, videoID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, ActiveKey(videoID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", videoID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (s *Status) setFields(ctx context.Context, videoID string, values map[string]interface{}) error {
	if err := s.client.HSet(ctx, ActiveKey(videoID), values).Err(); err != nil {
		return fmt.Errorf("update status %s: %w", videoID, err)
	}
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 6, 64)
}

func parseSeconds(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
