// SPDX-License-Identifier: MIT

package state_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/state"
)

func setupStatus(t *testing.T) (*miniredis.Miniredis, *redis.Client, *state.Status) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start(), "start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client, state.NewStatus(client, state.StatusOptions{}, zerolog.Nop())
}

func initRun(t *testing.T, status *state.Status, videoID, requestID string) {
	t.Helper()
	cfg := model.DefaultPipelineConfig()
	cfg.VideoID = videoID
	require.NoError(t, status.Initialize(context.Background(), videoID, requestID, cfg))
}

func TestInitializeSetsBaseAndStageFields(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()

	initRun(t, status, "demo", "pipeline:demo:1")

	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "pipeline:demo:1", got["request_id"])
	assert.Equal(t, "demo", got["video_id"])
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, string(model.ModelQwen3VLFP8), got["generation_model"])
	assert.NotEmpty(t, got["started_at"])
	assert.Empty(t, got["completed_at"])

	for _, stage := range model.AllStages() {
		assert.Equal(t, "pending", got[string(stage)+"_status"], "stage %s", stage)
	}

	cfg, err := model.DecodePipelineConfig([]byte(got["config"]))
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.VideoID)
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	_, _, status := setupStatus(t)

	got, err := status.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStageLifecycleTimestamps(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	require.NoError(t, status.MarkStageStarted(ctx, "demo", model.StageAudio))
	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "processing", got["audio_status"])
	started, err := strconv.ParseFloat(got["audio_started_at"], 64)
	require.NoError(t, err)

	require.NoError(t, status.MarkStageCompleted(ctx, "demo", model.StageAudio))
	got, err = status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "completed", got["audio_status"])
	completed, err := strconv.ParseFloat(got["audio_completed_at"], 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, completed, started)
}

func TestMarkStageSkipped(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	require.NoError(t, status.MarkStageSkipped(ctx, "demo", model.StageClips, "Refinement model does not support video"))

	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "skipped", got["clips_status"])
	assert.Equal(t, "true", got["clips_skipped"])
	assert.Equal(t, "Refinement model does not support video", got["clips_skip_reason"])
	assert.Empty(t, got["clips_started_at"], "skipped stage must not carry a start time")
}

func TestMarkStageFailedSetsTopLevelError(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	require.NoError(t, status.MarkStageFailed(ctx, "demo", model.StageTranscript, "transcription service returned 503"))

	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "failed", got["transcript_status"])
	assert.Equal(t, "transcript", got["error_stage"])
	assert.Equal(t, "transcription service returned 503", got["error_message"])
	assert.NotEmpty(t, got["transcript_completed_at"])
}

func TestSetPipelineStatusStampsTerminal(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	require.NoError(t, status.SetPipelineStatus(ctx, "demo", state.StatusProcessing))
	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "processing", got["status"])
	assert.Empty(t, got["completed_at"])

	require.NoError(t, status.SetPipelineStatus(ctx, "demo", state.StatusCompleted))
	got, err = status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "completed", got["status"])
	assert.NotEmpty(t, got["completed_at"])
}

func TestProgressSetters(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	require.NoError(t, status.SetDownloadProgress(ctx, "demo", 512, 2048))
	require.NoError(t, status.SetClipsProgress(ctx, "demo", 5, 3, 1))
	require.NoError(t, status.SetRefinementProgress(ctx, "demo", 4, 2, 2))

	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "512", got["download_bytes"])
	assert.Equal(t, "2048", got["download_total"])
	assert.Equal(t, "25.0", got["download_percentage"])
	assert.Equal(t, "5", got["clips_total"])
	assert.Equal(t, "3", got["clips_processed"])
	assert.Equal(t, "1", got["clips_failed"])
	assert.Equal(t, "4", got["refinement_total"])
	assert.Equal(t, "2", got["refinement_processed"])
	assert.Equal(t, "2", got["refinement_successful"])
}

func TestDownloadProgressWithoutTotal(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	require.NoError(t, status.SetDownloadProgress(ctx, "demo", 512, 0))

	got, err := status.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "512", got["download_bytes"])
	assert.Empty(t, got["download_percentage"], "no percentage without a known total")
}

func TestAudioSignedURLHandoff(t *testing.T) {
	_, _, status := setupStatus(t)
	ctx := context.Background()
	initRun(t, status, "demo", "pipeline:demo:1")

	url, err := status.AudioSignedURL(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, url)

	require.NoError(t, status.SetAudioSignedURL(ctx, "demo", "http://localhost:8080/objects/audio/demo.wav?sig=abc"))

	url, err = status.AudioSignedURL(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/objects/audio/demo.wav?sig=abc", url)
}
