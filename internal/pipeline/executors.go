// SPDX-License-Identifier: MIT

// Package pipeline runs video-processing pipelines: per-stage
// executors, the orchestrator driving them in sequence, and the
// process-wide concurrency limits they share.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/download"
	"github.com/clipline/clipline/internal/inference"
	"github.com/clipline/clipline/internal/jobs"
	"github.com/clipline/clipline/internal/media/ffmpeg"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/repo"
	"github.com/clipline/clipline/internal/staging"
	"github.com/clipline/clipline/internal/state"
)

// Job types recorded in the tracker for stages with granular progress.
const (
	jobAudioExtraction = "audio_extraction"
	jobClipExtraction  = "clip_extraction"
	jobRefinement      = "moment_refinement"
)

// StageRunner is what the orchestrator drives: skip decisions and
// stage execution. Implemented by Executors; tests substitute scripted
// fakes.
type StageRunner interface {
	ShouldSkip(ctx context.Context, stage model.Stage, videoID string, cfg model.PipelineConfig) (bool, string, error)
	Run(ctx context.Context, stage model.Stage, videoID string, cfg model.PipelineConfig) error
}

// ExecutorConfig tunes the stage executors. Zero values select the
// documented defaults.
type ExecutorConfig struct {
	GenerationStageTimeout  time.Duration // whole generation stage, default 900 s
	RefinementMomentTimeout time.Duration // per refined moment, default 600 s
	ClipTimeout             time.Duration // per extracted clip, default 300 s
	ClipParallelWorkers     int           // fan-out inside the clips stage, default 4
	SignedURLTTL            time.Duration // audio and clip handoff URLs, default 1 h
	Alignment               moments.Alignment
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.GenerationStageTimeout <= 0 {
		c.GenerationStageTimeout = 900 * time.Second
	}
	if c.RefinementMomentTimeout <= 0 {
		c.RefinementMomentTimeout = 600 * time.Second
	}
	if c.ClipTimeout <= 0 {
		c.ClipTimeout = 300 * time.Second
	}
	if c.ClipParallelWorkers <= 0 {
		c.ClipParallelWorkers = 4
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = time.Hour
	}
	if c.Alignment == (moments.Alignment{}) {
		c.Alignment = moments.DefaultAlignment()
	}
	return c
}

// Executors holds every dependency the stage implementations share.
type Executors struct {
	cfg     ExecutorConfig
	repos   repo.Store
	objects objstore.Store
	status  *state.Status
	jobs    *jobs.Tracker
	layout  staging.Layout
	tools   *ffmpeg.Tools
	fetch   *download.Downloader
	connect *inference.Connector
	chat    *inference.ChatClient
	stt     *inference.TranscribeClient
	models  *registry.Store
	limits  *Limits
	logger  zerolog.Logger
}

// Deps bundles the executor dependencies for construction.
type Deps struct {
	Repos      repo.Store
	Objects    objstore.Store
	Status     *state.Status
	Jobs       *jobs.Tracker
	Layout     staging.Layout
	Tools      *ffmpeg.Tools
	Downloader *download.Downloader
	Connector  *inference.Connector
	Chat       *inference.ChatClient
	Transcribe *inference.TranscribeClient
	Models     *registry.Store
	Limits     *Limits
}

func NewExecutors(cfg ExecutorConfig, deps Deps, logger zerolog.Logger) *Executors {
	return &Executors{
		cfg:     cfg.withDefaults(),
		repos:   deps.Repos,
		objects: deps.Objects,
		status:  deps.Status,
		jobs:    deps.Jobs,
		layout:  deps.Layout,
		tools:   deps.Tools,
		fetch:   deps.Downloader,
		connect: deps.Connector,
		chat:    deps.Chat,
		stt:     deps.Transcribe,
		models:  deps.Models,
		limits:  deps.Limits,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run dispatches one stage. The orchestrator has already decided the
// stage is not skipped.
func (e *Executors) Run(ctx context.Context, stage model.Stage, videoID string, cfg model.PipelineConfig) error {
	switch stage {
	case model.StageDownload:
		return e.runDownload(ctx, videoID, cfg)
	case model.StageAudio:
		return e.runAudio(ctx, videoID)
	case model.StageAudioUpload:
		return e.runAudioUpload(ctx, videoID)
	case model.StageTranscript:
		return e.runTranscript(ctx, videoID)
	case model.StageGeneration:
		return e.runGeneration(ctx, videoID, cfg)
	case model.StageClips:
		return e.runClips(ctx, videoID, cfg)
	case model.StageClipUpload:
		return e.runClipUpload(ctx, videoID, cfg)
	case model.StageRefinement:
		return e.runRefinement(ctx, videoID, cfg)
	default:
		return StageErr(KindValidationFailed, stage, "dispatch", fmt.Errorf("unknown stage %q", stage))
	}
}

// ShouldSkip evaluates the per-stage skip rule against repository and
// filesystem state. The returned reason is stored verbatim in the
// status record.
func (e *Executors) ShouldSkip(ctx context.Context, stage model.Stage, videoID string, cfg model.PipelineConfig) (bool, string, error) {
	switch stage {
	case model.StageDownload:
		return e.skipDownload(ctx, videoID, cfg)
	case model.StageAudio:
		path, err := e.layout.AudioPath(videoID)
		if err != nil {
			return false, "", StageErr(KindValidationFailed, stage, "resolve audio path", err)
		}
		if staging.Exists(path) {
			return true, "Audio file already exists", nil
		}
		return false, "", nil
	case model.StageAudioUpload:
		// Signed URLs expire; every run uploads and re-signs.
		return false, "", nil
	case model.StageTranscript:
		tr, err := e.repos.GetTranscript(ctx, videoID)
		if err != nil {
			return false, "", StageErr(KindStoreUnavailable, stage, "load transcript", err)
		}
		if tr != nil {
			return true, "Transcript already exists", nil
		}
		return false, "", nil
	case model.StageGeneration:
		if cfg.OverrideExistingMoments {
			return false, "", nil
		}
		ms, err := e.repos.MomentsByVideo(ctx, videoID)
		if err != nil {
			return false, "", StageErr(KindStoreUnavailable, stage, "load moments", err)
		}
		if len(ms) > 0 {
			return true, "Moments already exist", nil
		}
		return false, "", nil
	case model.StageClips:
		return e.skipClips(ctx, videoID, cfg)
	case model.StageClipUpload:
		return e.skipClipUpload(ctx, videoID, cfg)
	case model.StageRefinement:
		return e.skipRefinement(ctx, videoID, cfg)
	default:
		return false, "", nil
	}
}

func (e *Executors) skipDownload(ctx context.Context, videoID string, cfg model.PipelineConfig) (bool, string, error) {
	if !cfg.ForceDownload {
		v, err := e.repos.GetVideo(ctx, videoID)
		if err != nil {
			return false, "", StageErr(KindStoreUnavailable, model.StageDownload, "load video", err)
		}
		if v != nil {
			return true, "Video already in repository", nil
		}
	}
	if cfg.VideoURL == "" {
		return false, "", StageErr(KindValidationFailed, model.StageDownload, "resolve source",
			errors.New("video not in repository and no video_url provided"))
	}
	return false, "", nil
}

func (e *Executors) skipClips(ctx context.Context, videoID string, cfg model.PipelineConfig) (bool, string, error) {
	originals, err := e.repos.OriginalsByVideo(ctx, videoID)
	if err != nil {
		return false, "", StageErr(KindStoreUnavailable, model.StageClips, "load moments", err)
	}
	if len(originals) == 0 {
		return true, "No moments to extract clips for", nil
	}
	if cfg.OverrideExistingMoments {
		return false, "", nil
	}
	for _, m := range originals {
		path, err := e.layout.ClipPath(videoID, m.ID)
		if err != nil || !staging.Exists(path) {
			return false, "", nil
		}
	}
	return true, "All clips already extracted", nil
}

func (e *Executors) skipClipUpload(ctx context.Context, videoID string, cfg model.PipelineConfig) (bool, string, error) {
	originals, err := e.repos.OriginalsByVideo(ctx, videoID)
	if err != nil {
		return false, "", StageErr(KindStoreUnavailable, model.StageClipUpload, "load moments", err)
	}
	if len(originals) == 0 {
		return true, "No moments to upload clips for", nil
	}
	if cfg.OverrideExistingMoments {
		return false, "", nil
	}
	for _, m := range originals {
		if m.CloudPath == "" {
			return false, "", nil
		}
	}
	return true, "All clips already uploaded", nil
}

func (e *Executors) skipRefinement(ctx context.Context, videoID string, cfg model.PipelineConfig) (bool, string, error) {
	all, err := e.repos.MomentsByVideo(ctx, videoID)
	if err != nil {
		return false, "", StageErr(KindStoreUnavailable, model.StageRefinement, "load moments", err)
	}
	originals := splitOriginals(all)
	if len(originals) == 0 {
		return true, "No moments to refine", nil
	}
	if cfg.OverrideExistingRefinement {
		return false, "", nil
	}
	if len(refinementTargets(all, false)) == 0 {
		return true, "All moments already refined", nil
	}
	return false, "", nil
}

func splitOriginals(all []moments.Moment) []moments.Moment {
	var out []moments.Moment
	for _, m := range all {
		if !m.IsRefined {
			out = append(out, m)
		}
	}
	return out
}

// refinementTargets selects the moments the refinement stage works on:
// every original under override, otherwise only originals without a
// refined child yet.
func refinementTargets(all []moments.Moment, override bool) []moments.Moment {
	refined := make(map[string]bool, len(all))
	for _, m := range all {
		if m.IsRefined && m.ParentID != "" {
			refined[m.ParentID] = true
		}
	}
	var out []moments.Moment
	for _, m := range all {
		if m.IsRefined {
			continue
		}
		if override || !refined[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// remoteKind classifies an error from a model-service call.
func remoteKind(err error) Kind {
	var se *inference.StatusError
	if errors.As(err, &se) {
		return KindRemoteServiceError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRemoteTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRemoteTimeout
	}
	return KindRemoteServiceError
}

// modelKind classifies a registry lookup failure.
func modelKind(err error) Kind {
	if errors.Is(err, registry.ErrUnknownModel) {
		return KindValidationFailed
	}
	return KindStoreUnavailable
}

// jobStart opens a tracker record for observability. Tracker failures
// never fail the stage; the pipeline lock already guarantees
// exclusivity.
func (e *Executors) jobStart(ctx context.Context, jobType, videoID, subID string) {
	created, err := e.jobs.Create(ctx, jobType, videoID, subID, nil)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_type", jobType).Str("video_id", videoID).Msg("job create failed")
		return
	}
	if !created {
		e.logger.Warn().Str("job_type", jobType).Str("video_id", videoID).Str("sub_id", subID).Msg("job already running")
	}
}

func (e *Executors) jobFinish(ctx context.Context, jobType, videoID, subID string, runErr error) {
	var err error
	if runErr != nil {
		_, err = e.jobs.Fail(ctx, jobType, videoID, subID, runErr.Error())
	} else {
		_, err = e.jobs.Complete(ctx, jobType, videoID, subID, nil)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("job_type", jobType).Str("video_id", videoID).Msg("job finalize failed")
	}
}

var _ StageRunner = (*Executors)(nil)
