// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/state"
	"github.com/clipline/clipline/internal/telemetry"
)

// textOnlySkipReason is stored on the clip stages when the refinement
// model cannot consume video and the run shortens to the six-stage
// sequence.
const textOnlySkipReason = "Refinement model does not support video"

// ErrHalted reports a run stopped by worker shutdown. Nothing terminal
// is written: the status stays processing, the stream entry stays
// unacknowledged, and a reclaiming worker resumes the video.
var ErrHalted = errors.New("run halted by shutdown")

// Orchestrator drives one pipeline run stage by stage, recording every
// transition in the live status hash. The caller holds the per-video
// lock for the whole run.
type Orchestrator struct {
	status *state.Status
	locks  *state.Locks
	models *registry.Store
	stages StageRunner
	logger zerolog.Logger
}

func NewOrchestrator(status *state.Status, locks *state.Locks, models *registry.Store, stages StageRunner, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		status: status,
		locks:  locks,
		models: models,
		stages: stages,
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Result summarizes a finished run. Exactly one of Success, Cancelled
// or a non-empty FailedStage holds.
type Result struct {
	Success     bool
	Cancelled   bool
	FailedStage model.Stage
}

// Process runs the stage sequence for one video. The sequence depends
// on the refinement model: models without video support skip clip
// extraction and upload entirely. A cancel request is checked between
// stages, never mid-stage; a running stage always finishes. Worker
// shutdown is different: it halts the run with ErrHalted and leaves
// the status mid-flight for whoever reclaims the request.
func (o *Orchestrator) Process(ctx context.Context, videoID string, cfg model.PipelineConfig) (Result, error) {
	log := o.logger.With().Str("video_id", videoID).Logger()

	if ctx.Err() != nil {
		return Result{}, ErrHalted
	}

	supportsVideo, err := o.models.SupportsVideo(ctx, cfg.RefinementModel)
	if err != nil {
		o.setStatus(ctx, videoID, state.StatusFailed)
		runsTotal.WithLabelValues("failed").Inc()
		return Result{}, Errf(KindStoreUnavailable, "resolve video support", err)
	}

	sequence := model.FullSequence()
	if !supportsVideo {
		sequence = model.TextOnlySequence()
		// No clip ever reaches the model, so video refinement is off
		// regardless of what the request asked for.
		cfg.IncludeVideoRefinement = false
		for _, st := range []model.Stage{model.StageClips, model.StageClipUpload} {
			o.markSkipped(ctx, log, videoID, st, textOnlySkipReason)
		}
		log.Info().Str("refinement_model", cfg.RefinementModel).Msg("text-only sequence selected")
	}

	if err := o.status.SetPipelineStatus(ctx, videoID, state.StatusProcessing); err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return Result{}, Errf(KindStoreUnavailable, "set pipeline status", err)
	}

	for _, st := range sequence {
		if ctx.Err() != nil {
			runsTotal.WithLabelValues("halted").Inc()
			log.Info().Str("stage", st.String()).Msg("run halted by shutdown")
			return Result{}, ErrHalted
		}

		cancelled, err := o.locks.CancelRequested(ctx, videoID)
		if err != nil {
			log.Warn().Err(err).Msg("cancel flag read failed")
		}
		if cancelled {
			o.setStatus(ctx, videoID, state.StatusCancelled)
			if err := o.locks.ClearCancel(ctx, videoID); err != nil {
				log.Warn().Err(err).Msg("cancel flag clear failed")
			}
			runsTotal.WithLabelValues("cancelled").Inc()
			log.Info().Str("stage", st.String()).Msg("run cancelled")
			return Result{Cancelled: true}, nil
		}

		skip, reason, err := o.stages.ShouldSkip(ctx, st, videoID, cfg)
		if err != nil {
			return o.failStage(ctx, log, videoID, st, err)
		}
		if skip {
			o.markSkipped(ctx, log, videoID, st, reason)
			continue
		}

		if err := o.status.SetCurrentStage(ctx, videoID, st); err != nil {
			log.Warn().Err(err).Str("stage", st.String()).Msg("stage mark failed")
		}
		if err := o.status.MarkStageStarted(ctx, videoID, st); err != nil {
			log.Warn().Err(err).Str("stage", st.String()).Msg("stage mark failed")
		}

		started := time.Now()
		stageCtx, span := telemetry.Tracer("clipline/pipeline").Start(ctx, "stage."+st.String(),
			trace.WithAttributes(attribute.String(telemetry.StageNameKey, st.String())))
		runErr := o.stages.Run(stageCtx, st, videoID, cfg)
		stageDuration.WithLabelValues(st.String()).Observe(time.Since(started).Seconds())
		if runErr != nil {
			if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
				// Shutdown tore down the stage, not the stage itself
				// failing. Leave the run resumable instead of marking
				// it failed.
				endStageSpan(span, "halted", nil)
				runsTotal.WithLabelValues("halted").Inc()
				log.Info().Str("stage", st.String()).Msg("stage aborted by shutdown")
				return Result{}, ErrHalted
			}
			endStageSpan(span, "failed", runErr)
			return o.failStage(ctx, log, videoID, st, runErr)
		}
		endStageSpan(span, "completed", nil)

		stageTotal.WithLabelValues(st.String(), "completed").Inc()
		if err := o.status.MarkStageCompleted(ctx, videoID, st); err != nil {
			log.Warn().Err(err).Str("stage", st.String()).Msg("stage mark failed")
		}
		log.Info().Str("stage", st.String()).Dur("elapsed", time.Since(started)).Msg("stage completed")

		if ok, err := o.locks.Refresh(ctx, videoID); err != nil {
			log.Warn().Err(err).Msg("lock refresh failed")
		} else if !ok {
			// The TTL outlasts any stage timeout, so a lost lock means an
			// operator released it by hand. The work is already in
			// flight; finish it.
			log.Warn().Msg("pipeline lock no longer held")
		}
	}

	o.setStatus(ctx, videoID, state.StatusCompleted)
	runsTotal.WithLabelValues("completed").Inc()
	log.Info().Msg("run completed")
	return Result{Success: true}, nil
}

func endStageSpan(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String(telemetry.StageResultKey, result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *Orchestrator) markSkipped(ctx context.Context, log zerolog.Logger, videoID string, st model.Stage, reason string) {
	if err := o.status.MarkStageSkipped(ctx, videoID, st, reason); err != nil {
		log.Warn().Err(err).Str("stage", st.String()).Msg("skip mark failed")
	}
	stageTotal.WithLabelValues(st.String(), "skipped").Inc()
	log.Info().Str("stage", st.String()).Str("reason", reason).Msg("stage skipped")
}

func (o *Orchestrator) failStage(ctx context.Context, log zerolog.Logger, videoID string, st model.Stage, runErr error) (Result, error) {
	stageTotal.WithLabelValues(st.String(), "failed").Inc()
	if err := o.status.MarkStageFailed(ctx, videoID, st, runErr.Error()); err != nil {
		log.Warn().Err(err).Str("stage", st.String()).Msg("failure mark failed")
	}
	o.setStatus(ctx, videoID, state.StatusFailed)
	runsTotal.WithLabelValues("failed").Inc()
	log.Error().Err(runErr).
		Str("stage", st.String()).
		Str("kind", KindOf(runErr).String()).
		Msg("stage failed")
	return Result{FailedStage: st}, runErr
}

// setStatus writes a terminal run status. A failed write is logged and
// swallowed: the archive step retries the snapshot and the TTL reaps
// records nothing could update.
func (o *Orchestrator) setStatus(ctx context.Context, videoID string, s state.PipelineStatus) {
	if err := o.status.SetPipelineStatus(ctx, videoID, s); err != nil {
		o.logger.Warn().Err(err).Str("video_id", videoID).Str("status", string(s)).Msg("status write failed")
	}
}
