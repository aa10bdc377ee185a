// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clipline/clipline/internal/inference"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
	"github.com/clipline/clipline/internal/repo"
)

// runRefinement asks the refinement model for tighter boundaries on
// every original moment that still needs them. Moments refine
// independently and in parallel; one bad response never aborts the
// siblings. The stage fails only when not a single moment refined.
func (e *Executors) runRefinement(ctx context.Context, videoID string, cfg model.PipelineConfig) error {
	const stage = model.StageRefinement

	mc, err := e.models.Get(ctx, cfg.RefinementModel)
	if err != nil {
		return StageErr(modelKind(err), stage, "resolve refinement model", err)
	}

	all, err := e.repos.MomentsByVideo(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load moments", err)
	}
	targets := refinementTargets(all, cfg.OverrideExistingRefinement)
	if len(targets) == 0 {
		e.logger.Info().Str("video_id", videoID).Msg("nothing to refine")
		return nil
	}

	tr, err := e.repos.GetTranscript(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load transcript", err)
	}
	if tr == nil {
		return StageErr(KindResourceNotFound, stage, "load transcript",
			errors.New("transcript not persisted; refinement needs word timestamps"))
	}

	v, err := e.repos.GetVideo(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load video", err)
	}
	if v == nil {
		return StageErr(KindResourceNotFound, stage, "load video",
			errors.New("video not in repository"))
	}

	includeVideo := cfg.IncludeVideoRefinement && mc.SupportsVideo

	scope, err := e.connect.Connect(ctx, cfg.RefinementModel, inference.PathChatCompletions)
	if err != nil {
		return StageErr(KindTunnelUnavailable, stage, "connect refinement model", err)
	}
	defer scope.Close()

	// Refined children link to the parameters of the run that produced
	// them, same as generated moments do.
	configID := uuid.NewString()
	if err := e.repos.PutGenerationConfig(ctx, repo.GenerationConfig{
		ID:          configID,
		VideoID:     videoID,
		Model:       cfg.RefinementModel,
		Temperature: cfg.RefinementTemperature,
		MinLen:      cfg.MinMomentLength,
		MaxLen:      cfg.MaxMomentLength,
		MinMoments:  cfg.MinMoments,
		MaxMoments:  cfg.MaxMoments,
		Prompt:      refinementInstruction,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return StageErr(KindStoreUnavailable, stage, "record refinement config", err)
	}

	total := len(targets)
	if err := e.status.SetRefinementProgress(ctx, videoID, total, 0, 0); err != nil {
		e.logger.Warn().Err(err).Str("video_id", videoID).Msg("refinement progress write failed")
	}

	run := refinementRun{
		videoID:      videoID,
		modelKey:     cfg.RefinementModel,
		modelID:      mc.ModelID,
		topP:         mc.TopP,
		topK:         mc.TopK,
		temperature:  cfg.RefinementTemperature,
		configID:     configID,
		duration:     v.DurationSeconds,
		words:        tr.Words,
		includeVideo: includeVideo,
		url:          scope.URL(),
	}

	var (
		mu         sync.Mutex
		processed  int
		successful int
		lastErr    error
	)
	workers := cfg.RefinementParallelWorkers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, m := range targets {
		g.Go(func() error {
			runErr := e.refineOne(ctx, run, m)
			if runErr != nil {
				e.logger.Warn().Err(runErr).
					Str("video_id", videoID).
					Str("moment_id", m.ID).
					Msg("moment refinement failed")
			}
			mu.Lock()
			defer mu.Unlock()
			processed++
			if runErr == nil {
				successful++
			} else {
				lastErr = runErr
			}
			if err := e.status.SetRefinementProgress(ctx, videoID, total, processed, successful); err != nil {
				e.logger.Warn().Err(err).Str("video_id", videoID).Msg("refinement progress write failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if successful == 0 {
		kind := KindOf(lastErr)
		if kind == KindUnknown {
			kind = KindRemoteServiceError
		}
		return StageErr(kind, stage, "refine moments",
			fmt.Errorf("all %d refinements failed: %w", total, lastErr))
	}
	e.logger.Info().
		Str("video_id", videoID).
		Int("total", total).
		Int("refined", successful).
		Int("failed", processed-successful).
		Bool("video_context", includeVideo).
		Msg("moments refined")
	return nil
}

// refinementRun carries the per-stage constants into the per-moment
// tasks.
type refinementRun struct {
	videoID      string
	modelKey     string
	modelID      string
	topP         *float64
	topK         *int
	temperature  float64
	configID     string
	duration     float64
	words        []moments.WordTimestamp
	includeVideo bool
	url          string
}

// refineOne refines a single moment: build the clip-local prompt, call
// the model, map the returned window back to video coordinates and
// persist the refined child.
func (e *Executors) refineOne(ctx context.Context, run refinementRun, m moments.Moment) error {
	release, err := e.limits.Acquire(ctx, ClassRefinement)
	if err != nil {
		return Errf(KindOf(err), "acquire refinement permit", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RefinementMomentTimeout)
	defer cancel()

	// The model reasons in clip coordinates: the extraction window is
	// the frame of reference and the clip starts at 0.0.
	clipStart, clipEnd := e.cfg.Alignment.Window(m, run.words, run.duration)
	winWords := moments.NormalizeWords(moments.WordsWithin(run.words, clipStart, clipEnd), clipStart)

	withVideo := run.includeVideo && m.CloudPath != ""
	prompt := buildRefinementPrompt(refinementPromptInput{
		ModelKey:     run.modelKey,
		Title:        m.Title,
		WindowStart:  m.StartTime - clipStart,
		WindowEnd:    m.EndTime - clipStart,
		ClipDuration: clipEnd - clipStart,
		IncludeVideo: withVideo,
		Words:        winWords,
	})

	var message inference.ChatMessage
	if withVideo {
		signed, err := e.objects.SignedURL(m.CloudPath, e.cfg.SignedURLTTL)
		if err != nil {
			return Errf(KindRemoteServiceError, "sign clip url", err)
		}
		message = inference.VideoMessage(prompt, signed)
	} else {
		message = inference.TextMessage(prompt)
	}

	e.jobStart(ctx, jobRefinement, run.videoID, m.ID)
	content, err := e.chat.Complete(ctx, run.url, []inference.ChatMessage{message}, inference.ChatParams{
		Temperature: run.temperature,
		Model:       run.modelID,
		TopP:        run.topP,
		TopK:        run.topK,
	})
	e.jobFinish(ctx, jobRefinement, run.videoID, m.ID, err)
	if err != nil {
		return Errf(remoteKind(err), "request refinement", err)
	}

	win, err := moments.DecodeWindow(content)
	if err != nil {
		return Errf(KindParseError, "decode window", err)
	}

	newStart := win.StartTime + clipStart
	newEnd := win.EndTime + clipStart
	if newStart < 0 || (run.duration > 0 && newEnd > run.duration) {
		return Errf(KindValidationFailed, "check window",
			fmt.Errorf("refined window [%.2f, %.2f] outside video bounds", newStart, newEnd))
	}

	child := moments.Moment{
		ID:        moments.ID(newStart, newEnd),
		VideoID:   run.videoID,
		ConfigID:  run.configID,
		StartTime: newStart,
		EndTime:   newEnd,
		Title:     m.Title,
		IsRefined: true,
		ParentID:  m.ID,
	}
	if err := e.repos.UpsertRefined(ctx, child); err != nil {
		return Errf(KindStoreUnavailable, "persist refined moment", err)
	}
	return nil
}
