// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipline/clipline/internal/inference"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
	"github.com/clipline/clipline/internal/repo"
)

// runGeneration asks the generation model for moment candidates over
// the transcript segments, validates what comes back and replaces the
// video's moment set. The generation-config record ties the inserted
// moments to the parameters that produced them.
func (e *Executors) runGeneration(ctx context.Context, videoID string, cfg model.PipelineConfig) error {
	const stage = model.StageGeneration

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GenerationStageTimeout)
	defer cancel()

	release, err := e.limits.Acquire(ctx, ClassMomentGeneration)
	if err != nil {
		return StageErr(KindOf(err), stage, "acquire generation permit", err)
	}
	defer release()

	tr, err := e.repos.GetTranscript(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load transcript", err)
	}
	if tr == nil {
		return StageErr(KindResourceNotFound, stage, "load transcript",
			errors.New("transcript not persisted; transcript stage must run first"))
	}

	v, err := e.repos.GetVideo(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load video", err)
	}
	if v == nil {
		return StageErr(KindResourceNotFound, stage, "load video",
			errors.New("video not in repository"))
	}
	if v.DurationSeconds <= 0 {
		return StageErr(KindValidationFailed, stage, "check duration",
			fmt.Errorf("video %s has no usable duration", videoID))
	}

	mc, err := e.models.Get(ctx, cfg.GenerationModel)
	if err != nil {
		return StageErr(modelKind(err), stage, "resolve generation model", err)
	}

	userPrompt := cfg.GenerationPrompt
	if userPrompt == "" {
		userPrompt = defaultGenerationPrompt
	}
	prompt := buildGenerationPrompt(generationPromptInput{
		ModelKey:      cfg.GenerationModel,
		UserPrompt:    userPrompt,
		Segments:      tr.Segments,
		VideoDuration: v.DurationSeconds,
		MinLength:     cfg.MinMomentLength,
		MaxLength:     cfg.MaxMomentLength,
		MinMoments:    cfg.MinMoments,
		MaxMoments:    cfg.MaxMoments,
	})

	scope, err := e.connect.Connect(ctx, cfg.GenerationModel, inference.PathChatCompletions)
	if err != nil {
		return StageErr(KindTunnelUnavailable, stage, "connect generation model", err)
	}
	defer scope.Close()

	content, err := e.chat.Complete(ctx, scope.URL(), []inference.ChatMessage{inference.TextMessage(prompt)}, inference.ChatParams{
		Temperature: cfg.GenerationTemperature,
		Model:       mc.ModelID,
		TopP:        mc.TopP,
		TopK:        mc.TopK,
	})
	if err != nil {
		return StageErr(remoteKind(err), stage, "request moments", err)
	}

	candidates, source, err := moments.DecodeMomentList(content)
	if err != nil {
		return StageErr(KindParseError, stage, "decode moments", err)
	}

	sel, err := moments.Select(candidates, videoID, moments.Limits{
		VideoDuration: v.DurationSeconds,
		MinLength:     cfg.MinMomentLength,
		MaxLength:     cfg.MaxMomentLength,
		MinMoments:    cfg.MinMoments,
		MaxMoments:    cfg.MaxMoments,
	})
	if err != nil {
		return StageErr(KindValidationFailed, stage, "validate moments", err)
	}
	if sel.BelowMinimum {
		e.logger.Warn().
			Str("video_id", videoID).
			Int("accepted", len(sel.Moments)).
			Int("min_moments", cfg.MinMoments).
			Msg("fewer moments than requested")
	}

	configID := uuid.NewString()
	for i := range sel.Moments {
		sel.Moments[i].ConfigID = configID
	}
	if err := e.repos.PutGenerationConfig(ctx, repo.GenerationConfig{
		ID:          configID,
		VideoID:     videoID,
		Model:       cfg.GenerationModel,
		Temperature: cfg.GenerationTemperature,
		MinLen:      cfg.MinMomentLength,
		MaxLen:      cfg.MaxMomentLength,
		MinMoments:  cfg.MinMoments,
		MaxMoments:  cfg.MaxMoments,
		Prompt:      userPrompt,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return StageErr(KindStoreUnavailable, stage, "record generation config", err)
	}

	// Regeneration replaces the whole set, refined children included;
	// stale children would point at parents that no longer exist.
	if err := e.repos.DeleteMoments(ctx, videoID); err != nil {
		return StageErr(KindStoreUnavailable, stage, "clear previous moments", err)
	}
	if err := e.repos.InsertMoments(ctx, sel.Moments); err != nil {
		return StageErr(KindStoreUnavailable, stage, "persist moments", err)
	}

	e.logger.Info().
		Str("video_id", videoID).
		Str("decode_source", source.String()).
		Int("accepted", len(sel.Moments)).
		Int("rejected", sel.Rejected).
		Int("overlapped", sel.Overlapped).
		Int("truncated", sel.Truncated).
		Msg("moments generated")
	return nil
}
