// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/clipline/clipline/internal/inference"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/repo"
)

// runTranscript sends the signed audio URL to the transcription
// service and persists the result. The handoff URL comes from the
// status hash, not process memory, so a reclaimed run picks it up.
func (e *Executors) runTranscript(ctx context.Context, videoID string) error {
	const stage = model.StageTranscript

	release, err := e.limits.Acquire(ctx, ClassTranscription)
	if err != nil {
		return StageErr(KindOf(err), stage, "acquire transcription permit", err)
	}
	defer release()

	audioURL, err := e.status.AudioSignedURL(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "read audio url", err)
	}
	if audioURL == "" {
		return StageErr(KindResourceNotFound, stage, "read audio url",
			errors.New("audio_signed_url not set; audio_upload must run first"))
	}

	scope, err := e.connect.Connect(ctx, registry.TranscriptionModelKey, inference.PathTranscribe)
	if err != nil {
		return StageErr(KindTunnelUnavailable, stage, "connect transcription service", err)
	}
	defer scope.Close()

	result, err := e.stt.Transcribe(ctx, scope.URL(), audioURL)
	if err != nil {
		return StageErr(remoteKind(err), stage, "transcribe audio", err)
	}

	if err := e.repos.PutTranscript(ctx, repo.Transcript{
		VideoID:   videoID,
		Text:      result.Transcription,
		Words:     result.WordTimestamps,
		Segments:  result.SegmentTimestamps,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return StageErr(KindStoreUnavailable, stage, "persist transcript", err)
	}

	e.logger.Info().
		Str("video_id", videoID).
		Int("words", len(result.WordTimestamps)).
		Int("segments", len(result.SegmentTimestamps)).
		Msg("transcript persisted")
	return nil
}
