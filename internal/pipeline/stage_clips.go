// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/moments"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/staging"
)

// runClips extracts one clip file per original moment. Extractions run
// in parallel up to the configured worker count, each under its own
// timeout. A single failed extraction does not fail the stage; the
// stage fails only when nothing was produced at all.
func (e *Executors) runClips(ctx context.Context, videoID string, cfg model.PipelineConfig) error {
	const stage = model.StageClips

	videoPath, err := e.layout.VideoPath(videoID)
	if err != nil {
		return StageErr(KindValidationFailed, stage, "resolve video path", err)
	}
	if !staging.Exists(videoPath) {
		return StageErr(KindResourceNotFound, stage, "locate staged video",
			fmt.Errorf("no staged video for %s", videoID))
	}

	originals, err := e.repos.OriginalsByVideo(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load moments", err)
	}

	var duration float64
	if v, err := e.repos.GetVideo(ctx, videoID); err != nil {
		return StageErr(KindStoreUnavailable, stage, "load video", err)
	} else if v != nil {
		duration = v.DurationSeconds
	}

	// Word boundaries improve the cut points but are not required;
	// without a transcript the padded moment window stands.
	var words []moments.WordTimestamp
	if tr, err := e.repos.GetTranscript(ctx, videoID); err != nil {
		return StageErr(KindStoreUnavailable, stage, "load transcript", err)
	} else if tr != nil {
		words = tr.Words
	}

	if cfg.OverrideExistingMoments {
		if err := e.clearClips(ctx, videoID); err != nil {
			return err
		}
	}

	// The per-video clip directory is created here, not in Prepare: the
	// override path above removes it wholesale.
	clipDir, err := e.layout.ClipDir(videoID)
	if err != nil {
		return StageErr(KindValidationFailed, stage, "resolve clip dir", err)
	}
	if err := os.MkdirAll(clipDir, 0o755); err != nil {
		return StageErr(KindMediaToolError, stage, "prepare clip dir", err)
	}

	release, err := e.limits.Acquire(ctx, ClassClipExtraction)
	if err != nil {
		return StageErr(KindOf(err), stage, "acquire clip permit", err)
	}
	defer release()

	total := len(originals)
	if err := e.status.SetClipsProgress(ctx, videoID, total, 0, 0); err != nil {
		e.logger.Warn().Err(err).Str("video_id", videoID).Msg("clip progress write failed")
	}

	var (
		mu        sync.Mutex
		processed int
		failed    int
		lastErr   error
	)
	bump := func(runErr error) {
		mu.Lock()
		defer mu.Unlock()
		if runErr != nil {
			failed++
			lastErr = runErr
		} else {
			processed++
		}
		if err := e.status.SetClipsProgress(ctx, videoID, total, processed, failed); err != nil {
			e.logger.Warn().Err(err).Str("video_id", videoID).Msg("clip progress write failed")
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.ClipParallelWorkers)
	for _, m := range originals {
		g.Go(func() error {
			bump(e.extractOne(ctx, videoID, videoPath, m, words, duration, cfg.OverrideExistingMoments))
			return nil
		})
	}
	_ = g.Wait()

	if total > 0 && processed == 0 {
		return StageErr(KindMediaToolError, stage, "extract clips",
			fmt.Errorf("all %d clip extractions failed: %w", total, lastErr))
	}
	e.logger.Info().
		Str("video_id", videoID).
		Int("total", total).
		Int("extracted", processed).
		Int("failed", failed).
		Msg("clips extracted")
	return nil
}

// extractOne produces the clip file for a single moment. Existing
// files are kept on non-override runs; the repository path is healed
// either way so a resumed run reports copies it did not re-cut.
func (e *Executors) extractOne(ctx context.Context, videoID, videoPath string, m moments.Moment, words []moments.WordTimestamp, duration float64, override bool) error {
	clipPath, err := e.layout.ClipPath(videoID, m.ID)
	if err != nil {
		return err
	}

	if !override && staging.Exists(clipPath) {
		if err := e.repos.SetClipPath(ctx, m.ID, clipPath); err != nil {
			return fmt.Errorf("record clip path: %w", err)
		}
		return nil
	}

	start, end := e.cfg.Alignment.Window(m, words, duration)

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ClipTimeout)
	defer cancel()

	e.jobStart(cctx, jobClipExtraction, videoID, m.ID)
	runErr := e.tools.ExtractClip(cctx, videoPath, clipPath, start, end)
	e.jobFinish(cctx, jobClipExtraction, videoID, m.ID, runErr)
	if runErr != nil {
		e.removeArtifact(clipPath)
		e.logger.Warn().Err(runErr).
			Str("video_id", videoID).
			Str("moment_id", m.ID).
			Float64("start", start).
			Float64("end", end).
			Msg("clip extraction failed")
		return runErr
	}

	if err := e.repos.SetClipPath(ctx, m.ID, clipPath); err != nil {
		return fmt.Errorf("record clip path: %w", err)
	}
	return nil
}

// clearClips drops every staged and stored clip of the video before an
// override re-extraction. File and object removal is best effort since
// re-extraction overwrites; the repository paths must clear, stale
// paths would masquerade as fresh clips.
func (e *Executors) clearClips(ctx context.Context, videoID string) error {
	const stage = model.StageClips

	if err := e.layout.RemoveClips(videoID); err != nil {
		e.logger.Warn().Err(err).Str("video_id", videoID).Msg("staged clip removal failed")
	}
	keys, err := e.objects.List(ctx, objstore.ClipPrefix(videoID))
	if err != nil {
		e.logger.Warn().Err(err).Str("video_id", videoID).Msg("stored clip listing failed")
	}
	for _, key := range keys {
		if err := e.objects.Delete(ctx, key); err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("stored clip removal failed")
		}
	}
	if err := e.repos.ClearClipPaths(ctx, videoID); err != nil {
		return StageErr(KindStoreUnavailable, stage, "clear clip paths", err)
	}
	return nil
}

// runClipUpload pushes every extracted clip into the object store and
// records the object key on its moment. Moments whose extraction
// failed have no file and are passed over.
func (e *Executors) runClipUpload(ctx context.Context, videoID string, cfg model.PipelineConfig) error {
	const stage = model.StageClipUpload

	originals, err := e.repos.OriginalsByVideo(ctx, videoID)
	if err != nil {
		return StageErr(KindStoreUnavailable, stage, "load moments", err)
	}

	var (
		pending    []moments.Moment
		kept       int
		totalBytes int64
	)
	for _, m := range originals {
		if m.CloudPath != "" && !cfg.OverrideExistingMoments {
			kept++
			continue
		}
		if m.ClipPath == "" || !staging.Exists(m.ClipPath) {
			continue
		}
		info, err := os.Stat(m.ClipPath)
		if err != nil {
			continue
		}
		pending = append(pending, m)
		totalBytes += info.Size()
	}
	if len(pending) == 0 {
		if kept > 0 {
			return nil
		}
		return StageErr(KindResourceNotFound, stage, "collect clips",
			errors.New("no extracted clips to upload"))
	}

	if err := e.status.SetUploadProgress(ctx, videoID, 0, totalBytes); err != nil {
		e.logger.Warn().Err(err).Str("video_id", videoID).Msg("upload progress write failed")
	}

	var uploaded int64
	for _, m := range pending {
		n, err := e.uploadClip(ctx, videoID, m)
		if err != nil {
			return err
		}
		uploaded += n
		if err := e.status.SetUploadProgress(ctx, videoID, uploaded, totalBytes); err != nil {
			e.logger.Warn().Err(err).Str("video_id", videoID).Msg("upload progress write failed")
		}
	}

	e.logger.Info().
		Str("video_id", videoID).
		Int("uploaded", len(pending)).
		Int("kept", kept).
		Int64("bytes", uploaded).
		Msg("clips uploaded")
	return nil
}

func (e *Executors) uploadClip(ctx context.Context, videoID string, m moments.Moment) (int64, error) {
	const stage = model.StageClipUpload

	f, err := os.Open(m.ClipPath)
	if err != nil {
		return 0, StageErr(KindResourceNotFound, stage, "open clip", err)
	}
	defer f.Close()

	key := objstore.ClipKey(videoID, m.ID)
	n, err := e.objects.Put(ctx, key, f)
	if err != nil {
		return 0, StageErr(KindRemoteServiceError, stage, "store clip", err)
	}
	if err := e.repos.SetCloudPath(ctx, m.ID, key); err != nil {
		return 0, StageErr(KindStoreUnavailable, stage, "record cloud path", err)
	}
	return n, nil
}
