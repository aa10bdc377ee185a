// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/clipline/clipline/internal/download"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/repo"
)

// runDownload streams the source video into staging, probes it,
// uploads it to the object store and records the videos row. A failure
// anywhere removes the local artifact: the videos row is the marker
// that the download completed, so nothing half-finished may survive.
func (e *Executors) runDownload(ctx context.Context, videoID string, cfg model.PipelineConfig) error {
	const stage = model.StageDownload

	path, err := e.layout.VideoPath(videoID)
	if err != nil {
		return StageErr(KindValidationFailed, stage, "resolve staging path", err)
	}

	written, err := e.fetch.Fetch(ctx, cfg.VideoURL, path, func(p download.Progress) {
		total := p.Total
		if total < 0 {
			total = 0
		}
		if err := e.status.SetDownloadProgress(ctx, videoID, p.Bytes, total); err != nil {
			e.logger.Warn().Err(err).Str("video_id", videoID).Msg("download progress write failed")
		}
	})
	if err != nil {
		if errors.Is(err, download.ErrTooLarge) {
			return StageErr(KindValidationFailed, stage, "fetch video", err)
		}
		return StageErr(KindRemoteServiceError, stage, "fetch video", err)
	}

	info, err := e.tools.Probe(ctx, path)
	if err != nil {
		e.removeArtifact(path)
		return StageErr(KindMediaToolError, stage, "probe video", err)
	}

	f, err := os.Open(path)
	if err != nil {
		e.removeArtifact(path)
		return StageErr(KindResourceNotFound, stage, "open downloaded video", err)
	}
	key := objstore.VideoKey(videoID)
	_, putErr := e.objects.Put(ctx, key, f)
	f.Close()
	if putErr != nil {
		e.removeArtifact(path)
		return StageErr(KindRemoteServiceError, stage, "store video", putErr)
	}

	if err := e.repos.PutVideo(ctx, repo.Video{
		ID:              videoID,
		SourceURL:       cfg.VideoURL,
		CloudURL:        key,
		LocalPath:       path,
		DurationSeconds: info.Duration,
		SizeBytes:       info.SizeBytes,
		Codec:           info.Codec,
		Width:           info.Width,
		Height:          info.Height,
		FrameRate:       info.FrameRate,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		e.removeArtifact(path)
		return StageErr(KindStoreUnavailable, stage, "record video", err)
	}

	e.logger.Info().
		Str("video_id", videoID).
		Int64("bytes", written).
		Float64("duration_s", info.Duration).
		Str("codec", info.Codec).
		Msg("video downloaded")
	return nil
}

func (e *Executors) removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn().Err(err).Str("path", path).Msg("partial artifact cleanup failed")
	}
}
