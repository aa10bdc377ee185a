// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/staging"
)

// runAudio decodes the staged video's audio track to WAV under the
// audio_extraction permit.
func (e *Executors) runAudio(ctx context.Context, videoID string) error {
	const stage = model.StageAudio

	release, err := e.limits.Acquire(ctx, ClassAudioExtraction)
	if err != nil {
		return StageErr(KindOf(err), stage, "acquire audio permit", err)
	}
	defer release()

	videoPath, err := e.layout.VideoPath(videoID)
	if err != nil {
		return StageErr(KindValidationFailed, stage, "resolve video path", err)
	}
	if !staging.Exists(videoPath) {
		return StageErr(KindResourceNotFound, stage, "locate video file",
			fmt.Errorf("no staged video for %s", videoID))
	}
	audioPath, err := e.layout.AudioPath(videoID)
	if err != nil {
		return StageErr(KindValidationFailed, stage, "resolve audio path", err)
	}

	e.jobStart(ctx, jobAudioExtraction, videoID, "")
	err = e.tools.ExtractAudio(ctx, videoPath, audioPath)
	e.jobFinish(ctx, jobAudioExtraction, videoID, "", err)
	if err != nil {
		return StageErr(KindMediaToolError, stage, "extract audio", err)
	}

	e.logger.Info().Str("video_id", videoID).Msg("audio extracted")
	return nil
}

// runAudioUpload ships the WAV to the object store and writes a fresh
// signed URL into the status hash for the transcript stage. It never
// skips: a URL signed on a previous run may already be expired.
func (e *Executors) runAudioUpload(ctx context.Context, videoID string) error {
	const stage = model.StageAudioUpload

	audioPath, err := e.layout.AudioPath(videoID)
	if err != nil {
		return StageErr(KindValidationFailed, stage, "resolve audio path", err)
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return StageErr(KindResourceNotFound, stage, "open audio file", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return StageErr(KindResourceNotFound, stage, "stat audio file", err)
	}
	total := fi.Size()

	key := objstore.AudioKey(videoID)
	src := newCountingReader(f, func(done int64) {
		if err := e.status.SetUploadProgress(ctx, videoID, done, total); err != nil {
			e.logger.Warn().Err(err).Str("video_id", videoID).Msg("upload progress write failed")
		}
	})
	if _, err := e.objects.Put(ctx, key, src); err != nil {
		return StageErr(KindRemoteServiceError, stage, "store audio", err)
	}
	if err := e.status.SetUploadProgress(ctx, videoID, total, total); err != nil {
		e.logger.Warn().Err(err).Str("video_id", videoID).Msg("upload progress write failed")
	}

	url, err := e.objects.SignedURL(key, e.cfg.SignedURLTTL)
	if err != nil {
		return StageErr(KindRemoteServiceError, stage, "sign audio url", err)
	}
	if err := e.status.SetAudioSignedURL(ctx, videoID, url); err != nil {
		return StageErr(KindStoreUnavailable, stage, "store audio url", err)
	}

	e.logger.Info().Str("video_id", videoID).Int64("bytes", total).Msg("audio uploaded")
	return nil
}

// countingReader reports cumulative bytes read, throttled so progress
// writes do not swamp the status store on fast disks.
type countingReader struct {
	r       io.Reader
	n       int64
	limiter *rate.Limiter
	report  func(done int64)
}

func newCountingReader(r io.Reader, report func(done int64)) *countingReader {
	return &countingReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		report:  report,
	}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 && c.report != nil && c.limiter.Allow() {
		c.report(c.n)
	}
	return n, err
}
