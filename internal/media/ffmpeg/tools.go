// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"fmt"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// Config selects the tool binaries and the clip video encoder. Zero
// values pick ffmpeg/ffprobe from PATH and the platform encoder.
type Config struct {
	FFmpegPath   string
	FFprobePath  string
	VideoEncoder string
	Preset       string
}

// Tools is the façade the stage executors call.
type Tools struct {
	ffmpeg  runner
	ffprobe runner
	encoder string
	preset  string
	logger  zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Tools {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.VideoEncoder == "" {
		cfg.VideoEncoder = platformEncoder()
	}
	if cfg.Preset == "" {
		cfg.Preset = "fast"
	}
	return &Tools{
		ffmpeg:  runner{binPath: cfg.FFmpegPath, logger: logger.With().Str("tool", "ffmpeg").Logger()},
		ffprobe: runner{binPath: cfg.FFprobePath, logger: logger.With().Str("tool", "ffprobe").Logger()},
		encoder: cfg.VideoEncoder,
		preset:  cfg.Preset,
		logger:  logger,
	}
}

// platformEncoder picks the hardware encoder on macOS and falls back
// to software x264 everywhere else.
func platformEncoder() string {
	if runtime.GOOS == "darwin" {
		return "h264_videotoolbox"
	}
	return "libx264"
}

// Encoder returns the video encoder clips are produced with.
func (t *Tools) Encoder() string { return t.encoder }

// ExtractAudio decodes the video's audio track to WAV: PCM signed
// 16-bit little-endian, 44.1 kHz, stereo.
func (t *Tools) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	args := []string{
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "44100",
		"-ac", "2",
		"-y",
		audioPath,
	}
	if err := t.ffmpeg.run(ctx, args); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	return nil
}

// ExtractClip encodes the [start, end] span of the video into its own
// file. Seeking sits before the input for fast keyframe seek; the
// negative-ts shift keeps players from choking on trimmed streams.
func (t *Tools) ExtractClip(ctx context.Context, videoPath, clipPath string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("extract clip: end %.2f not after start %.2f", end, start)
	}
	args := []string{
		"-ss", formatSeconds(start),
		"-i", videoPath,
		"-t", formatSeconds(end - start),
		"-c:v", t.encoder,
	}
	if t.encoder == "libx264" {
		args = append(args, "-preset", t.preset)
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		"-avoid_negative_ts", "make_zero",
		"-y",
		clipPath,
	)
	if err := t.ffmpeg.run(ctx, args); err != nil {
		return fmt.Errorf("extract clip: %w", err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
