// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// MediaInfo is the probed shape of a media file.
type MediaInfo struct {
	Duration  float64 // seconds
	SizeBytes int64
	Codec     string
	Width     int
	Height    int
	FrameRate float64
}

// Probe inspects the file with ffprobe and returns its duration, size,
// and primary video stream parameters.
func (t *Tools) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-i", path,
	}

	cmd := exec.CommandContext(ctx, t.ffprobe.binPath, args...) // #nosec G204 -- args built internally from validated paths
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w (%s)", path, err, strings.TrimSpace(stderr.String()))
	}

	var data struct {
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
		} `json:"format"`
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &data); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	info.Duration, _ = strconv.ParseFloat(data.Format.Duration, 64)
	info.SizeBytes, _ = strconv.ParseInt(data.Format.Size, 10, 64)

	for _, s := range data.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.Codec = s.CodecName
		info.Width = s.Width
		info.Height = s.Height
		info.FrameRate = parseFrameRate(s.RFrameRate)
		if info.FrameRate == 0 {
			info.FrameRate = parseFrameRate(s.AvgFrameRate)
		}
		break
	}

	if info.Duration <= 0 {
		return nil, fmt.Errorf("probe %s: no duration in ffprobe output", path)
	}
	return info, nil
}

// parseFrameRate converts ffprobe's fraction notation ("30000/1001")
// to frames per second.
func parseFrameRate(raw string) float64 {
	num, den, ok := strings.Cut(raw, "/")
	if !ok {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
