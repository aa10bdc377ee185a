// SPDX-License-Identifier: MIT

// Package staging lays out the local working directories for pipeline
// artifacts. Paths are deterministic per video id so a restarted run
// finds the artifacts of the previous attempt and the orchestrator can
// skip stages whose outputs already exist.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/renameio/v2"
)

// safeSegment matches identifiers that are safe as path segments.
// Video and moment ids are derived (slug or hex digest) and always
// match; anything else is rejected before it touches the filesystem.
var safeSegment = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Layout resolves artifact paths under a base data directory:
//
//	{base}/videos/{video_id}.mp4
//	{base}/audio/{video_id}.wav
//	{base}/clips/{video_id}/{moment_id}.mp4
type Layout struct {
	base string
}

func NewLayout(base string) Layout {
	return Layout{base: base}
}

// Prepare creates the directory skeleton. Called once at startup.
func (l Layout) Prepare() error {
	for _, dir := range []string{l.VideosDir(), l.AudioDir(), l.ClipsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) VideosDir() string { return filepath.Join(l.base, "videos") }
func (l Layout) AudioDir() string  { return filepath.Join(l.base, "audio") }
func (l Layout) ClipsDir() string  { return filepath.Join(l.base, "clips") }

// VideoPath returns the staging path for a downloaded video.
func (l Layout) VideoPath(videoID string) (string, error) {
	if err := checkSegment(videoID); err != nil {
		return "", err
	}
	return filepath.Join(l.VideosDir(), videoID+".mp4"), nil
}

// AudioPath returns the staging path for extracted audio.
func (l Layout) AudioPath(videoID string) (string, error) {
	if err := checkSegment(videoID); err != nil {
		return "", err
	}
	return filepath.Join(l.AudioDir(), videoID+".wav"), nil
}

// ClipDir returns the per-video directory holding extracted clips.
func (l Layout) ClipDir(videoID string) (string, error) {
	if err := checkSegment(videoID); err != nil {
		return "", err
	}
	return filepath.Join(l.ClipsDir(), videoID), nil
}

// ClipPath returns the staging path for one moment's clip.
func (l Layout) ClipPath(videoID, momentID string) (string, error) {
	dir, err := l.ClipDir(videoID)
	if err != nil {
		return "", err
	}
	if err := checkSegment(momentID); err != nil {
		return "", err
	}
	return filepath.Join(dir, momentID+".mp4"), nil
}

// RemoveClips deletes the whole clip directory for a video. Missing
// directories are not an error; override runs call this eagerly.
func (l Layout) RemoveClips(videoID string) error {
	dir, err := l.ClipDir(videoID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove clips %s: %w", videoID, err)
	}
	return nil
}

func checkSegment(id string) error {
	if !safeSegment.MatchString(id) {
		return fmt.Errorf("unsafe path segment: %q", id)
	}
	return nil
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteAtomic streams src into path with fsync-before-rename
// semantics. Readers never observe a partial file and a crash leaves
// either the old content or nothing.
func WriteAtomic(path string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create parent dir for %s: %w", path, err)
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return 0, fmt.Errorf("create pending file for %s: %w", path, err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	n, err := io.Copy(pending, src)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("atomically replace %s: %w", path, err)
	}
	return n, nil
}
