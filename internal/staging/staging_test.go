// SPDX-License-Identifier: MIT

package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/data")

	video, err := l.VideoPath("board-meeting-q3")
	if err != nil {
		t.Fatalf("VideoPath: %v", err)
	}
	if video != filepath.Join("/data", "videos", "board-meeting-q3.mp4") {
		t.Errorf("unexpected video path: %s", video)
	}

	audio, err := l.AudioPath("board-meeting-q3")
	if err != nil {
		t.Fatalf("AudioPath: %v", err)
	}
	if audio != filepath.Join("/data", "audio", "board-meeting-q3.wav") {
		t.Errorf("unexpected audio path: %s", audio)
	}

	clip, err := l.ClipPath("board-meeting-q3", "a1b2c3d4e5f60718")
	if err != nil {
		t.Fatalf("ClipPath: %v", err)
	}
	if clip != filepath.Join("/data", "clips", "board-meeting-q3", "a1b2c3d4e5f60718.mp4") {
		t.Errorf("unexpected clip path: %s", clip)
	}
}

func TestLayoutRejectsUnsafeSegments(t *testing.T) {
	l := NewLayout(t.TempDir())

	for _, id := range []string{"", "../escape", "a/b", ".hidden", "UPPER", "sp ace"} {
		if _, err := l.VideoPath(id); err == nil {
			t.Errorf("VideoPath(%q) accepted unsafe segment", id)
		}
	}
}

func TestPrepareCreatesSkeleton(t *testing.T) {
	base := t.TempDir()
	l := NewLayout(base)

	if err := l.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, dir := range []string{l.VideosDir(), l.AudioDir(), l.ClipsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing staging dir %s", dir)
		}
	}
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "artifact.bin")

	n, err := WriteAtomic(path, strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if n != int64(len("payload")) {
		t.Errorf("wrote %d bytes, want %d", n, len("payload"))
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("content mismatch: %q", got)
	}
	if !Exists(path) {
		t.Error("Exists reported false for written file")
	}
}

func TestWriteAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact.bin")

	if _, err := WriteAtomic(path, strings.NewReader("old")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := WriteAtomic(path, strings.NewReader("new")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("content after overwrite: %q", got)
	}
}

func TestRemoveClips(t *testing.T) {
	l := NewLayout(t.TempDir())
	if err := l.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	clip, err := l.ClipPath("demo", "a1b2c3d4e5f60718")
	if err != nil {
		t.Fatalf("ClipPath: %v", err)
	}
	if _, err := WriteAtomic(clip, strings.NewReader("clip")); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	if err := l.RemoveClips("demo"); err != nil {
		t.Fatalf("RemoveClips: %v", err)
	}
	if Exists(clip) {
		t.Error("clip survived RemoveClips")
	}

	// A second removal of the now-missing directory is fine.
	if err := l.RemoveClips("demo"); err != nil {
		t.Fatalf("RemoveClips on missing dir: %v", err)
	}
}
