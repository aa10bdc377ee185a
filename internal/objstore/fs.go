// SPDX-License-Identifier: MIT

package objstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/fsutil"
)

// FS is the filesystem-backed store. Objects live under a base
// directory; signed URLs point at the daemon's /objects route and are
// verified with the shared signing secret.
type FS struct {
	base   string
	signer *Signer
	logger zerolog.Logger
}

// NewFS creates the base directory if needed.
func NewFS(baseDir string, signer *Signer, logger zerolog.Logger) (*FS, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("objstore: base dir is empty")
	}
	// 0o755: clips get served over HTTP by this process.
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: create base dir: %w", err)
	}
	return &FS{base: baseDir, signer: signer, logger: logger}, nil
}

func (s *FS) path(key string) (string, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("objstore: invalid key %q", key)
	}
	path, err := fsutil.ConfineRel(s.base, filepath.FromSlash(key))
	if err != nil {
		return "", fmt.Errorf("objstore: key %q: %w", key, err)
	}
	return path, nil
}

func (s *FS) Put(ctx context.Context, key string, src io.Reader) (int64, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("objstore: put %s: %w", key, err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("objstore: put %s: %w", key, err)
	}
	defer pending.Cleanup() //nolint:errcheck

	n, err := io.Copy(pending, src)
	if err != nil {
		return 0, fmt.Errorf("objstore: put %s: %w", key, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("objstore: put %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Int64("bytes", n).Msg("object stored")
	return n, nil
}

func (s *FS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("objstore: get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	return f, nil
}

func (s *FS) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *FS) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.base
	if prefix != "" {
		confined, err := fsutil.ConfineRel(s.base, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
		if err != nil {
			return nil, fmt.Errorf("objstore: list %q: %w", prefix, err)
		}
		dir = confined
	}

	var keys []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.base, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("objstore: list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FS) SignedURL(key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	return s.signer.URL(key, ttl)
}

var _ Store = (*FS)(nil)
