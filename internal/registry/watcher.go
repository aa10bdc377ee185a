// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDuration = 500 * time.Millisecond

// Watcher re-applies a models seed file into the registry whenever the
// file changes. Write and Create events both count so editors that
// replace the file atomically are covered.
type Watcher struct {
	store   *Store
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

func NewWatcher(store *Store, path string, logger zerolog.Logger) *Watcher {
	return &Watcher{store: store, path: path, logger: logger}
}

// Start applies the file once and begins watching it. A no-op when no
// path is configured. The watch loop exits when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		w.logger.Info().Msg("models file watcher disabled (built-in defaults only)")
		return nil
	}

	if err := w.apply(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create models watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch models file: %w", err)
	}

	w.logger.Info().Str("path", w.path).Msg("watching models file")
	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("models watcher stopped")
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDuration, func() {
					if err := w.apply(ctx); err != nil {
						w.logger.Error().Err(err).Msg("models file re-seed failed")
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("models watcher error")
		}
	}
}

// apply loads the file and writes its models into the registry. A file
// that fails to parse changes nothing.
func (w *Watcher) apply(ctx context.Context) error {
	models, err := LoadSeedFile(w.path)
	if err != nil {
		return err
	}
	if err := w.store.ApplyFile(ctx, models); err != nil {
		return err
	}
	w.logger.Info().Int("count", len(models)).Str("path", w.path).Msg("models file applied")
	return nil
}

// Stop closes the underlying file watcher, if started.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
