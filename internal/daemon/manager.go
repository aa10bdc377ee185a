// SPDX-License-Identifier: MIT

// Package daemon owns the process lifecycle: it serves the HTTP façade,
// supervises the stream workers and other background subsystems, and
// tears everything down in reverse order on shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook performs one cleanup step during graceful shutdown.
// Hooks run in reverse registration order.
type ShutdownHook func(ctx context.Context) error

// Manager runs the daemon until its context is cancelled or a subsystem
// fails, then shuts everything down within the configured timeout.
type Manager interface {
	// Start launches all servers and subsystems and blocks until shutdown.
	Start(ctx context.Context) error

	// Shutdown stops the HTTP server and runs the shutdown hooks.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook adds a cleanup step. Hooks run LIFO.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

// Options carries the HTTP server settings.
type Options struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = ":8080"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		// Object downloads stream through the same server; give slow
		// clients room.
		o.WriteTimeout = 5 * time.Minute
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 120 * time.Second
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = 1 << 20
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
	return o
}

type manager struct {
	opts Options
	deps Deps

	apiServer *http.Server

	// Shutdown hooks (LIFO order)
	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager validates the dependencies and builds a Manager.
func NewManager(opts Options, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &manager{
		opts:   opts.withDefaults(),
		deps:   deps,
		logger: deps.Logger.With().Str("component", "daemon").Logger(),
	}, nil
}

// Start launches every subsystem and the API server, then blocks until
// ctx is cancelled or something fails. Either way the manager shuts
// down within Options.ShutdownTimeout before returning.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.opts.ListenAddr).
		Int("subsystems", len(m.deps.Subsystems)).
		Dur("shutdown_timeout", m.opts.ShutdownTimeout).
		Msg("starting daemon")

	errChan := make(chan error, len(m.deps.Subsystems)+1)

	for _, sub := range m.deps.Subsystems {
		m.launchSubsystem(ctx, errChan, sub)
	}
	m.startAPIServer(errChan)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("subsystem failed, shutting down")
		if shutdownErr := m.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(context.WithoutCancel(ctx))
	}
}

// launchSubsystem runs sub in its own goroutine and registers a hook
// that stops it and waits for it to drain. A nil or context.Canceled
// return is a clean stop; anything else brings the daemon down.
func (m *manager) launchSubsystem(ctx context.Context, errChan chan<- error, sub Subsystem) {
	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.RegisterShutdownHook(sub.Name+"_stop", func(shutdownCtx context.Context) error {
		cancel()
		select {
		case <-shutdownCtx.Done():
			return fmt.Errorf("timeout waiting for %s to stop: %w", sub.Name, shutdownCtx.Err())
		case <-done:
			return nil
		}
	})

	go func() {
		defer close(done)
		if err := sub.Run(subCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Str("subsystem", sub.Name).Msg("subsystem exited")
			errChan <- fmt.Errorf("%s: %w", sub.Name, err)
		}
	}()
}

func (m *manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.opts.ListenAddr,
		Handler:           m.deps.APIHandler,
		ReadTimeout:       m.opts.ReadTimeout,
		ReadHeaderTimeout: m.opts.ReadTimeout / 2,
		WriteTimeout:      m.opts.WriteTimeout,
		IdleTimeout:       m.opts.IdleTimeout,
		MaxHeaderBytes:    m.opts.MaxHeaderBytes,
	}

	go func() {
		m.logger.Info().Str("addr", m.opts.ListenAddr).Msg("api server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "api.server.failed").Msg("api server failed")
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

// Shutdown stops the API server first so no handler enqueues new work,
// then runs the hooks in reverse registration order. The whole teardown
// is bounded by Options.ShutdownTimeout regardless of caller cancellation.
func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ShutdownTimeout)
	defer cancel()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	m.mu.Lock()
	hooks := make([]namedHook, len(m.shutdownHooks))
	copy(hooks, m.shutdownHooks)
	m.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("elapsed", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("elapsed", time.Since(start)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}

// RegisterShutdownHook adds a cleanup function. Hooks run in reverse
// registration order, after the API server has stopped accepting.
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
}
