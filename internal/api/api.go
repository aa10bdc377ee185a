// SPDX-License-Identifier: MIT

// Package api is the HTTP façade over the pipeline control plane:
// submission, status, cancellation, history, the model registry and
// signed artifact downloads, plus the ops endpoints (health, readiness,
// metrics).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/health"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/state"
)

// Deps are the collaborators the façade reads and writes. Everything
// here is shared with the worker; the façade owns no state of its own.
type Deps struct {
	Client  *redis.Client
	Status  *state.Status
	Locks   *state.Locks
	Models  *registry.Store
	Objects objstore.Store
	Signer  *objstore.Signer
	Health  *health.Manager
}

// Options tunes the façade. Zero values take the defaults noted per
// field.
type Options struct {
	// SubmitLimit caps submissions per client IP per SubmitWindow.
	// Default 10 per minute.
	SubmitLimit  int
	SubmitWindow time.Duration

	// HistoryLimit is the default page size for the history endpoint.
	// Default 10; a request may raise it up to 50.
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.SubmitLimit <= 0 {
		o.SubmitLimit = 10
	}
	if o.SubmitWindow <= 0 {
		o.SubmitWindow = time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	return o
}

// Server carries the handler dependencies.
type Server struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Routes assembles the router. The middleware order is recover first,
// then request-id, then logging, so panics are caught with correlation
// intact.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/objects/*", s.handleObject)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pipeline", func(r chi.Router) {
			r.With(submitRateLimit(s.opts.SubmitLimit, s.opts.SubmitWindow)).
				Post("/process", s.handleProcess)
			r.Get("/status/{video_id}", s.handleStatus)
			r.Post("/cancel/{video_id}", s.handleCancel)
			r.Get("/history/{video_id}", s.handleHistory)
		})
		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Put("/{model_key}", s.handlePutModel)
		})
	})

	return r
}
