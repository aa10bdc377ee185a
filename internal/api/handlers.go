// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/clipline/clipline/internal/log"
	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/state"
	"github.com/clipline/clipline/internal/urlutil"
)

// maxBodyBytes caps request bodies; configs and model updates are tiny.
const maxBodyBytes = 1 << 20

const maxHistoryLimit = 50

type processResponse struct {
	RequestID string `json:"request_id"`
	VideoID   string `json:"video_id"`
}

// handleProcess validates a submission, derives the video id when only
// a URL was given, initializes the live status and enqueues the request
// on the stream. Duplicate submissions for a locked video are rejected;
// duplicates for a queued one converge at the worker through the skip
// rules.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithComponentFromContext(ctx, "api")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	cfg, err := model.DecodePipelineConfig(body)
	if err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.VideoID == "" {
		cfg.VideoID = urlutil.VideoID(cfg.VideoURL)
	}

	holder, err := s.deps.Locks.Holder(ctx, cfg.VideoID)
	if err != nil {
		logger.Error().Err(err).Msg("lock lookup failed")
		writeStoreError(w)
		return
	}
	if holder != nil {
		submissionsTotal.WithLabelValues("conflict").Inc()
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":      "video is already being processed",
			"video_id":   cfg.VideoID,
			"request_id": holder.RequestID,
		})
		return
	}

	req := model.PipelineRequest{
		RequestID:   model.NewRequestID(cfg.VideoID, time.Now()),
		VideoID:     cfg.VideoID,
		Config:      cfg,
		RequestedAt: float64(time.Now().UnixNano()) / 1e9,
	}
	values, err := req.StreamValues()
	if err != nil {
		logger.Error().Err(err).Msg("encode request failed")
		writeError(w, http.StatusInternalServerError, "encode request")
		return
	}

	// Status first, stream second: a worker that grabs the entry
	// immediately must find the live record in place.
	if err := s.deps.Status.Initialize(ctx, req.VideoID, req.RequestID, cfg); err != nil {
		logger.Error().Err(err).Msg("status initialize failed")
		writeStoreError(w)
		return
	}
	if err := s.deps.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: state.RequestStream,
		Values: values,
	}).Err(); err != nil {
		logger.Error().Err(err).Msg("enqueue failed")
		writeStoreError(w)
		return
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	logger.Info().
		Str("event", "api.submitted").
		Str(log.FieldVideoID, req.VideoID).
		Str(log.FieldRequestID, req.RequestID).
		Msg("pipeline request accepted")
	writeJSON(w, http.StatusAccepted, processResponse{
		RequestID: req.RequestID,
		VideoID:   req.VideoID,
	})
}

// handleStatus returns the live run when one is in flight, otherwise
// the latest archived run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := chi.URLParam(r, "video_id")

	fields, err := s.deps.Status.Get(ctx, videoID)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldVideoID, videoID).Msg("status read failed")
		writeStoreError(w)
		return
	}
	if fields == nil {
		fields, err = s.deps.Status.LatestRun(ctx, videoID)
		if err != nil {
			s.logger.Error().Err(err).Str(log.FieldVideoID, videoID).Msg("history read failed")
			writeStoreError(w)
			return
		}
	}
	if fields == nil {
		writeNotFound(w, "no runs for video")
		return
	}
	writeJSON(w, http.StatusOK, state.ParseRecord(fields))
}

// handleCancel flags the active run for cancellation. The orchestrator
// observes the flag between stages.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := chi.URLParam(r, "video_id")

	fields, err := s.deps.Status.Get(ctx, videoID)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldVideoID, videoID).Msg("status read failed")
		writeStoreError(w)
		return
	}
	if fields == nil {
		writeNotFound(w, "no active run for video")
		return
	}

	if err := s.deps.Locks.RequestCancel(ctx, videoID); err != nil {
		s.logger.Error().Err(err).Str(log.FieldVideoID, videoID).Msg("cancel flag write failed")
		writeStoreError(w)
		return
	}

	s.logger.Info().
		Str("event", "api.cancel_requested").
		Str(log.FieldVideoID, videoID).
		Msg("cancellation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"video_id": videoID,
		"status":   "cancellation_requested",
	})
}

type historyResponse struct {
	VideoID string         `json:"video_id"`
	Runs    []state.Record `json:"runs"`
}

// handleHistory lists archived runs, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := chi.URLParam(r, "video_id")

	limit := s.opts.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	runs, err := s.deps.Status.Runs(ctx, videoID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldVideoID, videoID).Msg("history read failed")
		writeStoreError(w)
		return
	}

	resp := historyResponse{VideoID: videoID, Runs: make([]state.Record, 0, len(runs))}
	for _, fields := range runs {
		resp.Runs = append(resp.Runs, state.ParseRecord(fields))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListModels returns every registered model config.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Models.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("model list failed")
		writeStoreError(w)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// handlePutModel validates and stores a model config under the key.
func (s *Server) handlePutModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	modelKey := chi.URLParam(r, "model_key")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	var cfg registry.ModelConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "decode model config: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Models.Put(ctx, modelKey, cfg); err != nil {
		s.logger.Error().Err(err).Str(log.FieldModelKey, modelKey).Msg("model store failed")
		writeStoreError(w)
		return
	}

	stored, err := s.deps.Models.Get(ctx, modelKey)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownModel) {
			writeNotFound(w, "model not found after store")
			return
		}
		writeStoreError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]registry.ModelConfig{modelKey: stored})
}
