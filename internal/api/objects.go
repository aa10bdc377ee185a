// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clipline/clipline/internal/log"
	"github.com/clipline/clipline/internal/objstore"
)

// handleObject serves one artifact after verifying the HMAC signature
// and expiry minted by the signer. Key safety (traversal, absolute
// paths) is enforced by the store itself.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithComponentFromContext(ctx, "api")

	key := chi.URLParam(r, "*")
	if key == "" || strings.HasSuffix(key, "/") {
		objectsDeniedTotal.WithLabelValues("bad_key").Inc()
		writeNotFound(w, "object not found")
		return
	}

	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		objectsDeniedTotal.WithLabelValues("missing_params").Inc()
		writeError(w, http.StatusForbidden, "missing or malformed expires")
		return
	}
	signature := r.URL.Query().Get("signature")
	if signature == "" {
		objectsDeniedTotal.WithLabelValues("missing_params").Inc()
		writeError(w, http.StatusForbidden, "missing signature")
		return
	}

	if err := s.deps.Signer.Verify(key, expires, signature); err != nil {
		reason := "bad_signature"
		if errors.Is(err, objstore.ErrExpired) {
			reason = "expired"
		}
		objectsDeniedTotal.WithLabelValues(reason).Inc()
		logger.Warn().
			Str("event", "api.object_denied").
			Str("key", key).
			Str("reason", reason).
			Msg("signed object request denied")
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	rc, err := s.deps.Objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			objectsDeniedTotal.WithLabelValues("not_found").Inc()
			writeNotFound(w, "object not found")
			return
		}
		logger.Error().Err(err).Str("key", key).Msg("object read failed")
		writeError(w, http.StatusInternalServerError, "object read failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("object stream aborted")
	}
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(key, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
