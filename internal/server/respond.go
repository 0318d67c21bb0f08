package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trendlens/internal/cache"
	"trendlens/internal/core"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusForKind maps the error taxonomy onto HTTP statuses.
func statusForKind(kind core.Kind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuthRequired:
		return http.StatusUnauthorized
	case core.KindForbidden, core.KindSandboxSecurity:
		return http.StatusForbidden
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindAlreadyRunning:
		return http.StatusConflict
	case core.KindParse, core.KindResourceExhausted:
		return http.StatusUnprocessableEntity
	case core.KindUnavailable, core.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("Encoding JSON response", "error", err)
	}
}

// respondError translates an error into its status. Internal errors
// hide the detail behind a correlation id logged server-side.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := statusForKind(kind)

	body := errorBody{Error: err.Error(), Kind: string(kind)}
	var ce *core.Error
	if errors.As(err, &ce) {
		body.CorrelationID = ce.CorrelationID
	}
	if status == http.StatusInternalServerError {
		internal := core.InternalError("request failed", err)
		s.log.Error("Internal error", "correlation_id", internal.CorrelationID, "error", err)
		body = errorBody{
			Error:         "internal error",
			Kind:          string(core.KindInternal),
			CorrelationID: internal.CorrelationID,
		}
	}
	s.respondJSON(w, status, body)
}

// respondCached serves a JSON payload through the cache: a hit is
// written verbatim, a miss computes the payload, stores it, and serves
// it. Cache backend failures degrade to the uncached path.
func (s *Server) respondCached(w http.ResponseWriter, ctx context.Context, key string, ttl time.Duration, compute func() (any, error)) {
	if body, err := s.cache.Get(ctx, key); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
		return
	} else if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("Cache read failed", "key", key, "error", err)
	}

	data, err := compute()
	if err != nil {
		s.respondError(w, err)
		return
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.cache.Set(ctx, key, string(encoded), ttl); err != nil {
		s.log.Warn("Cache write failed", "key", key, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "miss")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

func (s *Server) decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return core.WrapError(core.KindValidation, "invalid request body", err)
	}
	return nil
}
