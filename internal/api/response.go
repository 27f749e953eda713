package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/damso/damso/internal/analysis"
	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/emergency"
	"github.com/damso/damso/internal/rtc"
	"github.com/damso/damso/internal/worker"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 64 * 1024

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// readJSON decodes a single JSON object from the request body into dst. An
// empty body leaves dst untouched. It returns an error message for the
// client, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ""
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "request body too large"
		}
		return "invalid request body"
	}
	if dec.More() {
		return "request body must contain a single json object"
	}
	return ""
}

// writeServiceError maps a service error to its HTTP status. Unknown errors
// are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, calls.ErrCallNotFound), errors.Is(err, analysis.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, calls.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrNotFound):
		writeError(w, http.StatusNotFound, "emergency not found")
	case errors.Is(err, emergency.ErrWardNotFound):
		writeError(w, http.StatusNotFound, "ward not found")
	case errors.Is(err, emergency.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid status")
	case errors.Is(err, worker.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, worker.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "task queue full")
	case errors.Is(err, rtc.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "livekit not configured")
	default:
		slog.Error(op+" failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
