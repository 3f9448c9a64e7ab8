package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	app_errors "chatbridge/backend/internal/errors"
	"chatbridge/backend/internal/model"
)

// This file contains shared DTOs for API responses and helpers for
// sending consistent HTTP and SSE responses.

// ErrorResponse defines the standard JSON structure for error messages.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondWithError maps business-layer sentinel errors onto HTTP status
// codes and writes a standard JSON error body. The detailed error is
// logged; the client only sees a safe message.
func respondWithError(w http.ResponseWriter, err error) {
	var statusCode int
	var message string

	switch {
	case errors.Is(err, app_errors.ErrValidation):
		statusCode = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, app_errors.ErrRateLimited):
		statusCode = http.StatusTooManyRequests
		message = "Rate limit exceeded. Please wait before sending another message."
	case errors.Is(err, app_errors.ErrTimeout):
		statusCode = http.StatusGatewayTimeout
		message = "The upstream service took too long to respond."
	case errors.Is(err, app_errors.ErrUpstream):
		statusCode = http.StatusBadGateway
		message = "An error occurred while processing your request."
	default:
		statusCode = http.StatusInternalServerError
		message = "An unexpected internal server error occurred."
	}

	slog.Warn("Responding with error", "status_code", statusCode, "client_message", message, "internal_error", err)

	respondWithJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondWithJSON marshals a payload and writes it with the given status.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

// sseWriter writes `event: <type>\ndata: <json>\n\n` frames and flushes
// after every frame so deltas reach the client immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Keep reverse proxies from buffering the stream.
	h.Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, true
}

// event writes one named SSE frame. A nil payload writes the event line
// alone, which is how the bare `close` frame goes out. Write errors are
// returned so the relay can notice a disconnected client.
func (s *sseWriter) event(name string, payload interface{}) error {
	if payload == nil {
		if _, err := fmt.Fprintf(s.w, "event: %s\n\n", name); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal SSE payload", "event", name, "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// message wraps a normalized stream event in the `message`-typed frame
// the browser client listens for.
func (s *sseWriter) message(ev model.StreamEvent) error {
	return s.event("message", ev)
}
