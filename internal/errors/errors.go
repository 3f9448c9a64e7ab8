package errors

import "errors"

// This package defines a centralized set of sentinel errors for the relay.
// Services return these recognizable errors without coupling themselves to
// transport details; the API and WebSocket layers use `errors.Is()` to map
// them onto HTTP status codes or stream/error frames.

var (
	// ErrValidation signifies that client input failed validation (missing,
	// empty or over-long message, unsupported method). Rejected before any
	// upstream call is made.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited signifies that the client address sent requests faster
	// than the configured minimum interval. Also rejected pre-upstream.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstream signifies that the upstream completion API failed: a
	// non-success status, a network failure, or a malformed stream. Clients
	// only ever see a generic error event; the detail is logged server-side.
	ErrUpstream = errors.New("upstream error")

	// ErrTimeout signifies that the upstream call exceeded its deadline.
	// Distinguished from ErrUpstream so it maps to 504 rather than 502.
	ErrTimeout = errors.New("upstream timeout")
)
