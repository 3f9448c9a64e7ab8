package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and configures a chi router with all of the relay's
// routes. ws is the WebSocket hub's upgrade handler, mounted here so the
// router stays the single routing surface.
func NewRouter(chatHandler *ChatHandler, ws http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()

	// --- Global Middleware ---
	r.Use(middleware.RequestID) // Injects a unique request ID into the context.
	r.Use(middleware.RealIP)    // Sets the remote address to the real IP from proxy headers.
	r.Use(middleware.Logger)    // Logs the start and end of each request.
	r.Use(middleware.Recoverer) // Recovers from panics and returns a 500 error.

	// A simple health check endpoint for liveness and readiness probes.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Streaming endpoints hold connections open for the whole turn, so
	// this group must never gain a request timeout middleware.
	r.Group(func(r chi.Router) {
		r.Get("/chat", chatHandler.HandleChat)
		r.Post("/chat", chatHandler.HandleChat)
		r.Get("/ws", ws)
	})

	// Unsupported methods on known routes get an explicit 405.
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})

	return r
}
