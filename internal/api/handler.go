package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"chatbridge/backend/internal/config"
	app_errors "chatbridge/backend/internal/errors"
	"chatbridge/backend/internal/llm"
	"chatbridge/backend/internal/model"
	"chatbridge/backend/internal/ratelimit"
	"chatbridge/backend/internal/store"
)

// ChatHandler is the per-request SSE relay. Each request validates and
// rate-limits before any upstream contact, appends the user message to
// the shared conversation store, then proxies the upstream delta stream
// as SSE frames. A POST with `"stream": false` instead runs the
// synchronous fallback and replies with one JSON body.
type ChatHandler struct {
	provider llm.Provider
	store    *store.ConversationStore
	limiter  *ratelimit.Limiter
	cfg      *config.Config
}

func NewChatHandler(provider llm.Provider, store *store.ConversationStore, limiter *ratelimit.Limiter, cfg *config.Config) *ChatHandler {
	return &ChatHandler{provider: provider, store: store, limiter: limiter, cfg: cfg}
}

// parseRequest extracts the chat payload from query parameters (GET, the
// EventSource path) or the JSON body (POST).
func parseRequest(r *http.Request) (*model.ChatRequest, error) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		return &model.ChatRequest{
			Message:        q.Get("message"),
			ConversationID: q.Get("conversation_id"),
		}, nil
	case http.MethodPost:
		var req model.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("%w: invalid request body", app_errors.ErrValidation)
		}
		return &req, nil
	default:
		return nil, fmt.Errorf("%w: method %s not allowed", app_errors.ErrValidation, r.Method)
	}
}

// checkRequest applies the pre-upstream gate: input validation first,
// then the per-address rate limit. It also fills in the default
// conversation id.
func (h *ChatHandler) checkRequest(r *http.Request, req *model.ChatRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message cannot be empty", app_errors.ErrValidation)
	}
	if len(req.Message) > h.cfg.MaxMessageLength {
		return fmt.Errorf("%w: message too long", app_errors.ErrValidation)
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	if !h.limiter.Allow(clientAddr(r)) {
		return app_errors.ErrRateLimited
	}
	return nil
}

// HandleChat serves GET and POST /chat.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		respondWithError(w, err)
		return
	}

	if req.Stream != nil && !*req.Stream {
		h.handleSync(w, r, req)
		return
	}
	h.handleStream(w, r, req)
}

// handleStream is the SSE path. Every exit writes exactly one trailing
// `close` frame; errors after the headers have gone out are delivered as
// `error` events since the status line is already committed.
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request, req *model.ChatRequest) {
	sse, ok := newSSEWriter(w)
	if !ok {
		respondWithError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}
	defer func() {
		if err := sse.event("close", nil); err != nil {
			slog.Debug("Failed to write close frame, client gone", "error", err)
		}
	}()

	if err := h.checkRequest(r, req); err != nil {
		slog.Warn("Rejected chat request", "remote", r.RemoteAddr, "error", err)
		_ = sse.event("error", map[string]string{"message": clientMessage(err)})
		return
	}

	h.store.Append(req.ConversationID, model.Message{Role: model.RoleUser, Content: req.Message})

	ctx := r.Context()
	ch := make(chan model.StreamEvent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.provider.ChatStream(ctx, h.history(req.ConversationID), ch)
	}()

	_ = sse.event("start", map[string]string{"conversation_id": req.ConversationID})

	for ev := range ch {
		// The write loop doubles as the disconnect poll: a cancelled
		// request context aborts the upstream call via ctx.
		if ctx.Err() != nil {
			break
		}
		if err := sse.message(ev); err != nil {
			slog.Info("Client disconnected during stream", "conversation_id", req.ConversationID)
			break
		}
	}

	if err := <-errCh; err != nil && ctx.Err() == nil {
		slog.Error("Upstream stream failed", "conversation_id", req.ConversationID, "error", err)
		_ = sse.event("error", map[string]string{"message": "An error occurred while processing your request."})
	}

	// The assistant's streamed reply is intentionally not persisted on
	// this path; only the WebSocket hub accumulates it into history.
}

// handleSync is the fallback transport's server side: one blocking
// upstream call, whole reply in one JSON response.
func (h *ChatHandler) handleSync(w http.ResponseWriter, r *http.Request, req *model.ChatRequest) {
	if err := h.checkRequest(r, req); err != nil {
		respondWithError(w, err)
		return
	}

	h.store.Append(req.ConversationID, model.Message{Role: model.RoleUser, Content: req.Message})

	reply, err := h.provider.Chat(r.Context(), h.history(req.ConversationID))
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, model.ChatResponse{
		Response:       reply,
		ConversationID: req.ConversationID,
	})
}

// history returns the conversation's messages, with the configured
// system prompt prepended when one is set.
func (h *ChatHandler) history(conversationID string) []model.Message {
	messages := h.store.Get(conversationID)
	if h.cfg.SystemPrompt == "" {
		return messages
	}
	return append([]model.Message{{Role: model.RoleSystem, Content: h.cfg.SystemPrompt}}, messages...)
}

// clientMessage picks the safe, user-facing text for an error event.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, app_errors.ErrRateLimited):
		return "Rate limit exceeded. Please wait before sending another message."
	case errors.Is(err, app_errors.ErrValidation):
		return err.Error()
	default:
		return "An error occurred while processing your request."
	}
}

// clientAddr reduces RemoteAddr to the bare address the rate limiter
// keys on. chi's RealIP middleware has already unwrapped proxy headers.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
