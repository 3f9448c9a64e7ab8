// Package ws implements the long-lived WebSocket side of the relay: a
// hub multiplexing many client sockets, each running its upstream calls
// in its own goroutine so one slow upstream never delays another
// connection.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatbridge/backend/internal/config"
	app_errors "chatbridge/backend/internal/errors"
	"chatbridge/backend/internal/llm"
	"chatbridge/backend/internal/model"
	"chatbridge/backend/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	readLimit        = 1 << 20 // 1MB
)

// Hub owns the connection registry and the dependencies each turn needs.
// Connections are registered on upgrade and removed when their read loop
// ends, whatever the reason.
type Hub struct {
	cfg      *config.Config
	provider llm.Provider
	store    *store.ConversationStore
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// connection binds one socket to one in-flight turn. Writes are
// serialized by writeMu because the read loop and the turn goroutine
// both send frames. The connection-scoped context is cancelled on
// disconnect so an orphaned upstream call is released.
//
// The single-turn guard is per connection, not per conversation: two
// sockets addressing the same conversation id run their turns
// concurrently and their appends interleave in history, serialized only
// by the store's own lock.
type connection struct {
	sock    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	turnMu sync.Mutex
	inTurn bool
}

func NewHub(cfg *config.Config, provider llm.Provider, store *store.ConversationStore) *Hub {
	return &Hub{
		cfg:      cfg,
		provider: provider,
		store:    store,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin: func(r *http.Request) bool {
				// The relay is meant to be embedded on arbitrary sites.
				return true
			},
		},
		conns: make(map[*connection]struct{}),
	}
}

// Count reports the number of registered connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every registered connection and cancels their turns.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.sock.Close()
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// HandleConnection upgrades the request and runs the connection's read
// loop until the socket closes. Per-message failures send a local error
// frame and keep the loop alive; only transport errors end it.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{sock: sock, ctx: ctx, cancel: cancel}

	h.register(c)
	defer func() {
		cancel()
		h.unregister(c)
		_ = sock.Close()
		slog.Info("Connection closed", "remote", r.RemoteAddr)
	}()

	sock.SetReadLimit(readLimit)
	slog.Info("New connection", "remote", r.RemoteAddr)

	if err := c.send(model.StreamEvent{
		Type:    model.EventConnected,
		Message: "Connected to chat relay",
	}); err != nil {
		return
	}

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("Read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		h.handleFrame(c, data)
	}
}

// handleFrame validates one inbound frame and, when it is a well-formed
// turn request, starts the turn on its own goroutine.
func (h *Hub) handleFrame(c *connection, data []byte) {
	req, err := h.parseFrame(data)
	if err != nil {
		slog.Warn("Rejected frame", "error", err)
		c.sendError(clientMessage(err))
		return
	}

	c.turnMu.Lock()
	if c.inTurn {
		c.turnMu.Unlock()
		c.sendError("A previous message is still being processed.")
		return
	}
	c.inTurn = true
	c.turnMu.Unlock()

	h.store.Append(req.ConversationID, model.Message{Role: model.RoleUser, Content: req.Message})

	// Ack that the turn began, carrying the (possibly defaulted)
	// conversation id back to the client.
	if err := c.send(model.StreamEvent{Type: model.EventStart, ConversationID: req.ConversationID}); err != nil {
		c.endTurn()
		return
	}

	go h.runTurn(c, req.ConversationID)
}

func (h *Hub) parseFrame(data []byte) (*model.ChatRequest, error) {
	var req model.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid frame", app_errors.ErrValidation)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message cannot be empty", app_errors.ErrValidation)
	}
	if len(req.Message) > h.cfg.MaxMessageLength {
		return nil, fmt.Errorf("%w: message too long", app_errors.ErrValidation)
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}
	return &req, nil
}

// runTurn executes one upstream call scoped to this connection, routes
// events to this socket only, and on success appends the accumulated
// assistant reply to the conversation.
func (h *Hub) runTurn(c *connection, conversationID string) {
	defer c.endTurn()

	ch := make(chan model.StreamEvent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.provider.ChatStream(c.ctx, h.history(conversationID), ch)
	}()

	var assistant strings.Builder
	for ev := range ch {
		if ev.Type == model.EventChunk {
			assistant.WriteString(ev.Content)
		}
		if err := c.send(ev); err != nil {
			// The socket is gone; cancelling releases the upstream call
			// and the read loop finishes the teardown.
			c.cancel()
		}
	}

	if err := <-errCh; err != nil {
		if c.ctx.Err() == nil {
			slog.Error("Upstream stream failed", "conversation_id", conversationID, "error", err)
			c.sendError("An error occurred while processing your request.")
		}
		return
	}

	if assistant.Len() > 0 {
		h.store.Append(conversationID, model.Message{
			Role:    model.RoleAssistant,
			Content: assistant.String(),
		})
	}
}

func (h *Hub) history(conversationID string) []model.Message {
	messages := h.store.Get(conversationID)
	if h.cfg.SystemPrompt == "" {
		return messages
	}
	return append([]model.Message{{Role: model.RoleSystem, Content: h.cfg.SystemPrompt}}, messages...)
}

// clientMessage keeps validation detail but hides everything else.
func clientMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *connection) send(ev model.StreamEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteJSON(ev)
}

func (c *connection) sendError(message string) {
	if err := c.send(model.StreamEvent{Type: model.EventError, Message: message}); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
}

func (c *connection) endTurn() {
	c.turnMu.Lock()
	c.inTurn = false
	c.turnMu.Unlock()
}
