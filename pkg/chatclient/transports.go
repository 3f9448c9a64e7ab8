package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"chatbridge/backend/internal/model"
)

// --- WebSocket stage ---

// sendWebSocket reuses or dials a socket and, when the write succeeds,
// streams the turn's frames. Dial and write failures report false so the
// next stage can try; once frames are flowing the turn belongs to this
// transport and stream failures surface as error events.
func (c *Client) sendWebSocket(ctx context.Context, message, conversationID string, events chan<- model.StreamEvent) bool {
	sock, fresh, err := c.acquireWS(ctx)
	if err != nil {
		return false
	}

	payload := model.ChatRequest{Message: message, ConversationID: conversationID}
	if err := sock.WriteJSON(payload); err != nil {
		c.dropWS(sock)
		if !fresh {
			// A stale kept-open socket; one fresh dial before giving
			// the stage up.
			if sock, _, err = c.acquireWS(ctx); err != nil {
				return false
			}
			if err = sock.WriteJSON(payload); err != nil {
				c.dropWS(sock)
				return false
			}
		} else {
			return false
		}
	}

	// Abort the read loop when the caller goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.dropWS(sock)
		case <-watchDone:
		}
	}()

	startSeen := false
	for {
		var ev model.StreamEvent
		if err := sock.ReadJSON(&ev); err != nil {
			c.dropWS(sock)
			events <- model.StreamEvent{Type: model.EventError, Message: "Connection lost."}
			events <- model.StreamEvent{Type: model.EventClose}
			return true
		}

		switch ev.Type {
		case model.EventConnected:
			continue
		case model.EventStart:
			// The hub acks the turn and the stream marks its first
			// delta with the same type; forward only one start.
			if startSeen {
				continue
			}
			startSeen = true
			events <- model.StreamEvent{Type: model.EventStart, ConversationID: ev.ConversationID}
		case model.EventChunk:
			events <- ev
		case model.EventDone, model.EventError:
			events <- ev
			events <- model.StreamEvent{Type: model.EventClose}
			return true
		}
	}
}

// acquireWS returns the kept-open socket or dials a new one within the
// configured timeout. fresh reports whether the socket came from a dial.
func (c *Client) acquireWS(ctx context.Context) (sock *websocket.Conn, fresh bool, err error) {
	c.mu.Lock()
	if c.ws != nil {
		sock = c.ws
		c.mu.Unlock()
		return sock, false, nil
	}
	c.mu.Unlock()

	if c.cfg.WebSocketURL == "" {
		return nil, false, fmt.Errorf("no websocket endpoint configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.WSDialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.WSDialTimeout}
	sock, resp, err := dialer.DialContext(dialCtx, c.cfg.WebSocketURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, false, err
	}

	c.mu.Lock()
	c.ws = sock
	c.mu.Unlock()
	return sock, true, nil
}

// dropWS closes sock and forgets it if it is the kept-open socket.
func (c *Client) dropWS(sock *websocket.Conn) {
	_ = sock.Close()
	c.mu.Lock()
	if c.ws == sock {
		c.ws = nil
	}
	c.mu.Unlock()
}

// --- SSE stage ---

// sendSSE opens a unidirectional stream with the message embedded in the
// URL. Failing to connect (or a non-stream response) reports false; once
// the event stream is open the message has been delivered.
func (c *Client) sendSSE(ctx context.Context, message, conversationID string, events chan<- model.StreamEvent) bool {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return false
	}
	u.Path = "/chat"
	q := u.Query()
	q.Set("message", message)
	q.Set("conversation_id", conversationID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sseClient.Do(req)
	if err != nil {
		return false
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_ = resp.Body.Close()
		return false
	}
	defer resp.Body.Close()

	c.readSSE(resp.Body, events)
	return true
}

// readSSE parses `event:`/`data:` frames and forwards the normalized
// events. The server's outer `start` frame (conversation ack) and the
// in-stream `message` start are folded into one start event.
func (c *Client) readSSE(body io.Reader, events chan<- model.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string
	startSeen := false

	flush := func() bool {
		defer func() { eventName, data = "", "" }()

		switch eventName {
		case "start":
			var payload struct {
				ConversationID string `json:"conversation_id"`
			}
			_ = json.Unmarshal([]byte(data), &payload)
			if !startSeen {
				startSeen = true
				events <- model.StreamEvent{Type: model.EventStart, ConversationID: payload.ConversationID}
			}
		case "message":
			var ev model.StreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false
			}
			if ev.Type == model.EventStart {
				if startSeen {
					return false
				}
				startSeen = true
			}
			events <- ev
		case "error":
			var payload struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(data), &payload)
			events <- model.StreamEvent{Type: model.EventError, Message: payload.Message}
		case "close":
			events <- model.StreamEvent{Type: model.EventClose}
			return true
		}
		return false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if flush() {
				return
			}
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	// Stream ended without a close frame; synthesize the terminal pair
	// so consumers still see a complete sequence.
	events <- model.StreamEvent{Type: model.EventError, Message: "Connection lost."}
	events <- model.StreamEvent{Type: model.EventClose}
}

// --- Fallback stage ---

// sendFallback is the last resort: one blocking request, whole reply,
// synthesized into the normalized event sequence.
func (c *Client) sendFallback(ctx context.Context, message, conversationID string, events chan<- model.StreamEvent) {
	stream := false
	body, err := json.Marshal(model.ChatRequest{
		Message:        message,
		ConversationID: conversationID,
		Stream:         &stream,
	})
	if err != nil {
		events <- model.StreamEvent{Type: model.EventError, Message: "Could not encode request."}
		events <- model.StreamEvent{Type: model.EventClose}
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.ServerURL, "/")+"/chat", bytes.NewReader(body))
	if err != nil {
		events <- model.StreamEvent{Type: model.EventError, Message: "Could not build request."}
		events <- model.StreamEvent{Type: model.EventClose}
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		events <- model.StreamEvent{Type: model.EventError, Message: "Connection failed."}
		events <- model.StreamEvent{Type: model.EventClose}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		events <- model.StreamEvent{Type: model.EventError, Message: fmt.Sprintf("Request failed with status %d.", resp.StatusCode)}
		events <- model.StreamEvent{Type: model.EventClose}
		return
	}

	var reply model.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		events <- model.StreamEvent{Type: model.EventError, Message: "Could not decode response."}
		events <- model.StreamEvent{Type: model.EventClose}
		return
	}

	events <- model.StreamEvent{Type: model.EventStart, ConversationID: reply.ConversationID}
	events <- model.StreamEvent{Type: model.EventChunk, Content: reply.Response}
	events <- model.StreamEvent{Type: model.EventDone}
	events <- model.StreamEvent{Type: model.EventClose}
}
