// Package chatclient is the programmatic client for the relay. Send
// negotiates a transport for each message: an already-open WebSocket is
// reused, otherwise a WebSocket dial is attempted, then SSE, then a
// plain request/response call. Exactly one transport delivers any given
// message, and every exit path releases the sockets and streams it
// opened.
package chatclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbridge/backend/internal/model"
)

const (
	defaultWSDialTimeout  = 2000 * time.Millisecond
	defaultSSEDialTimeout = 3000 * time.Millisecond
)

// Config configures a Client. Only ServerURL is required.
type Config struct {
	// ServerURL is the relay's HTTP base, e.g. "http://localhost:8080".
	ServerURL string
	// WebSocketURL overrides the ws endpoint; derived from ServerURL
	// when empty.
	WebSocketURL string
	// WSDialTimeout bounds the WebSocket open attempt (default 2s).
	WSDialTimeout time.Duration
	// SSEDialTimeout bounds the SSE connection attempt (default 3s).
	SSEDialTimeout time.Duration
}

// Client negotiates transports and carries one conversation id across
// sends unless the caller supplies their own.
type Client struct {
	cfg            Config
	conversationID string

	httpClient *http.Client // fallback POST
	sseClient  *http.Client // streaming GET, header-timeout only

	mu sync.Mutex
	ws *websocket.Conn

	// sendMu serializes turns: the kept-open socket allows one reader and
	// one writer at a time, so overlapping Sends must queue.
	sendMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.WSDialTimeout == 0 {
		cfg.WSDialTimeout = defaultWSDialTimeout
	}
	if cfg.SSEDialTimeout == 0 {
		cfg.SSEDialTimeout = defaultSSEDialTimeout
	}
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = deriveWSURL(cfg.ServerURL)
	}
	return &Client{
		cfg:            cfg,
		conversationID: "conv_" + uuid.NewString(),
		httpClient:     &http.Client{Timeout: 65 * time.Second},
		sseClient: &http.Client{
			// Every phase of opening the stream is bounded by the SSE
			// connection timeout; the body then streams without limit.
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.SSEDialTimeout}).DialContext,
				TLSHandshakeTimeout:   cfg.SSEDialTimeout,
				ResponseHeaderTimeout: cfg.SSEDialTimeout,
			},
		},
	}
}

// ConversationID returns the id used when Send is called with an empty one.
func (c *Client) ConversationID() string {
	return c.conversationID
}

// Close releases a kept-open WebSocket, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		err := c.ws.Close()
		c.ws = nil
		return err
	}
	return nil
}

// Send delivers one message and returns the stream of normalized events
// for the turn. The sequence is always `start, chunk*, (done|error),
// close` whichever transport ends up carrying it; the channel closes
// after `close`. The caller must drain the channel; cancel ctx to abort
// a turn early. Concurrent Sends on one Client are serialized, a later
// turn waits for the in-flight one to finish.
func (c *Client) Send(ctx context.Context, message, conversationID string) <-chan model.StreamEvent {
	events := make(chan model.StreamEvent)
	go c.run(ctx, message, conversationID, events)
	return events
}

// run is the fallback state machine. Each stage reports whether the
// message was delivered on its transport; once delivered there is no
// further fallback even if the stream later fails.
func (c *Client) run(ctx context.Context, message, conversationID string, events chan<- model.StreamEvent) {
	defer close(events)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if conversationID == "" {
		conversationID = c.conversationID
	}

	if c.sendWebSocket(ctx, message, conversationID, events) {
		return
	}
	if c.sendSSE(ctx, message, conversationID, events) {
		return
	}
	c.sendFallback(ctx, message, conversationID, events)
}

func deriveWSURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}
