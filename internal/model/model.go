package model

// Message roles as sent to the upstream completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation. An in-flight assistant
// message is accumulated from stream deltas and appended only once the
// turn completes.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventType tags a StreamEvent.
type EventType string

const (
	// EventConnected is the acknowledgement frame a WebSocket client
	// receives right after the upgrade.
	EventConnected EventType = "connected"
	// EventStart precedes the first content delta of a turn.
	EventStart EventType = "start"
	// EventChunk carries one incremental text fragment.
	EventChunk EventType = "chunk"
	// EventDone marks the successful end of a turn.
	EventDone EventType = "done"
	// EventError marks a failed turn. The message is intentionally
	// generic; details stay in the server logs.
	EventError EventType = "error"
	// EventClose terminates an event stream. It is emitted exactly once
	// per SSE request, on every code path.
	EventClose EventType = "close"
)

// StreamEvent is the normalized event both relays and the client
// negotiator speak. Only the fields relevant to the event type are set.
type StreamEvent struct {
	Type           EventType `json:"type"`
	Content        string    `json:"content,omitempty"`
	Message        string    `json:"message,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// ChatRequest is the inbound payload shared by the SSE, fallback and
// WebSocket transports. The maximum message length is enforced against
// the configured limit in the handlers, not here, since it is tunable
// at runtime rather than fixed in a struct tag.
type ChatRequest struct {
	Message        string `json:"message" validate:"required"`
	ConversationID string `json:"conversation_id"`
	Stream         *bool  `json:"stream,omitempty"`
}

// ChatResponse is the synchronous fallback reply carrying the whole
// assistant message at once.
type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}
