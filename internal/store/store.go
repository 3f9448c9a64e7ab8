package store

import (
	"sync"

	"chatbridge/backend/internal/model"
)

// ConversationStore keeps per-conversation message history in process
// memory. History is capped: after every append the oldest messages are
// dropped so that a conversation never exceeds maxMessages entries.
//
// The store is shared by the SSE relay and the WebSocket hub, so all
// access goes through one mutex. Conversations have no visibility into
// each other.
type ConversationStore struct {
	mu            sync.Mutex
	conversations map[string][]model.Message
	maxMessages   int
}

func New(maxMessages int) *ConversationStore {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &ConversationStore{
		conversations: make(map[string][]model.Message),
		maxMessages:   maxMessages,
	}
}

// Append adds a message to the conversation and trims it to the cap,
// oldest first.
func (s *ConversationStore) Append(id string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.conversations[id], msg)
	if len(history) > s.maxMessages {
		history = history[len(history)-s.maxMessages:]
	}
	s.conversations[id] = history
}

// Get returns a copy of the conversation's ordered history. The copy
// keeps callers from observing concurrent appends mid-iteration.
func (s *ConversationStore) Get(id string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.conversations[id]
	out := make([]model.Message, len(history))
	copy(out, history)
	return out
}

// Len reports the current number of messages in a conversation.
func (s *ConversationStore) Len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[id])
}
