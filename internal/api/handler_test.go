// Black box test package: these tests drive the SSE relay through its
// exported surface only, with the upstream provider mocked so every test
// can assert how many upstream calls were made.
package api_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatbridge/backend/internal/api"
	"chatbridge/backend/internal/config"
	app_errors "chatbridge/backend/internal/errors"
	"chatbridge/backend/internal/llm/mocks"
	"chatbridge/backend/internal/model"
	"chatbridge/backend/internal/ratelimit"
	"chatbridge/backend/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxMessages:      50,
		MaxMessageLength: 4000,
		RateLimitSeconds: 2,
	}
}

func setupChatHandler(t *testing.T) (*api.ChatHandler, *mocks.MockProvider, *store.ConversationStore) {
	mockProvider := mocks.NewMockProvider(t)
	conversations := store.New(50)
	limiter := ratelimit.New(2 * time.Second)
	handler := api.NewChatHandler(mockProvider, conversations, limiter, testConfig())
	return handler, mockProvider, conversations
}

// sseEvents picks the `event:` names out of a recorded SSE body, in order.
func sseEvents(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

// expectStream wires the mock provider to play back the given events and
// close the channel, honoring the real provider's contract.
func expectStream(m *mocks.MockProvider, events ...model.StreamEvent) *mock.Call {
	return m.On("ChatStream", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ch := args.Get(2).(chan<- model.StreamEvent)
			for _, ev := range events {
				ch <- ev
			}
			close(ch)
		}).
		Return(nil)
}

// TestChatHandler_StreamScenario is the canonical turn: user sends
// "Hello" on conversation "c1", the upstream streams "Hi" and " there",
// and the client observes start, chunk, chunk, done, close.
func TestChatHandler_StreamScenario(t *testing.T) {
	handler, mockProvider, conversations := setupChatHandler(t)

	expectStream(mockProvider,
		model.StreamEvent{Type: model.EventStart},
		model.StreamEvent{Type: model.EventChunk, Content: "Hi"},
		model.StreamEvent{Type: model.EventChunk, Content: " there"},
		model.StreamEvent{Type: model.EventDone},
	).Once()

	req := httptest.NewRequest(http.MethodGet, "/chat?message=Hello&conversation_id=c1", nil)
	rr := httptest.NewRecorder()
	handler.HandleChat(rr, req)

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Equal(t, []string{"start", "message", "message", "message", "message", "close"}, sseEvents(body))
	assert.Contains(t, body, `{"conversation_id":"c1"}`)
	assert.Contains(t, body, `{"type":"start"}`)
	assert.Contains(t, body, `{"type":"chunk","content":"Hi"}`)
	assert.Contains(t, body, `{"type":"chunk","content":" there"}`)
	assert.Contains(t, body, `{"type":"done"}`)

	// The SSE path records the user's message but intentionally does not
	// persist the streamed assistant reply.
	history := conversations.Get("c1")
	require.Len(t, history, 1)
	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, "Hello", history[0].Content)
}

// An empty message must be rejected before the upstream is contacted:
// the mock has no expectations, so any ChatStream call fails the test.
func TestChatHandler_EmptyMessageRejectedWithoutUpstreamCall(t *testing.T) {
	handler, _, conversations := setupChatHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/chat?message=&conversation_id=c1", nil)
	rr := httptest.NewRecorder()
	handler.HandleChat(rr, req)

	assert.Equal(t, []string{"error", "close"}, sseEvents(rr.Body.String()))
	assert.Equal(t, 0, conversations.Len("c1"))
}

func TestChatHandler_WhitespaceOnlyMessageRejected(t *testing.T) {
	handler, _, _ := setupChatHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/chat?message=+++&conversation_id=c1", nil)
	rr := httptest.NewRecorder()
	handler.HandleChat(rr, req)

	assert.Equal(t, []string{"error", "close"}, sseEvents(rr.Body.String()))
}

func TestChatHandler_OverlongMessageRejected(t *testing.T) {
	handler, _, _ := setupChatHandler(t)

	long := strings.Repeat("x", 4001)
	req := httptest.NewRequest(http.MethodGet, "/chat?message="+long, nil)
	rr := httptest.NewRecorder()
	handler.HandleChat(rr, req)

	assert.Equal(t, []string{"error", "close"}, sseEvents(rr.Body.String()))
}

// Two requests from one address inside the interval: the second is
// rejected and triggers no upstream call.
func TestChatHandler_RateLimitedWithinInterval(t *testing.T) {
	handler, mockProvider, _ := setupChatHandler(t)

	expectStream(mockProvider, model.StreamEvent{Type: model.EventDone}).Once()

	first := httptest.NewRequest(http.MethodGet, "/chat?message=Hello", nil)
	first.RemoteAddr = "1.2.3.4:5000"
	rr1 := httptest.NewRecorder()
	handler.HandleChat(rr1, first)
	assert.Equal(t, []string{"start", "message", "close"}, sseEvents(rr1.Body.String()))

	second := httptest.NewRequest(http.MethodGet, "/chat?message=again", nil)
	second.RemoteAddr = "1.2.3.4:5001"
	rr2 := httptest.NewRecorder()
	handler.HandleChat(rr2, second)

	body := rr2.Body.String()
	assert.Equal(t, []string{"error", "close"}, sseEvents(body))
	assert.Contains(t, body, "Rate limit exceeded")
}

func TestChatHandler_ConversationDefaultsToDefault(t *testing.T) {
	handler, mockProvider, conversations := setupChatHandler(t)

	expectStream(mockProvider, model.StreamEvent{Type: model.EventDone}).Once()

	req := httptest.NewRequest(http.MethodGet, "/chat?message=Hello", nil)
	rr := httptest.NewRecorder()
	handler.HandleChat(rr, req)

	assert.Equal(t, 1, conversations.Len("default"))
}

// Upstream failures surface as a generic error event; the stream still
// ends with exactly one close frame.
func TestChatHandler_UpstreamErrorBecomesErrorEvent(t *testing.T) {
	handler, mockProvider, _ := setupChatHandler(t)

	mockProvider.On("ChatStream", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(args.Get(2).(chan<- model.StreamEvent))
		}).
		Return(assert.AnError).Once()

	req := httptest.NewRequest(http.MethodGet, "/chat?message=Hello", nil)
	rr := httptest.NewRecorder()
	handler.HandleChat(rr, req)

	body := rr.Body.String()
	assert.Equal(t, []string{"start", "error", "close"}, sseEvents(body))
	assert.Contains(t, body, "An error occurred while processing your request.")
	assert.NotContains(t, body, assert.AnError.Error(), "upstream detail must stay server-side")
}

func TestChatHandler_SyncFallback(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockProvider, conversations := setupChatHandler(t)

		mockProvider.On("Chat", mock.Anything, mock.Anything).Return("Hi there", nil).Once()

		body := `{"message":"Hello","conversation_id":"c1","stream":false}`
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.HandleChat(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"response":"Hi there","conversation_id":"c1"}`, rr.Body.String())
		assert.Equal(t, 1, conversations.Len("c1"))
	})

	t.Run("Empty message is a 400", func(t *testing.T) {
		handler, _, _ := setupChatHandler(t)

		body := `{"message":"","stream":false}`
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.HandleChat(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Upstream failure is a 502", func(t *testing.T) {
		handler, mockProvider, _ := setupChatHandler(t)

		mockProvider.On("Chat", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: status 500", app_errors.ErrUpstream)).Once()

		body := `{"message":"Hello","stream":false}`
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.HandleChat(rr, req)

		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

func TestRouter_UnsupportedMethodRejected(t *testing.T) {
	handler, _, _ := setupChatHandler(t)
	router := api.NewRouter(handler, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodDelete, "/chat", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRouter_Healthz(t *testing.T) {
	handler, _, _ := setupChatHandler(t)
	router := api.NewRouter(handler, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
