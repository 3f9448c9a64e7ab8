package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/backend/internal/config"
)

func TestNew(t *testing.T) {
	cfg := &config.Config{
		AppPort:                8080,
		OpenAIAPIURL:           "http://localhost:0",
		MaxMessages:            50,
		MaxMessageLength:       4000,
		RateLimitSeconds:       2,
		UpstreamTimeoutSeconds: 60,
		LogLevel:               "DEBUG",
	}

	app := New(cfg)
	require.NotNil(t, app)
	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.Hub)
	assert.Equal(t, ":8080", app.Server.Addr)
}

func TestNew_RouterServesHealthz(t *testing.T) {
	cfg := &config.Config{
		AppPort:          8080,
		MaxMessages:      50,
		MaxMessageLength: 4000,
	}
	app := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
