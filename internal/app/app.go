package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"chatbridge/backend/internal/api"
	"chatbridge/backend/internal/config"
	"chatbridge/backend/internal/llm"
	"chatbridge/backend/internal/ratelimit"
	"chatbridge/backend/internal/store"
	"chatbridge/backend/internal/ws"
)

// App bundles the wired relay so tests can assemble one against mock
// upstreams without starting a listener.
type App struct {
	Server *http.Server
	Hub    *ws.Hub
}

// New wires the relay from configuration: store, rate limiter, upstream
// provider, the SSE handler and the WebSocket hub, all behind one router.
func New(cfg *config.Config) *App {
	conversations := store.New(cfg.MaxMessages)
	limiter := ratelimit.New(cfg.RateLimitInterval())
	provider := llm.NewOpenAIProvider(llm.Options{
		APIKey:      cfg.OpenAIAPIKey,
		APIURL:      cfg.OpenAIAPIURL,
		Model:       cfg.OpenAIModel,
		Temperature: cfg.OpenAITemperature,
		MaxTokens:   cfg.OpenAIMaxTokens,
		Timeout:     cfg.UpstreamTimeout(),
	})

	hub := ws.NewHub(cfg, provider, conversations)
	chatHandler := api.NewChatHandler(provider, conversations, limiter, cfg)
	router := api.NewRouter(chatHandler, hub.HandleConnection)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      0, // Disabled for streaming endpoints
		IdleTimeout:       120 * time.Second,
	}

	return &App{Server: server, Hub: hub}
}

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)
	logConfigSource()

	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is not set; upstream calls will be rejected")
	}

	app := New(cfg)
	defer app.Hub.Shutdown()

	slog.Info("Starting server", "port", cfg.AppPort)
	if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		return 1
	}

	return 0
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
