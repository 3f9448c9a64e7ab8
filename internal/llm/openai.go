package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	app_errors "chatbridge/backend/internal/errors"
	"chatbridge/backend/internal/model"
)

// Provider defines the interface for the upstream completion API. The
// relays depend on this interface, not the concrete client, so tests can
// substitute a mock and count calls.
type Provider interface {
	// ChatStream opens a streaming completion call carrying the full
	// history and sends normalized events on ch. The channel is closed
	// when the call returns, on every path.
	ChatStream(ctx context.Context, messages []model.Message, ch chan<- model.StreamEvent) error
	// Chat performs a blocking completion call and returns the whole
	// reply, for the non-streaming fallback transport.
	Chat(ctx context.Context, messages []model.Message) (string, error)
}

// Options configures the OpenAI-compatible provider.
type Options struct {
	APIKey      string
	APIURL      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type openaiProvider struct {
	client *http.Client
	opts   Options
}

func NewOpenAIProvider(opts Options) Provider {
	if opts.APIURL == "" {
		opts.APIURL = "https://api.openai.com/v1/chat/completions"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &openaiProvider{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message model.Message `json:"message"`
	} `json:"choices"`
}

func (p *openaiProvider) newRequest(ctx context.Context, messages []model.Message, stream bool) (*http.Request, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       p.opts.Model,
		Messages:    messages,
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.APIURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	return req, nil
}

// ChatStream feeds every network read through a StreamParser so that
// arbitrarily chunked upstream frames come out as whole events. It
// respects ctx both while reading and while the consumer drains ch, so a
// disconnected client releases the upstream call promptly.
func (p *openaiProvider) ChatStream(ctx context.Context, messages []model.Message, ch chan<- model.StreamEvent) error {
	defer close(ch)

	req, err := p.newRequest(ctx, messages, true)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", app_errors.ErrUpstream, resp.StatusCode, detail)
	}

	parser := &StreamParser{}
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if readErr == io.EOF {
			for _, ev := range parser.Flush() {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: reading stream: %v", app_errors.ErrUpstream, readErr)
		}
	}
}

func (p *openaiProvider) Chat(ctx context.Context, messages []model.Message) (string, error) {
	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", app_errors.ErrUpstream, resp.StatusCode, detail)
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("%w: could not decode response: %v", app_errors.ErrUpstream, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: response contained no choices", app_errors.ErrUpstream)
	}
	return completion.Choices[0].Message.Content, nil
}

// wrapTransportError classifies a failed upstream request: deadline
// overruns become ErrTimeout, everything else ErrUpstream.
func wrapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", app_errors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: request failed: %v", app_errors.ErrUpstream, err)
}
