// Package llm talks to an OpenAI-compatible chat completions endpoint such
// as DashScope's compatible mode.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 3
	defaultMinWait    = time.Second
	defaultMaxWait    = 10 * time.Second
)

// ErrNotConfigured is returned when no API key or base URL is set.
var ErrNotConfigured = errors.New("llm not configured: set LLM_API_KEY, DASHSCOPE_API_KEY or OPENAI_API_KEY")

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// Client sends chat completion requests with bounded exponential backoff.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
	minWait    time.Duration
	maxWait    time.Duration
}

// NewClient creates a client. Zero values in cfg fall back to defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		minWait:    cfg.MinWait,
		maxWait:    cfg.MaxWait,
	}
	if c.httpClient.Timeout <= 0 {
		c.httpClient.Timeout = defaultTimeout
	}
	if c.maxRetries < 1 {
		c.maxRetries = defaultMaxRetries
	}
	if c.minWait <= 0 {
		c.minWait = defaultMinWait
	}
	if c.maxWait < c.minWait {
		c.maxWait = max(defaultMaxWait, c.minWait)
	}
	return c
}

// Configured reports whether the client has credentials and an endpoint.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// BaseURL returns the configured endpoint base.
func (c *Client) BaseURL() string { return c.baseURL }

// statusError is returned for non-2xx responses.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// retryable reports whether err is worth another attempt: transport
// failures, rate limiting and server errors.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	var te *transportError
	return errors.As(err, &te)
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "executing request: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Chat sends messages and returns the text of the first choice.
func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	ctx, span := otel.Tracer("rsagent/llm").Start(ctx, "llm.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.messages", len(messages)),
	)

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range c.maxRetries {
		text, err := c.doChat(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt < c.maxRetries-1 {
			wait := c.backoff(attempt)
			slog.Warn("llm request failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "cancelled")
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "chat failed")
	return "", lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.minWait) * math.Pow(2, float64(attempt)))
	return min(d, c.maxWait)
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return cr.content()
}
