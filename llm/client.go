// Package llm is the chat-completion adapter used by the analysis stage.
// It speaks the OpenAI-compatible wire format through pluggable providers
// and attributes every failure to the errkind taxonomy; retry policy
// belongs to the caller.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/repolens/errkind"
)

// maxResponseSize bounds the response body read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// ErrSoftTimeout marks a request that exceeded the per-request timeout
// while the caller's context was still live. Callers may retry once with
// a reduced prompt before giving up.
var ErrSoftTimeout = errors.New("request timed out")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Request is one completion request.
type Request struct {
	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default,
	// 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 falls back to Settings.MaxTokens.
	MaxTokens int
}

// TokenUsage is the token consumption of one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the model the endpoint reported.
	Model string

	// Usage holds token consumption when the endpoint reports it.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Settings configures the client. Values come from the loaded config;
// the client never reads the environment itself.
type Settings struct {
	// Provider names the registered wire-format implementation.
	Provider string

	// BaseURL is the endpoint base, e.g. "https://api.openai.com/v1".
	BaseURL string

	// APIKey authenticates requests. Empty disables auth headers.
	APIKey string

	// Model is the model identifier sent with every request.
	Model string

	// MaxTokens is the default completion budget when a request sets none.
	MaxTokens int

	// RequestTimeout bounds a single request. The elapsed timeout is
	// reported as a soft timeout so callers can retry with less prompt.
	RequestTimeout time.Duration
}

// Client sends completion requests to one configured endpoint.
type Client struct {
	settings   Settings
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the configured endpoint.
func NewClient(settings Settings, opts ...Option) *Client {
	c := &Client{
		settings: settings,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for slow completions
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.settings.Model
}

// Complete sends one completion request. It makes exactly one attempt;
// the returned error carries its errkind classification so the caller
// can decide whether and how to retry.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errkind.NewFatal(fmt.Errorf("at least one message is required"))
	}

	provider := GetProvider(c.settings.Provider)
	if provider == nil {
		return nil, errkind.NewFatal(fmt.Errorf("unknown provider: %s", c.settings.Provider))
	}

	reqCtx := ctx
	if c.settings.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.settings.RequestTimeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.settings.MaxTokens
	}

	url := provider.BuildURL(c.settings.BaseURL)
	body, err := provider.BuildRequestBody(c.settings.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, errkind.NewFatal(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("sending completion request",
		"provider", c.settings.Provider,
		"model", c.settings.Model,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.NewFatal(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, c.settings.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The per-request deadline firing while the outer context is
		// still live is a soft timeout, not a caller cancellation.
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, errkind.NewTransient(fmt.Errorf("%w after %s", ErrSoftTimeout, c.settings.RequestTimeout))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errkind.NewTransient(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, errkind.NewTransient(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, httpResp.Header, respBody)
	}

	return provider.ParseResponse(respBody, c.settings.Model)
}

// classifyHTTPError maps an HTTP failure to the errkind taxonomy.
func classifyHTTPError(statusCode int, header http.Header, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("completion API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return errkind.NewRateLimited(err, parseRetryAfter(header.Get("Retry-After")))
	case statusCode >= 500:
		return errkind.NewTransient(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest,
		statusCode == http.StatusNotFound:
		return errkind.NewFatal(err)
	default:
		return errkind.NewFatal(err)
	}
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Zero when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
