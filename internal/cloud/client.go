// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/model"
)

// Configuration constants for the completions endpoint.
const (
	// DefaultEndpoint is a local LM Studio server.
	DefaultEndpoint = "http://127.0.0.1:1234/v1/chat/completions"

	// DefaultModel is the model name sent when none is configured.
	DefaultModel = "local-model"

	// DefaultTimeout is the ceiling for a whole request, streaming included.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the completion length limit.
	DefaultMaxTokens = 4096

	// DefaultTemperature is used for non-streaming requests.
	DefaultTemperature = 0.6

	// DefaultStreamTemperature is used for streaming requests.
	DefaultStreamTemperature = 0.4

	// DefaultMaxRetries is the number of retries for transient errors.
	DefaultMaxRetries = 2

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "bizcopilot/1.0"
)

// Error variables for common endpoint errors.
var (
	// ErrNotConfigured indicates no endpoint is set.
	ErrNotConfigured = errors.New("model endpoint not configured")

	// ErrAuthFailed indicates the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the model or endpoint does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrMalformedResponse indicates a 2xx body without a usable answer.
	ErrMalformedResponse = errors.New("unexpected response format")

	// ErrEmptyResponse indicates the model produced no text.
	ErrEmptyResponse = errors.New("model returned an empty answer")

	// ErrResponseTooLarge indicates a body larger than MaxResponseSize.
	ErrResponseTooLarge = fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)

	// ErrTransport wraps connection-level failures.
	ErrTransport = errors.New("request failed")
)

// APIError represents a non-2xx response from the endpoint.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model API error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("model API error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is a message in the request body.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the chat completions request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// ChatResponse is the non-streaming response body. OutputText is the
// fallback field some servers use instead of choices.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	OutputText string `json:"output_text"`
}

// Content returns the answer text, preferring choices[0].message.content.
func (r *ChatResponse) Content() string {
	if len(r.Choices) > 0 && r.Choices[0].Message.Content != "" {
		return r.Choices[0].Message.Content
	}
	return r.OutputText
}

// apiErrorResponse is the OpenAI-style error body.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

func toChatMessages(msgs []model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one chat completions endpoint.
type Client struct {
	endpoint          string
	apiKey            string
	model             string
	maxTokens         int
	temperature       float64
	streamTemperature float64
	maxRetries        int
	timeout           time.Duration
	httpClient        *http.Client
	limiter           *rate.Limiter
	logger            *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithModel sets the model name.
func WithModel(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.model = name
		}
	}
}

// WithMaxTokens sets max_tokens.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperatures sets the non-streaming and streaming temperatures.
func WithTemperatures(complete, stream float64) Option {
	return func(c *Client) {
		c.temperature = complete
		c.streamTemperature = stream
	}
}

// WithTimeout sets the per-request ceiling.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets the retry count for transient errors.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRateLimit limits outgoing requests per second. Zero disables it.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// NewClient creates a client for endpoint, the full chat completions URL.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:          strings.TrimSpace(endpoint),
		model:             DefaultModel,
		maxTokens:         DefaultMaxTokens,
		temperature:       DefaultTemperature,
		streamTemperature: DefaultStreamTemperature,
		maxRetries:        DefaultMaxRetries,
		timeout:           DefaultTimeout,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// No client-level timeout: the per-request context carries it so
		// streaming bodies are bounded by the same ceiling.
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return c
}

// NewFromConfig creates a client from the [model] config section.
func NewFromConfig(cfg config.ModelConfig, logger *zap.Logger) *Client {
	return NewClient(cfg.Endpoint,
		WithAPIKey(cfg.APIKey),
		WithModel(cfg.Model),
		WithMaxTokens(cfg.MaxTokens),
		WithTemperatures(cfg.Temperature, cfg.StreamTemperature),
		WithTimeout(cfg.Timeout()),
		WithMaxRetries(cfg.MaxRetries),
		WithRateLimit(cfg.RateLimitRPS),
		WithLogger(logger),
	)
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// IsConfigured returns true if an endpoint is set.
func (c *Client) IsConfigured() bool { return c.endpoint != "" }

// KeyFingerprint returns a short hash of the API key for display.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// =============================================================================
// REQUESTS
// =============================================================================

func (c *Client) newRequest(ctx context.Context, body ChatRequest) (*http.Request, string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, requestID, nil
}

// send performs one attempt and returns the response for a 2xx status.
// Non-2xx bodies are converted with handleErrorResponse.
func (c *Client) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, requestID, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("model request failed",
			zap.String("request_id", requestID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.logger.Debug("model response",
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Bool("stream", body.Stream),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, handleErrorResponse(resp.StatusCode, data)
	}
	return resp, nil
}

// sendWithRetry retries transient failures with exponential backoff.
func (c *Client) sendWithRetry(ctx context.Context, body ChatRequest) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			c.logger.Info("retrying model request",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.send(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(ctx, err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Complete sends a non-streaming request and returns the trimmed answer.
func (c *Client) Complete(ctx context.Context, msgs []model.Message) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sendWithRetry(ctx, ChatRequest{
		Model:       c.model,
		Messages:    toChatMessages(msgs),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return "", err
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	answer := strings.TrimSpace(chatResp.Content())
	if answer == "" {
		return "", fmt.Errorf("%w: no choices[0].message.content or output_text", ErrMalformedResponse)
	}
	return answer, nil
}

// readResponse reads the body with a size cap.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to Go errors.
func handleErrorResponse(statusCode int, body []byte) error {
	apiErr := &APIError{Status: statusCode, Message: strings.TrimSpace(string(body))}

	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		apiErr.Code = strings.Trim(string(parsed.Error.Code), `"`)
		if apiErr.Code == "null" {
			apiErr.Code = ""
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(statusCode)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthFailed, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrModelNotFound, apiErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, apiErr)
	default:
		return apiErr
	}
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	return errors.Is(err, ErrTransport)
}

// calculateBackoff returns the delay before the given attempt.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
