// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/util"
)

// Configuration constants for the Together AI API.
const (
	// DefaultBaseURL is the base URL for the Together AI API.
	DefaultBaseURL = "https://api.together.xyz/v1"

	// DefaultModel is the hosted Gemma 3n checkpoint.
	DefaultModel = "google/gemma-3n-E4B-it"

	// DefaultTimeout bounds one call including retries.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens caps a reply when the persona sets no limit.
	DefaultMaxTokens = 1000

	// DefaultMaxRetries is the number of attempts for rate limits and 5xx.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 << 20

	// maxErrorMessage caps the provider's error message kept in Detail.
	maxErrorMessage = 300
)

// Sentinel causes attached to *ollama.ClientError values so callers can
// tell provider failures apart with errors.Is.
var (
	ErrNotConfigured = errors.New("API key not configured")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrRateLimited   = errors.New("rate limited")
	ErrModelNotFound = errors.New("model not found")
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a URL or data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatMessage is a message in the chat completions format. Content is
// sent as a plain string unless Parts is set.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// MarshalJSON renders Content as a string, or Parts as an array.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// NewUserMessage creates a text-only user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// ChatRequest is the request body for /chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	Seed        int           `json:"seed,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// ChatResponse is the reply from /chat/completions.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// modelEntry is one element of the /models listing.
type modelEntry struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	DisplayName   string `json:"display_name"`
	Organization  string `json:"organization"`
	ContextLength int    `json:"context_length"`
}

// apiErrorResponse is the error body returned on 4xx/5xx.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig holds configuration options for the client.
type ClientConfig struct {
	// BaseURL is the API root (default: https://api.together.xyz/v1).
	BaseURL string

	// APIKey is sent as a bearer token. Calls fail with a configuration
	// error while it is empty.
	APIKey string

	// Timeout bounds each call including retries (default: 60s).
	Timeout time.Duration

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// MaxTokens is sent when the request options set no limit.
	MaxTokens int

	// MaxRetries is the number of attempts for retryable failures.
	MaxRetries int

	// Metrics, when set, records request outcomes.
	Metrics *ollama.Metrics

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible chat completions API. It satisfies
// the same Generate/ListModels/CheckRunning surface as *ollama.Client and
// reports failures as *ollama.ClientError. Safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client

	// retryDelay is the backoff base; tests shorten it.
	retryDelay time.Duration
}

// NewClient creates a client. Zero config fields take their defaults.
func NewClient(config *ClientConfig) *Client {
	cfg := ClientConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Client{config: &cfg, httpClient: httpClient, retryDelay: retryBaseDelay}
}

// IsConfigured returns true if an API key is set.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// APIKeyMasked returns a display form of the key that reveals only its
// length.
func (c *Client) APIKeyMasked() string {
	if c.config.APIKey == "" {
		return "[not set]"
	}
	return fmt.Sprintf("[REDACTED, length=%d]", len(c.config.APIKey))
}

// notConfigured is returned by every call while the key is missing.
func notConfigured() *ollama.ClientError {
	ce := ollama.NewConfigurationError("Together AI API key is not set (TOGETHER_API_KEY or together.api_key)")
	ce.Cause = ErrNotConfigured
	return ce
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate sends req as a single user message and returns the first
// choice. Images become image_url data URIs. Audio is rejected because
// the endpoint has no audio input.
func (c *Client) Generate(ctx context.Context, req *ollama.GenerateRequest) (res *ollama.Result, err error) {
	start := time.Now()
	defer func() {
		c.config.Metrics.Observe(err, time.Since(start))
	}()

	if !c.IsConfigured() {
		return nil, notConfigured()
	}
	body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ollama.NewNetworkError(ctx.Err())
			case <-time.After(c.calculateBackoff(attempt - 1)):
			}
		}

		resp, err := c.doRequest(ctx, body)
		if err == nil {
			return c.toResult(body.Model, resp, time.Since(start))
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// buildRequest validates req and maps it onto the chat completions body.
func (c *Client) buildRequest(req *ollama.GenerateRequest) (*ChatRequest, error) {
	if req == nil {
		return nil, ollama.NewConfigurationError("request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.config.DefaultModel
	}

	msg := NewUserMessage(req.Prompt)
	for i, a := range req.Attachments {
		if a.Kind != ollama.AttachmentImage {
			return nil, ollama.NewConfigurationError(fmt.Sprintf(
				"attachment %d: %q attachments are not supported by the Together AI provider", i, a.Kind))
		}
		raw, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil || len(raw) == 0 {
			return nil, ollama.NewConfigurationError(fmt.Sprintf("attachment %d: data is not base64 image data", i))
		}
		if len(msg.Parts) == 0 {
			msg.Parts = append(msg.Parts, ContentPart{Type: "text", Text: req.Prompt})
		}
		msg.Parts = append(msg.Parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:" + imageMIME(raw) + ";base64," + a.Data},
		})
	}

	body := &ChatRequest{
		Model:     model,
		Messages:  []ChatMessage{msg},
		MaxTokens: c.config.MaxTokens,
	}
	if o := req.Options; o != nil {
		if o.MaxTokens != nil && *o.MaxTokens > 0 {
			body.MaxTokens = *o.MaxTokens
		}
		body.Temperature = o.Temperature
		body.TopP = o.TopP
		body.TopK = o.TopK
		body.Seed = o.Seed
		body.Stop = o.Stop
	}
	return body, nil
}

// imageMIME sniffs the media type of an image, defaulting to JPEG.
func imageMIME(raw []byte) string {
	mime := http.DetectContentType(raw)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return "image/jpeg"
}

// doRequest performs a single POST to /chat/completions.
func (c *Client) doRequest(ctx context.Context, reqBody *ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, ollama.NewConfigurationError("failed to encode request: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, ollama.NewConfigurationError("failed to create request: " + err.Error())
	}
	c.setHeaders(req)

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, handleErrorResponse(status, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, ollama.NewMalformedError("response is not valid JSON", body, err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == nil {
		return nil, ollama.NewMalformedError("response has no choices[0].message.content", body, nil)
	}
	return &chatResp, nil
}

func (c *Client) toResult(model string, resp *ChatResponse, elapsed time.Duration) (*ollama.Result, error) {
	choice := resp.Choices[0]
	res := &ollama.Result{
		Text:       *choice.Message.Content,
		Model:      model,
		DoneReason: choice.FinishReason,
		EvalCount:  resp.Usage.CompletionTokens,
		Duration:   elapsed,
	}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	return res, nil
}

// setHeaders sets the headers every API request carries.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// do sends req and reads the body with a size limit.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	// Keep the key out of anything that might print the request later.
	req.Header.Del("Authorization")
	if err != nil {
		return nil, 0, ollama.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, 0, ollama.NewNetworkError(err)
	}
	if len(body) > MaxResponseSize {
		return nil, 0, ollama.NewMalformedError(
			fmt.Sprintf("response exceeded maximum size of %d bytes", MaxResponseSize), nil, nil)
	}
	return body, resp.StatusCode, nil
}

// handleErrorResponse converts an HTTP error status into a server error
// carrying the provider's message.
func handleErrorResponse(status int, body []byte) error {
	var ce *ollama.ClientError
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		ce = &ollama.ClientError{
			Kind:       ollama.ErrKindServer,
			Detail:     fmt.Sprintf("HTTP %d: %s", status, util.TruncateRunes(apiErr.Error.Message, maxErrorMessage)),
			StatusCode: status,
		}
	} else {
		ce = ollama.NewServerError(status, body)
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		ce.Cause = ErrAuthFailed
	case http.StatusNotFound:
		ce.Cause = ErrModelNotFound
	case http.StatusTooManyRequests:
		ce.Cause = ErrRateLimited
	}
	return ce
}

// isRetryable reports whether err is a rate limit or 5xx reply.
func isRetryable(err error) bool {
	var ce *ollama.ClientError
	if !errors.As(err, &ce) || ce.Kind != ollama.ErrKindServer {
		return false
	}
	return ce.StatusCode == http.StatusTooManyRequests || ce.StatusCode >= 500
}

// calculateBackoff returns the delay to wait before the next retry.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.retryDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// MODELS / CONNECTION TEST
// =============================================================================

// ListModels retrieves the hosted models. The listing is either a bare
// array or an object with a data array; both are accepted.
func (c *Client) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	if !c.IsConfigured() {
		return nil, notConfigured()
	}
	body, err := c.getModels(ctx)
	if err != nil {
		return nil, err
	}

	var entries []modelEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		var wrapped struct {
			Data []modelEntry `json:"data"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, ollama.NewMalformedError("model list is not valid JSON", body, err)
		}
		entries = wrapped.Data
	}

	models := make([]ollama.ModelInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != "" && e.Type != "chat" {
			continue
		}
		models = append(models, ollama.ModelInfo{
			Name:    e.ID,
			Details: ollama.ModelDetails{Family: e.Organization},
		})
	}
	return models, nil
}

// CheckRunning verifies that the API is reachable and accepts the key.
func (c *Client) CheckRunning(ctx context.Context) error {
	if !c.IsConfigured() {
		return notConfigured()
	}
	_, err := c.getModels(ctx)
	return err
}

func (c *Client) getModels(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return nil, ollama.NewConfigurationError("failed to create request: " + err.Error())
	}
	c.setHeaders(req)

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, handleErrorResponse(status, body)
	}
	return body, nil
}
