// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultBaseURL is where a local Ollama server listens.
	DefaultBaseURL = "http://localhost:11434"
	// DefaultModel is used by Generate when the request names no model.
	DefaultModel = "gemma3n:latest"
	// DefaultTimeout bounds a full generation round trip.
	DefaultTimeout = 120 * time.Second

	generatePath = "/api/generate"
	tagsPath     = "/api/tags"

	// maxResponseBytes caps how much of a reply body is read.
	maxResponseBytes = 32 << 20
	// maxErrorDetail caps how much of an error body is kept in Detail.
	maxErrorDetail = 2048
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the client.
type ClientConfig struct {
	// BaseURL is the server root (default: http://localhost:11434).
	BaseURL string

	// Timeout is the hard deadline applied to every call (default: 120s).
	Timeout time.Duration

	// DefaultModel is used by Generate when a request has no model.
	DefaultModel string

	// Metrics, when set, records request outcomes.
	Metrics *Metrics

	// HTTPClient overrides the transport. Its Timeout is ignored in favor
	// of per-call deadlines.
	HTTPClient *http.Client
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      DefaultBaseURL,
		Timeout:      DefaultTimeout,
		DefaultModel: DefaultModel,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client sends generation requests to the server. It keeps no state
// between calls and is safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client

	// root is BaseURL with any /api/... suffix removed. Model listing and
	// reachability checks are made against it.
	root string
}

// NewClient creates a client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a client with custom configuration. Zero
// values are filled from DefaultConfig.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
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

	return &Client{config: &cfg, httpClient: httpClient, root: serverRoot(cfg.BaseURL)}
}

// serverRoot strips an API path such as /api/generate from base so that
// sibling endpoints can be addressed. A path prefix ahead of /api (a
// reverse proxy mount) is kept.
func serverRoot(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	path := u.Path
	if i := strings.Index(path+"/", "/api/"); i >= 0 {
		path = path[:i]
	}
	u.Path = strings.TrimRight(path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Config returns a copy of the client configuration.
func (c *Client) Config() ClientConfig {
	return *c.config
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Root returns the server root derived from BaseURL.
func (c *Client) Root() string {
	return c.root
}

// DefaultModel returns the model Generate falls back to.
func (c *Client) DefaultModel() string {
	return c.config.DefaultModel
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate sends req to the configured server with the configured timeout.
// An empty req.Model is replaced by the default model.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*Result, error) {
	if req != nil && req.Model == "" {
		withModel := *req
		withModel.Model = c.config.DefaultModel
		req = &withModel
	}
	return c.Send(ctx, req, c.config.BaseURL, c.config.Timeout)
}

// Send performs exactly one non-streamed POST of req to endpoint and
// classifies the outcome. The whole exchange is bounded by timeout; a
// non-positive timeout uses the configured default.
//
// endpoint may be a server root ("http://host:11434"), in which case
// /api/generate is appended, or a full URL, which is used as given.
func (c *Client) Send(ctx context.Context, req *GenerateRequest, endpoint string, timeout time.Duration) (res *Result, err error) {
	start := time.Now()
	defer func() {
		c.config.Metrics.Observe(err, time.Since(start))
	}()

	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	target, err := generateURL(endpoint)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, configError("failed to create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, networkError(err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		return nil, &ClientError{
			Kind:       ErrKindServer,
			Detail:     serverDetail(resp.StatusCode, body),
			StatusCode: resp.StatusCode,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, malformed(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	return decodeReply(req.Model, body, time.Since(start))
}

// encodeRequest validates req and renders the wire body. Validation
// failures are configuration errors and happen before any I/O.
func encodeRequest(req *GenerateRequest) ([]byte, error) {
	if req == nil {
		return nil, configError("request is nil")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, configError("model is required")
	}

	body := generateBody{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  false,
		Options: req.Options,
	}
	for i, a := range req.Attachments {
		if !a.Kind.Valid() {
			return nil, configError(fmt.Sprintf("attachment %d: unsupported kind %q (want %q or %q)",
				i, a.Kind, AttachmentImage, AttachmentAudio))
		}
		if a.Data == "" {
			return nil, configError(fmt.Sprintf("attachment %d: empty data", i))
		}
		if _, err := base64.StdEncoding.DecodeString(a.Data); err != nil {
			return nil, configError(fmt.Sprintf("attachment %d: data is not base64: %v", i, err))
		}
		switch a.Kind {
		case AttachmentImage:
			body.Images = append(body.Images, a.Data)
		case AttachmentAudio:
			body.Audio = append(body.Audio, a.Data)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, configError("failed to encode request: " + err.Error())
	}
	return payload, nil
}

// generateURL resolves the POST target from endpoint.
func generateURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", configError(fmt.Sprintf("invalid endpoint %q: %v", endpoint, err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", configError(fmt.Sprintf("invalid endpoint %q: want http(s)://host[:port]", endpoint))
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = generatePath
	}
	return u.String(), nil
}

// decodeReply extracts the generated text from a 2xx body.
func decodeReply(model string, body []byte, elapsed time.Duration) (*Result, error) {
	var reply generateReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, malformed("response is not valid JSON: "+snippet(body), err)
	}
	if reply.Response == nil {
		return nil, malformed(`response has no "response" field: `+snippet(body), nil)
	}

	res := &Result{
		Text:       *reply.Response,
		Model:      model,
		DoneReason: reply.DoneReason,
		EvalCount:  reply.EvalCount,
		Duration:   elapsed,
	}
	if reply.Model != nil && *reply.Model != "" {
		res.Model = *reply.Model
	}
	return res, nil
}

func serverDetail(status int, body []byte) string {
	detail := fmt.Sprintf("HTTP %d", status)
	if text := snippet(body); text != "" {
		detail += ": " + text
	}
	return detail
}

// snippet trims body for inclusion in an error detail. The cut never
// splits a UTF-8 sequence.
func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorDetail {
		cut := maxErrorDetail
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}

// =============================================================================
// CONNECTION TEST
// =============================================================================

// CheckRunning verifies that the server is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.root, nil)
	if err != nil {
		return configError("failed to create request: " + err.Error())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 400 {
		return &ClientError{
			Kind:       ErrKindServer,
			Detail:     fmt.Sprintf("HTTP %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// ListModels retrieves the installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.root+tagsPath, nil)
	if err != nil {
		return nil, configError("failed to create request: " + err.Error())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, networkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{
			Kind:       ErrKindServer,
			Detail:     serverDetail(resp.StatusCode, body),
			StatusCode: resp.StatusCode,
		}
	}

	var result listModelsReply
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, malformed("model list is not valid JSON: "+snippet(body), err)
	}
	return result.Models, nil
}

// FindModels lists installed models whose name or family matches family.
func (c *Client) FindModels(ctx context.Context, family string) ([]ModelInfo, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		if m.MatchesFamily(family) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// Helper to drain response body
func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
	r.Close()
}
