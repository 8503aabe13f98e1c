// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
	"github.com/jeranaias/gemlet/internal/session"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeBackend struct {
	mu       sync.Mutex
	requests []*ollama.GenerateRequest
	err      error
	down     bool
	models   []ollama.ModelInfo
	panicOn  string
}

func (b *fakeBackend) Generate(_ context.Context, req *ollama.GenerateRequest) (*ollama.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicOn != "" && strings.Contains(req.Prompt, b.panicOn) {
		panic("boom")
	}
	b.requests = append(b.requests, req)
	if b.err != nil {
		return nil, b.err
	}
	return &ollama.Result{Text: "reply " + string(rune('0'+len(b.requests))), Model: req.Model, Duration: 42 * time.Millisecond}, nil
}

func (b *fakeBackend) ListModels(context.Context) ([]ollama.ModelInfo, error) {
	if b.down {
		return nil, &ollama.ClientError{Kind: ollama.ErrKindNetwork, Detail: "server unreachable: connection refused"}
	}
	return b.models, nil
}

func (b *fakeBackend) CheckRunning(context.Context) error {
	if b.down {
		return errors.New("down")
	}
	return nil
}

func (b *fakeBackend) lastPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1].Prompt
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	appended map[string][]history.Exchange
}

func (r *fakeRecorder) StartSession(_ context.Context, id, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRecorder) Append(_ context.Context, id string, ex history.Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appended == nil {
		r.appended = map[string][]history.Exchange{}
	}
	r.appended[id] = append(r.appended[id], ex)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

func newTestServer(t *testing.T, backend *fakeBackend, opts ...Option) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 1000
	cfg.RateLimitBurst = 1000
	return New(cfg, backend, zap.NewNop(), opts...)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func createSession(t *testing.T, s *Server, body string) session.Info {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[session.Info](t, rec)
}

// ============================================================================
// HEALTH AND MODELS
// ============================================================================

func TestHealth(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestServer(t, backend)
	createSession(t, s, "")

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, ollama.DefaultModel, health.Model)
	assert.Equal(t, 1, health.Sessions)
	assert.Equal(t, "ok", health.Backend)

	backend.down = true
	health = decode[HealthResponse](t, do(t, s, http.MethodGet, "/health", ""))
	assert.Equal(t, "unavailable", health.Backend)
}

func TestModels(t *testing.T) {
	backend := &fakeBackend{models: []ollama.ModelInfo{{Name: "gemma3n:e4b"}}}
	s := newTestServer(t, backend)

	rec := do(t, s, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ModelsResponse](t, rec)
	require.Len(t, got.Models, 1)
	assert.Equal(t, "gemma3n:e4b", got.Models[0].Name)

	backend.down = true
	rec = do(t, s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "NetworkError", decode[ErrorBody](t, rec).Error.Kind)
}

// ============================================================================
// SESSIONS
// ============================================================================

func TestCreateSession(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	info := createSession(t, s, "")
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, ollama.DefaultModel, info.Model)
	assert.Equal(t, prompts.PersonaAssistant, info.Persona)
	assert.Equal(t, history.DefaultCapacity, info.Capacity)

	info = createSession(t, s, `{"model":"gemma3n:e2b","persona":"voice","capacity":2}`)
	assert.Equal(t, "gemma3n:e2b", info.Model)
	assert.Equal(t, prompts.PersonaVoice, info.Persona)
	assert.Equal(t, 2, info.Capacity)
}

func TestCreateSession_Invalid(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	testCases := []struct {
		name string
		body string
		kind string
	}{
		{"unknown persona", `{"persona":"pirate"}`, kindInvalidRequest},
		{"bad capacity", `{"capacity":-3}`, "ConfigurationError"},
		{"oversized capacity", `{"capacity":1099511627776}`, "ConfigurationError"},
		{"unknown field", `{"colour":"blue"}`, kindInvalidRequest},
		{"bad json", `{`, kindInvalidRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/sessions", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.kind, decode[ErrorBody](t, rec).Error.Kind)
		})
	}
	assert.Equal(t, 0, s.Sessions().Len())
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/sessions/nope", ""},
		{http.MethodPost, "/api/sessions/nope/messages", `{"text":"hi"}`},
		{http.MethodDelete, "/api/sessions/nope/history", ""},
		{http.MethodDelete, "/api/sessions/nope", ""},
	} {
		rec := do(t, s, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, kindNotFound, decode[ErrorBody](t, rec).Error.Kind)
	}
}

// ============================================================================
// MESSAGES
// ============================================================================

func TestMessage_ConversationFlow(t *testing.T) {
	backend := &fakeBackend{}
	recorder := &fakeRecorder{}
	s := newTestServer(t, backend, WithRecorder(recorder))
	info := createSession(t, s, `{"persona":"voice"}`)
	path := "/api/sessions/" + info.ID + "/messages"

	rec := do(t, s, http.MethodPost, path, `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg := decode[MessageResponse](t, rec)
	assert.Equal(t, "reply 1", msg.Text)
	assert.Equal(t, int64(42), msg.DurationMs)
	assert.Equal(t, 1, msg.Turns)
	assert.Equal(t, prompts.VoicePreamble+"\n\nHuman: hello\nAssistant:", backend.lastPrompt())

	rec = do(t, s, http.MethodPost, path, `{"text":"again"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, backend.lastPrompt(), "Human: hello\nAssistant: reply 1\n\nHuman: again\nAssistant:")

	got := decode[session.Info](t, do(t, s, http.MethodGet, "/api/sessions/"+info.ID, ""))
	require.Len(t, got.Exchanges, 2)
	assert.Equal(t, "again", got.Exchanges[1].UserText)

	assert.Equal(t, []string{info.ID}, recorder.started)
	assert.Len(t, recorder.appended[info.ID], 2)
}

func TestMessage_Attachments(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestServer(t, backend)
	info := createSession(t, s, "")
	path := "/api/sessions/" + info.ID + "/messages"

	img := base64.StdEncoding.EncodeToString([]byte("png"))
	wav := base64.StdEncoding.EncodeToString([]byte("wav"))
	rec := do(t, s, http.MethodPost, path, `{"text":"what is this","images":["`+img+`"],"audio":["`+wav+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	backend.mu.Lock()
	atts := backend.requests[0].Attachments
	backend.mu.Unlock()
	assert.Equal(t, []ollama.Attachment{
		{Kind: ollama.AttachmentImage, Data: img},
		{Kind: ollama.AttachmentAudio, Data: wav},
	}, atts)

	rec = do(t, s, http.MethodPost, path, `{"text":"x","images":["%%%"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessage_Validation(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	info := createSession(t, s, "")
	path := "/api/sessions/" + info.ID + "/messages"

	for _, body := range []string{``, `{"text":"   "}`, `not json`} {
		rec := do(t, s, http.MethodPost, path, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestMessage_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"network", &ollama.ClientError{Kind: ollama.ErrKindNetwork, Detail: "server unreachable"}, http.StatusBadGateway, "NetworkError"},
		{"timeout", &ollama.ClientError{Kind: ollama.ErrKindNetwork, Detail: "request timed out", Timeout: true}, http.StatusGatewayTimeout, "NetworkError"},
		{"server", &ollama.ClientError{Kind: ollama.ErrKindServer, Detail: "HTTP 500: oops", StatusCode: 500}, http.StatusBadGateway, "ServerError"},
		{"malformed", &ollama.ClientError{Kind: ollama.ErrKindMalformedResponse, Detail: "missing response"}, http.StatusBadGateway, "MalformedResponse"},
		{"configuration", &ollama.ClientError{Kind: ollama.ErrKindConfiguration, Detail: "empty model"}, http.StatusBadRequest, "ConfigurationError"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{err: tc.err}
			s := newTestServer(t, backend)
			info := createSession(t, s, "")

			rec := do(t, s, http.MethodPost, "/api/sessions/"+info.ID+"/messages", `{"text":"hi"}`)
			assert.Equal(t, tc.status, rec.Code)
			body := decode[ErrorBody](t, rec)
			assert.Equal(t, tc.kind, body.Error.Kind)
			assert.NotEmpty(t, body.Error.Detail)

			sess, err := s.Sessions().Get(info.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, sess.History().Len(), "failed turn must not be recorded")
		})
	}
}

func TestClearHistory_IsolatedPerSession(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	a := createSession(t, s, "")
	b := createSession(t, s, "")

	for _, id := range []string{a.ID, b.ID} {
		rec := do(t, s, http.MethodPost, "/api/sessions/"+id+"/messages", `{"text":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, s, http.MethodDelete, "/api/sessions/"+a.ID+"/history", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sa, _ := s.Sessions().Get(a.ID)
	sb, _ := s.Sessions().Get(b.ID)
	assert.Equal(t, 0, sa.History().Len())
	assert.Equal(t, 1, sb.History().Len())

	rec = do(t, s, http.MethodDelete, "/api/sessions/"+b.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, s.Sessions().Len())

	list := decode[map[string][]session.Info](t, do(t, s, http.MethodGet, "/api/sessions", ""))
	require.Len(t, list["sessions"], 1)
	assert.Equal(t, a.ID, list["sessions"][0].ID)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	s := New(cfg, &fakeBackend{}, nil)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/models", "").Code)
	}
	rec := do(t, s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, kindRateLimited, decode[ErrorBody](t, rec).Error.Kind)

	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}

func TestBodyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 64
	s := New(cfg, &fakeBackend{}, nil)
	info := createSession(t, s, "")

	rec := do(t, s, http.MethodPost, "/api/sessions/"+info.ID+"/messages", `{"text":"`+strings.Repeat("a", 200)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRecoveryAndLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := DefaultConfig()
	s := New(cfg, &fakeBackend{panicOn: "explode"}, zap.New(core))

	info := createSession(t, s, "")
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+info.ID+"/messages", strings.NewReader(`{"text":"explode"}`))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	panics := logs.FilterMessage("panic recovered").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "req-123", panics[0].ContextMap()["request_id"])
	assert.GreaterOrEqual(t, logs.FilterMessage("http request").Len(), 1)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	createSession(t, s, "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gemlet_http_requests_total{method="POST",route="POST /api/sessions",status="201"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.9", clientIP(req), "untrusted proxy header ignored")

	req.RemoteAddr = "127.0.0.1:5555"
	assert.Equal(t, "198.51.100.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "127.0.0.1", clientIP(req))
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestServe_GracefulShutdown(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
