// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/storage"
)

// fakeOllama is a model server that answers every prompt with a canned
// reply and records the requests it saw.
type fakeOllama struct {
	*httptest.Server

	mu       sync.Mutex
	requests []generateBody
	reply    string
	fail     bool
	failOn   string
}

type generateBody struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Images []string `json:"images"`
	Audio  []string `json:"audio"`
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{reply: "Goroutines are lightweight threads."}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Ollama is running")
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"models":[
			{"name":"gemma3n:e2b","modified_at":"2025-06-30T10:00:00Z","size":5600000000,
			 "details":{"family":"gemma3n","parameter_size":"4.5B","quantization_level":"Q4_K_M"}},
			{"name":"llama3.2:latest","modified_at":"2025-05-01T10:00:00Z","size":2000000000,
			 "details":{"family":"llama","parameter_size":"3.2B","quantization_level":"Q4_K_M"}}
		]}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body generateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, body)
		fail, reply := f.fail, f.reply
		if f.failOn != "" && strings.HasSuffix(body.Prompt, f.failOn+"\nAssistant:") {
			fail = true
		}
		f.mu.Unlock()

		if fail {
			http.Error(w, `{"error":"model crashed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":          body.Model,
			"response":       reply,
			"done":           true,
			"done_reason":    "stop",
			"total_duration": int64(1200 * time.Millisecond),
			"eval_count":     42,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOllama) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeOllama) seen() []generateBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generateBody(nil), f.requests...)
}

// testHome points the config directory at a fresh temp dir and clears
// environment overrides that would leak in from the developer's shell.
func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GEMLET_HOME", home)
	for _, k := range []string{"OLLAMA_HOST", "GEMLET_OLLAMA_URL", "GEMLET_MODEL", "GEMLET_TIMEOUT",
		"GEMLET_PERSONA", "GEMLET_STORAGE_ENABLED", "GEMLET_STORAGE_PATH", "GEMLET_PROMPTS",
		"GEMLET_PROVIDER", "TOGETHER_API_KEY", "GEMLET_TOGETHER_MODEL"} {
		t.Setenv(k, "")
	}
	return home
}

// run invokes the CLI against the fake server and returns the exit code
// and both output streams.
func run(t *testing.T, f *fakeOllama, argv ...string) (int, string, string) {
	t.Helper()
	full := append([]string{"--quiet", "--model", "gemma3n:e2b"}, argv...)
	if f != nil {
		full = append([]string{"--endpoint", f.URL}, full...)
	}
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeTemp(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

// =============================================================================
// ASK
// =============================================================================

func TestAsk(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	code, out, _ := run(t, f, "ask", "What", "is", "a", "goroutine?")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Goroutines are lightweight threads.\n", out)

	reqs := f.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gemma3n:e2b", reqs[0].Model)
	assert.False(t, reqs[0].Stream)
	assert.True(t, strings.HasSuffix(reqs[0].Prompt, "What is a goroutine?\nAssistant:"), reqs[0].Prompt)
}

func TestAsk_JSON(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	code, out, _ := run(t, f, "ask", "hello", "--json")
	require.Equal(t, ExitSuccess, code)

	var resp struct {
		Success bool    `json:"success"`
		Data    AskData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Goroutines are lightweight threads.", resp.Data.Text)
	assert.Equal(t, "gemma3n:e2b", resp.Data.Model)
	assert.GreaterOrEqual(t, resp.Data.DurationMs, int64(0))
	assert.Equal(t, 42, resp.Data.EvalCount)
}

func TestAsk_FileAndImage(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	dir := t.TempDir()
	src := writeTemp(t, dir, "notes.txt", []byte("buy milk"))
	img := writeTemp(t, dir, "shot.png", []byte{0x89, 'P', 'N', 'G'})

	code, _, _ := run(t, f, "ask", "summarize", "--file", src, "-i", img)
	require.Equal(t, ExitSuccess, code)

	reqs := f.seen()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "Content of notes.txt:\n\n```\nbuy milk\n```\n\nsummarize")
	require.Len(t, reqs[0].Images, 1)
	assert.Equal(t, "iVBORw==", reqs[0].Images[0])
	assert.Empty(t, reqs[0].Audio)
}

func TestAsk_Failures(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	t.Run("missing question", func(t *testing.T) {
		code, _, stderr := run(t, f, "ask")
		assert.Equal(t, ExitUsageError, code)
		assert.Contains(t, stderr, "question")
	})

	t.Run("missing image", func(t *testing.T) {
		code, _, _ := run(t, f, "ask", "what", "-i", filepath.Join(t.TempDir(), "nope.png"))
		assert.Equal(t, ExitNotFoundError, code)
	})

	t.Run("server error", func(t *testing.T) {
		f.setFail(true)
		defer f.setFail(false)
		code, out, stderr := run(t, f, "ask", "hello")
		assert.Equal(t, ExitServerError, code)
		assert.Empty(t, out)
		assert.Contains(t, stderr, "ServerError")
	})

	t.Run("server error as JSON", func(t *testing.T) {
		f.setFail(true)
		defer f.setFail(false)
		code, out, _ := run(t, f, "ask", "hello", "--json")
		assert.Equal(t, ExitServerError, code)

		var resp JSONResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Contains(t, *resp.Error, "ServerError")
	})

	t.Run("unreachable", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		url := dead.URL
		dead.Close()

		var stdout, stderr bytes.Buffer
		code := Run(context.Background(), []string{"ask", "hello", "--endpoint", url, "-q"}, &stdout, &stderr)
		assert.Equal(t, ExitNetworkError, code)
		assert.Contains(t, stderr.String(), "NetworkError")
	})
}

// =============================================================================
// MODELS / STATUS
// =============================================================================

func TestModels(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	code, out, _ := run(t, f, "models")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "gemma3n:e2b *")
	assert.Contains(t, out, "llama3.2:latest")

	code, out, _ = run(t, f, "models", "--family", "gemma3n", "--json")
	require.Equal(t, ExitSuccess, code)
	var resp struct {
		Data ModelsData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "gemma3n", resp.Data.Family)
	require.Len(t, resp.Data.Models, 1)
	assert.Equal(t, "gemma3n:e2b", resp.Data.Models[0].Name)
	assert.Equal(t, "4.5B", resp.Data.Models[0].Details.ParameterSize)
}

func TestStatus(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	code, out, _ := run(t, f, "status", "--json")
	require.Equal(t, ExitSuccess, code)
	var resp struct {
		Data StatusData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.ServerRunning)
	assert.True(t, resp.Data.ModelInstalled)
	assert.Equal(t, f.URL, resp.Data.Endpoint)
	assert.True(t, resp.Data.StorageEnabled)
	assert.Equal(t, 0, resp.Data.Transcripts)

	code, out, _ = run(t, f, "status", "--model", "phi4:latest")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "ollama pull phi4:latest")
}

func TestStatus_ServerDownIsReportedNotFailed(t *testing.T) {
	testHome(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"status", "--endpoint", url}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "[FAIL]")
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfig(t *testing.T) {
	home := testHome(t)
	want := filepath.Join(home, "config.toml")

	code, out, _ := run(t, nil, "config", "path")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, want+"\n", out)

	code, out, _ = run(t, nil, "config", "init")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, want)
	assert.FileExists(t, want)

	code, _, stderr := run(t, nil, "config", "init")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, stderr, "already exists")

	code, _, _ = run(t, nil, "config", "init", "--force")
	assert.Equal(t, ExitSuccess, code)

	code, out, _ = run(t, nil, "config", "show", "--endpoint", "http://gpu:11434")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "http://gpu:11434")
	assert.Contains(t, out, "gemma3n:e2b")
}

func TestConfig_BrokenFileIsConfigError(t *testing.T) {
	home := testHome(t)
	writeTemp(t, home, "config.toml", []byte("[ollama\nurl = "))

	code, _, _ := run(t, nil, "ask", "hi")
	assert.Equal(t, ExitConfigError, code)

	// path and init do not need a readable config.
	code, _, _ = run(t, nil, "config", "path")
	assert.Equal(t, ExitSuccess, code)
}

// =============================================================================
// HISTORY
// =============================================================================

func seedTranscripts(t *testing.T, home string) {
	t.Helper()
	store, err := storage.Open(filepath.Join(home, "transcripts.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.StartSession(ctx, "aaaa1111-0000-0000-0000-000000000001", "gemma3n:e2b"))
	require.NoError(t, store.Append(ctx, "aaaa1111-0000-0000-0000-000000000001",
		history.Exchange{UserText: "what is a goroutine", AssistantText: "a lightweight thread", Timestamp: base}))
	require.NoError(t, store.StartSession(ctx, "bbbb2222-0000-0000-0000-000000000002", "gemma3n:e2b"))
	require.NoError(t, store.Append(ctx, "bbbb2222-0000-0000-0000-000000000002",
		history.Exchange{UserText: "hello", AssistantText: "hi there", Timestamp: base.Add(time.Hour)}))
}

func TestHistory(t *testing.T) {
	home := testHome(t)
	t.Setenv("GEMLET_STORAGE_PATH", filepath.Join(home, "transcripts.db"))
	seedTranscripts(t, home)

	code, out, _ := run(t, nil, "history", "--json")
	require.Equal(t, ExitSuccess, code)
	var list struct {
		Data []storage.SessionSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list.Data, 2)

	code, out, _ = run(t, nil, "history", "search", "goroutine", "--json")
	require.Equal(t, ExitSuccess, code)
	list.Data = nil
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "aaaa1111-0000-0000-0000-000000000001", list.Data[0].ID)

	code, out, _ = run(t, nil, "history", "show", "aaaa", "--json")
	require.Equal(t, ExitSuccess, code)
	var shown struct {
		Data TranscriptData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Len(t, shown.Data.Exchanges, 1)
	assert.Equal(t, "a lightweight thread", shown.Data.Exchanges[0].AssistantText)

	code, out, _ = run(t, nil, "history", "show", "bbbb2222")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "hi there")

	code, _, _ = run(t, nil, "history", "delete", "bbbb")
	require.Equal(t, ExitSuccess, code)

	code, _, _ = run(t, nil, "history", "show", "bbbb")
	assert.Equal(t, ExitNotFoundError, code)

	code, _, _ = run(t, nil, "history", "show")
	assert.Equal(t, ExitUsageError, code)

	code, _, _ = run(t, nil, "history", "purge")
	assert.Equal(t, ExitUsageError, code)
}

func TestHistory_StorageDisabled(t *testing.T) {
	testHome(t)
	t.Setenv("GEMLET_STORAGE_ENABLED", "false")

	code, _, stderr := run(t, nil, "history")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "disabled")
}

// =============================================================================
// ANALYZE / REVIEW
// =============================================================================

func TestAnalyze(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	dir := t.TempDir()
	p1 := writeTemp(t, dir, "page-1.png", []byte("one"))
	p2 := writeTemp(t, dir, "page-2.png", []byte("two"))
	export := filepath.Join(dir, "out.csv")

	code, out, _ := run(t, f, "analyze", p1, p2, "--type", "extract_data", "--export", export)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Page 1 · page-1.png")
	assert.Contains(t, out, "Page 2 · page-2.png")

	reqs := f.seen()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Len(t, r.Images, 1)
	}

	data, err := os.ReadFile(export)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Page,Analysis", lines[0])
	assert.Equal(t, "2,Goroutines are lightweight threads.", lines[2])
}

func TestAnalyze_Validation(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	dir := t.TempDir()
	page := writeTemp(t, dir, "page.png", []byte("x"))
	pdf := writeTemp(t, dir, "doc.pdf", []byte("%PDF"))

	tests := []struct {
		name string
		argv []string
	}{
		{"no pages", []string{"analyze"}},
		{"unknown preset", []string{"analyze", page, "--type", "poetry"}},
		{"custom without instruction", []string{"analyze", page, "--type", "custom"}},
		{"bad export", []string{"analyze", page, "--export", "out.xlsx"}},
		{"pdf input", []string{"analyze", pdf}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := run(t, f, tt.argv...)
			assert.Equal(t, ExitUsageError, code)
		})
	}
	assert.Empty(t, f.seen())
}

func TestAnalyze_AllPagesFailed(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	f.setFail(true)
	page := writeTemp(t, t.TempDir(), "page.png", []byte("x"))

	code, out, _ := run(t, f, "analyze", page)
	assert.Equal(t, ExitServerError, code)
	assert.Contains(t, out, "[FAILED]")
}

func TestReview(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	src := writeTemp(t, t.TempDir(), "main.go", []byte("package main\n\nfunc main() {}\n"))

	code, out, _ := run(t, f, "review", src, "--json")
	require.Equal(t, ExitSuccess, code)

	var resp struct {
		Data ReviewData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "Go", resp.Data.Language)
	assert.Equal(t, "Goroutines are lightweight threads.", resp.Data.Review)

	reqs := f.seen()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "```go\npackage main")

	code, _, _ = run(t, f, "review", src, "--watch", "--json")
	assert.Equal(t, ExitUsageError, code)

	code, _, _ = run(t, f, "review", filepath.Join(t.TempDir(), "gone.go"))
	assert.Equal(t, ExitNotFoundError, code)
}

// =============================================================================
// CHAT
// =============================================================================

// scriptedReader feeds chat a fixed list of lines, then io.EOF.
type scriptedReader struct {
	lines  []string
	closed bool
}

func (r *scriptedReader) Prompt(string) (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func runChat(t *testing.T, f *fakeOllama, lines ...string) (string, string, *scriptedReader) {
	t.Helper()
	cmd, args, err := Parse([]string{"chat", "--endpoint", f.URL, "--model", "gemma3n:e2b", "-n", "2"})
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	reader := &scriptedReader{lines: lines}
	a := newApp(cmd, args, &stdout, &stderr)
	a.logger = zap.NewNop()
	a.newLineReader = func() (lineReader, error) { return reader, nil }

	require.NoError(t, a.run(context.Background()))
	return stdout.String(), stderr.String(), reader
}

func TestChat_CarriesContext(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	out, stderr, reader := runChat(t, f, "first question", "", "second question")
	assert.True(t, reader.closed)
	assert.Equal(t, 2, strings.Count(out, "Goroutines are lightweight threads."))
	assert.Contains(t, stderr, "Session ended after 2 turns.")

	reqs := f.seen()
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].Prompt, "Goroutines")
	assert.Contains(t, reqs[1].Prompt, "first question")
	assert.Contains(t, reqs[1].Prompt, "Goroutines are lightweight threads.")
	assert.True(t, strings.HasSuffix(reqs[1].Prompt, "second question\nAssistant:"))
}

func TestChat_CapacityEvictsOldest(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	runChat(t, f, "alpha", "bravo", "charlie", "delta")

	reqs := f.seen()
	require.Len(t, reqs, 4)
	assert.NotContains(t, reqs[3].Prompt, "alpha")
	assert.Contains(t, reqs[3].Prompt, "bravo")
	assert.Contains(t, reqs[3].Prompt, "charlie")
}

func TestChat_FailedTurnLeavesContext(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	f.failOn = "doomed"

	_, stderr, _ := runChat(t, f, "kept", "doomed", "fresh")
	assert.Contains(t, stderr, "[ERROR] ServerError")
	assert.Contains(t, stderr, "Session ended after 2 turns.")

	reqs := f.seen()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[2].Prompt, "kept")
	assert.NotContains(t, reqs[2].Prompt, "doomed")
}

func TestChat_SlashCommands(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)
	img := writeTemp(t, t.TempDir(), "cat.png", []byte("meow"))

	_, stderr, _ := runChat(t, f,
		"remember me",
		"/clear",
		"/model llama3.2:latest",
		"/image "+img,
		"what is this?",
		"/bogus",
		"/history",
		"/quit",
		"never sent",
	)

	assert.Contains(t, stderr, "Context cleared.")
	assert.Contains(t, stderr, "Model set to llama3.2:latest")
	assert.Contains(t, stderr, "unknown command /bogus")
	assert.Contains(t, stderr, "[1] you: what is this?")

	reqs := f.seen()
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[1].Prompt, "remember me")
	assert.Equal(t, "llama3.2:latest", reqs[1].Model)
	require.Len(t, reqs[1].Images, 1)
	assert.Empty(t, reqs[0].Images)
}

func TestChat_PersistsTranscript(t *testing.T) {
	home := testHome(t)
	dbPath := filepath.Join(home, "transcripts.db")
	t.Setenv("GEMLET_STORAGE_PATH", dbPath)
	f := newFakeOllama(t)

	runChat(t, f, "save me")

	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	exchanges, err := store.Exchanges(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "save me", exchanges[0].UserText)
}

func TestChat_UnknownPersona(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	cmd, args, err := Parse([]string{"chat", "--endpoint", f.URL, "--persona", "pirate"})
	require.NoError(t, err)
	a := newApp(cmd, args, io.Discard, io.Discard)
	a.logger = zap.NewNop()
	a.newLineReader = func() (lineReader, error) { return nil, errors.New("must not open input") }

	err = a.run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

// =============================================================================
// PROVIDERS
// =============================================================================

// newFakeTogether is a chat completions API that requires key and echoes
// the model it was asked for.
func newFakeTogether(t *testing.T, key string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var bodies []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+key {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"model": body["model"],
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "Hosted hello."},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"completion_tokens": 2},
		})
	})
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"google/gemma-3n-E4B-it","type":"chat","organization":"Google"}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func TestAsk_TogetherProvider(t *testing.T) {
	testHome(t)
	srv, bodies := newFakeTogether(t, "tg-key")
	t.Setenv("TOGETHER_API_KEY", "tg-key")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(),
		[]string{"--provider", "together", "--endpoint", srv.URL, "--quiet", "ask", "hello"}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())
	assert.Equal(t, "Hosted hello.\n", stdout.String())

	require.Len(t, *bodies, 1)
	body := (*bodies)[0]
	assert.Equal(t, "google/gemma-3n-E4B-it", body["model"])
	msg := body["messages"].([]any)[0].(map[string]any)
	assert.True(t, strings.HasSuffix(msg["content"].(string), "hello\nAssistant:"))
}

func TestAsk_TogetherWithoutKeyIsConfigError(t *testing.T) {
	testHome(t)
	srv, bodies := newFakeTogether(t, "tg-key")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(),
		[]string{"--provider", "together", "--endpoint", srv.URL, "--quiet", "ask", "hello"}, &stdout, &stderr)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "ConfigurationError")
	assert.Contains(t, stderr.String(), "TOGETHER_API_KEY")
	assert.Empty(t, *bodies)
}

func TestStatus_TogetherProvider(t *testing.T) {
	testHome(t)
	srv, _ := newFakeTogether(t, "tg-key")
	t.Setenv("TOGETHER_API_KEY", "tg-key")

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(),
		[]string{"--provider", "together", "--endpoint", srv.URL, "status", "--json"}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())

	var resp struct {
		Data StatusData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "together", resp.Data.Provider)
	assert.Equal(t, srv.URL, resp.Data.Endpoint)
	assert.True(t, resp.Data.ServerRunning)
	assert.True(t, resp.Data.ModelInstalled)
}

func TestParse_UnknownProvider(t *testing.T) {
	_, _, err := Parse([]string{"--provider", "google", "ask", "hi"})
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestConfigShow_RedactsAPIKey(t *testing.T) {
	testHome(t)
	t.Setenv("TOGETHER_API_KEY", "tg-secret-value")

	for _, argv := range [][]string{{"config", "show"}, {"config", "show", "--json"}} {
		var stdout, stderr bytes.Buffer
		require.Equal(t, ExitSuccess, Run(context.Background(), argv, &stdout, &stderr), stderr.String())
		assert.NotContains(t, stdout.String(), "tg-secret-value")
		assert.Contains(t, stdout.String(), "[REDACTED]")
	}
}

// =============================================================================
// PIPED INPUT
// =============================================================================

func TestPipeReader(t *testing.T) {
	r := newPipeReader(strings.NewReader("first\r\n\nsecond\nlast"))

	var got []string
	for {
		line, err := r.Prompt(chatPrompt)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"first", "", "second", "last"}, got)
	assert.NoError(t, r.Close())
}

func TestChat_PipedInput(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	cmd, args, err := Parse([]string{"chat", "--endpoint", f.URL, "--model", "gemma3n:e2b", "--quiet"})
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	a := newApp(cmd, args, &stdout, &stderr)
	a.logger = zap.NewNop()
	a.newLineReader = func() (lineReader, error) {
		return newPipeReader(strings.NewReader("one\ntwo\n")), nil
	}

	require.NoError(t, a.run(context.Background()))
	reqs := f.seen()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Prompt, "Human: one\nAssistant: Goroutines are lightweight threads.")
}

// =============================================================================
// SERVE
// =============================================================================

// lockedBuffer is a bytes.Buffer safe for the concurrent writes a running
// server makes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var listeningRe = regexp.MustCompile(`listening on (http://\S+)`)

func TestServe_RunsUntilCancelled(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr lockedBuffer
	done := make(chan int, 1)
	go func() {
		done <- Run(ctx, []string{"--endpoint", f.URL, "--model", "gemma3n:e2b",
			"serve", "--addr", "127.0.0.1:0"}, &stdout, &stderr)
	}()

	var base string
	require.Eventually(t, func() bool {
		m := listeningRe.FindStringSubmatch(stderr.String())
		if m == nil {
			return false
		}
		base = m[1]
		return true
	}, 5*time.Second, 10*time.Millisecond, "serve never announced its address: %s", stderr.String())
	assert.NotContains(t, base, ":0")

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	var health struct {
		Status  string `json:"status"`
		Model   string `json:"model"`
		Backend string `json:"backend"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Backend)
	assert.Equal(t, "gemma3n:e2b", health.Model)

	resp, err = http.Post(base+"/api/sessions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(base+"/api/sessions/"+created.ID+"/messages", "application/json",
		strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	var reply struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Goroutines are lightweight threads.", reply.Text)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, ExitSuccess, code, stderr.String())
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not exit after cancel")
	}
}

func TestServe_AddressInUse(t *testing.T) {
	testHome(t)
	f := newFakeOllama(t)

	var stdout, stderr bytes.Buffer
	addr := strings.TrimPrefix(f.URL, "http://")
	code := Run(context.Background(), []string{"--endpoint", f.URL, "--quiet", "serve", "--addr", addr}, &stdout, &stderr)
	assert.NotEqual(t, ExitSuccess, code)
	assert.Contains(t, stderr.String(), "listen")
}
