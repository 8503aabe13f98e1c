// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package analyze

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
)

type scriptedGenerator struct {
	requests []*ollama.GenerateRequest
	replies  []func() (*ollama.Result, error)
}

func (g *scriptedGenerator) Generate(_ context.Context, req *ollama.GenerateRequest) (*ollama.Result, error) {
	i := len(g.requests)
	g.requests = append(g.requests, req)
	return g.replies[i]()
}

func ok(text string) func() (*ollama.Result, error) {
	return func() (*ollama.Result, error) { return &ollama.Result{Text: text}, nil }
}

func writePages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(paths[i], []byte("img-"+name), 0600))
	}
	return paths
}

func TestRun_SequentialWithProgress(t *testing.T) {
	pages := writePages(t, "p1.png", "p2.jpg")
	gen := &scriptedGenerator{replies: []func() (*ollama.Result, error){ok("first"), ok("second")}}

	var progress [][2]int
	results, err := New(gen, nil).Run(context.Background(), Request{
		Pages: pages,
		Type:  prompts.AnalysisSummary,
		Model: "gemma3n:e4b",
	}, func(done, total int) { progress = append(progress, [2]int{done, total}) })
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, PageResult{Page: 1, File: pages[0], Analysis: "first"}, results[0])
	assert.Equal(t, 2, results[1].Page)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, progress)

	require.Len(t, gen.requests, 2)
	req := gen.requests[1]
	assert.Equal(t, "gemma3n:e4b", req.Model)
	assert.Contains(t, req.Prompt, "document page 2.")
	assert.Equal(t, 0.3, *req.Options.Temperature)
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, ollama.AttachmentImage, req.Attachments[0].Kind)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("img-p2.jpg")), req.Attachments[0].Data)
}

func TestRun_PageFailureContinues(t *testing.T) {
	pages := writePages(t, "a.png", "b.png", "c.png")
	gen := &scriptedGenerator{replies: []func() (*ollama.Result, error){
		ok("fine"),
		func() (*ollama.Result, error) {
			return nil, &ollama.ClientError{Kind: ollama.ErrKindServer, Detail: "HTTP 500: boom", StatusCode: 500}
		},
		ok("also fine"),
	}}

	results, err := New(gen, nil).Run(context.Background(), Request{Pages: pages, Type: prompts.AnalysisQuestions}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[1].Failed())
	assert.Equal(t, "ServerError: HTTP 500: boom", results[1].Analysis)
	assert.Equal(t, "also fine", results[2].Analysis)

	good, bad := Summary(results)
	assert.Equal(t, 2, good)
	assert.Equal(t, 1, bad)
}

func TestRun_Custom(t *testing.T) {
	pages := writePages(t, "p.png")
	gen := &scriptedGenerator{replies: []func() (*ollama.Result, error){ok("x")}}
	a := New(gen, nil)

	_, err := a.Run(context.Background(), Request{Pages: pages, Type: prompts.AnalysisCustom}, nil)
	assert.Error(t, err)
	assert.Empty(t, gen.requests)

	_, err = a.Run(context.Background(), Request{Pages: pages, Type: prompts.AnalysisCustom, Instruction: "dates"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Analyze this document page 1 and provide insights about: dates", gen.requests[0].Prompt)
}

func TestRun_InvalidInputs(t *testing.T) {
	gen := &scriptedGenerator{}
	a := New(gen, nil)
	ctx := context.Background()

	_, err := a.Run(ctx, Request{Pages: writePages(t, "p.png"), Type: "poetry"}, nil)
	var unknown *prompts.UnknownNameError
	assert.True(t, errors.As(err, &unknown))

	_, err = a.Run(ctx, Request{Type: prompts.AnalysisSummary}, nil)
	assert.Error(t, err)

	_, err = a.Run(ctx, Request{Pages: writePages(t, "doc.pdf"), Type: prompts.AnalysisSummary}, nil)
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Contains(t, inputErr.Reason, "PDF")

	_, err = a.Run(ctx, Request{Pages: []string{filepath.Join(t.TempDir(), "missing.png")}, Type: prompts.AnalysisSummary}, nil)
	assert.True(t, errors.As(err, &inputErr))

	assert.Empty(t, gen.requests)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGenerator{replies: []func() (*ollama.Result, error){
		func() (*ollama.Result, error) { cancel(); return &ollama.Result{Text: "one"}, nil },
	}}

	results, err := New(gen, nil).Run(ctx, Request{Pages: writePages(t, "a.png", "b.png"), Type: prompts.AnalysisSummary}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
}

// =============================================================================
// EXPORT
// =============================================================================

func sampleResults() []PageResult {
	return []PageResult{
		{Page: 1, File: "p1.png", Analysis: "Line one\nwith \"quotes\", and commas"},
		{Page: 2, File: "p2.png", Analysis: "NetworkError: server unreachable", Err: errors.New("NetworkError: server unreachable")},
	}
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, sampleResults()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Page", "Analysis"},
		{"1", "Line one\nwith \"quotes\", and commas"},
		{"2", "NetworkError: server unreachable"},
	}, records)
}

func TestExportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportJSON(&buf, sampleResults()))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, float64(1), got[0]["page"])
	assert.NotContains(t, got[0], "error")
	assert.Equal(t, "NetworkError: server unreachable", got[1]["error"])
}

func TestWriteExport(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteExport(filepath.Join(dir, "out.CSV"), sampleResults()))
	data, err := os.ReadFile(filepath.Join(dir, "out.CSV"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("Page,Analysis\n")))

	require.NoError(t, WriteExport(filepath.Join(dir, "out.json"), sampleResults()))

	err = WriteExport(filepath.Join(dir, "out.xlsx"), sampleResults())
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "out.xlsx"))
	assert.True(t, os.IsNotExist(statErr))
}
