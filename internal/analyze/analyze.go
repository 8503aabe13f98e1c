// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package analyze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
)

// MaxPageBytes bounds a single page image.
const MaxPageBytes = 16 << 20

// Generator sends one generation request. *ollama.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.Result, error)
}

// ProgressFunc is called after each page with the number of pages done.
type ProgressFunc func(done, total int)

// PageResult is the outcome for one page. On failure Analysis holds the
// "Kind: detail" text and Err the underlying error.
type PageResult struct {
	Page     int    `json:"page"`
	File     string `json:"file"`
	Analysis string `json:"analysis"`
	Err      error  `json:"-"`
}

// Failed reports whether the page could not be analyzed.
func (r PageResult) Failed() bool { return r.Err != nil }

// Request describes one analysis run.
type Request struct {
	Pages       []string
	Type        string
	Instruction string
	Model       string
}

// InputError reports a page file that cannot be analyzed at all.
type InputError struct {
	Path   string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Analyzer runs analysis presets against page images.
type Analyzer struct {
	gen     Generator
	catalog *prompts.Catalog
}

// New creates an analyzer. A nil catalog uses the built-in presets.
func New(gen Generator, catalog *prompts.Catalog) *Analyzer {
	if catalog == nil {
		catalog = prompts.Builtin()
	}
	return &Analyzer{gen: gen, catalog: catalog}
}

// CheckPages validates page paths before any request is sent.
func CheckPages(pages []string) error {
	if len(pages) == 0 {
		return errors.New("no pages given")
	}
	for _, p := range pages {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".png", ".jpg", ".jpeg":
		case ".pdf":
			return &InputError{Path: p, Reason: "PDF input is not supported; rasterize pages to PNG first (e.g. `pdftoppm -png -r 150 doc.pdf page`)"}
		default:
			return &InputError{Path: p, Reason: "unsupported page format (use .png, .jpg or .jpeg)"}
		}
		info, err := os.Stat(p)
		if err != nil {
			return &InputError{Path: p, Reason: err.Error()}
		}
		if info.IsDir() {
			return &InputError{Path: p, Reason: "is a directory"}
		}
		if info.Size() > MaxPageBytes {
			return &InputError{Path: p, Reason: fmt.Sprintf("page image larger than %d MiB", MaxPageBytes>>20)}
		}
	}
	return nil
}

// Run analyzes each page in order. It returns an error only when the
// request itself is invalid or ctx is cancelled; per-page failures are
// recorded in the results.
func (a *Analyzer) Run(ctx context.Context, req Request, progress ProgressFunc) ([]PageResult, error) {
	preset, err := a.catalog.Analysis(req.Type)
	if err != nil {
		return nil, err
	}
	if preset.Name == prompts.AnalysisCustom && strings.TrimSpace(req.Instruction) == "" {
		return nil, errors.New("custom analysis requires an instruction")
	}
	if err := CheckPages(req.Pages); err != nil {
		return nil, err
	}

	total := len(req.Pages)
	results := make([]PageResult, 0, total)
	for i, path := range req.Pages {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		page := i + 1
		text, err := a.analyzePage(ctx, preset, req, page, path)
		res := PageResult{Page: page, File: path, Analysis: text, Err: err}
		if err != nil {
			res.Analysis = failureText(err)
		}
		results = append(results, res)

		if progress != nil {
			progress(page, total)
		}
	}
	return results, nil
}

func (a *Analyzer) analyzePage(ctx context.Context, preset *prompts.Analysis, req Request, page int, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	prompt, err := preset.Render(page, req.Instruction)
	if err != nil {
		return "", err
	}

	res, err := a.gen.Generate(ctx, &ollama.GenerateRequest{
		Model:       req.Model,
		Prompt:      prompt,
		Options:     a.catalog.DocumentOptions,
		Attachments: []ollama.Attachment{ollama.EncodeAttachment(ollama.AttachmentImage, raw)},
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func failureText(err error) string {
	var ce *ollama.ClientError
	if errors.As(err, &ce) {
		return ce.Kind.String() + ": " + ce.Detail
	}
	return "Error: " + err.Error()
}

// Summary counts successful and failed pages.
func Summary(results []PageResult) (ok, failed int) {
	for _, r := range results {
		if r.Failed() {
			failed++
		} else {
			ok++
		}
	}
	return ok, failed
}
