// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
)

// MaxFileBytes is the largest file Review accepts.
const MaxFileBytes = 256 << 10

// Generator sends one generation request. *ollama.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.Result, error)
}

// FileError reports a file that cannot be reviewed.
type FileError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("cannot review %s: %s", e.Path, e.Reason)
}

func (e *FileError) Unwrap() error { return e.Err }

// languages maps file extensions to display names and fence labels.
var languages = map[string][2]string{
	".go":    {"Go", "go"},
	".py":    {"Python", "python"},
	".js":    {"JavaScript", "javascript"},
	".jsx":   {"JavaScript", "jsx"},
	".ts":    {"TypeScript", "typescript"},
	".tsx":   {"TypeScript", "tsx"},
	".rs":    {"Rust", "rust"},
	".java":  {"Java", "java"},
	".kt":    {"Kotlin", "kotlin"},
	".c":     {"C", "c"},
	".h":     {"C", "c"},
	".cpp":   {"C++", "cpp"},
	".cc":    {"C++", "cpp"},
	".hpp":   {"C++", "cpp"},
	".cs":    {"C#", "csharp"},
	".rb":    {"Ruby", "ruby"},
	".php":   {"PHP", "php"},
	".swift": {"Swift", "swift"},
	".sh":    {"Shell", "bash"},
	".sql":   {"SQL", "sql"},
	".yaml":  {"YAML", "yaml"},
	".yml":   {"YAML", "yaml"},
	".json":  {"JSON", "json"},
	".toml":  {"TOML", "toml"},
	".html":  {"HTML", "html"},
	".css":   {"CSS", "css"},
}

// Language returns the display name and fence label for path.
func Language(path string) (name, fence string) {
	ext := strings.ToLower(filepath.Ext(path))
	if l, ok := languages[ext]; ok {
		return l[0], l[1]
	}
	return "source", strings.TrimPrefix(ext, ".")
}

// BuildPrompt assembles the review prompt for one file: the system prompt,
// the request line and the fenced code, separated by blank lines.
func BuildPrompt(catalog *prompts.Catalog, path, code string) string {
	if catalog == nil {
		catalog = prompts.Builtin()
	}
	name, fence := Language(path)
	request := fmt.Sprintf("Please analyze this %s file (%s):", name, filepath.Base(path))
	block := "```" + fence + "\n" + strings.TrimRight(code, "\n") + "\n```"
	return strings.Join([]string{catalog.Coding.SystemPrompt, request, block}, "\n\n")
}

// Reviewer reviews files with the coding prompt.
type Reviewer struct {
	gen     Generator
	catalog *prompts.Catalog
	model   string
	logger  *zap.Logger
}

// NewReviewer creates a reviewer. An empty model uses the client default,
// a nil catalog the built-ins and a nil logger discards output.
func NewReviewer(gen Generator, catalog *prompts.Catalog, model string, logger *zap.Logger) *Reviewer {
	if catalog == nil {
		catalog = prompts.Builtin()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{gen: gen, catalog: catalog, model: model, logger: logger}
}

// ReadSource reads a reviewable text file.
func ReadSource(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &FileError{Path: path, Reason: "file not found", Err: err}
	}
	if info.IsDir() {
		return "", &FileError{Path: path, Reason: "is a directory"}
	}
	if info.Size() > MaxFileBytes {
		return "", &FileError{Path: path, Reason: fmt.Sprintf("file is %d KiB, limit is %d KiB", info.Size()>>10, MaxFileBytes>>10)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &FileError{Path: path, Reason: "read failed", Err: err}
	}
	if !utf8.Valid(data) {
		return "", &FileError{Path: path, Reason: "not a UTF-8 text file"}
	}
	return string(data), nil
}

// Review reads path and returns the model's analysis.
func (r *Reviewer) Review(ctx context.Context, path string) (*ollama.Result, error) {
	code, err := ReadSource(path)
	if err != nil {
		return nil, err
	}
	return r.gen.Generate(ctx, &ollama.GenerateRequest{
		Model:   r.model,
		Prompt:  BuildPrompt(r.catalog, path, code),
		Options: r.catalog.Coding.Options,
	})
}
