// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// setup.go - Per-invocation state shared by command handlers.

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/jeranaias/gemlet/internal/cloud"
	"github.com/jeranaias/gemlet/internal/config"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
	"github.com/jeranaias/gemlet/internal/server"
	"github.com/jeranaias/gemlet/internal/storage"
)

// app carries everything a command handler needs. Handlers write results
// to out and progress or diagnostics to errOut.
type app struct {
	cmd  Command
	args Args

	out    io.Writer
	errOut io.Writer

	cfg     *config.Config
	logger  *zap.Logger
	backend server.Backend
	catalog *prompts.Catalog

	// tty is set when out is an interactive terminal.
	tty      bool
	renderer *glamour.TermRenderer

	// newLineReader opens the chat input. Tests replace it.
	newLineReader func() (lineReader, error)
}

func newApp(cmd Command, args Args, stdout, stderr io.Writer) *app {
	return &app{
		cmd:           cmd,
		args:          args,
		out:           stdout,
		errOut:        stderr,
		tty:           isTerminal(stdout),
		newLineReader: openLineReader,
	}
}

// setup loads configuration, applies flag overrides and builds the logger,
// prompt catalog and generation backend.
func (a *app) setup() error {
	cfg, err := config.Load(a.args.ConfigPath)
	if err != nil {
		return &ConfigError{Path: a.args.ConfigPath, Err: err}
	}

	if a.args.Provider != "" {
		cfg.Provider = a.args.Provider
	}
	a.applyConnectionFlags(cfg)
	switch {
	case a.args.Verbose:
		cfg.Logging.Level = "debug"
	case a.args.Quiet:
		cfg.Logging.Level = "error"
	}
	a.cfg = cfg

	if a.logger == nil {
		logger, err := cfg.Logger()
		if err != nil {
			return &ConfigError{Err: err}
		}
		a.logger = logger
	}

	promptsPath, err := cfg.PromptsPath()
	if err != nil {
		return &ConfigError{Err: err}
	}
	catalog, err := prompts.Load(promptsPath)
	if err != nil {
		return &ConfigError{Path: promptsPath, Err: err}
	}
	a.catalog = catalog

	a.backend = a.newBackend(nil)

	a.logger.Debug("configuration loaded",
		zap.String("provider", cfg.Provider),
		zap.String("endpoint", cfg.ActiveEndpoint()),
		zap.String("model", cfg.ActiveModel()),
		zap.Duration("timeout", cfg.ActiveTimeout()))
	return nil
}

// applyConnectionFlags points --model, --endpoint and --timeout at the
// selected provider's section.
func (a *app) applyConnectionFlags(cfg *config.Config) {
	if cfg.Provider == config.ProviderTogether {
		if a.args.Model != "" {
			cfg.Together.Model = a.args.Model
		}
		if a.args.Endpoint != "" {
			cfg.Together.URL = a.args.Endpoint
		}
		if a.args.Timeout > 0 {
			cfg.Together.Timeout = config.Duration{Duration: a.args.Timeout}
		}
		return
	}
	if a.args.Model != "" {
		cfg.Ollama.Model = a.args.Model
	}
	if a.args.Endpoint != "" {
		cfg.Ollama.URL = a.args.Endpoint
	}
	if a.args.Timeout > 0 {
		cfg.Ollama.Timeout = config.Duration{Duration: a.args.Timeout}
	}
}

// newBackend builds the client for the configured provider. metrics may
// be nil.
func (a *app) newBackend(metrics *ollama.Metrics) server.Backend {
	cfg := a.cfg
	if cfg.Provider == config.ProviderTogether {
		client := cloud.NewClient(&cloud.ClientConfig{
			BaseURL:      cfg.Together.URL,
			APIKey:       cfg.Together.APIKey,
			Timeout:      cfg.Together.Timeout.Duration,
			DefaultModel: cfg.Together.Model,
			MaxTokens:    cfg.Together.MaxTokens,
			Metrics:      metrics,
		})
		if !client.IsConfigured() {
			a.logger.Warn("Together AI API key is not set; requests will fail",
				zap.String("hint", "set TOGETHER_API_KEY in the environment or .env"))
		} else {
			a.logger.Debug("using Together AI", zap.String("api_key", client.APIKeyMasked()))
		}
		return client
	}
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.URL,
		Timeout:      cfg.Ollama.Timeout.Duration,
		DefaultModel: cfg.Ollama.Model,
		Metrics:      metrics,
	})
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// openStore opens the transcript store, or returns nil when storage is
// disabled.
func (a *app) openStore() (*storage.Store, error) {
	if !a.cfg.Storage.Enabled {
		return nil, nil
	}
	path, err := a.cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	return storage.Open(path)
}

// requireStore is openStore for commands that cannot work without storage.
func (a *app) requireStore() (*storage.Store, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, NewCommandError(a.cmd.String(), "open", "transcript store unavailable", err)
	}
	if store == nil {
		return nil, &ConfigError{Err: fmt.Errorf("transcript storage is disabled (storage.enabled = false)")}
	}
	return store, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

// emit writes data as the JSON envelope.
func (a *app) emit(data interface{}) error {
	return NewJSONResponse(a.cmd.String(), data).Write(a.out)
}

// info writes a line to errOut unless --quiet or --json is set.
func (a *app) info(format string, args ...interface{}) {
	if a.args.Quiet || a.args.JSON {
		return
	}
	fmt.Fprintf(a.errOut, format+"\n", args...)
}

// markdownEnabled reports whether replies are rendered with glamour.
func (a *app) markdownEnabled() bool {
	return a.tty && ColorsEnabled() && (a.cfg == nil || a.cfg.Chat.Markdown)
}

// render formats model output for display. Markdown is rendered only for
// terminals so piped output stays byte-for-byte.
func (a *app) render(text string) string {
	if !a.markdownEnabled() {
		if strings.HasSuffix(text, "\n") {
			return text
		}
		return text + "\n"
	}
	if a.renderer == nil {
		width := GetTerminalWidth() - 4
		if width > maxRenderWidth {
			width = maxRenderWidth
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return text + "\n"
		}
		a.renderer = r
	}
	rendered, err := a.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return rendered
}

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
