// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
	"github.com/jeranaias/gemlet/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8787"

	// DefaultMaxBodyBytes bounds request bodies; large enough for images.
	DefaultMaxBodyBytes = 20 << 20

	// MaxTextLength is the longest accepted message text in runes.
	MaxTextLength = 100000

	// backendCheckTimeout bounds the /health and /api/models calls.
	backendCheckTimeout = 5 * time.Second
)

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Backend is the model server the API talks to. *ollama.Client implements it.
type Backend interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.Result, error)
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	CheckRunning(ctx context.Context) error
}

// Recorder persists finished exchanges. *storage.Store implements it.
type Recorder interface {
	StartSession(ctx context.Context, id, model string) error
	Append(ctx context.Context, sessionID string, ex history.Exchange) error
}

// Config holds server settings.
type Config struct {
	Addr           string
	DefaultModel   string
	DefaultPersona string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	Sessions       session.Config
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		DefaultModel:   ollama.DefaultModel,
		DefaultPersona: prompts.PersonaAssistant,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		Sessions:       session.DefaultConfig(),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP session API.
type Server struct {
	cfg      Config
	backend  Backend
	catalog  *prompts.Catalog
	sessions *session.Manager
	recorder Recorder
	logger   *zap.Logger
	registry *prometheus.Registry

	mux     *http.ServeMux
	handler http.Handler
	srv     *http.Server
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithRecorder persists every successful exchange.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithCatalog replaces the built-in prompt catalog.
func WithCatalog(c *prompts.Catalog) Option {
	return func(s *Server) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// New creates a server. Zero config fields take their defaults and a nil
// logger discards output.
func New(cfg Config, backend Backend, logger *zap.Logger, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = def.DefaultPersona
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = def.RateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		catalog: prompts.Builtin(),
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s.sessions = session.NewManager(cfg.Sessions, logger.Named("sessions"))
	s.setupRoutes()

	skip := []string{"/health", "/metrics"}
	s.handler = Chain(s.mux,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, newHTTPMetrics(s.registry), skip),
		SecurityHeadersMiddleware,
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, skip),
		BodyLimitMiddleware(cfg.MaxBodyBytes),
	)
	return s
}

// setupRoutes registers every endpoint.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	s.mux.HandleFunc("DELETE /api/sessions/{id}/history", s.handleClearHistory)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Serve serves on ln until ctx is cancelled. In-flight requests get up to
// 10 seconds to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Generation can take as long as the client timeout allows.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(s.logger.Named("http")),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sessions.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
