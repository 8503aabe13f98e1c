// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - HTTP session API.
//
// Command: serve
// Short:   Run the HTTP session API
//
// Examples:
//   gemlet serve
//   gemlet serve --addr 0.0.0.0:8787
//
// Runs until SIGINT or SIGTERM, then drains in-flight requests.

package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/server"
	"github.com/jeranaias/gemlet/internal/session"
)

// serverConfig maps the configuration onto server settings.
func (a *app) serverConfig() server.Config {
	cfg := a.cfg
	sc := server.Config{
		Addr:           cfg.Server.Addr,
		DefaultModel:   cfg.ActiveModel(),
		DefaultPersona: cfg.Chat.Persona,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Sessions:       session.DefaultConfig(),
	}
	if a.args.Addr != "" {
		sc.Addr = a.args.Addr
	}
	if d := cfg.Server.SessionIdleTimeout.Duration; d > 0 {
		sc.Sessions.IdleTimeout = d
	}
	sc.Sessions.Capacity = cfg.Chat.HistoryCapacity
	return sc
}

func (a *app) handleServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The server gets its own client so inference metrics land on the
	// server's registry.
	backend := a.newBackend(ollama.NewMetrics(reg))

	opts := []server.Option{server.WithRegistry(reg), server.WithCatalog(a.catalog)}

	store, err := a.openStore()
	if err != nil {
		a.logger.Warn("transcript store unavailable, sessions will not be saved", zap.Error(err))
	} else if store != nil {
		defer store.Close()
		opts = append(opts, server.WithRecorder(store))
		a.logger.Info("saving transcripts", zap.String("path", store.Path()))
	}

	srv := server.New(a.serverConfig(), backend, a.logger.Named("server"), opts...)

	// Listen before announcing so a ":0" address reports the real port.
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return NewCommandError(a.cmd.String(), "listen", "cannot listen on "+srv.Addr(), err)
	}
	a.info("%s %s", SuccessStyle.Render("gemlet API listening on"), "http://"+ln.Addr().String())
	return srv.Serve(ctx, ln)
}
