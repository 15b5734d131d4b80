// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyzerhub/services/analyzer/api"
	"github.com/AleutianAI/analyzerhub/services/analyzer/telemetry"
	"github.com/AleutianAI/analyzerhub/services/analyzer/watch"
)

type serveOptions struct {
	addr  string
	watch bool
	debug bool

	// ready receives the bound address once listening. Test hook.
	ready chan<- string
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analyzer API over HTTP",
		Long: `serve exposes touch, document lifecycle, diagnostics and query operations
under /v1/analyzers, streams analyzer events over a WebSocket at
/v1/analyzers/events, and serves Prometheus metrics at /metrics.

With --watch, edits under the project directory are forwarded to the
analyzers that have the file open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("addr") {
					so.addr = a.cfg.Server.Addr
				}
				if !cmd.Flags().Changed("watch") {
					so.watch = a.cfg.Server.Watch
				}
				return runServe(ctx, a, so)
			})
		},
	}
	cmd.Flags().StringVar(&so.addr, "addr", "", "listen address (default from config, 127.0.0.1:8790)")
	cmd.Flags().BoolVar(&so.watch, "watch", false, "forward file changes under the project to analyzers")
	cmd.Flags().BoolVar(&so.debug, "debug", false, "gin debug mode")
	return cmd
}

// runServe blocks until ctx is cancelled, then drains HTTP and analyzers.
func runServe(ctx context.Context, a *app, so *serveOptions) error {
	logger := a.logger

	shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if so.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := api.NewHandlers(a.orch, a.events, logger)
	router := api.NewRouter(handlers, a.cfg.Telemetry.ServiceName)

	if so.watch {
		w, err := watch.New(a.orch.ProjectPath(), a.orch, &watch.Options{Logger: logger})
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Stop()
	}

	a.orch.StartIdleMonitor(ctx)

	ln, err := net.Listen("tcp", so.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", so.addr, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	logger.Info("analyzerhub listening",
		slog.String("addr", addr),
		slog.String("project", a.orch.ProjectPath()),
		slog.Bool("watch", so.watch))
	a.printer.Success("listening on http://" + addr)
	if so.ready != nil {
		so.ready <- addr
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
