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
	"os"

	"github.com/AleutianAI/analyzerhub/pkg/logging"
	"github.com/AleutianAI/analyzerhub/pkg/ux"
	"github.com/AleutianAI/analyzerhub/services/analyzer/api"
	"github.com/AleutianAI/analyzerhub/services/analyzer/config"
	"github.com/AleutianAI/analyzerhub/services/analyzer/events"
	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/orchestrator"
	"github.com/AleutianAI/analyzerhub/services/analyzer/rootfind"
	store "github.com/AleutianAI/analyzerhub/services/analyzer/storage/badger"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath string
	project    string
	logLevel   string
	logJSON    bool
	output     string

	// Test hooks.
	spawner     lsp.Spawner
	cacheOpts   []install.Option
	memoryStore bool
}

// app is one fully wired orchestrator and its collaborators.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	logger  *slog.Logger
	events  *events.Emitter
	db      *store.DB
	cache   *install.Cache
	orch    *orchestrator.Orchestrator
	printer *ux.Printer
}

// openApp loads configuration and wires every component.
//
// Description:
//
//	Loads (or creates) the config file, applies flag overrides, then builds
//	logging, the event emitter, the install record store, the install
//	cache, the root resolver and the orchestrator. If the record database
//	is locked by another process, records are kept in memory for this run.
//
// Outputs:
//
//	*app - Ready to use. Callers must Close it.
//	error - Config, catalog or construction failures.
func openApp(opts *globalOptions, printer *ux.Printer) (*app, error) {
	path := opts.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.project != "" {
		cfg.ProjectPath = opts.project
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logJSON {
		cfg.Logging.JSON = true
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lg := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "analyzerhub",
		JSON:    cfg.Logging.JSON,
		Output:  os.Stderr,
	})
	logger := lg.Slog()
	slog.SetDefault(logger)
	if created {
		logger.Info("created default configuration", slog.String("path", path))
	}

	a := &app{cfg: cfg, log: lg, logger: logger, printer: printer}
	a.events = events.NewEmitter(events.WithLogger(logger))

	records := a.openRecords(opts)

	catalog, err := cfg.Catalog()
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}

	cacheOpts := []install.Option{
		install.WithStore(records),
		install.WithBackoff(cfg.Backoff.InstallBase, cfg.Backoff.InstallMax),
		install.WithLogger(logger),
		install.WithObserver(orchestrator.InstallObserver(a.events)),
	}
	a.cache, err = install.NewCache(cfg.CacheDir, append(cacheOpts, opts.cacheOpts...)...)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}

	resolverOpts := []rootfind.Option{rootfind.WithLogger(logger)}
	if cfg.StopDir != "" {
		resolverOpts = append(resolverOpts, rootfind.WithStopDir(cfg.StopDir))
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Catalog:            catalog,
		Installer:          a.cache,
		Spawner:            opts.spawner,
		Resolver:           rootfind.NewResolver(resolverOpts...),
		Events:             a.events,
		Logger:             logger,
		Disabled:           cfg.Disabled,
		ProjectPath:        cfg.ProjectPath,
		RequestTimeout:     cfg.Timeouts.Request,
		DiagnosticsTimeout: cfg.Timeouts.Diagnostics,
		ShutdownTimeout:    cfg.Timeouts.Shutdown,
		IdleTimeout:        cfg.Timeouts.Idle,
		SpawnBackoff:       cfg.Backoff.Spawn,
		ClientVersion:      api.ServiceVersion,
	})
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) openRecords(opts *globalOptions) install.RecordStore {
	if opts.memoryStore {
		return install.NewMemoryStore()
	}
	dbCfg := store.DefaultConfig(a.cfg.DataDir)
	dbCfg.Logger = a.logger
	db, err := store.Open(dbCfg)
	if err != nil {
		a.logger.Warn("install records kept in memory",
			slog.String("data_dir", a.cfg.DataDir),
			slog.String("error", err.Error()))
		return install.NewMemoryStore()
	}
	a.db = db
	return install.NewBadgerStore(db)
}

// Close shuts down every session and releases resources. Safe on a
// partially constructed app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.ShutdownAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown analyzers: %w", err))
		}
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record store: %w", err))
		}
	}
	if a.log != nil {
		a.log.Close()
	}
	return errors.Join(errs...)
}
