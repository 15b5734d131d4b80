// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

// TouchResult is the outcome of TouchFile.
type TouchResult struct {
	// Path is the absolute, cleaned path that was touched.
	Path string `json:"path"`

	// Diagnostics is the union over every session for Path. Never nil.
	Diagnostics []lsp.Diagnostic `json:"diagnostics"`

	// Sessions lists the sessions that opened Path.
	Sessions []SessionInfo `json:"sessions"`

	// Errors holds per-analyzer failures keyed by analyzer id.
	Errors map[string]error `json:"-"`
}

// TouchFile makes every applicable analyzer open path.
//
// Description:
//
//	For each enabled analyzer handling the file, resolves the project root,
//	gets or creates the session (install, spawn and handshake if new) and
//	opens the document. Analyzers without a root are skipped silently.
//	Analyzers run concurrently; one failing does not affect the others.
//	When wait is true each session's diagnostics wait is awaited before
//	the union is collected.
//
// Inputs:
//
//	ctx - Bounds installs, spawns, handshakes and waits.
//	path - Absolute, or relative to the project path.
//	wait - Await fresh diagnostics from each session.
//
// Outputs:
//
//	*TouchResult - Partial results plus per-analyzer errors.
//	error - Only for a nil ctx or after ShutdownAll.
func (o *Orchestrator) TouchFile(ctx context.Context, path string, wait bool) (*TouchResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}

	path = o.absPath(path)
	ctx, span := startSpan(ctx, "TouchFile", path)
	defer span.End()
	started := time.Now()

	defs := o.applicable(path)
	res := &TouchResult{Path: path, Errors: make(map[string]error)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, def := range defs {
		def := def
		g.Go(func() error {
			info, err := o.touchOne(ctx, def, path, wait)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[def.ID] = err
				return nil
			}
			if info != nil {
				res.Sessions = append(res.Sessions, *info)
			}
			return nil
		})
	}
	_ = g.Wait()

	order := make(map[string]int, len(defs))
	for i, def := range defs {
		order[def.ID] = i
	}
	sort.Slice(res.Sessions, func(i, j int) bool {
		return order[res.Sessions[i].Analyzer] < order[res.Sessions[j].Analyzer]
	})
	res.Diagnostics = o.DiagnosticsFor(path)

	for id, err := range res.Errors {
		o.logger.Warn("analyzer failed for file",
			slog.String("analyzer", id),
			slog.String("path", path),
			slog.String("kind", lsp.KindOf(err).String()),
			slog.String("error", err.Error()))
	}
	recordTouch(ctx, time.Since(started), len(defs), wait)
	return res, nil
}

func (o *Orchestrator) touchOne(ctx context.Context, def registry.AnalyzerDefinition, path string, wait bool) (*SessionInfo, error) {
	root, ok := o.resolver.ResolveFor(def, path)
	if !ok {
		o.logger.Debug("no project root for analyzer",
			slog.String("analyzer", def.ID),
			slog.String("path", path))
		return nil, nil
	}
	s, err := o.session(ctx, def, root)
	if err != nil {
		return nil, err
	}
	if err := s.OpenDocument(ctx, path); err != nil {
		return nil, err
	}
	if wait {
		if _, err := s.WaitForDiagnostics(ctx, path, 0); err != nil {
			return nil, err
		}
	}
	info := describe(sessionKey{analyzer: def.ID, root: root}, s)
	return &info, nil
}

// tracking returns the sessions that currently have path open.
func (o *Orchestrator) tracking(path string) []keyedSession {
	var out []keyedSession
	for _, ks := range o.snapshot() {
		if ks.s.IsTracking(path) {
			out = append(out, ks)
		}
	}
	return out
}

// fanOut runs fn on every session tracking path and joins the failures.
func (o *Orchestrator) fanOut(ctx context.Context, op, path string, fn func(*lsp.Session) error) error {
	if ctx == nil {
		return ErrNilContext
	}
	path = o.absPath(path)
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, ks := range o.tracking(path) {
		ks := ks
		g.Go(func() error {
			if err := fn(ks.s); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s %s: %w", ks.key.analyzer, op, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// FileChanged sends new content to every session tracking path.
// Untracked paths produce no traffic.
func (o *Orchestrator) FileChanged(ctx context.Context, path string, content []byte) error {
	return o.fanOut(ctx, "change", path, func(s *lsp.Session) error {
		return s.ChangeDocument(ctx, o.absPath(path), content)
	})
}

// FileSaved notifies every session tracking path of a save.
func (o *Orchestrator) FileSaved(ctx context.Context, path string) error {
	return o.fanOut(ctx, "save", path, func(s *lsp.Session) error {
		return s.SaveDocument(ctx, o.absPath(path))
	})
}

// FileClosed closes path in every session tracking it, dropping its diagnostics.
func (o *Orchestrator) FileClosed(ctx context.Context, path string) error {
	return o.fanOut(ctx, "close", path, func(s *lsp.Session) error {
		return s.CloseDocument(ctx, o.absPath(path))
	})
}

// DiagnosticsFor returns the union of every session's diagnostics for path.
// Each entry carries its analyzer id. Never nil.
func (o *Orchestrator) DiagnosticsFor(path string) []lsp.Diagnostic {
	path = o.absPath(path)
	out := []lsp.Diagnostic{}
	for _, ks := range o.snapshot() {
		out = append(out, ks.s.DiagnosticsFor(path)...)
	}
	return out
}

// DiagnosticsForMany returns DiagnosticsFor for each path, keyed by the
// path as given.
func (o *Orchestrator) DiagnosticsForMany(paths []string) map[string][]lsp.Diagnostic {
	out := make(map[string][]lsp.Diagnostic, len(paths))
	for _, p := range paths {
		out[p] = o.DiagnosticsFor(p)
	}
	return out
}

// AllDiagnostics returns every stored diagnostic keyed by absolute path.
func (o *Orchestrator) AllDiagnostics() map[string][]lsp.Diagnostic {
	out := make(map[string][]lsp.Diagnostic)
	for _, ks := range o.snapshot() {
		for path, diags := range ks.s.Diagnostics() {
			out[path] = append(out[path], diags...)
		}
	}
	return out
}
