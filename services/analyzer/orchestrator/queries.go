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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// HoverResult is hover text and the analyzer that produced it.
type HoverResult struct {
	Analyzer string `json:"analyzer"`
	Contents string `json:"contents"`
}

// CompletionResult is a completion list and the analyzer that produced it.
type CompletionResult struct {
	Analyzer string               `json:"analyzer"`
	Items    []lsp.CompletionItem `json:"items"`
}

// LocationsResult is a definition or reference list and its analyzer.
type LocationsResult struct {
	Analyzer  string         `json:"analyzer"`
	Locations []lsp.Location `json:"locations"`
}

// Hover returns hover text at pos.
func (o *Orchestrator) Hover(ctx context.Context, path string, pos lsp.Position) (*HoverResult, error) {
	id, raw, err := o.route(ctx, "textDocument/hover", path, func(ctx context.Context, s *lsp.Session, p string) (json.RawMessage, error) {
		return s.Hover(ctx, p, pos)
	})
	if err != nil {
		return nil, err
	}
	text, err := lsp.ParseHover(raw)
	if err != nil {
		return nil, lsp.NewQueryError(id, "textDocument/hover", err)
	}
	return &HoverResult{Analyzer: id, Contents: text}, nil
}

// Completion returns completion items at pos.
func (o *Orchestrator) Completion(ctx context.Context, path string, pos lsp.Position) (*CompletionResult, error) {
	id, raw, err := o.route(ctx, "textDocument/completion", path, func(ctx context.Context, s *lsp.Session, p string) (json.RawMessage, error) {
		return s.Completion(ctx, p, pos)
	})
	if err != nil {
		return nil, err
	}
	items, err := lsp.ParseCompletion(raw)
	if err != nil {
		return nil, lsp.NewQueryError(id, "textDocument/completion", err)
	}
	return &CompletionResult{Analyzer: id, Items: items}, nil
}

// Definition returns the definition locations of the symbol at pos.
func (o *Orchestrator) Definition(ctx context.Context, path string, pos lsp.Position) (*LocationsResult, error) {
	return o.locations(ctx, "textDocument/definition", path, func(ctx context.Context, s *lsp.Session, p string) (json.RawMessage, error) {
		return s.Definition(ctx, p, pos)
	})
}

// References returns every reference to the symbol at pos, declaration included.
func (o *Orchestrator) References(ctx context.Context, path string, pos lsp.Position) (*LocationsResult, error) {
	return o.locations(ctx, "textDocument/references", path, func(ctx context.Context, s *lsp.Session, p string) (json.RawMessage, error) {
		return s.References(ctx, p, pos)
	})
}

type queryFunc func(ctx context.Context, s *lsp.Session, path string) (json.RawMessage, error)

func (o *Orchestrator) locations(ctx context.Context, method, path string, fn queryFunc) (*LocationsResult, error) {
	id, raw, err := o.route(ctx, method, path, fn)
	if err != nil {
		return nil, err
	}
	locs, err := lsp.ParseLocations(raw)
	if err != nil {
		return nil, lsp.NewQueryError(id, method, err)
	}
	if locs == nil {
		locs = []lsp.Location{}
	}
	return &LocationsResult{Analyzer: id, Locations: locs}, nil
}

// route sends a positional query to exactly one analyzer.
//
// Description:
//
//	Walks the enabled analyzers for path in catalog order and uses the
//	first one that has a root and is, or can become, ready. Analyzers that
//	fail to start are skipped. Once an analyzer is chosen its answer is
//	final: a failing query is not retried elsewhere.
//
// Errors:
//
//	Always a *lsp.QueryError. KindUnavailable when no analyzer applies.
func (o *Orchestrator) route(ctx context.Context, method, path string, fn queryFunc) (string, json.RawMessage, error) {
	if ctx == nil {
		return "", nil, ErrNilContext
	}
	path = o.absPath(path)
	ctx, span := startSpan(ctx, method, path)
	defer span.End()

	var (
		lastID  string
		lastErr error
	)
	for _, def := range o.applicable(path) {
		root, ok := o.resolver.ResolveFor(def, path)
		if !ok {
			continue
		}
		s, err := o.session(ctx, def, root)
		if err != nil {
			lastID, lastErr = def.ID, err
			continue
		}
		raw, err := fn(ctx, s, path)
		if err != nil {
			qe := lsp.NewQueryError(def.ID, method, err)
			span.RecordError(qe)
			recordQuery(ctx, def.ID, method, qe.Kind.String())
			return def.ID, nil, qe
		}
		recordQuery(ctx, def.ID, method, "ok")
		return def.ID, raw, nil
	}

	if lastErr != nil {
		recordQuery(ctx, lastID, method, lsp.KindOf(lastErr).String())
		return "", nil, lsp.NewQueryError(lastID, method, lastErr)
	}
	recordQuery(ctx, "", method, lsp.KindUnavailable.String())
	return "", nil, &lsp.QueryError{
		Method: method,
		Kind:   lsp.KindUnavailable,
		Err:    fmt.Errorf("%w for %s", lsp.ErrAnalyzerUnavailable, path),
	}
}
