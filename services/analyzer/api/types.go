// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/orchestrator"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// FileRequest names a file for touch, change, save, close and diagnostics.
type FileRequest struct {
	// Path is absolute or relative to the project path.
	Path string `json:"path" binding:"required"`

	// Wait asks touch to await fresh diagnostics.
	Wait bool `json:"wait,omitempty"`

	// Content is the new buffer for change. When absent the file is read
	// from disk.
	Content *string `json:"content,omitempty"`
}

// PositionRequest addresses a position for hover, completion, definition
// and references. Line and character are zero-based.
type PositionRequest struct {
	Path      string `json:"path" binding:"required"`
	Line      int    `json:"line" binding:"min=0"`
	Character int    `json:"character" binding:"min=0"`
}

// Position converts the request to a protocol position.
func (r PositionRequest) Position() lsp.Position {
	return lsp.Position{Line: r.Line, Character: r.Character}
}

// PathsRequest asks for diagnostics of several files.
type PathsRequest struct {
	Paths []string `json:"paths" binding:"required,min=1,dive,required"`
}

// EnabledRequest toggles an analyzer.
type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// TouchResponse is the result of POST /touch.
type TouchResponse struct {
	Path        string                     `json:"path"`
	Diagnostics []lsp.Diagnostic           `json:"diagnostics"`
	Sessions    []orchestrator.SessionInfo `json:"sessions"`
	Errors      map[string]ErrorResponse   `json:"errors,omitempty"`
}

// DiagnosticsResponse carries diagnostics for one file.
type DiagnosticsResponse struct {
	Path        string           `json:"path"`
	Diagnostics []lsp.Diagnostic `json:"diagnostics"`
}

// MultiDiagnosticsResponse carries diagnostics keyed by the requested path.
type MultiDiagnosticsResponse struct {
	Files map[string][]lsp.Diagnostic `json:"files"`
}

// AnalyzersResponse lists the catalog.
type AnalyzersResponse struct {
	Analyzers []orchestrator.AnalyzerInfo `json:"analyzers"`
}

// SessionsResponse lists live sessions.
type SessionsResponse struct {
	Sessions []orchestrator.SessionInfo `json:"sessions"`
}

// InstallResponse describes a completed install.
type InstallResponse struct {
	Record install.Record `json:"record"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Project  string `json:"project"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`

	// Code is a stable machine-readable code, e.g. "ANALYZER_TIMEOUT".
	Code string `json:"code,omitempty"`

	// Analyzer names the analyzer involved, if any.
	Analyzer string `json:"analyzer,omitempty"`
}
