// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the orchestrator over HTTP and a WebSocket event
// stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/analyzerhub/services/analyzer/events"
	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/orchestrator"
	"github.com/AleutianAI/analyzerhub/services/analyzer/telemetry"
)

// Service is the subset of *orchestrator.Orchestrator the handlers use.
type Service interface {
	TouchFile(ctx context.Context, path string, wait bool) (*orchestrator.TouchResult, error)
	FileChanged(ctx context.Context, path string, content []byte) error
	FileSaved(ctx context.Context, path string) error
	FileClosed(ctx context.Context, path string) error
	DiagnosticsFor(path string) []lsp.Diagnostic
	DiagnosticsForMany(paths []string) map[string][]lsp.Diagnostic
	AllDiagnostics() map[string][]lsp.Diagnostic

	Hover(ctx context.Context, path string, pos lsp.Position) (*orchestrator.HoverResult, error)
	Completion(ctx context.Context, path string, pos lsp.Position) (*orchestrator.CompletionResult, error)
	Definition(ctx context.Context, path string, pos lsp.Position) (*orchestrator.LocationsResult, error)
	References(ctx context.Context, path string, pos lsp.Position) (*orchestrator.LocationsResult, error)

	Analyzers() []orchestrator.AnalyzerInfo
	Sessions() []orchestrator.SessionInfo
	SetServerEnabled(ctx context.Context, id string, enabled bool) error
	InstallServer(ctx context.Context, id string) (install.Record, error)
	CacheInfo() (install.Info, error)
	ClearCache(ctx context.Context) error
	ProjectPath() string
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	svc      Service
	events   *events.Emitter
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
}

// NewHandlers creates handlers for svc. em may be nil, which disables the
// event stream.
func NewHandlers(svc Service, em *events.Emitter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc:      svc,
		events:   em,
		logger:   logger.With(slog.String("component", "api")),
		readFile: os.ReadFile,
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler))
	return telemetry.LoggerWithTrace(c.Request.Context(), logger)
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("invalid request body", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, resp := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed",
			slog.String("code", resp.Code),
			slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// HandleTouch handles POST /v1/analyzers/touch.
//
// Description:
//
//	Opens the file in every applicable analyzer, starting sessions as
//	needed. Per-analyzer failures are reported in Errors alongside the
//	diagnostics that did arrive.
//
// Response:
//
//	200 OK: TouchResponse
//	400 Bad Request: Missing path
//	503 Service Unavailable: Shutting down
func (h *Handlers) HandleTouch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTouch")
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}

	res, err := h.svc.TouchFile(c.Request.Context(), req.Path, req.Wait)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	resp := TouchResponse{
		Path:        res.Path,
		Diagnostics: res.Diagnostics,
		Sessions:    res.Sessions,
	}
	if resp.Sessions == nil {
		resp.Sessions = []orchestrator.SessionInfo{}
	}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]ErrorResponse, len(res.Errors))
		for id, err := range res.Errors {
			resp.Errors[id] = errorBody(err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleChange handles POST /v1/analyzers/change. Content defaults to the
// file on disk.
func (h *Handlers) HandleChange(c *gin.Context) {
	logger := h.requestLogger(c, "HandleChange")
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}

	var content []byte
	if req.Content != nil {
		content = []byte(*req.Content)
	} else {
		data, err := h.readFile(h.abs(req.Path))
		if err != nil {
			badRequest(c, logger, err)
			return
		}
		content = data
	}
	if err := h.svc.FileChanged(c.Request.Context(), req.Path, content); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSave handles POST /v1/analyzers/save.
func (h *Handlers) HandleSave(c *gin.Context) {
	h.documentOp(c, "HandleSave", h.svc.FileSaved)
}

// HandleClose handles POST /v1/analyzers/close.
func (h *Handlers) HandleClose(c *gin.Context) {
	h.documentOp(c, "HandleClose", h.svc.FileClosed)
}

func (h *Handlers) documentOp(c *gin.Context, name string, op func(context.Context, string) error) {
	logger := h.requestLogger(c, name)
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	if err := op(c.Request.Context(), req.Path); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(h.svc.ProjectPath(), path)
}

// HandleDiagnostics handles GET /v1/analyzers/diagnostics.
//
// Query Parameters:
//
//	path - Optional. Without it every tracked file is returned.
//
// Response:
//
//	200 OK: DiagnosticsResponse, or MultiDiagnosticsResponse without path
func (h *Handlers) HandleDiagnostics(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusOK, MultiDiagnosticsResponse{Files: h.svc.AllDiagnostics()})
		return
	}
	c.JSON(http.StatusOK, DiagnosticsResponse{Path: path, Diagnostics: h.svc.DiagnosticsFor(path)})
}

// HandleDiagnosticsBatch handles POST /v1/analyzers/diagnostics.
func (h *Handlers) HandleDiagnosticsBatch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDiagnosticsBatch")
	var req PathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, MultiDiagnosticsResponse{Files: h.svc.DiagnosticsForMany(req.Paths)})
}

// =============================================================================
// QUERIES
// =============================================================================

// HandleHover handles POST /v1/analyzers/hover.
//
// Response:
//
//	200 OK: orchestrator.HoverResult
//	404 Not Found: No analyzer handles the file
//	502 Bad Gateway: The analyzer failed
//	504 Gateway Timeout: The analyzer did not answer in time
func (h *Handlers) HandleHover(c *gin.Context) {
	positional(h, c, "HandleHover", h.svc.Hover)
}

// HandleCompletion handles POST /v1/analyzers/completion.
func (h *Handlers) HandleCompletion(c *gin.Context) {
	positional(h, c, "HandleCompletion", h.svc.Completion)
}

// HandleDefinition handles POST /v1/analyzers/definition.
func (h *Handlers) HandleDefinition(c *gin.Context) {
	positional(h, c, "HandleDefinition", h.svc.Definition)
}

// HandleReferences handles POST /v1/analyzers/references.
func (h *Handlers) HandleReferences(c *gin.Context) {
	positional(h, c, "HandleReferences", h.svc.References)
}

func positional[T any](h *Handlers, c *gin.Context, name string, query func(context.Context, string, lsp.Position) (*T, error)) {
	logger := h.requestLogger(c, name)
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	res, err := query(c.Request.Context(), req.Path, req.Position())
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// =============================================================================
// MANAGEMENT
// =============================================================================

// HandleList handles GET /v1/analyzers.
func (h *Handlers) HandleList(c *gin.Context) {
	c.JSON(http.StatusOK, AnalyzersResponse{Analyzers: h.svc.Analyzers()})
}

// HandleSessions handles GET /v1/analyzers/sessions.
func (h *Handlers) HandleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionsResponse{Sessions: h.svc.Sessions()})
}

// HandleSetEnabled handles PUT /v1/analyzers/:id/enabled.
//
// Description:
//
//	Disabling shuts down the analyzer's sessions and drops their
//	diagnostics. Enabling does not start anything.
func (h *Handlers) HandleSetEnabled(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSetEnabled")
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	id := c.Param("id")
	if err := h.svc.SetServerEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("analyzer toggled", slog.String("analyzer", id), slog.Bool("enabled", *req.Enabled))
	c.Status(http.StatusNoContent)
}

// HandleInstall handles POST /v1/analyzers/:id/install. The install runs
// even when a previous failure is backing off.
func (h *Handlers) HandleInstall(c *gin.Context) {
	logger := h.requestLogger(c, "HandleInstall")
	rec, err := h.svc.InstallServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, InstallResponse{Record: rec})
}

// HandleCacheInfo handles GET /v1/analyzers/cache.
func (h *Handlers) HandleCacheInfo(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCacheInfo")
	info, err := h.svc.CacheInfo()
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleCacheClear handles DELETE /v1/analyzers/cache.
func (h *Handlers) HandleCacheClear(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCacheClear")
	if err := h.svc.ClearCache(c.Request.Context()); err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("install cache cleared")
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /v1/analyzers/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  ServiceVersion,
		Sessions: len(h.svc.Sessions()),
		Project:  h.svc.ProjectPath(),
	})
}
