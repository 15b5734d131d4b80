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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/analyzerhub/services/analyzer/telemetry"
)

// RegisterRoutes registers the analyzer endpoints under rg.
//
// Endpoints:
//
//	POST   /analyzers/touch             Open a file in every applicable analyzer
//	POST   /analyzers/change            Push new content
//	POST   /analyzers/save              Notify save
//	POST   /analyzers/close             Close a file
//	GET    /analyzers/diagnostics       Diagnostics for ?path= or all files
//	POST   /analyzers/diagnostics       Diagnostics for several files
//	POST   /analyzers/hover             Hover at a position
//	POST   /analyzers/completion        Completion at a position
//	POST   /analyzers/definition        Definition at a position
//	POST   /analyzers/references        References at a position
//	GET    /analyzers                   Catalog with runtime state
//	GET    /analyzers/sessions          Live sessions
//	PUT    /analyzers/:id/enabled       Enable or disable an analyzer
//	POST   /analyzers/:id/install       Force an install
//	GET    /analyzers/cache             Install cache info
//	DELETE /analyzers/cache             Clear the install cache
//	GET    /analyzers/events            WebSocket event stream
//	GET    /analyzers/health            Health check
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	analyzers := rg.Group("/analyzers")
	{
		analyzers.GET("", h.HandleList)

		// Documents
		analyzers.POST("/touch", h.HandleTouch)
		analyzers.POST("/change", h.HandleChange)
		analyzers.POST("/save", h.HandleSave)
		analyzers.POST("/close", h.HandleClose)
		analyzers.GET("/diagnostics", h.HandleDiagnostics)
		analyzers.POST("/diagnostics", h.HandleDiagnosticsBatch)

		// Positional queries
		analyzers.POST("/hover", h.HandleHover)
		analyzers.POST("/completion", h.HandleCompletion)
		analyzers.POST("/definition", h.HandleDefinition)
		analyzers.POST("/references", h.HandleReferences)

		// Management
		analyzers.GET("/sessions", h.HandleSessions)
		analyzers.PUT("/:id/enabled", h.HandleSetEnabled)
		analyzers.POST("/:id/install", h.HandleInstall)
		analyzers.GET("/cache", h.HandleCacheInfo)
		analyzers.DELETE("/cache", h.HandleCacheClear)

		analyzers.GET("/events", h.HandleEvents)
		analyzers.GET("/health", h.HandleHealth)
	}
}

// NewRouter builds the gin engine: recovery, tracing, request logging,
// /metrics when the prometheus exporter is active, and /v1 routes.
func NewRouter(h *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(requestLogging(h.logger))

	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}
	RegisterRoutes(router.Group("/v1"), h)
	return router
}

func requestLogging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}
