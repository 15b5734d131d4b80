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
	"errors"
	"net/http"

	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/orchestrator"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnknownAnalyzer     = "UNKNOWN_ANALYZER"
	CodeNotInstallable      = "NOT_INSTALLABLE"
	CodeBackoff             = "BACKOFF"
	CodeShuttingDown        = "SHUTTING_DOWN"
	CodeNoAnalyzer          = "NO_ANALYZER"
	CodeAnalyzerTimeout     = "ANALYZER_TIMEOUT"
	CodeAnalyzerError       = "ANALYZER_ERROR"
	CodeSpawnFailed         = "SPAWN_FAILED"
	CodeHandshakeFailed     = "HANDSHAKE_FAILED"
	CodeAnalyzerUnreachable = "ANALYZER_UNREACHABLE"
	CodeCancelled           = "CANCELLED"
	CodeInternal            = "INTERNAL_ERROR"
)

// statusCodeClientClosedRequest is the nginx convention for a client that
// went away before the response.
const statusCodeClientClosedRequest = 499

// classify maps err to an HTTP status and a stable code.
func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var (
		query *lsp.QueryError
		spawn *lsp.SpawnError
	)
	if errors.As(err, &query) {
		resp.Analyzer = query.Analyzer
	} else if errors.As(err, &spawn) {
		resp.Analyzer = spawn.Analyzer
	}

	switch {
	case errors.Is(err, orchestrator.ErrShuttingDown):
		resp.Code = CodeShuttingDown
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, registry.ErrUnknownAnalyzer):
		resp.Code = CodeUnknownAnalyzer
		return http.StatusNotFound, resp
	case errors.Is(err, install.ErrNotInstallable):
		resp.Code = CodeNotInstallable
		return http.StatusConflict, resp
	case errors.Is(err, install.ErrInstallBackoff), errors.Is(err, orchestrator.ErrSpawnBackoff):
		resp.Code = CodeBackoff
		return http.StatusServiceUnavailable, resp
	}

	switch lsp.KindOf(err) {
	case lsp.KindUnavailable:
		resp.Code = CodeNoAnalyzer
		return http.StatusNotFound, resp
	case lsp.KindTimeout:
		resp.Code = CodeAnalyzerTimeout
		return http.StatusGatewayTimeout, resp
	case lsp.KindRemote:
		resp.Code = CodeAnalyzerError
		return http.StatusBadGateway, resp
	case lsp.KindSpawn:
		resp.Code = CodeSpawnFailed
		return http.StatusBadGateway, resp
	case lsp.KindHandshake:
		resp.Code = CodeHandshakeFailed
		return http.StatusBadGateway, resp
	case lsp.KindTransport:
		resp.Code = CodeAnalyzerUnreachable
		return http.StatusBadGateway, resp
	case lsp.KindCancelled:
		resp.Code = CodeCancelled
		return statusCodeClientClosedRequest, resp
	default:
		resp.Code = CodeInternal
		return http.StatusInternalServerError, resp
	}
}

// errorBody is classify without the status, for per-analyzer error maps.
func errorBody(err error) ErrorResponse {
	_, resp := classify(err)
	return resp
}
