// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for analyzer sessions.
var (
	// ErrNilContext is returned when a nil context is passed to a blocking call.
	ErrNilContext = errors.New("ctx must not be nil")

	// ErrSessionClosed indicates the session has been shut down or its process exited.
	ErrSessionClosed = errors.New("analyzer session closed")

	// ErrNotReady indicates a request was issued before the handshake completed.
	ErrNotReady = errors.New("analyzer session not ready")

	// ErrConnClosed indicates the protocol connection is no longer usable.
	ErrConnClosed = errors.New("analyzer connection closed")

	// ErrRequestTimeout is matched by every *RequestTimeoutError.
	ErrRequestTimeout = errors.New("analyzer request timeout")

	// ErrInvalidResponse indicates a response payload could not be decoded.
	ErrInvalidResponse = errors.New("invalid analyzer response")

	// ErrAnalyzerUnavailable indicates no analyzer could serve a request.
	ErrAnalyzerUnavailable = errors.New("no analyzer available")
)

// JSON-RPC and LSP error codes used by this package.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// TransportError reports a broken stream or an unexpected subprocess exit.
type TransportError struct {
	// Analyzer is the analyzer id, empty when unknown.
	Analyzer string

	// Op names what was being done ("read", "write", "exit").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	if e.Analyzer == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("analyzer %s: transport %s: %v", e.Analyzer, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange.
type HandshakeError struct {
	Analyzer string
	Root     string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("analyzer %s: initialize failed for %s: %v", e.Analyzer, e.Root, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RequestTimeoutError reports a request whose response did not arrive in time.
type RequestTimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

// Is makes errors.Is(err, ErrRequestTimeout) true.
func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// SpawnError reports that an analyzer binary could not be located, installed or started.
type SpawnError struct {
	Analyzer string
	Command  string
	Err      error
}

func (e *SpawnError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("analyzer %s: spawn failed: %v", e.Analyzer, e.Err)
	}
	return fmt.Sprintf("analyzer %s: spawn %q failed: %v", e.Analyzer, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// FrameError reports a malformed frame header. The framer discards the
// offending header block and continues with the following bytes.
type FrameError struct {
	Header string
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame header (%s): %q", e.Reason, e.Header)
}

// LSPError represents an error returned by the analyzer via JSON-RPC.
//
// Codes follow JSON-RPC (-32700..-32600) plus the LSP reserved ranges
// (-32899..-32800 for client/server request failures).
type LSPError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the analyzer.
	Message string

	// Data contains optional additional data about the error.
	Data interface{}
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("LSP error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the analyzer does not support the method.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRequestCancelled returns true if the analyzer cancelled the request.
func (e *LSPError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// ErrorKind classifies an error for callers that only care about the category.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindHandshake
	KindTimeout
	KindSpawn
	KindRemote
	KindCancelled
	KindUnavailable
)

// String returns the kind name used in logs and API responses.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshake:
		return "handshake"
	case KindTimeout:
		return "timeout"
	case KindSpawn:
		return "spawn"
	case KindRemote:
		return "remote"
	case KindCancelled:
		return "cancelled"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// KindOf classifies err. A handshake failure caused by a transport error is
// still reported as KindHandshake since that is the outermost failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var (
		handshake *HandshakeError
		spawn     *SpawnError
		transport *TransportError
		remote    *LSPError
		query     *QueryError
	)
	switch {
	case errors.As(err, &query):
		return query.Kind
	case errors.As(err, &spawn):
		return KindSpawn
	case errors.As(err, &handshake):
		return KindHandshake
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &transport), errors.Is(err, ErrConnClosed), errors.Is(err, ErrSessionClosed):
		return KindTransport
	case errors.As(err, &remote):
		return KindRemote
	case errors.Is(err, ErrAnalyzerUnavailable), errors.Is(err, ErrNotReady):
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// QueryError tags a failed positional query with the analyzer that served it
// and the failure category.
type QueryError struct {
	Analyzer string
	Method   string
	Kind     ErrorKind
	Err      error
}

// NewQueryError wraps err, classifying it with KindOf.
func NewQueryError(analyzer, method string, err error) *QueryError {
	return &QueryError{Analyzer: analyzer, Method: method, Kind: KindOf(err), Err: err}
}

func (e *QueryError) Error() string {
	if e.Analyzer == "" {
		return fmt.Sprintf("%s failed (%s): %v", e.Method, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s via %s failed (%s): %v", e.Method, e.Analyzer, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
