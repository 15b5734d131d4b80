// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries diagnostics updates and analyzer status changes
// from the orchestrator to its consumers.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeDiagnosticsUpdated is emitted when an analyzer publishes diagnostics.
	TypeDiagnosticsUpdated Type = "diagnostics.updated"

	// TypeAnalyzerStatus is emitted when a session or install changes state.
	TypeAnalyzerStatus Type = "analyzer.status"
)

// Status is an analyzer lifecycle step.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusInstalled  Status = "installed"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Event is one entry in the stream.
//
// Description:
//
//	Seq increases by one for every event the emitter accepts and SourceSeq
//	by one for every event from the same source, so consumers can detect
//	gaps after an overflow. Data is *DiagnosticsData for
//	TypeDiagnosticsUpdated and *StatusData for TypeAnalyzerStatus.
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Source    string    `json:"source"`
	SourceSeq uint64    `json:"source_seq"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// DiagnosticsData is the payload of TypeDiagnosticsUpdated.
type DiagnosticsData struct {
	Analyzer    string           `json:"analyzer"`
	Root        string           `json:"root"`
	Path        string           `json:"path"`
	Diagnostics []lsp.Diagnostic `json:"diagnostics"`
}

// StatusData is the payload of TypeAnalyzerStatus.
type StatusData struct {
	Analyzer string `json:"analyzer"`
	Root     string `json:"root,omitempty"`
	Status   Status `json:"status"`
	Pid      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`
}
