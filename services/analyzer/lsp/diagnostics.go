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
	"log/slog"
	"time"
)

// storeDiagnostics replaces the set for path, wakes waiters and notifies the
// session's listener. Called from the read loop.
//
// A closed document keeps no diagnostics: a late non-empty publish for it
// is dropped and an empty one removes whatever is stored.
func (s *Session) storeDiagnostics(path string, diags []Diagnostic) {
	path = CleanPath(path)
	closed := s.isClosed(path)
	if closed && len(diags) > 0 {
		s.logger.Debug("dropping diagnostics for closed document",
			slog.String("path", path),
			slog.Int("count", len(diags)))
		return
	}

	stored := make([]Diagnostic, len(diags))
	for i, d := range diags {
		d.Analyzer = s.cfg.AnalyzerID
		stored[i] = d
	}

	s.diagMu.Lock()
	if closed {
		delete(s.diagnostics, path)
	} else {
		s.diagnostics[path] = stored
	}
	waiters := s.waiters[path]
	delete(s.waiters, path)
	s.diagMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	recordDiagnostics(s.cfg.AnalyzerID, len(stored))

	if s.cfg.OnDiagnostics != nil {
		s.cfg.OnDiagnostics(path, copyDiagnostics(stored))
	}
}

func (s *Session) clearDiagnostics(path string) {
	s.diagMu.Lock()
	delete(s.diagnostics, path)
	s.diagMu.Unlock()
}

// releaseWaiters wakes every waiter; used when the session closes.
func (s *Session) releaseWaiters() {
	s.diagMu.Lock()
	waiters := s.waiters
	s.waiters = make(map[string][]chan struct{})
	s.diagMu.Unlock()

	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
}

// DiagnosticsFor returns the latest diagnostics for path. The result is a copy.
func (s *Session) DiagnosticsFor(path string) []Diagnostic {
	path = CleanPath(path)
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	return copyDiagnostics(s.diagnostics[path])
}

// Diagnostics returns the latest diagnostics for every file.
func (s *Session) Diagnostics() map[string][]Diagnostic {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	out := make(map[string][]Diagnostic, len(s.diagnostics))
	for path, diags := range s.diagnostics {
		out[path] = copyDiagnostics(diags)
	}
	return out
}

// WaitForDiagnostics returns diagnostics for path, waiting for a publish.
//
// Description:
//
//	Returns immediately when a set is already stored for path, even an
//	empty one. Otherwise waits for the next publish for path, the session
//	closing, or timeout. A timeout yields an empty result and no error.
//
// Inputs:
//
//	ctx - Cancels the wait.
//	path - File path.
//	timeout - Wait bound. Zero or negative uses DiagnosticsTimeout.
//
// Outputs:
//
//	[]Diagnostic - Never nil on success.
//	error - ctx.Err() when ctx ends first.
func (s *Session) WaitForDiagnostics(ctx context.Context, path string, timeout time.Duration) ([]Diagnostic, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if timeout <= 0 {
		timeout = s.cfg.DiagnosticsTimeout
	}
	path = CleanPath(path)
	started := time.Now()

	s.diagMu.Lock()
	if diags, ok := s.diagnostics[path]; ok {
		out := copyDiagnostics(diags)
		s.diagMu.Unlock()
		return out, nil
	}
	select {
	case <-s.closedCh:
		s.diagMu.Unlock()
		return []Diagnostic{}, nil
	default:
	}
	ch := make(chan struct{})
	s.waiters[path] = append(s.waiters[path], ch)
	s.diagMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		recordDiagnosticsWait(s.cfg.AnalyzerID, time.Since(started), false)
		return s.DiagnosticsFor(path), nil
	case <-timer.C:
		s.removeWaiter(path, ch)
		recordDiagnosticsWait(s.cfg.AnalyzerID, time.Since(started), true)
		return []Diagnostic{}, nil
	case <-ctx.Done():
		s.removeWaiter(path, ch)
		return nil, ctx.Err()
	}
}

func (s *Session) removeWaiter(path string, ch chan struct{}) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	chans := s.waiters[path]
	for i, c := range chans {
		if c == ch {
			s.waiters[path] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[path]) == 0 {
		delete(s.waiters, path)
	}
}

func copyDiagnostics(diags []Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(diags))
	copy(out, diags)
	return out
}
