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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Session defaults.
const (
	DefaultDiagnosticsTimeout = 3 * time.Second
	DefaultShutdownTimeout    = 2 * time.Second

	// exitGrace is how long Shutdown waits for the killed process to be reaped.
	exitGrace = time.Second
)

// =============================================================================
// SESSION STATE
// =============================================================================

// SessionState represents the lifecycle state of an analyzer session.
type SessionState int

const (
	// StateCreated means the process is running but initialize was not sent.
	StateCreated SessionState = iota

	// StateInitializing means the initialize request is in flight.
	StateInitializing

	// StateReady means the handshake completed and documents can be synced.
	StateReady

	// StateShuttingDown means Shutdown is in progress.
	StateShuttingDown

	// StateClosed means the session released its process. Terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	names := []string{"created", "initializing", "ready", "shutting_down", "closed"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// SESSION
// =============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// AnalyzerID identifies the analyzer definition. Required.
	AnalyzerID string

	// Root is the absolute project root the analyzer serves. Required.
	Root string

	// LanguageID maps a file path to its LSP languageId. Defaults to LanguageIDForPath.
	LanguageID func(path string) string

	// InitializationOptions is sent verbatim in the initialize request.
	InitializationOptions map[string]interface{}

	// Settings answers workspace/configuration and is pushed once after the handshake.
	Settings map[string]interface{}

	// RequestTimeout bounds every correlated request. Default: 10s.
	RequestTimeout time.Duration

	// DiagnosticsTimeout bounds WaitForDiagnostics when no timeout is given. Default: 3s.
	DiagnosticsTimeout time.Duration

	// ShutdownTimeout bounds the shutdown request. Default: 2s.
	ShutdownTimeout time.Duration

	// ReadFile loads document contents. Default: os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	// Logger receives session logs. Default: slog.Default().
	Logger *slog.Logger

	// OnDiagnostics is called from the read loop after each publish is stored.
	OnDiagnostics func(path string, diagnostics []Diagnostic)

	// OnStateChange is called when the session becomes ready or closes.
	OnStateChange func(state SessionState, err error)

	// ClientName and ClientVersion are reported in clientInfo.
	ClientName    string
	ClientVersion string
}

func (c *SessionConfig) applyDefaults() {
	if c.LanguageID == nil {
		c.LanguageID = LanguageIDForPath
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.DiagnosticsTimeout <= 0 {
		c.DiagnosticsTimeout = DefaultDiagnosticsTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadFile == nil {
		c.ReadFile = os.ReadFile
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ClientName == "" {
		c.ClientName = "aleutian-analyzerhub"
	}
}

// Session is one running analyzer bound to one project root.
//
// Description:
//
//	Owns the analyzer process and its protocol connection. Tracks which
//	documents the analyzer has open, their versions, and the latest
//	diagnostics the analyzer published for each file.
//
//	Notifications for one document are serialized by that document's lock;
//	different documents and positional requests proceed concurrently.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Session struct {
	cfg    SessionConfig
	proc   Process
	conn   *Conn
	logger *slog.Logger

	stateMu      sync.RWMutex
	state        SessionState
	closeErr     error
	capabilities ServerCapabilities
	serverInfo   *ServerInfo
	closedCh     chan struct{}

	initOnce     sync.Once
	initErr      error
	shutdownOnce sync.Once
	shutdownErr  error

	docsMu sync.Mutex
	docs   map[string]*document

	diagMu      sync.Mutex
	diagnostics map[string][]Diagnostic
	waiters     map[string][]chan struct{}

	lastUsed atomic.Int64
	exited   chan struct{}
}

// NewSession wraps a spawned process.
//
// Description:
//
//	Starts the read loop and the exit watcher immediately so analyzer
//	output is drained from the first byte. The session is in StateCreated
//	until Initialize succeeds.
//
// Inputs:
//
//	cfg - Session configuration. AnalyzerID and Root must be set.
//	proc - The running analyzer process.
//
// Outputs:
//
//	*Session - The session. Never nil.
func NewSession(cfg SessionConfig, proc Process) *Session {
	cfg.applyDefaults()
	logger := cfg.Logger.With(
		slog.String("analyzer", cfg.AnalyzerID),
		slog.String("root", cfg.Root),
	)

	s := &Session{
		cfg:         cfg,
		proc:        proc,
		logger:      logger,
		state:       StateCreated,
		closedCh:    make(chan struct{}),
		docs:        make(map[string]*document),
		diagnostics: make(map[string][]Diagnostic),
		waiters:     make(map[string][]chan struct{}),
		exited:      make(chan struct{}),
	}
	s.conn = NewConn(proc.Stdout(), proc.Stdin(),
		WithHandler(sessionHandler{s: s}),
		WithRequestTimeout(cfg.RequestTimeout),
		WithConnLogger(logger),
		WithAnalyzerID(cfg.AnalyzerID),
	)
	s.touch()

	go s.readLoop()
	go s.watchExit()
	return s
}

func (s *Session) readLoop() {
	if err := s.conn.ReadLoop(context.Background()); err != nil {
		s.markClosed(err)
	}
}

func (s *Session) watchExit() {
	waitErr := s.proc.Wait()
	close(s.exited)
	if waitErr == nil {
		waitErr = errors.New("exit status 0")
	}
	cause := &TransportError{Analyzer: s.cfg.AnalyzerID, Op: "exit", Err: fmt.Errorf("analyzer process exited: %w", waitErr)}
	s.conn.Close(cause)
	s.markClosed(cause)
}

// markClosed moves the session to StateClosed once. An exit observed while
// not shutting down is reported through OnStateChange.
func (s *Session) markClosed(cause error) {
	s.stateMu.Lock()
	if s.state == StateClosed {
		s.stateMu.Unlock()
		return
	}
	prev := s.state
	s.state = StateClosed
	if prev != StateShuttingDown {
		s.closeErr = cause
	}
	close(s.closedCh)
	s.stateMu.Unlock()

	s.releaseWaiters()

	if prev != StateShuttingDown {
		s.logger.Warn("analyzer session closed unexpectedly",
			slog.String("previous_state", prev.String()),
			slog.Any("error", cause))
		if s.cfg.OnStateChange != nil {
			s.cfg.OnStateChange(StateClosed, cause)
		}
	}
}

// transition moves from one state to another, reporting false when the
// session was no longer in from.
func (s *Session) transition(from, to SessionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Initialize performs the initialize/initialized handshake.
//
// Description:
//
//	Idempotent: the handshake runs once and every caller, concurrent or
//	later, receives the same outcome.
//
// Inputs:
//
//	ctx - Bounds the initialize request.
//
// Outputs:
//
//	error - *HandshakeError on failure, nil once ready.
func (s *Session) Initialize(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
		recordSessionStart(ctx, s.cfg.AnalyzerID, s.initErr == nil)
	})
	return s.initErr
}

func (s *Session) initialize(ctx context.Context) error {
	fail := func(err error) error {
		return &HandshakeError{Analyzer: s.cfg.AnalyzerID, Root: s.cfg.Root, Err: err}
	}

	if !s.transition(StateCreated, StateInitializing) {
		return fail(s.unavailableErr())
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &ClientInfo{Name: s.cfg.ClientName, Version: s.cfg.ClientVersion},
		RootURI:               PathToURI(s.cfg.Root),
		RootPath:              s.cfg.Root,
		Capabilities:          clientCapabilities(),
		InitializationOptions: s.cfg.InitializationOptions,
		WorkspaceFolders:      s.workspaceFolders(),
	}

	raw, err := s.conn.Call(ctx, "initialize", params)
	if err != nil {
		return fail(err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}

	s.stateMu.Lock()
	s.capabilities = result.Capabilities
	s.serverInfo = result.ServerInfo
	s.stateMu.Unlock()

	if err := s.conn.Notify("initialized", struct{}{}); err != nil {
		return fail(err)
	}
	if len(s.cfg.Settings) > 0 {
		if err := s.conn.Notify("workspace/didChangeConfiguration", map[string]interface{}{"settings": s.cfg.Settings}); err != nil {
			return fail(err)
		}
	}

	if !s.transition(StateInitializing, StateReady) {
		return fail(s.unavailableErr())
	}

	attrs := []any{}
	if result.ServerInfo != nil {
		attrs = append(attrs, slog.String("server", result.ServerInfo.Name), slog.String("version", result.ServerInfo.Version))
	}
	s.logger.Info("analyzer session ready", attrs...)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(StateReady, nil)
	}
	return nil
}

// Shutdown stops the analyzer.
//
// Description:
//
//	Sends shutdown (bounded by ShutdownTimeout) and exit, both best effort,
//	then kills the process regardless of how the analyzer responded. All
//	documents, diagnostics and pending requests are released. Safe to call
//	more than once; later calls return the first result.
//
// Outputs:
//
//	error - Non-nil only if the process could not be killed.
func (s *Session) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Session) shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	prev := s.state
	if prev != StateClosed {
		s.state = StateShuttingDown
	}
	s.stateMu.Unlock()

	if prev == StateReady || prev == StateInitializing {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		if _, err := s.conn.Call(sctx, "shutdown", nil); err != nil {
			s.logger.Debug("shutdown request failed", slog.String("error", err.Error()))
		}
		cancel()
		_ = s.conn.Notify("exit", nil)
	}

	s.conn.Close(ErrSessionClosed)
	_ = s.proc.Stdin().Close()

	var killErr error
	if err := s.proc.Kill(); err != nil {
		killErr = fmt.Errorf("kill analyzer %s: %w", s.cfg.AnalyzerID, err)
	}

	select {
	case <-s.exited:
	case <-time.After(exitGrace):
		s.logger.Warn("analyzer did not exit after kill")
	}

	s.markClosed(nil)

	s.docsMu.Lock()
	s.docs = make(map[string]*document)
	s.docsMu.Unlock()

	s.diagMu.Lock()
	s.diagnostics = make(map[string][]Diagnostic)
	s.diagMu.Unlock()

	if prev != StateClosed && s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(StateClosed, nil)
	}
	s.logger.Info("analyzer session stopped")
	return killErr
}

// =============================================================================
// ACCESSORS
// =============================================================================

// AnalyzerID returns the analyzer id.
func (s *Session) AnalyzerID() string { return s.cfg.AnalyzerID }

// Root returns the project root.
func (s *Session) Root() string { return s.cfg.Root }

// Pid returns the analyzer process id.
func (s *Session) Pid() int { return s.proc.Pid() }

// State returns the current state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Err returns the cause of an unexpected close, nil otherwise.
func (s *Session) Err() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closeErr
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// Capabilities returns what the analyzer advertised during the handshake.
func (s *Session) Capabilities() ServerCapabilities {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.capabilities
}

// ServerInfo returns the analyzer's self-reported name and version, if any.
func (s *Session) ServerInfo() *ServerInfo {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.serverInfo
}

// LastUsed returns when the session last served a call.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Stats returns request outcome counters for the connection.
func (s *Session) Stats() CallStats {
	return s.conn.Stats()
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// ready returns nil when documents and queries may be sent.
func (s *Session) ready() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	switch s.state {
	case StateReady:
		return nil
	case StateShuttingDown, StateClosed:
		if s.closeErr != nil {
			return s.closeErr
		}
		return ErrSessionClosed
	default:
		return ErrNotReady
	}
}

func (s *Session) unavailableErr() error {
	if err := s.ready(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) workspaceFolders() []WorkspaceFolder {
	return []WorkspaceFolder{{URI: PathToURI(s.cfg.Root), Name: filepath.Base(s.cfg.Root)}}
}

// =============================================================================
// ANALYZER-INITIATED TRAFFIC
// =============================================================================

// sessionHandler answers analyzer requests from local state only, so the
// read loop never waits on anything but the write lock.
type sessionHandler struct {
	s *Session
}

func (h sessionHandler) HandleRequest(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "workspace/workspaceFolders":
		return h.s.workspaceFolders(), nil
	case "workspace/configuration":
		var p ConfigurationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &LSPError{Code: CodeInvalidParams, Message: err.Error()}
		}
		results := make([]interface{}, len(p.Items))
		for i, item := range p.Items {
			results[i] = lookupSection(h.s.cfg.Settings, item.Section)
		}
		return results, nil
	case "client/registerCapability",
		"client/unregisterCapability",
		"window/workDoneProgress/create",
		"window/showMessageRequest":
		return nil, nil
	default:
		h.s.logger.Debug("unhandled analyzer request", slog.String("method", method))
		return nil, &LSPError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (h sessionHandler) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			h.s.logger.Warn("undecodable diagnostics", slog.String("error", err.Error()))
			return
		}
		h.s.storeDiagnostics(URIToPath(p.URI), p.Diagnostics)
	case "window/logMessage", "window/showMessage":
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err == nil {
			h.s.logger.Debug("analyzer message",
				slog.String("method", method),
				slog.Int("type", p.Type),
				slog.String("message", p.Message))
		}
	}
}

// lookupSection resolves a dotted section name inside settings. An empty
// section returns the whole tree; a missing one returns nil.
func lookupSection(settings map[string]interface{}, section string) interface{} {
	if settings == nil {
		return nil
	}
	if section == "" {
		return settings
	}
	if v, ok := settings[section]; ok {
		return v
	}
	var cur interface{} = settings
	for _, part := range strings.Split(section, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func clientCapabilities() ClientCapabilities {
	var caps ClientCapabilities
	caps.Workspace = WorkspaceClientCapabilities{
		WorkspaceFolders:       true,
		Configuration:          true,
		DidChangeConfiguration: &DynamicRegistration{DynamicRegistration: true},
		DidChangeWatchedFiles:  &DynamicRegistration{DynamicRegistration: true},
	}
	td := &caps.TextDocument
	td.Synchronization = TextDocumentSyncClientCapabilities{DidSave: true}
	td.Completion.CompletionItem.SnippetSupport = false
	td.Hover = HoverClientCapabilities{ContentFormat: []string{"markdown", "plaintext"}}
	td.Definition = LinkSupportCapabilities{LinkSupport: true}
	td.DocumentSymbol = DocumentSymbolClientCapabilities{HierarchicalDocumentSymbolSupport: true}
	td.PublishDiagnostics = PublishDiagnosticsCapabilities{RelatedInformation: true, VersionSupport: true}
	caps.Window.WorkDoneProgress = true
	return caps
}
