// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator routes file events and queries to analyzer sessions.
//
// Description:
//
//	For every file the orchestrator finds the enabled analyzers that handle
//	it, resolves each analyzer's project root, and gets or creates one
//	session per (analyzer, root). Installs, spawns and handshakes happen on
//	first use. Diagnostics are aggregated across sessions and positional
//	queries are routed to a single analyzer.
//
//	One analyzer failing never affects another: failures are collected per
//	analyzer and returned alongside partial results.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/analyzerhub/services/analyzer/events"
	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
	"github.com/AleutianAI/analyzerhub/services/analyzer/rootfind"
)

// =============================================================================
// CONFIG
// =============================================================================

const (
	// DefaultSpawnBackoff is how long a failed (analyzer, root) start is not retried.
	DefaultSpawnBackoff = 30 * time.Second

	// DefaultIdleTimeout is how long an unused session survives under StartIdleMonitor.
	DefaultIdleTimeout = 10 * time.Minute
)

// Installer makes analyzer binaries available. *install.Cache implements it.
type Installer interface {
	Resolve(ctx context.Context, def registry.AnalyzerDefinition) (string, error)
	Install(ctx context.Context, def registry.AnalyzerDefinition) (install.Record, error)
	Info() (install.Info, error)
	Clear(ctx context.Context) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	// Catalog lists the known analyzers. Required.
	Catalog *registry.Catalog

	// Installer resolves binaries. Required.
	Installer Installer

	// Spawner starts analyzer processes. Defaults to lsp.ExecSpawner.
	Spawner lsp.Spawner

	// Resolver finds project roots. Defaults to rootfind.NewResolver().
	Resolver *rootfind.Resolver

	// Events receives status and diagnostics events. Optional.
	Events *events.Emitter

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Disabled lists analyzer ids that start disabled.
	Disabled []string

	// ProjectPath anchors relative file paths. Defaults to the working directory.
	ProjectPath string

	// RequestTimeout, DiagnosticsTimeout and ShutdownTimeout are passed to sessions.
	RequestTimeout     time.Duration
	DiagnosticsTimeout time.Duration
	ShutdownTimeout    time.Duration

	// IdleTimeout is used by StartIdleMonitor. Zero disables reaping.
	IdleTimeout time.Duration

	// SpawnBackoff suppresses restarts of a failed (analyzer, root). Default 30s.
	SpawnBackoff time.Duration

	// ReadFile loads document contents. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	// ClientVersion is reported to analyzers in clientInfo.
	ClientVersion string
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type sessionKey struct {
	analyzer string
	root     string
}

// Orchestrator owns every analyzer session.
type Orchestrator struct {
	cfg       Config
	catalog   *registry.Catalog
	installer Installer
	spawner   lsp.Spawner
	resolver  *rootfind.Resolver
	events    *events.Emitter
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	sessions    map[sessionKey]*lsp.Session
	disabled    map[string]bool
	failures    map[sessionKey]time.Time
	projectPath string
	closed      bool

	startMu sync.Map // sessionKey -> *sync.Mutex for startup serialization

	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates an orchestrator. No analyzer is started until a file needs it.
//
// Errors:
//
//	Returns an error when Catalog or Installer is missing.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("orchestrator: catalog is required")
	}
	if cfg.Installer == nil {
		return nil, errors.New("orchestrator: installer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Spawner == nil {
		cfg.Spawner = lsp.ExecSpawner{Logger: cfg.Logger}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = rootfind.NewResolver(rootfind.WithLogger(cfg.Logger))
	}
	if cfg.SpawnBackoff <= 0 {
		cfg.SpawnBackoff = DefaultSpawnBackoff
	}
	if cfg.ReadFile == nil {
		cfg.ReadFile = os.ReadFile
	}

	o := &Orchestrator{
		cfg:       cfg,
		catalog:   cfg.Catalog,
		installer: cfg.Installer,
		spawner:   cfg.Spawner,
		resolver:  cfg.Resolver,
		events:    cfg.Events,
		logger:    cfg.Logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
		sessions:  make(map[sessionKey]*lsp.Session),
		disabled:  make(map[string]bool),
		failures:  make(map[sessionKey]time.Time),
		stopped:   make(chan struct{}),
	}
	for _, id := range cfg.Disabled {
		o.disabled[id] = true
	}
	o.SetProjectPath(cfg.ProjectPath)
	return o, nil
}

// SetProjectPath changes the directory relative paths resolve against.
// An empty path means the working directory.
func (o *Orchestrator) SetProjectPath(path string) {
	if path == "" {
		path, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	o.mu.Lock()
	o.projectPath = filepath.Clean(path)
	o.mu.Unlock()
}

// ProjectPath returns the directory relative paths resolve against.
func (o *Orchestrator) ProjectPath() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.projectPath
}

func (o *Orchestrator) absPath(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.ProjectPath(), path)
	}
	return lsp.CleanPath(path)
}

// applicable returns the enabled analyzers for path in catalog order.
func (o *Orchestrator) applicable(path string) []registry.AnalyzerDefinition {
	defs := o.catalog.ForFile(path)
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]registry.AnalyzerDefinition, 0, len(defs))
	for _, def := range defs {
		if !o.disabled[def.ID] {
			out = append(out, def)
		}
	}
	return out
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// session returns the ready session for (def, root), creating it if needed.
//
// Description:
//
//	Double-checked under a per-key lock so concurrent callers for the same
//	analyzer and root share one start. A failed start is remembered for
//	SpawnBackoff so a broken analyzer is not respawned on every event.
func (o *Orchestrator) session(ctx context.Context, def registry.AnalyzerDefinition, root string) (*lsp.Session, error) {
	key := sessionKey{analyzer: def.ID, root: root}
	if s := o.live(key); s != nil {
		return s, nil
	}

	lockI, _ := o.startMu.LoadOrStore(key, &sync.Mutex{})
	lock := lockI.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if s := o.live(key); s != nil {
		return s, nil
	}
	if err := o.admit(key); err != nil {
		return nil, err
	}

	s, err := o.start(ctx, def, root)
	if err != nil {
		if ctx.Err() == nil {
			o.mu.Lock()
			o.failures[key] = o.now().Add(o.cfg.SpawnBackoff)
			o.mu.Unlock()
		}
		return nil, err
	}

	o.mu.Lock()
	if o.closed || o.disabled[def.ID] {
		o.mu.Unlock()
		o.stop(s)
		if o.closed {
			return nil, ErrShuttingDown
		}
		return nil, fmt.Errorf("%w: %s", ErrAnalyzerDisabled, def.ID)
	}
	o.sessions[key] = s
	delete(o.failures, key)
	o.mu.Unlock()

	recordSessionDelta(ctx, def.ID, 1)
	o.emitStatus(def.ID, root, events.StatusReady, s.Pid(), nil)
	return s, nil
}

// live returns the registered session for key if it can take requests.
func (o *Orchestrator) live(key sessionKey) *lsp.Session {
	o.mu.RLock()
	s := o.sessions[key]
	o.mu.RUnlock()
	if s != nil && s.State() == lsp.StateReady {
		return s
	}
	return nil
}

// admit checks whether a new session for key may be started.
func (o *Orchestrator) admit(key sessionKey) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShuttingDown
	}
	if o.disabled[key.analyzer] {
		return fmt.Errorf("%w: %s", ErrAnalyzerDisabled, key.analyzer)
	}
	if until, ok := o.failures[key]; ok {
		if o.now().Before(until) {
			return &lsp.SpawnError{
				Analyzer: key.analyzer,
				Err:      fmt.Errorf("%w: root %s, retry after %s", ErrSpawnBackoff, key.root, until.Format(time.RFC3339)),
			}
		}
		delete(o.failures, key)
	}
	// A closed session left in the map is replaced.
	if s, ok := o.sessions[key]; ok && s.State() == lsp.StateClosed {
		delete(o.sessions, key)
	}
	return nil
}

// start installs if needed, spawns and handshakes one analyzer.
func (o *Orchestrator) start(ctx context.Context, def registry.AnalyzerDefinition, root string) (*lsp.Session, error) {
	key := sessionKey{analyzer: def.ID, root: root}
	o.emitStatus(def.ID, root, events.StatusStarting, 0, nil)

	bin, err := o.installer.Resolve(ctx, def)
	if err != nil {
		o.emitStatus(def.ID, root, events.StatusFailed, 0, err)
		return nil, err
	}

	proc, err := o.spawner.Spawn(ctx, lsp.SpawnSpec{
		Analyzer: def.ID,
		Command:  bin,
		Args:     def.Args,
		Dir:      root,
		Env:      def.Env,
	})
	if err != nil {
		var se *lsp.SpawnError
		if !errors.As(err, &se) {
			err = &lsp.SpawnError{Analyzer: def.ID, Command: bin, Err: err}
		}
		o.emitStatus(def.ID, root, events.StatusFailed, 0, err)
		return nil, err
	}

	var holder atomic.Pointer[lsp.Session]
	s := lsp.NewSession(lsp.SessionConfig{
		AnalyzerID:            def.ID,
		Root:                  root,
		LanguageID:            def.LanguageID,
		InitializationOptions: def.InitializationOptions,
		Settings:              def.Settings,
		RequestTimeout:        o.cfg.RequestTimeout,
		DiagnosticsTimeout:    o.cfg.DiagnosticsTimeout,
		ShutdownTimeout:       o.cfg.ShutdownTimeout,
		ReadFile:              o.cfg.ReadFile,
		Logger:                o.cfg.Logger,
		ClientVersion:         o.cfg.ClientVersion,
		OnDiagnostics: func(path string, diags []lsp.Diagnostic) {
			o.emitDiagnostics(def.ID, root, path, diags)
		},
		OnStateChange: func(state lsp.SessionState, err error) {
			if state == lsp.StateClosed {
				o.sessionClosed(key, holder.Load(), err)
			}
		},
	}, proc)
	holder.Store(s)

	if err := s.Initialize(ctx); err != nil {
		o.stop(s)
		o.emitStatus(def.ID, root, events.StatusFailed, 0, err)
		return nil, err
	}

	o.logger.Info("analyzer session ready",
		slog.String("analyzer", def.ID),
		slog.String("root", root),
		slog.Int("pid", s.Pid()))
	return s, nil
}

// sessionClosed runs when a session reaches StateClosed. Only sessions still
// registered are handled here; the orchestrator unregisters a session before
// stopping it deliberately.
func (o *Orchestrator) sessionClosed(key sessionKey, s *lsp.Session, cause error) {
	if s == nil {
		return
	}
	o.mu.Lock()
	registered := o.sessions[key] == s
	if registered {
		delete(o.sessions, key)
	}
	o.mu.Unlock()
	if !registered {
		return
	}

	recordSessionDelta(context.Background(), key.analyzer, -1)
	if cause != nil {
		o.logger.Warn("analyzer session lost",
			slog.String("analyzer", key.analyzer),
			slog.String("root", key.root),
			slog.String("error", cause.Error()))
		o.emitStatus(key.analyzer, key.root, events.StatusFailed, 0, cause)
		return
	}
	o.emitStatus(key.analyzer, key.root, events.StatusStopped, 0, nil)
}

// stop shuts a session down with its own deadline.
func (o *Orchestrator) stop(s *lsp.Session) error {
	timeout := o.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = lsp.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// detach unregisters every session matching match and returns them.
func (o *Orchestrator) detach(match func(sessionKey) bool) map[sessionKey]*lsp.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[sessionKey]*lsp.Session)
	for key, s := range o.sessions {
		if match(key) {
			out[key] = s
			delete(o.sessions, key)
		}
	}
	return out
}

// destroy shuts down detached sessions concurrently and joins their errors.
func (o *Orchestrator) destroy(ctx context.Context, victims map[sessionKey]*lsp.Session) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for key, s := range victims {
		key, s := key, s
		g.Go(func() error {
			err := s.Shutdown(ctx)
			recordSessionDelta(ctx, key.analyzer, -1)
			o.emitStatus(key.analyzer, key.root, events.StatusStopped, 0, err)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s at %s: %w", key.analyzer, key.root, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// snapshot returns registered sessions sorted by catalog order, then root.
func (o *Orchestrator) snapshot() []keyedSession {
	o.mu.RLock()
	out := make([]keyedSession, 0, len(o.sessions))
	for key, s := range o.sessions {
		out = append(out, keyedSession{key: key, s: s})
	}
	o.mu.RUnlock()

	order := make(map[string]int)
	for i, id := range o.catalog.IDs() {
		order[id] = i
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if order[a.analyzer] != order[b.analyzer] {
			return order[a.analyzer] < order[b.analyzer]
		}
		return a.root < b.root
	})
	return out
}

type keyedSession struct {
	key sessionKey
	s   *lsp.Session
}

// =============================================================================
// MANAGEMENT
// =============================================================================

// SetServerEnabled enables or disables an analyzer.
//
// Description:
//
//	Disabling shuts down every session of the analyzer across all roots,
//	which drops their diagnostics. Enabling only makes the analyzer
//	eligible again; nothing is started until a file needs it.
//
// Errors:
//
//	registry.ErrUnknownAnalyzer for an unknown id, or the joined shutdown
//	errors of the destroyed sessions.
func (o *Orchestrator) SetServerEnabled(ctx context.Context, id string, enabled bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	if _, err := o.catalog.Lookup(id); err != nil {
		return err
	}

	o.mu.Lock()
	if enabled {
		delete(o.disabled, id)
		for key := range o.failures {
			if key.analyzer == id {
				delete(o.failures, key)
			}
		}
	} else {
		o.disabled[id] = true
	}
	o.mu.Unlock()

	o.logger.Info("analyzer enablement changed",
		slog.String("analyzer", id),
		slog.Bool("enabled", enabled))
	if enabled {
		return nil
	}
	return o.destroy(ctx, o.detach(func(k sessionKey) bool { return k.analyzer == id }))
}

// IsEnabled reports whether id is enabled.
func (o *Orchestrator) IsEnabled(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.disabled[id]
}

// InstallServer installs an analyzer even if a binary is already present
// and clears any start backoff for it.
func (o *Orchestrator) InstallServer(ctx context.Context, id string) (install.Record, error) {
	if ctx == nil {
		return install.Record{}, ErrNilContext
	}
	def, err := o.catalog.Lookup(id)
	if err != nil {
		return install.Record{}, err
	}
	rec, err := o.installer.Install(ctx, def)
	if err != nil {
		return install.Record{}, err
	}
	o.mu.Lock()
	for key := range o.failures {
		if key.analyzer == id {
			delete(o.failures, key)
		}
	}
	o.mu.Unlock()
	return rec, nil
}

// CacheInfo describes the install cache.
func (o *Orchestrator) CacheInfo() (install.Info, error) {
	return o.installer.Info()
}

// ClearCache removes installed analyzers. Running sessions keep their
// already loaded binaries.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return o.installer.Clear(ctx)
}

// ShutdownAll destroys every session and refuses new ones.
//
// Description:
//
//	Shutdowns run concurrently. A failing shutdown does not stop the
//	others; all failures are joined into the returned error. Multiple
//	calls are safe.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	o.stopOnce.Do(func() { close(o.stopped) })

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	victims := o.detach(func(sessionKey) bool { return true })
	if len(victims) > 0 {
		o.logger.Info("shutting down analyzer sessions", slog.Int("count", len(victims)))
	}
	return o.destroy(ctx, victims)
}

// SessionInfo describes one live session.
type SessionInfo struct {
	Analyzer      string    `json:"analyzer"`
	Root          string    `json:"root"`
	State         string    `json:"state"`
	Pid           int       `json:"pid"`
	Server        string    `json:"server,omitempty"`
	OpenDocuments int       `json:"open_documents"`
	LastUsed      time.Time `json:"last_used"`
}

func describe(key sessionKey, s *lsp.Session) SessionInfo {
	info := SessionInfo{
		Analyzer:      key.analyzer,
		Root:          key.root,
		State:         s.State().String(),
		Pid:           s.Pid(),
		OpenDocuments: len(s.OpenDocuments()),
		LastUsed:      s.LastUsed(),
	}
	if si := s.ServerInfo(); si != nil {
		info.Server = si.Name
		if si.Version != "" {
			info.Server += " " + si.Version
		}
	}
	return info
}

// Sessions lists live sessions in catalog order.
func (o *Orchestrator) Sessions() []SessionInfo {
	snap := o.snapshot()
	out := make([]SessionInfo, 0, len(snap))
	for _, ks := range snap {
		out = append(out, describe(ks.key, ks.s))
	}
	return out
}

// AnalyzerInfo describes a catalog entry and its runtime state.
type AnalyzerInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Extensions  []string `json:"extensions"`
	Installable bool     `json:"installable"`
	Enabled     bool     `json:"enabled"`
	Sessions    int      `json:"sessions"`
}

// Analyzers lists every catalog entry in catalog order.
func (o *Orchestrator) Analyzers() []AnalyzerInfo {
	o.mu.RLock()
	counts := make(map[string]int)
	for key := range o.sessions {
		counts[key.analyzer]++
	}
	disabled := make(map[string]bool, len(o.disabled))
	for id, v := range o.disabled {
		disabled[id] = v
	}
	o.mu.RUnlock()

	defs := o.catalog.All()
	out := make([]AnalyzerInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, AnalyzerInfo{
			ID:          def.ID,
			Name:        def.Name,
			Extensions:  def.Extensions,
			Installable: def.Installable,
			Enabled:     !disabled[def.ID],
			Sessions:    counts[def.ID],
		})
	}
	return out
}

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor starts the idle session cleanup goroutine.
//
// Description:
//
//	Checks at half the idle timeout (at least once a second) and shuts
//	down sessions unused for longer than IdleTimeout. Stops when ctx ends
//	or ShutdownAll runs. Does nothing if IdleTimeout is zero.
func (o *Orchestrator) StartIdleMonitor(ctx context.Context) {
	if o.cfg.IdleTimeout <= 0 {
		return
	}
	interval := o.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopped:
				return
			case <-ticker.C:
				o.reapIdle(ctx, o.now())
			}
		}
	}()
}

// reapIdle shuts down sessions idle since before now-IdleTimeout and returns
// how many were stopped.
func (o *Orchestrator) reapIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-o.cfg.IdleTimeout)
	var idle []sessionKey
	for _, ks := range o.snapshot() {
		if ks.s.LastUsed().Before(cutoff) {
			idle = append(idle, ks.key)
		}
	}
	if len(idle) == 0 {
		return 0
	}
	victims := o.detach(func(k sessionKey) bool {
		for _, key := range idle {
			if key == k {
				return true
			}
		}
		return false
	})
	for key := range victims {
		o.logger.Info("shutting down idle analyzer session",
			slog.String("analyzer", key.analyzer),
			slog.String("root", key.root),
			slog.Duration("idle_timeout", o.cfg.IdleTimeout))
	}
	if err := o.destroy(ctx, victims); err != nil {
		o.logger.Warn("idle shutdown failed", slog.String("error", err.Error()))
	}
	return len(victims)
}

// =============================================================================
// EVENTS
// =============================================================================

func (o *Orchestrator) emitStatus(analyzer, root string, status events.Status, pid int, err error) {
	if o.events == nil {
		return
	}
	data := &events.StatusData{Analyzer: analyzer, Root: root, Status: status, Pid: pid}
	if err != nil {
		data.Error = err.Error()
	}
	o.events.Emit(analyzer, events.TypeAnalyzerStatus, data)
}

func (o *Orchestrator) emitDiagnostics(analyzer, root, path string, diags []lsp.Diagnostic) {
	if o.events == nil {
		return
	}
	o.events.Emit(analyzer, events.TypeDiagnosticsUpdated, &events.DiagnosticsData{
		Analyzer:    analyzer,
		Root:        root,
		Path:        path,
		Diagnostics: diags,
	})
}

// InstallObserver returns an install.Observer that reports install phases
// on em as analyzer status events.
func InstallObserver(em *events.Emitter) install.Observer {
	return func(analyzer string, phase install.Phase, err error) {
		status := events.StatusInstalling
		switch phase {
		case install.PhaseInstalled:
			status = events.StatusInstalled
		case install.PhaseFailed:
			status = events.StatusFailed
		}
		data := &events.StatusData{Analyzer: analyzer, Status: status}
		if err != nil {
			data.Error = err.Error()
		}
		em.Emit(analyzer, events.TypeAnalyzerStatus, data)
	}
}
