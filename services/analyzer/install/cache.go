// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package install makes analyzer binaries available locally.
//
// Resolution order for an analyzer is the private cache, then the host
// PATH, then an install through the analyzer's strategy. Installs for one
// analyzer are serialized and deduplicated; failures are remembered with
// exponential backoff so a broken installer is not rerun on every file
// event.
package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

const (
	// DefaultBackoffBase is the delay after the first failed install.
	DefaultBackoffBase = 30 * time.Second

	// DefaultBackoffMax caps the delay between install attempts.
	DefaultBackoffMax = 30 * time.Minute

	// DefaultInstallTimeout bounds a shared install once it no longer
	// follows any caller's context.
	DefaultInstallTimeout = 10 * time.Minute
)

// Phase is a step in an install, reported to an Observer.
type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseFailed     Phase = "failed"
)

// Observer is notified as installs start and finish.
type Observer func(analyzer string, phase Phase, err error)

// Info summarizes the cache contents.
type Info struct {
	Dir       string   `json:"dir"`
	SizeBytes int64    `json:"size_bytes"`
	Records   []Record `json:"records"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore sets the record store. Defaults to a MemoryStore.
func WithStore(s RecordStore) Option {
	return func(c *Cache) { c.store = s }
}

// WithRunner sets the command runner used by package installers.
func WithRunner(r CommandRunner) Option {
	return func(c *Cache) { c.runner = r }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Cache) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithLookPath replaces exec.LookPath for the host PATH step.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Cache) { c.lookPath = fn }
}

// WithBackoff sets the base and maximum install backoff.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Cache) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// WithInstallTimeout bounds each shared install. Default 10m.
func WithInstallTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithPlatform overrides the GOOS/GOARCH used to pick download assets.
func WithPlatform(goos, goarch string) Option {
	return func(c *Cache) {
		c.goos = goos
		c.goarch = goarch
	}
}

// WithObserver registers a callback for install phases.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

type failure struct {
	count   int
	retryAt time.Time
	err     error
}

// Cache resolves and installs analyzer binaries under a private directory.
//
// Thread Safety:
//
//	Safe for concurrent use. Installs of one analyzer are serialized by a
//	per-analyzer lock and concurrent resolutions share one install through
//	singleflight. Clear waits for in-flight installs.
type Cache struct {
	dir         string
	store       RecordStore
	runner      CommandRunner
	httpClient  *http.Client
	logger      *slog.Logger
	lookPath    func(string) (string, error)
	now         func() time.Time
	goos        string
	goarch      string
	backoffBase time.Duration
	backoffMax  time.Duration
	timeout     time.Duration
	observer    Observer

	clearMu sync.RWMutex
	locks   sync.Map // analyzer id -> *sync.Mutex
	flight  singleflight.Group

	failMu   sync.Mutex
	failures map[string]*failure
}

// NewCache creates a cache rooted at dir, creating the directory if needed.
func NewCache(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("install cache directory is required")
	}
	c := &Cache{
		dir:         filepath.Clean(dir),
		httpClient:  &http.Client{},
		lookPath:    exec.LookPath,
		now:         time.Now,
		goos:        runtime.GOOS,
		goarch:      runtime.GOARCH,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		timeout:     DefaultInstallTimeout,
		failures:    make(map[string]*failure),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "install"))
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.runner == nil {
		c.runner = ExecRunner{Logger: c.logger}
	}
	if c.backoffMax < c.backoffBase {
		c.backoffMax = c.backoffBase
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create install cache %s: %w", c.dir, err)
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Resolve returns an executable path for def's command.
//
// Description:
//
//	Tries the private cache, then the host PATH, then installs when the
//	definition is installable. Concurrent calls for one analyzer share a
//	single install. The shared install is detached from every caller's
//	cancellation and bounded by the install timeout instead; a caller
//	whose ctx ends stops waiting while the install carries on for the
//	others. A failed install is reported to the calls that triggered it;
//	later calls inside the backoff window fail fast.
//
// Errors:
//
//	Returns a *lsp.SpawnError wrapping ErrNotInstallable, a *BackoffError,
//	or the installer failure.
func (c *Cache) Resolve(ctx context.Context, def registry.AnalyzerDefinition) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	c.clearMu.RLock()
	p, ok := c.lookupCached(def)
	c.clearMu.RUnlock()
	if ok {
		recordResolve(ctx, def.ID, "cache")
		return p, nil
	}
	if p, err := c.lookPath(def.Command); err == nil {
		recordResolve(ctx, def.ID, "path")
		return p, nil
	}
	if !def.Installable {
		return "", c.spawnError(def, ErrNotInstallable)
	}
	if be := c.backoff(def.ID); be != nil {
		recordResolve(ctx, def.ID, "backoff")
		return "", c.spawnError(def, be)
	}

	ch := c.flight.DoChan(def.ID, func() (interface{}, error) {
		ictx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), c.timeout, ErrInstallTimeout)
		defer cancel()
		c.clearMu.RLock()
		defer c.clearMu.RUnlock()
		return c.installLocked(ictx, def, false)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", c.spawnError(def, res.Err)
		}
		recordResolve(ctx, def.ID, "install")
		return res.Val.(Record).BinaryPath, nil
	case <-ctx.Done():
		recordResolve(ctx, def.ID, "abandoned")
		return "", c.spawnError(def, ctx.Err())
	}
}

// Install installs def even if a binary is already present, ignoring any
// backoff window.
func (c *Cache) Install(ctx context.Context, def registry.AnalyzerDefinition) (Record, error) {
	if ctx == nil {
		return Record{}, ErrNilContext
	}
	if !def.Installable {
		return Record{}, c.spawnError(def, ErrNotInstallable)
	}
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	rec, err := c.installLocked(ctx, def, true)
	if err != nil {
		return Record{}, c.spawnError(def, err)
	}
	return rec, nil
}

// Info reports the cache directory, its size on disk and the install records.
func (c *Cache) Info() (Info, error) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	records, err := c.store.List()
	if err != nil {
		return Info{}, fmt.Errorf("list install records: %w", err)
	}
	size, err := dirSize(c.dir)
	if err != nil {
		return Info{}, err
	}
	return Info{Dir: c.dir, SizeBytes: size, Records: records}, nil
}

// Clear removes every installed binary, every record and all backoff state.
// It waits for in-flight installs to finish.
func (c *Cache) Clear(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("remove install cache: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("recreate install cache: %w", err)
	}
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("clear install records: %w", err)
	}

	c.failMu.Lock()
	c.failures = make(map[string]*failure)
	c.failMu.Unlock()

	c.logger.Info("install cache cleared", slog.String("dir", c.dir))
	return nil
}

// installLocked runs under the analyzer's lock. Unless forced it rechecks
// the cache and the backoff window, since another caller may have finished
// while this one waited.
func (c *Cache) installLocked(ctx context.Context, def registry.AnalyzerDefinition, force bool) (Record, error) {
	mu := c.lockFor(def.ID)
	mu.Lock()
	defer mu.Unlock()

	if !force {
		if p, ok := c.lookupCached(def); ok {
			return Record{Analyzer: def.ID, Kind: def.Install.Kind, BinaryPath: p}, nil
		}
		if be := c.backoff(def.ID); be != nil {
			return Record{}, be
		}
	}

	rec, err := c.install(ctx, def)
	if err != nil {
		// An install cut short by its caller says nothing about the
		// analyzer. Only the cache's own install timeout counts.
		if !interrupted(ctx) {
			c.recordFailure(def.ID, err)
		}
		return Record{}, err
	}
	c.clearFailure(def.ID)
	return rec, nil
}

func (c *Cache) install(ctx context.Context, def registry.AnalyzerDefinition) (Record, error) {
	kind := string(def.Install.Kind)
	inst, err := c.installerFor(def.Install.Kind)
	if err != nil {
		return Record{}, err
	}

	c.notify(def.ID, PhaseInstalling, nil)
	c.logger.Info("installing analyzer",
		slog.String("analyzer", def.ID),
		slog.String("kind", kind),
		slog.String("package", def.Install.Package))

	ctx, span := startInstallSpan(ctx, def.ID, kind)
	defer span.End()
	start := c.now()

	dest := filepath.Join(c.dir, def.ID)
	bin, err := c.prepareAndRun(ctx, inst, def, dest)
	recordInstall(ctx, def.ID, kind, c.now().Sub(start), err == nil)
	if err != nil {
		span.RecordError(err)
		c.notify(def.ID, PhaseFailed, err)
		c.logger.Warn("analyzer install failed",
			slog.String("analyzer", def.ID),
			slog.String("error", err.Error()))
		return Record{}, err
	}

	rec := Record{
		Analyzer:    def.ID,
		Kind:        def.Install.Kind,
		BinaryPath:  bin,
		Version:     def.Install.Version,
		InstalledAt: c.now().UTC(),
	}
	if err := c.store.Put(rec); err != nil {
		c.logger.Warn("failed to persist install record",
			slog.String("analyzer", def.ID),
			slog.String("error", err.Error()))
	}
	c.notify(def.ID, PhaseInstalled, nil)
	c.logger.Info("analyzer installed",
		slog.String("analyzer", def.ID),
		slog.String("binary", bin))
	return rec, nil
}

func (c *Cache) prepareAndRun(ctx context.Context, inst installer, def registry.AnalyzerDefinition, dest string) (string, error) {
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("reset %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	bin, err := inst(ctx, def, dest)
	if err != nil {
		return "", err
	}
	if !isExecutable(bin) {
		return "", fmt.Errorf("%w: %s", ErrBinaryMissing, bin)
	}
	return bin, nil
}

// lookupCached finds a usable binary from a previous install. A record
// older than the definition's pinned version does not count.
func (c *Cache) lookupCached(def registry.AnalyzerDefinition) (string, bool) {
	rec, ok, err := c.store.Get(def.ID)
	if err != nil {
		c.logger.Warn("install record lookup failed",
			slog.String("analyzer", def.ID),
			slog.String("error", err.Error()))
	}
	if ok {
		if stalePin(rec.Version, def.Install.Version) {
			return "", false
		}
		if isExecutable(rec.BinaryPath) {
			return rec.BinaryPath, true
		}
	}
	if def.Install.Version != "" && !ok {
		// Without a record the version on disk is unknown.
		return "", false
	}
	for _, p := range candidatePaths(def, filepath.Join(c.dir, def.ID)) {
		if isExecutable(p) {
			return p, true
		}
	}
	return "", false
}

func (c *Cache) lockFor(id string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Cache) backoff(id string) *BackoffError {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	f, ok := c.failures[id]
	if !ok || !c.now().Before(f.retryAt) {
		return nil
	}
	return &BackoffError{Analyzer: id, Failures: f.count, RetryAt: f.retryAt, Last: f.err}
}

func (c *Cache) recordFailure(id string, err error) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	f, ok := c.failures[id]
	if !ok {
		f = &failure{}
		c.failures[id] = f
	}
	f.count++
	f.err = err
	f.retryAt = c.now().Add(backoffDelay(c.backoffBase, c.backoffMax, f.count))
}

func (c *Cache) clearFailure(id string) {
	c.failMu.Lock()
	delete(c.failures, id)
	c.failMu.Unlock()
}

func (c *Cache) notify(id string, phase Phase, err error) {
	if c.observer != nil {
		c.observer(id, phase, err)
	}
}

func (c *Cache) spawnError(def registry.AnalyzerDefinition, err error) error {
	var se *lsp.SpawnError
	if errors.As(err, &se) {
		return err
	}
	return &lsp.SpawnError{Analyzer: def.ID, Command: def.Command, Err: err}
}

// backoffDelay doubles base for every failure after the first, capped at max.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// stalePin reports whether an install of version have is older than pin.
// Versions that are not semver are compared for equality.
func stalePin(have, pin string) bool {
	if pin == "" {
		return false
	}
	p := canonicalVersion(pin)
	if !semver.IsValid(p) {
		return have != pin
	}
	h := canonicalVersion(have)
	if !semver.IsValid(h) {
		return true
	}
	return semver.Compare(h, p) < 0
}

func canonicalVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// interrupted reports whether ctx ended for a reason other than the install
// timeout. Installer processes killed by ctx do not surface ctx.Err(), so
// the context is checked rather than the error.
func interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(ctx), ErrInstallTimeout)
}
