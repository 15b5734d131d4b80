// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch feeds filesystem changes under a project into the
// orchestrator so open documents stay in sync with disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change seen on disk.
type Op int

const (
	// OpWrite covers creates and writes.
	OpWrite Op = iota

	// OpRemove covers removes and renames away.
	OpRemove
)

// String returns the string representation of the operation.
func (op Op) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one debounced change.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Sink receives document lifecycle notifications. The orchestrator
// satisfies it.
type Sink interface {
	FileChanged(ctx context.Context, path string, content []byte) error
	FileSaved(ctx context.Context, path string) error
	FileClosed(ctx context.Context, path string) error
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait for more changes before flushing.
	// Default: 100ms
	Debounce time.Duration

	// Ignore holds doublestar patterns matched against the path relative
	// to the root and against each path element.
	Ignore []string

	// BufferSize is the size of the change channel.
	// Default: 1000
	BufferSize int

	// MaxFileSize skips files larger than this when forwarding content.
	// Default: 4 MiB
	MaxFileSize int64

	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:    100 * time.Millisecond,
		Ignore:      []string{".git", "node_modules", ".idea", "*.swp", "*.tmp", "*~", "__pycache__", "target", ".venv"},
		BufferSize:  1000,
		MaxFileSize: 4 << 20,
	}
}

// Watcher forwards debounced filesystem changes to a Sink.
//
// Description:
//
//	Watches root recursively. Writes and creates become FileChanged with
//	the new content followed by FileSaved. Removes and renames become
//	FileClosed. Changes to the same path within the debounce window are
//	collapsed to the last one.
//
// Thread Safety:
//
//	Safe for concurrent use. The sink is called from a single goroutine.
type Watcher struct {
	root    string
	sink    Sink
	opts    Options
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	changes  chan Change
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
	dropped  int64
}

// New creates a watcher for root. Call Start to begin watching.
//
// Inputs:
//
//	root - Directory to watch recursively.
//	sink - Receives document notifications. Must not be nil.
//	opts - Nil uses DefaultOptions.
//
// Outputs:
//
//	*Watcher - Ready to Start.
//	error - If sink is nil or fsnotify could not be initialized.
func New(root string, sink Sink, opts *Options) (*Watcher, error) {
	if sink == nil {
		return nil, errors.New("watch: sink is required")
	}
	o := DefaultOptions()
	if opts != nil {
		if opts.Debounce > 0 {
			o.Debounce = opts.Debounce
		}
		if opts.Ignore != nil {
			o.Ignore = opts.Ignore
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
		if opts.MaxFileSize > 0 {
			o.MaxFileSize = opts.MaxFileSize
		}
		o.Logger = opts.Logger
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    filepath.Clean(abs),
		sink:    sink,
		opts:    o,
		logger:  logger.With(slog.String("component", "watch")),
		watcher: fw,
		changes: make(chan Change, o.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the directory tree and starts the event and debounce
// goroutines. Calling Start twice is a no-op. Subdirectories that cannot be
// watched are logged and skipped; Start fails only when the root itself
// cannot be watched, and the watcher may then be started again.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("watch: nil context")
	}
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching project", slog.String("root", w.root))
	return nil
}

// Stop stops watching and waits for the goroutines to exit. Pending
// changes are flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether Start has run and Stop has not.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// Dropped returns how many raw events were discarded on a full buffer.
func (w *Watcher) Dropped() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dropped
}

// addRecursive watches root and every directory below it that is not
// ignored. Only a failure on root itself is returned.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("skipping unreadable path",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("skipping directory that cannot be watched",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return filepath.SkipDir
		}
		return nil
	})
}

// shouldIgnore matches every pattern against each path element below the
// root and against the whole relative path.
func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	for _, pattern := range w.opts.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		for _, part := range parts {
			if ok, _ := doublestar.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if isDir(event.Name) {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()))
					}
					continue
				}
			}

			op, ok := convertOp(event.Op)
			if !ok {
				continue
			}
			select {
			case w.changes <- Change{Path: filepath.Clean(event.Name), Op: op, Time: time.Now()}:
			default:
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// convertOp maps fsnotify ops. Chmod alone is not a content change.
func convertOp(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpRemove, true
	case op.Has(fsnotify.Create), op.Has(fsnotify.Write):
		return OpWrite, true
	default:
		return 0, false
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var (
		batch  []Change
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func() {
		if len(batch) > 0 {
			w.dispatch(ctx, collapse(batch))
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// collapse keeps the last change per path, in first-seen order.
func collapse(changes []Change) []Change {
	seen := make(map[string]int)
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if idx, ok := seen[c.Path]; ok {
			out[idx] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}

func (w *Watcher) dispatch(ctx context.Context, changes []Change) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	for _, c := range changes {
		var err error
		switch c.Op {
		case OpWrite:
			err = w.forwardWrite(ctx, c.Path)
		case OpRemove:
			err = w.sink.FileClosed(ctx, c.Path)
		}
		if err != nil {
			w.logger.Warn("failed to forward file change",
				slog.String("path", c.Path),
				slog.String("op", c.Op.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) forwardWrite(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return w.sink.FileClosed(ctx, path)
		}
		return err
	}
	if info.IsDir() || info.Size() > w.opts.MaxFileSize {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := w.sink.FileChanged(ctx, path, content); err != nil {
		return err
	}
	return w.sink.FileSaved(ctx, path)
}
