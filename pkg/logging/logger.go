// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for analyzerhub.
//
// Logs go to stderr (text or JSON) so they never mix with command output on
// stdout. A log directory can be added for a JSON file per service and day:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.aleutian/logs",
//	    Service: "analyzerhub",
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Analyzer stderr is forwarded at debug level, so LevelDebug is noisy on
// purpose.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ErrUnknownLevel is returned by ParseLevel.
var ErrUnknownLevel = errors.New("unknown log level")

// ParseLevel accepts debug, info, warn/warning and error in any case.
// An empty string is LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to stderr
// as text.
type Config struct {
	Level Level

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. "~" expands to the home directory.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the console output to JSON. File output is always JSON.
	JSON bool

	// Quiet disables console output.
	Quiet bool

	// Output replaces stderr as the console writer.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers and the optional log file.
//
// Thread Safety: safe for concurrent use.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	path   string
	mu     sync.Mutex
}

// New creates a Logger. A log directory that cannot be created or opened
// is reported once on the console and otherwise ignored.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{config: config}
	var fileErr error
	if config.LogDir != "" {
		logger.file, logger.path, fileErr = openLogFile(config)
		if fileErr == nil {
			handlers = append(handlers, slog.NewJSONHandler(logger.file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(out, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	logger.slog = slog.New(handler)

	if fileErr != nil {
		logger.slog.Warn("file logging disabled", slog.String("error", fileErr.Error()))
	}
	return logger
}

func openLogFile(config Config) (*os.File, string, error) {
	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	service := config.Service
	if service == "" {
		service = "analyzerhub"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return f, path, nil
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the log file path, or "" without file logging.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync log file: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	l.file = nil
	return errors.Join(errs...)
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to every enabled handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle keeps going after a failing handler and returns the first error.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
