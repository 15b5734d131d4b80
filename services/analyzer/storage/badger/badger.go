// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB used for persistent analyzer
// state (install records) and offers small JSON key-value helpers on top.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by GetJSON when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns settings for an on-disk store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for a throwaway store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is an open database plus its background GC loop.
//
// Thread Safety:
//
//	Safe for concurrent use.
type DB struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by cfg.
//
// Errors:
//
//	Returns an error when Path is empty for an on-disk store, the directory
//	cannot be created, or BadgerDB refuses to open (for example when
//	another process holds the directory lock).
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{db: bdb, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, ratio)
	}
	return db, nil
}

// OpenInMemory opens an in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect.
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// =============================================================================
// JSON HELPERS
// =============================================================================

// PutJSON stores v under key.
func (d *DB) PutJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// GetJSON decodes the value under key into v. Returns ErrNotFound when absent.
func (d *DB) GetJSON(key string, v interface{}) error {
	return d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan calls fn with every key under prefix and its raw JSON value, in key order.
func (d *DB) Scan(prefix string, fn func(key string, value []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix removes every key under prefix.
func (d *DB) DeletePrefix(prefix string) error {
	return d.db.DropPrefix([]byte(prefix))
}
