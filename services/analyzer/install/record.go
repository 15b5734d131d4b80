// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
	store "github.com/AleutianAI/analyzerhub/services/analyzer/storage/badger"
)

const recordPrefix = "install/"

// Record describes one completed install.
type Record struct {
	Analyzer    string               `json:"analyzer"`
	Kind        registry.InstallKind `json:"kind"`
	BinaryPath  string               `json:"binary_path"`
	Version     string               `json:"version,omitempty"`
	InstalledAt time.Time            `json:"installed_at"`
}

// RecordStore persists install records.
type RecordStore interface {
	Get(analyzer string) (Record, bool, error)
	Put(rec Record) error
	Delete(analyzer string) error
	List() ([]Record, error)
	Clear() error
}

// BadgerStore keeps records in BadgerDB under "install/<id>".
type BadgerStore struct {
	db *store.DB
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *store.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Get(analyzer string) (Record, bool, error) {
	var rec Record
	err := s.db.GetJSON(recordPrefix+analyzer, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read install record %s: %w", analyzer, err)
	}
	return rec, true, nil
}

func (s *BadgerStore) Put(rec Record) error {
	return s.db.PutJSON(recordPrefix+rec.Analyzer, rec)
}

func (s *BadgerStore) Delete(analyzer string) error {
	return s.db.Delete(recordPrefix + analyzer)
}

// List returns records ordered by analyzer id.
func (s *BadgerStore) List() ([]Record, error) {
	var out []Record
	err := s.db.Scan(recordPrefix, func(key string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BadgerStore) Clear() error {
	return s.db.DeletePrefix(recordPrefix)
}

// MemoryStore is a RecordStore for processes that cannot take the database lock.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(analyzer string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[analyzer]
	return rec, ok, nil
}

func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Analyzer] = rec
	return nil
}

func (s *MemoryStore) Delete(analyzer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, analyzer)
	return nil
}

func (s *MemoryStore) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Analyzer < out[j].Analyzer })
	return out, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	return nil
}
