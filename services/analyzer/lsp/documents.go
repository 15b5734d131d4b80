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
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// document is the per-path sync state. mu is held while a notification for
// the path is written, which keeps per-path notifications in issue order.
//
// version survives CloseDocument as a watermark so a reopened document
// continues from a higher number.
//
// closed is set from didClose until the next didOpen. The read loop checks
// it without taking mu, since mu can be held across a blocked write.
type document struct {
	mu         sync.Mutex
	closed     atomic.Bool
	open       bool
	version    int
	languageID string
}

// CleanPath returns the absolute, cleaned form used as the document key.
func CleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (s *Session) document(path string) *document {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		doc = &document{}
		s.docs[path] = doc
	}
	return doc
}

// OpenDocument sends didOpen with the file's current contents.
//
// Description:
//
//	No-op if the document is already open. The file is read through the
//	configured ReadFile.
//
// Errors:
//
//	ErrNotReady or the close cause if the session cannot accept documents,
//	a read error, or a *TransportError from the write.
func (s *Session) OpenDocument(ctx context.Context, path string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := s.ready(); err != nil {
		return err
	}
	s.touch()

	path = CleanPath(path)
	doc := s.document(path)
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.open {
		return nil
	}

	content, err := s.cfg.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return s.openLocked(path, doc, content)
}

func (s *Session) openLocked(path string, doc *document, content []byte) error {
	version := doc.version + 1
	languageID := s.cfg.LanguageID(path)
	wasClosed := doc.closed.Swap(false)
	err := s.conn.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        PathToURI(path),
			LanguageID: languageID,
			Version:    version,
			Text:       string(content),
		},
	})
	doc.version = version
	if err != nil {
		doc.closed.Store(wasClosed)
		return err
	}
	doc.open = true
	doc.languageID = languageID
	return nil
}

// ChangeDocument replaces the document text.
//
// Description:
//
//	An untracked document is opened with content instead. Otherwise the
//	version is incremented and one whole-document change is sent.
func (s *Session) ChangeDocument(ctx context.Context, path string, content []byte) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := s.ready(); err != nil {
		return err
	}
	s.touch()

	path = CleanPath(path)
	doc := s.document(path)
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if !doc.open {
		return s.openLocked(path, doc, content)
	}

	doc.version++
	return s.conn.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: PathToURI(path)},
			Version:                doc.version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: string(content)}},
	})
}

// SaveDocument sends didSave with the file re-read from disk. No-op when the
// document is not open.
func (s *Session) SaveDocument(ctx context.Context, path string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := s.ready(); err != nil {
		return err
	}
	s.touch()

	path = CleanPath(path)
	doc := s.document(path)
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if !doc.open {
		return nil
	}

	content, err := s.cfg.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	text := string(content)
	return s.conn.Notify("textDocument/didSave", DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: PathToURI(path)},
		Text:         &text,
	})
}

// CloseDocument sends didClose and forgets the document's diagnostics.
// Closing a document that is not open sends nothing and returns nil.
func (s *Session) CloseDocument(ctx context.Context, path string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := s.ready(); err != nil {
		return err
	}
	s.touch()

	path = CleanPath(path)
	doc := s.document(path)
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if !doc.open {
		return nil
	}

	doc.closed.Store(true)
	err := s.conn.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: PathToURI(path)},
	})
	doc.open = false
	s.clearDiagnostics(path)
	return err
}

// isClosed reports whether path was opened and has since been closed.
func (s *Session) isClosed(path string) bool {
	s.docsMu.Lock()
	doc, ok := s.docs[path]
	s.docsMu.Unlock()
	return ok && doc.closed.Load()
}

// IsTracking reports whether path is open in this session.
func (s *Session) IsTracking(path string) bool {
	path = CleanPath(path)
	s.docsMu.Lock()
	doc, ok := s.docs[path]
	s.docsMu.Unlock()
	if !ok {
		return false
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.open
}

// DocumentVersion returns the last version sent for path and whether the
// document is open.
func (s *Session) DocumentVersion(path string) (int, bool) {
	path = CleanPath(path)
	s.docsMu.Lock()
	doc, ok := s.docs[path]
	s.docsMu.Unlock()
	if !ok {
		return 0, false
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.version, doc.open
}

// OpenDocuments returns the open paths in sorted order.
func (s *Session) OpenDocuments() []string {
	s.docsMu.Lock()
	docs := make(map[string]*document, len(s.docs))
	for path, doc := range s.docs {
		docs[path] = doc
	}
	s.docsMu.Unlock()

	paths := make([]string, 0, len(docs))
	for path, doc := range docs {
		doc.mu.Lock()
		if doc.open {
			paths = append(paths, path)
		}
		doc.mu.Unlock()
	}
	sort.Strings(paths)
	return paths
}
