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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Hover requests hover information at pos. The raw result is returned.
func (s *Session) Hover(ctx context.Context, path string, pos Position) (json.RawMessage, error) {
	return s.positional(ctx, "textDocument/hover", path, func(doc TextDocumentIdentifier) interface{} {
		return TextDocumentPositionParams{TextDocument: doc, Position: pos}
	})
}

// Completion requests completion items at pos.
func (s *Session) Completion(ctx context.Context, path string, pos Position) (json.RawMessage, error) {
	return s.positional(ctx, "textDocument/completion", path, func(doc TextDocumentIdentifier) interface{} {
		return TextDocumentPositionParams{TextDocument: doc, Position: pos}
	})
}

// Definition requests the definition of the symbol at pos.
func (s *Session) Definition(ctx context.Context, path string, pos Position) (json.RawMessage, error) {
	return s.positional(ctx, "textDocument/definition", path, func(doc TextDocumentIdentifier) interface{} {
		return TextDocumentPositionParams{TextDocument: doc, Position: pos}
	})
}

// References requests all references to the symbol at pos, declaration included.
func (s *Session) References(ctx context.Context, path string, pos Position) (json.RawMessage, error) {
	return s.positional(ctx, "textDocument/references", path, func(doc TextDocumentIdentifier) interface{} {
		return ReferenceParams{
			TextDocumentPositionParams: TextDocumentPositionParams{TextDocument: doc, Position: pos},
			Context:                    ReferenceContext{IncludeDeclaration: true},
		}
	})
}

// SignatureHelp requests signature information at pos.
func (s *Session) SignatureHelp(ctx context.Context, path string, pos Position) (json.RawMessage, error) {
	return s.positional(ctx, "textDocument/signatureHelp", path, func(doc TextDocumentIdentifier) interface{} {
		return TextDocumentPositionParams{TextDocument: doc, Position: pos}
	})
}

// DocumentSymbols requests the symbol outline of a document.
func (s *Session) DocumentSymbols(ctx context.Context, path string) (json.RawMessage, error) {
	return s.positional(ctx, "textDocument/documentSymbol", path, func(doc TextDocumentIdentifier) interface{} {
		return DocumentSymbolParams{TextDocument: doc}
	})
}

// positional opens the document if needed and sends one correlated request.
func (s *Session) positional(ctx context.Context, method, path string, params func(TextDocumentIdentifier) interface{}) (json.RawMessage, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	path = CleanPath(path)

	ctx, span := startQuerySpan(ctx, method, s.cfg.AnalyzerID, path)
	defer span.End()

	if err := s.OpenDocument(ctx, path); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	raw, err := s.conn.Call(ctx, method, params(TextDocumentIdentifier{URI: PathToURI(path)}))
	s.touch()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("analyzer.result_bytes", len(raw)))
	return raw, nil
}
