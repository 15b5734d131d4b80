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

import "encoding/json"

// =============================================================================
// POSITIONS AND LOCATIONS
// =============================================================================

// Position is a zero-based line and UTF-16 character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a document identified by URI.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// LocationLink is the richer form some analyzers return for definitions.
type LocationLink struct {
	OriginSelectionRange *Range `json:"originSelectionRange,omitempty"`
	TargetURI            string `json:"targetUri"`
	TargetRange          Range  `json:"targetRange"`
	TargetSelectionRange Range  `json:"targetSelectionRange"`
}

// =============================================================================
// DOCUMENT SYNCHRONIZATION
// =============================================================================

// TextDocumentIdentifier names a document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem carries a full document for didOpen.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// VersionedTextDocumentIdentifier names a document at a specific version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// DidOpenTextDocumentParams is the payload of textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams is the payload of textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// TextDocumentContentChangeEvent is a whole-document replacement when Range is nil.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidSaveTextDocumentParams is the payload of textDocument/didSave.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         *string                `json:"text,omitempty"`
}

// DidCloseTextDocumentParams is the payload of textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// =============================================================================
// QUERIES
// =============================================================================

// TextDocumentPositionParams addresses a position in a document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams is the payload of textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls whether the declaration is included.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// DocumentSymbolParams is the payload of textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// HoverResult is the decoded form of a hover response.
type HoverResult struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// MarkupContent is markdown or plaintext returned by hover.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// CompletionItem is the subset of a completion entry the CLI renders.
type CompletionItem struct {
	Label  string `json:"label"`
	Kind   int    `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// DiagnosticSeverity follows the LSP numbering.
type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// String returns the lowercase severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Diagnostic is a single finding published by an analyzer.
//
// Analyzer is filled in locally so merged results keep their origin.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     json.RawMessage    `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
	Analyzer string             `json:"analyzer,omitempty"`
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               string             `json:"rootUri"`
	RootPath              string             `json:"rootPath,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions interface{}        `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders"`
}

// ClientInfo identifies this process to the analyzer.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder is a root folder reported to the analyzer.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// DynamicRegistration is the common capability shape.
type DynamicRegistration struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
}

// ClientCapabilities lists what this client supports.
type ClientCapabilities struct {
	Workspace    WorkspaceClientCapabilities    `json:"workspace"`
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
	Window       WindowClientCapabilities       `json:"window"`
}

// WorkspaceClientCapabilities advertises workspace-level features.
type WorkspaceClientCapabilities struct {
	WorkspaceFolders       bool                 `json:"workspaceFolders"`
	Configuration          bool                 `json:"configuration"`
	DidChangeConfiguration *DynamicRegistration `json:"didChangeConfiguration,omitempty"`
	DidChangeWatchedFiles  *DynamicRegistration `json:"didChangeWatchedFiles,omitempty"`
}

// TextDocumentClientCapabilities advertises per-document features.
type TextDocumentClientCapabilities struct {
	Synchronization    TextDocumentSyncClientCapabilities `json:"synchronization"`
	Completion         CompletionClientCapabilities       `json:"completion"`
	Hover              HoverClientCapabilities            `json:"hover"`
	SignatureHelp      DynamicRegistration                `json:"signatureHelp"`
	Definition         LinkSupportCapabilities            `json:"definition"`
	References         DynamicRegistration                `json:"references"`
	DocumentHighlight  DynamicRegistration                `json:"documentHighlight"`
	DocumentSymbol     DocumentSymbolClientCapabilities   `json:"documentSymbol"`
	CodeAction         DynamicRegistration                `json:"codeAction"`
	CodeLens           DynamicRegistration                `json:"codeLens"`
	Formatting         DynamicRegistration                `json:"formatting"`
	RangeFormatting    DynamicRegistration                `json:"rangeFormatting"`
	Rename             DynamicRegistration                `json:"rename"`
	PublishDiagnostics PublishDiagnosticsCapabilities     `json:"publishDiagnostics"`
}

// TextDocumentSyncClientCapabilities advertises synchronization notifications.
type TextDocumentSyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	WillSave            bool `json:"willSave"`
	WillSaveWaitUntil   bool `json:"willSaveWaitUntil"`
	DidSave             bool `json:"didSave"`
}

// CompletionClientCapabilities advertises completion support.
type CompletionClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	CompletionItem      struct {
		SnippetSupport bool `json:"snippetSupport"`
	} `json:"completionItem"`
}

// HoverClientCapabilities advertises hover content formats.
type HoverClientCapabilities struct {
	DynamicRegistration bool     `json:"dynamicRegistration"`
	ContentFormat       []string `json:"contentFormat"`
}

// LinkSupportCapabilities is used for definition-like requests.
type LinkSupportCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	LinkSupport         bool `json:"linkSupport"`
}

// DocumentSymbolClientCapabilities advertises hierarchical symbol support.
type DocumentSymbolClientCapabilities struct {
	DynamicRegistration               bool `json:"dynamicRegistration"`
	HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport"`
}

// PublishDiagnosticsCapabilities advertises diagnostic detail support.
type PublishDiagnosticsCapabilities struct {
	RelatedInformation bool `json:"relatedInformation"`
	VersionSupport     bool `json:"versionSupport"`
}

// WindowClientCapabilities advertises window features.
type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress"`
}

// InitializeResult is the analyzer's answer to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the analyzer.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities keeps the raw provider fields; most are either a bool or
// an options object, so presence is checked with hasProvider.
type ServerCapabilities struct {
	TextDocumentSync       json.RawMessage `json:"textDocumentSync,omitempty"`
	HoverProvider          json.RawMessage `json:"hoverProvider,omitempty"`
	CompletionProvider     json.RawMessage `json:"completionProvider,omitempty"`
	SignatureHelpProvider  json.RawMessage `json:"signatureHelpProvider,omitempty"`
	DefinitionProvider     json.RawMessage `json:"definitionProvider,omitempty"`
	ReferencesProvider     json.RawMessage `json:"referencesProvider,omitempty"`
	DocumentSymbolProvider json.RawMessage `json:"documentSymbolProvider,omitempty"`
}

// HasHoverProvider reports whether hover is supported.
func (c ServerCapabilities) HasHoverProvider() bool { return hasProvider(c.HoverProvider) }

// HasCompletionProvider reports whether completion is supported.
func (c ServerCapabilities) HasCompletionProvider() bool { return hasProvider(c.CompletionProvider) }

// HasDefinitionProvider reports whether go-to-definition is supported.
func (c ServerCapabilities) HasDefinitionProvider() bool { return hasProvider(c.DefinitionProvider) }

// HasReferencesProvider reports whether find-references is supported.
func (c ServerCapabilities) HasReferencesProvider() bool { return hasProvider(c.ReferencesProvider) }

func hasProvider(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "false", "null":
		return false
	}
	return true
}

// =============================================================================
// SERVER-INITIATED REQUESTS
// =============================================================================

// ConfigurationParams is the payload of workspace/configuration.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// ConfigurationItem asks for one settings section.
type ConfigurationItem struct {
	ScopeURI string `json:"scopeUri,omitempty"`
	Section  string `json:"section,omitempty"`
}

// LogMessageParams is the payload of window/logMessage and window/showMessage.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}
