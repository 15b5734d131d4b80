// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp/lsptest"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []lsp.SessionState
}

func (r *stateRecorder) record(s lsp.SessionState, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []lsp.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lsp.SessionState(nil), r.states...)
}

// newSession starts a session against a fake analyzer rooted in a temp dir.
func newSession(t *testing.T, fake *lsptest.Analyzer, mutate ...func(*lsp.SessionConfig)) (*lsp.Session, string) {
	t.Helper()
	root := t.TempDir()
	cfg := lsp.SessionConfig{
		AnalyzerID:         fake.ID(),
		Root:               root,
		RequestTimeout:     time.Second,
		DiagnosticsTimeout: 200 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s := lsp.NewSession(cfg, fake)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, root
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func versionsSent(t *testing.T, fake *lsptest.Analyzer) []int {
	t.Helper()
	var versions []int
	for _, m := range fake.Received() {
		var p struct {
			TextDocument struct {
				Version *int `json:"version"`
			} `json:"textDocument"`
		}
		switch m.Method {
		case "textDocument/didOpen", "textDocument/didChange":
			if err := json.Unmarshal(m.Params, &p); err != nil || p.TextDocument.Version == nil {
				t.Fatalf("%s without version: %s", m.Method, m.Params)
			}
			versions = append(versions, *p.TextDocument.Version)
		}
	}
	return versions
}

func TestSession_Initialize(t *testing.T) {
	t.Run("handshake reaches ready once", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		rec := &stateRecorder{}
		s, root := newSession(t, fake, func(c *lsp.SessionConfig) { c.OnStateChange = rec.record })

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Initialize(context.Background()); err != nil {
					t.Errorf("Initialize: %v", err)
				}
			}()
		}
		wg.Wait()
		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("repeat Initialize: %v", err)
		}

		if s.State() != lsp.StateReady {
			t.Fatalf("State() = %v", s.State())
		}
		if got := len(fake.Messages("initialize")); got != 1 {
			t.Errorf("initialize sent %d times", got)
		}
		if !fake.WaitFor("initialized", 1, time.Second) {
			t.Error("initialized notification not sent")
		}
		if info := s.ServerInfo(); info == nil || info.Name != "fake-ts" {
			t.Errorf("ServerInfo() = %+v", info)
		}
		if !s.Capabilities().HasHoverProvider() {
			t.Error("hover capability not recorded")
		}

		var params lsp.InitializeParams
		if err := json.Unmarshal(fake.Messages("initialize")[0].Params, &params); err != nil {
			t.Fatalf("decode initialize params: %v", err)
		}
		if params.RootURI != lsp.PathToURI(root) || len(params.WorkspaceFolders) != 1 {
			t.Errorf("root not advertised: %+v", params)
		}
		caps := params.Capabilities
		if !caps.Workspace.Configuration || !caps.Workspace.WorkspaceFolders || !caps.TextDocument.Synchronization.DidSave {
			t.Errorf("capabilities incomplete: %+v", caps)
		}
		if got := rec.all(); len(got) != 1 || got[0] != lsp.StateReady {
			t.Errorf("state changes = %v", got)
		}
	})

	t.Run("analyzer exit during handshake is a handshake error", func(t *testing.T) {
		fake := lsptest.New("dies", lsptest.WithExitOnInitialize())
		s, _ := newSession(t, fake)

		err := s.Initialize(context.Background())
		var herr *lsp.HandshakeError
		if !errors.As(err, &herr) {
			t.Fatalf("err = %v, want *HandshakeError", err)
		}
		if lsp.KindOf(err) != lsp.KindHandshake {
			t.Errorf("KindOf = %v", lsp.KindOf(err))
		}
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("session did not close")
		}
		if again := s.Initialize(context.Background()); !errors.Is(again, err) && again.Error() != err.Error() {
			t.Errorf("second Initialize returned a different error: %v", again)
		}
	})

	t.Run("error payload fails the handshake", func(t *testing.T) {
		fake := lsptest.New("refuses", lsptest.WithHandler("initialize", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
			return nil, &lsp.ResponseError{Code: -32603, Message: "no workspace"}
		}))
		s, _ := newSession(t, fake)

		err := s.Initialize(context.Background())
		var lspErr *lsp.LSPError
		if !errors.As(err, &lspErr) {
			t.Fatalf("err = %v, want wrapped *LSPError", err)
		}
		if s.State() == lsp.StateReady {
			t.Error("session became ready after a failed handshake")
		}
	})
}

func TestSession_DocumentLifecycle(t *testing.T) {
	t.Run("versions strictly increase across open change save close reopen", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		ctx := context.Background()
		path := writeFile(t, root, "a.ts", "let a = 1")

		steps := []func() error{
			func() error { return s.OpenDocument(ctx, path) },
			func() error { return s.OpenDocument(ctx, path) },
			func() error { return s.ChangeDocument(ctx, path, []byte("let a = 2")) },
			func() error { return s.SaveDocument(ctx, path) },
			func() error { return s.ChangeDocument(ctx, path, []byte("let a = 3")) },
			func() error { return s.CloseDocument(ctx, path) },
			func() error { return s.OpenDocument(ctx, path) },
			func() error { return s.ChangeDocument(ctx, path, []byte("let a = 4")) },
		}
		for i, step := range steps {
			if err := step(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
		if !fake.WaitFor("textDocument/didChange", 3, time.Second) {
			t.Fatal("didChange notifications missing")
		}

		versions := versionsSent(t, fake)
		if len(versions) != 5 {
			t.Fatalf("versions = %v, want 5 open/change notifications", versions)
		}
		for i := 1; i < len(versions); i++ {
			if versions[i] <= versions[i-1] {
				t.Fatalf("versions not strictly increasing: %v", versions)
			}
		}
		if got := len(fake.Messages("textDocument/didOpen")); got != 2 {
			t.Errorf("didOpen sent %d times, want 2", got)
		}
		if got := len(fake.Messages("textDocument/didSave")); got != 1 {
			t.Errorf("didSave sent %d times", got)
		}
	})

	t.Run("concurrent changes reach the analyzer in version order", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		ctx := context.Background()
		path := writeFile(t, root, "busy.ts", "let n = 0")
		if err := s.OpenDocument(ctx, path); err != nil {
			t.Fatalf("OpenDocument: %v", err)
		}

		const writers = 200
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.ChangeDocument(ctx, path, []byte(fmt.Sprintf("let n = %d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("ChangeDocument: %v", err)
			}
		}
		if !fake.WaitFor("textDocument/didChange", writers, 2*time.Second) {
			t.Fatal("didChange notifications missing")
		}

		versions := versionsSent(t, fake)
		if len(versions) != writers+1 {
			t.Fatalf("got %d open/change notifications, want %d", len(versions), writers+1)
		}
		for i := 1; i < len(versions); i++ {
			if versions[i] <= versions[i-1] {
				t.Fatalf("version %d sent after %d at position %d", versions[i], versions[i-1], i)
			}
		}
		if v, open := s.DocumentVersion(path); !open || v != versions[len(versions)-1] {
			t.Errorf("DocumentVersion = %d, %v; last sent %d", v, open, versions[len(versions)-1])
		}
	})

	t.Run("change on an untracked document opens it with the new content", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		_ = s.Initialize(context.Background())
		path := filepath.Join(root, "never-on-disk.ts")

		if err := s.ChangeDocument(context.Background(), path, []byte("const x = 1")); err != nil {
			t.Fatalf("ChangeDocument: %v", err)
		}
		if !fake.WaitFor("textDocument/didOpen", 1, time.Second) {
			t.Fatal("didOpen not sent")
		}
		var p lsp.DidOpenTextDocumentParams
		_ = json.Unmarshal(fake.Messages("textDocument/didOpen")[0].Params, &p)
		if p.TextDocument.Text != "const x = 1" || p.TextDocument.Version != 1 || p.TextDocument.LanguageID != "typescript" {
			t.Errorf("didOpen = %+v", p.TextDocument)
		}
		if len(fake.Messages("textDocument/didChange")) != 0 {
			t.Error("didChange sent for an untracked document")
		}
		if !s.IsTracking(path) {
			t.Error("document not tracked after implicit open")
		}
	})

	t.Run("save and close on untracked documents send nothing", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		_ = s.Initialize(context.Background())
		path := writeFile(t, root, "b.ts", "")

		if err := s.CloseDocument(context.Background(), path); err != nil {
			t.Errorf("CloseDocument: %v", err)
		}
		if err := s.SaveDocument(context.Background(), path); err != nil {
			t.Errorf("SaveDocument: %v", err)
		}
		// A round trip guarantees earlier notifications would have arrived.
		_, _ = s.Hover(context.Background(), writeFile(t, root, "c.ts", ""), lsp.Position{})
		for _, m := range fake.Received() {
			if m.Method == "textDocument/didClose" || m.Method == "textDocument/didSave" {
				t.Errorf("unexpected %s", m.Method)
			}
		}
	})

	t.Run("documents are rejected before the handshake", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		err := s.OpenDocument(context.Background(), writeFile(t, root, "d.ts", ""))
		if !errors.Is(err, lsp.ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
	})

	t.Run("missing file on open returns the read error", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		_ = s.Initialize(context.Background())
		err := s.OpenDocument(context.Background(), filepath.Join(root, "missing.ts"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("err = %v, want os.ErrNotExist", err)
		}
	})
}

func TestSession_Diagnostics(t *testing.T) {
	t.Run("published diagnostics are stored and tagged", func(t *testing.T) {
		fake := lsptest.New("fake-ts", lsptest.WithDiagnostics(func(uri, text string) []lsp.Diagnostic {
			return []lsp.Diagnostic{{Severity: lsp.SeverityError, Message: "bad: " + text}}
		}))
		var mu sync.Mutex
		var published []string
		s, root := newSession(t, fake, func(c *lsp.SessionConfig) {
			c.OnDiagnostics = func(path string, _ []lsp.Diagnostic) {
				mu.Lock()
				published = append(published, path)
				mu.Unlock()
			}
		})
		_ = s.Initialize(context.Background())
		path := writeFile(t, root, "e.ts", "x")

		if err := s.OpenDocument(context.Background(), path); err != nil {
			t.Fatalf("OpenDocument: %v", err)
		}
		diags, err := s.WaitForDiagnostics(context.Background(), path, time.Second)
		if err != nil {
			t.Fatalf("WaitForDiagnostics: %v", err)
		}
		if len(diags) != 1 || diags[0].Message != "bad: x" || diags[0].Analyzer != "fake-ts" {
			t.Fatalf("diags = %+v", diags)
		}

		mu.Lock()
		if len(published) != 1 || published[0] != path {
			t.Errorf("OnDiagnostics paths = %v", published)
		}
		mu.Unlock()

		if err := s.CloseDocument(context.Background(), path); err != nil {
			t.Fatalf("CloseDocument: %v", err)
		}
		if got := s.DiagnosticsFor(path); len(got) != 0 {
			t.Errorf("diagnostics survived close: %+v", got)
		}
	})

	t.Run("a new publish replaces the previous set", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		_ = s.Initialize(context.Background())
		path := filepath.Join(root, "f.ts")
		uri := lsp.PathToURI(path)

		_ = fake.Publish(uri, []lsp.Diagnostic{{Message: "one"}, {Message: "two"}})
		if _, err := s.WaitForDiagnostics(context.Background(), path, time.Second); err != nil {
			t.Fatal(err)
		}
		_ = fake.Publish(uri, []lsp.Diagnostic{{Message: "three"}})
		waitFor(t, func() bool {
			d := s.DiagnosticsFor(path)
			return len(d) == 1 && d[0].Message == "three"
		})
	})

	t.Run("late publish for a closed document is dropped", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		var mu sync.Mutex
		var published []string
		s, root := newSession(t, fake, func(c *lsp.SessionConfig) {
			c.OnDiagnostics = func(path string, _ []lsp.Diagnostic) {
				mu.Lock()
				published = append(published, path)
				mu.Unlock()
			}
		})
		_ = s.Initialize(context.Background())
		ctx := context.Background()
		closed := writeFile(t, root, "gone.ts", "x")
		open := writeFile(t, root, "kept.ts", "y")
		for _, p := range []string{closed, open} {
			if err := s.OpenDocument(ctx, p); err != nil {
				t.Fatalf("OpenDocument: %v", err)
			}
		}
		if err := s.CloseDocument(ctx, closed); err != nil {
			t.Fatalf("CloseDocument: %v", err)
		}

		_ = fake.Publish(lsp.PathToURI(closed), []lsp.Diagnostic{{Message: "stale"}})
		// Publishes are handled in order, so the marker lands after the stale set.
		_ = fake.Publish(lsp.PathToURI(open), []lsp.Diagnostic{{Message: "marker"}})
		waitFor(t, func() bool {
			d := s.DiagnosticsFor(open)
			return len(d) == 1 && d[0].Message == "marker"
		})

		if got := s.DiagnosticsFor(closed); len(got) != 0 {
			t.Errorf("closed document has diagnostics: %+v", got)
		}
		if _, ok := s.Diagnostics()[lsp.CleanPath(closed)]; ok {
			t.Error("closed document still listed in Diagnostics")
		}
		mu.Lock()
		for _, p := range published {
			if p == lsp.CleanPath(closed) {
				t.Errorf("listener notified of a dropped publish for %s", p)
			}
		}
		mu.Unlock()

		if err := s.OpenDocument(ctx, closed); err != nil {
			t.Fatalf("reopen: %v", err)
		}
		_ = fake.Publish(lsp.PathToURI(closed), []lsp.Diagnostic{{Message: "fresh"}})
		waitFor(t, func() bool {
			d := s.DiagnosticsFor(closed)
			return len(d) == 1 && d[0].Message == "fresh"
		})
	})

	t.Run("wait without a publish times out empty", func(t *testing.T) {
		fake := lsptest.New("quiet")
		s, root := newSession(t, fake)
		_ = s.Initialize(context.Background())
		path := writeFile(t, root, "g.ts", "")
		_ = s.OpenDocument(context.Background(), path)

		start := time.Now()
		diags, err := s.WaitForDiagnostics(context.Background(), path, 0)
		if err != nil {
			t.Fatalf("WaitForDiagnostics: %v", err)
		}
		if diags == nil || len(diags) != 0 {
			t.Errorf("diags = %#v, want empty", diags)
		}
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Errorf("returned after %v, before the configured timeout", elapsed)
		}
	})

	t.Run("cached empty set returns immediately", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		s, root := newSession(t, fake)
		_ = s.Initialize(context.Background())
		path := filepath.Join(root, "h.ts")
		_ = fake.Publish(lsp.PathToURI(path), nil)
		if _, err := s.WaitForDiagnostics(context.Background(), path, time.Second); err != nil {
			t.Fatal(err)
		}

		start := time.Now()
		_, _ = s.WaitForDiagnostics(context.Background(), path, time.Second)
		if time.Since(start) > 100*time.Millisecond {
			t.Error("cached diagnostics did not return immediately")
		}
	})
}

func TestSession_ServerRequests(t *testing.T) {
	fake := lsptest.New("fake-py")
	settings := map[string]interface{}{
		"python": map[string]interface{}{"analysis": map[string]interface{}{"typeCheckingMode": "strict"}},
	}
	s, root := newSession(t, fake, func(c *lsp.SessionConfig) { c.Settings = settings })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	t.Run("workspace folders", func(t *testing.T) {
		reply, err := fake.Request(ctx, "workspace/workspaceFolders", nil)
		if err != nil {
			t.Fatal(err)
		}
		var folders []lsp.WorkspaceFolder
		if err := json.Unmarshal(reply.Result, &folders); err != nil {
			t.Fatal(err)
		}
		if len(folders) != 1 || folders[0].URI != lsp.PathToURI(root) {
			t.Errorf("folders = %+v", folders)
		}
	})

	t.Run("configuration sections", func(t *testing.T) {
		reply, err := fake.Request(ctx, "workspace/configuration", lsp.ConfigurationParams{Items: []lsp.ConfigurationItem{
			{Section: "python.analysis"},
			{Section: "missing"},
		}})
		if err != nil {
			t.Fatal(err)
		}
		var results []json.RawMessage
		if err := json.Unmarshal(reply.Result, &results); err != nil {
			t.Fatal(err)
		}
		if len(results) != 2 || string(results[0]) != `{"typeCheckingMode":"strict"}` || string(results[1]) != "null" {
			t.Errorf("results = %s", reply.Result)
		}
	})

	t.Run("capability registration is acknowledged", func(t *testing.T) {
		reply, err := fake.Request(ctx, "client/registerCapability", map[string]interface{}{"registrations": []interface{}{}})
		if err != nil {
			t.Fatal(err)
		}
		if reply.Error != nil || string(reply.Result) != "null" {
			t.Errorf("reply = %+v", reply)
		}
	})

	t.Run("unknown methods get method not found", func(t *testing.T) {
		reply, err := fake.Request(ctx, "workspace/applyEdit", map[string]interface{}{})
		if err != nil {
			t.Fatal(err)
		}
		if reply.Error == nil || reply.Error.Code != lsp.CodeMethodNotFound {
			t.Errorf("reply = %+v", reply)
		}
	})

	if !fake.WaitFor("workspace/didChangeConfiguration", 1, time.Second) {
		t.Error("settings were not pushed after the handshake")
	}
}

func TestSession_Queries(t *testing.T) {
	fake := lsptest.New("fake-ts", lsptest.WithHandler("textDocument/hover", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
		return map[string]interface{}{"contents": map[string]string{"kind": "markdown", "value": "**number**"}}, nil
	}), lsptest.WithSilent("textDocument/definition"))
	s, root := newSession(t, fake, func(c *lsp.SessionConfig) { c.RequestTimeout = 100 * time.Millisecond })
	_ = s.Initialize(context.Background())
	path := writeFile(t, root, "q.ts", "const n = 1")

	raw, err := s.Hover(context.Background(), path, lsp.Position{Line: 0, Character: 6})
	if err != nil {
		t.Fatalf("Hover: %v", err)
	}
	text, err := lsp.ParseHover(raw)
	if err != nil || text != "**number**" {
		t.Errorf("ParseHover = %q, %v", text, err)
	}
	if !s.IsTracking(path) {
		t.Error("hover did not open the document")
	}

	_, err = s.Definition(context.Background(), path, lsp.Position{})
	if !errors.Is(err, lsp.ErrRequestTimeout) {
		t.Errorf("Definition err = %v, want timeout", err)
	}

	_, err = s.Completion(context.Background(), path, lsp.Position{})
	var lspErr *lsp.LSPError
	if !errors.As(err, &lspErr) || !lspErr.IsMethodNotFound() {
		t.Errorf("Completion err = %v, want method not found", err)
	}
}

func TestSession_SymbolsAndSignatures(t *testing.T) {
	fake := lsptest.New("fake-ts",
		lsptest.WithHandler("textDocument/signatureHelp", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
			return map[string]interface{}{"signatures": []map[string]string{{"label": "f(a: number)"}}}, nil
		}),
		lsptest.WithHandler("textDocument/documentSymbol", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
			return []map[string]interface{}{{"name": "f", "kind": 12}}, nil
		}),
	)
	s, root := newSession(t, fake)
	_ = s.Initialize(context.Background())
	path := writeFile(t, root, "sig.ts", "function f(a: number) {}\nf(")

	raw, err := s.SignatureHelp(context.Background(), path, lsp.Position{Line: 1, Character: 2})
	if err != nil {
		t.Fatalf("SignatureHelp: %v", err)
	}
	if !json.Valid(raw) || !strings.Contains(string(raw), "f(a: number)") {
		t.Errorf("SignatureHelp = %s", raw)
	}

	raw, err = s.DocumentSymbols(context.Background(), path)
	if err != nil {
		t.Fatalf("DocumentSymbols: %v", err)
	}
	if !strings.Contains(string(raw), `"name":"f"`) {
		t.Errorf("DocumentSymbols = %s", raw)
	}

	msgs := fake.Messages("textDocument/documentSymbol")
	if len(msgs) != 1 || strings.Contains(string(msgs[0].Params), "position") {
		t.Errorf("documentSymbol params = %v", msgs)
	}
	if len(fake.Messages("textDocument/didOpen")) != 1 {
		t.Error("document opened more than once")
	}
}

func TestSession_Shutdown(t *testing.T) {
	t.Run("graceful shutdown sends shutdown and exit", func(t *testing.T) {
		fake := lsptest.New("fake-ts")
		rec := &stateRecorder{}
		s, root := newSession(t, fake, func(c *lsp.SessionConfig) { c.OnStateChange = rec.record })
		_ = s.Initialize(context.Background())
		path := writeFile(t, root, "s.ts", "")
		_ = s.OpenDocument(context.Background(), path)

		if err := s.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if s.State() != lsp.StateClosed {
			t.Errorf("State() = %v", s.State())
		}
		if len(fake.Messages("shutdown")) != 1 {
			t.Error("shutdown request not sent")
		}
		if !fake.Exited() {
			t.Error("analyzer still running")
		}
		if s.IsTracking(path) || len(s.OpenDocuments()) != 0 {
			t.Error("documents survived shutdown")
		}
		if err := s.OpenDocument(context.Background(), path); !errors.Is(err, lsp.ErrSessionClosed) {
			t.Errorf("OpenDocument after shutdown = %v", err)
		}
		if err := s.Shutdown(context.Background()); err != nil {
			t.Errorf("second Shutdown: %v", err)
		}
		states := rec.all()
		if len(states) != 2 || states[1] != lsp.StateClosed {
			t.Errorf("state changes = %v", states)
		}
	})

	t.Run("crash rejects pending requests with a transport error", func(t *testing.T) {
		fake := lsptest.New("fake-ts", lsptest.WithSilent("textDocument/references"))
		rec := &stateRecorder{}
		s, root := newSession(t, fake, func(c *lsp.SessionConfig) {
			c.OnStateChange = rec.record
			c.RequestTimeout = 5 * time.Second
		})
		_ = s.Initialize(context.Background())
		path := writeFile(t, root, "r.ts", "")

		done := make(chan error, 1)
		go func() {
			_, err := s.References(context.Background(), path, lsp.Position{})
			done <- err
		}()
		if !fake.WaitFor("textDocument/references", 1, time.Second) {
			t.Fatal("references request not sent")
		}
		fake.Crash(errors.New("segfault"))

		select {
		case err := <-done:
			var terr *lsp.TransportError
			if !errors.As(err, &terr) {
				t.Fatalf("err = %v, want *TransportError", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not rejected")
		}
		<-s.Done()
		if s.Err() == nil {
			t.Error("Err() = nil after crash")
		}
		waitFor(t, func() bool {
			st := rec.all()
			return len(st) == 2 && st[1] == lsp.StateClosed
		})
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
