// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyzerhub/services/analyzer/events"
	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp/lsptest"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
	"github.com/AleutianAI/analyzerhub/services/analyzer/rootfind"
)

// =============================================================================
// HARNESS
// =============================================================================

func tsDef(id string) registry.AnalyzerDefinition {
	return registry.AnalyzerDefinition{
		ID:          id,
		Name:        id,
		Extensions:  []string{".ts"},
		RootMarkers: []string{"package.json"},
		Command:     id + "-ls",
		Args:        []string{"--stdio"},
	}
}

func errorDiagnostics(source string) lsptest.DiagnosticsFunc {
	return func(uri, text string) []lsp.Diagnostic {
		return []lsp.Diagnostic{{
			Severity: lsp.SeverityError,
			Source:   source,
			Message:  source + ": problem",
		}}
	}
}

type harness struct {
	t       *testing.T
	root    string
	file    string
	orch    *Orchestrator
	spawner *lsptest.Spawner
	events  *events.Emitter
}

type harnessOpts struct {
	defs      []registry.AnalyzerDefinition
	factory   func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error)
	installer Installer
	onPath    map[string]bool
	configure func(*Config)
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "project")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"), []byte("{}"), 0o644))
	file := filepath.Join(root, "src", "app.ts")
	require.NoError(t, os.WriteFile(file, []byte("let x: number = 'a'\n"), 0o644))

	catalog, err := registry.NewCatalog(ho.defs...)
	require.NoError(t, err)

	installer := ho.installer
	if installer == nil {
		onPath := ho.onPath
		cache, err := install.NewCache(t.TempDir(), install.WithLookPath(func(name string) (string, error) {
			if onPath == nil || onPath[name] {
				return "/opt/analyzers/" + name, nil
			}
			return "", errors.New("not found")
		}))
		require.NoError(t, err)
		installer = cache
	}

	factory := ho.factory
	if factory == nil {
		factory = func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error) {
			return lsptest.New(spec.Analyzer, lsptest.WithDiagnostics(errorDiagnostics(spec.Analyzer))), nil
		}
	}
	spawner := lsptest.NewSpawner(factory)
	em := events.NewEmitter()

	cfg := Config{
		Catalog:            catalog,
		Installer:          installer,
		Spawner:            spawner,
		Resolver:           rootfind.NewResolver(rootfind.WithStopDir(base)),
		Events:             em,
		ProjectPath:        root,
		RequestTimeout:     2 * time.Second,
		DiagnosticsTimeout: time.Second,
		ShutdownTimeout:    500 * time.Millisecond,
	}
	if ho.configure != nil {
		ho.configure(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = orch.ShutdownAll(context.Background())
		em.Close()
	})
	return &harness{t: t, root: root, file: file, orch: orch, spawner: spawner, events: em}
}

func (h *harness) specsFor(id string) int {
	n := 0
	for _, s := range h.spawner.Specs() {
		if s.Analyzer == id {
			n++
		}
	}
	return n
}

func analyzersOf(diags []lsp.Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Analyzer)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =============================================================================
// TESTS
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	catalog, err := registry.NewCatalog(tsDef("alpha"))
	require.NoError(t, err)
	_, err = New(Config{Catalog: catalog})
	assert.Error(t, err)
}

func TestTouchFile_UnionAndDisable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")}})

	res, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "alpha", res.Sessions[0].Analyzer)
	assert.Equal(t, h.root, res.Sessions[0].Root)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, analyzersOf(res.Diagnostics))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, analyzersOf(h.orch.DiagnosticsFor(h.file)))

	require.NoError(t, h.orch.SetServerEnabled(ctx, "beta", false))
	assert.Equal(t, []string{"alpha"}, analyzersOf(h.orch.DiagnosticsFor(h.file)))
	assert.Len(t, h.orch.Sessions(), 1)
	assert.True(t, h.spawner.Find("beta").Exited())
	assert.False(t, h.orch.IsEnabled("beta"))

	_, err = h.orch.TouchFile(ctx, h.file, false)
	require.NoError(t, err)
	assert.Equal(t, 1, h.specsFor("beta"), "disabled analyzer is not respawned")

	require.NoError(t, h.orch.SetServerEnabled(ctx, "beta", true))
	assert.Equal(t, 1, h.specsFor("beta"), "enabling does not spawn eagerly")

	_, err = h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	assert.Equal(t, 2, h.specsFor("beta"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, analyzersOf(h.orch.DiagnosticsFor(h.file)))
}

func TestTouchFile_SessionReused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha")}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.TouchFile(ctx, h.file, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.specsFor("alpha"))
	fake := h.spawner.Find("alpha")
	assert.Len(t, fake.Messages("textDocument/didOpen"), 1, "document opened once")

	spec := h.spawner.Specs()[0]
	assert.Equal(t, "/opt/analyzers/alpha-ls", spec.Command)
	assert.Equal(t, h.root, spec.Dir)
	assert.Equal(t, []string{"--stdio"}, spec.Args)
}

func TestTouchFile_NoRootIsNotAnError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha")}})

	stray := filepath.Join(filepath.Dir(h.root), "loose", "x.ts")
	require.NoError(t, os.MkdirAll(filepath.Dir(stray), 0o755))
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))

	res, err := h.orch.TouchFile(ctx, stray, true)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Sessions)
	assert.NotNil(t, res.Diagnostics)
	assert.Empty(t, res.Diagnostics)
	assert.Empty(t, h.spawner.Specs())
}

func TestTouchFile_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs: []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")},
		factory: func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error) {
			if spec.Analyzer == "beta" {
				return nil, errors.New("exec format error")
			}
			return lsptest.New(spec.Analyzer, lsptest.WithDiagnostics(errorDiagnostics(spec.Analyzer))), nil
		},
	})

	res, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	require.Contains(t, res.Errors, "beta")
	assert.Equal(t, lsp.KindSpawn, lsp.KindOf(res.Errors["beta"]))
	assert.Equal(t, []string{"alpha"}, analyzersOf(res.Diagnostics))

	res, err = h.orch.TouchFile(ctx, h.file, false)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Errors["beta"], ErrSpawnBackoff)
	assert.Equal(t, 1, h.specsFor("beta"), "failed start is not retried during backoff")
}

func TestTouchFile_MissingBinary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs:   []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")},
		onPath: map[string]bool{"alpha-ls": true},
	})

	res, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Errors["beta"], install.ErrNotInstallable)
	var se *lsp.SpawnError
	assert.ErrorAs(t, res.Errors["beta"], &se)
	assert.Equal(t, []string{"alpha"}, analyzersOf(res.Diagnostics))
	assert.Equal(t, 0, h.specsFor("beta"))
}

// scriptRunner fakes npm by creating the binary under --prefix.
type scriptRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *scriptRunner) Run(_ context.Context, _ string, _ []string, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	for i, a := range args {
		if a == "--prefix" && i+1 < len(args) {
			bin := filepath.Join(args[i+1], "node_modules", ".bin", "typescript-language-server")
			if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
				return nil, err
			}
			return nil, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755)
		}
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func TestTouchFile_InstallSpawnHandshakeDiagnostics(t *testing.T) {
	ctx := context.Background()
	def := tsDef("typescript")
	def.Command = "typescript-language-server"
	def.Installable = true
	def.Install = registry.InstallStrategy{Kind: registry.InstallNPM, Package: "typescript-language-server"}

	em := events.NewEmitter()
	runner := &scriptRunner{}
	cache, err := install.NewCache(t.TempDir(),
		install.WithRunner(runner),
		install.WithLookPath(func(string) (string, error) { return "", errors.New("not found") }),
		install.WithObserver(InstallObserver(em)),
	)
	require.NoError(t, err)

	var spawnedCommand string
	h := newHarness(t, harnessOpts{
		defs:      []registry.AnalyzerDefinition{def},
		installer: cache,
		factory: func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error) {
			spawnedCommand = spec.Command
			return lsptest.New(spec.Analyzer, lsptest.WithDiagnostics(func(uri, text string) []lsp.Diagnostic {
				return []lsp.Diagnostic{{Severity: lsp.SeverityError, Message: "Type 'string' is not assignable to type 'number'."}}
			})), nil
		},
		configure: func(c *Config) { c.Events = em },
	})
	defer em.Close()

	statuses := make(chan events.Status, 16)
	em.Subscribe(func(e *events.Event) {
		statuses <- e.Data.(*events.StatusData).Status
	}, events.TypeAnalyzerStatus)

	res, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, filepath.Join(cache.Dir(), "typescript", "node_modules", ".bin", "typescript-language-server"), spawnedCommand)
	assert.Equal(t, 1, runner.calls)

	diags := h.orch.DiagnosticsFor(h.file)
	require.Len(t, diags, 1)
	assert.Equal(t, lsp.SeverityError, diags[0].Severity)
	assert.Equal(t, "Type 'string' is not assignable to type 'number'.", diags[0].Message)
	assert.Equal(t, "typescript", diags[0].Analyzer)

	var got []events.Status
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case s := <-statuses:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("statuses so far: %v", got)
		}
	}
	assert.Equal(t, []events.Status{events.StatusStarting, events.StatusInstalling, events.StatusInstalled, events.StatusReady}, got)
}

func TestTouchFile_WaitTimesOutToEmpty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs: []registry.AnalyzerDefinition{tsDef("alpha")},
		factory: func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error) {
			return lsptest.New(spec.Analyzer), nil
		},
		configure: func(c *Config) { c.DiagnosticsTimeout = 100 * time.Millisecond },
	})

	start := time.Now()
	res, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.NotNil(t, res.Diagnostics)
	assert.Empty(t, res.Diagnostics)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTouchFile_RelativePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha")}})

	res, err := h.orch.TouchFile(ctx, filepath.Join("src", "app.ts"), true)
	require.NoError(t, err)
	assert.Equal(t, h.file, res.Path)
	assert.Len(t, h.orch.DiagnosticsFor("src/app.ts"), 1)

	many := h.orch.DiagnosticsForMany([]string{"src/app.ts", "src/missing.ts"})
	assert.Len(t, many["src/app.ts"], 1)
	assert.Empty(t, many["src/missing.ts"])

	all := h.orch.AllDiagnostics()
	assert.Len(t, all[h.file], 1)
}

func TestTouchFile_NilContext(t *testing.T) {
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha")}})
	_, err := h.orch.TouchFile(nil, h.file, false) //nolint:staticcheck
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")}})

	other := filepath.Join(h.root, "src", "other.ts")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	_, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	alpha, beta := h.spawner.Find("alpha"), h.spawner.Find("beta")

	t.Run("change fans out to tracking sessions", func(t *testing.T) {
		require.NoError(t, h.orch.FileChanged(ctx, h.file, []byte("let x = 2\n")))
		assert.True(t, alpha.WaitFor("textDocument/didChange", 1, time.Second))
		assert.True(t, beta.WaitFor("textDocument/didChange", 1, time.Second))
	})

	t.Run("untracked path produces no traffic", func(t *testing.T) {
		require.NoError(t, h.orch.FileChanged(ctx, other, []byte("y")))
		require.NoError(t, h.orch.FileSaved(ctx, other))
		require.NoError(t, h.orch.FileClosed(ctx, other))
		require.NoError(t, h.orch.FileSaved(ctx, h.file))
		assert.True(t, alpha.WaitFor("textDocument/didSave", 1, time.Second))
		for _, m := range alpha.Received() {
			assert.NotContains(t, string(m.Params), "other.ts", m.Method)
		}
	})

	t.Run("close drops diagnostics", func(t *testing.T) {
		require.NoError(t, h.orch.FileClosed(ctx, h.file))
		assert.True(t, alpha.WaitFor("textDocument/didClose", 1, time.Second))
		assert.Empty(t, h.orch.DiagnosticsFor(h.file))
	})
}

func hoverHandler(text string) lsptest.HandlerFunc {
	return func(json.RawMessage) (interface{}, *lsp.ResponseError) {
		return map[string]interface{}{
			"contents": map[string]string{"kind": "markdown", "value": text},
		}, nil
	}
}

func TestQueries_Routing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs: []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")},
		factory: func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error) {
			loc := []lsp.Location{{URI: "file:///defs/" + spec.Analyzer + ".ts"}}
			return lsptest.New(spec.Analyzer,
				lsptest.WithHandler("textDocument/hover", hoverHandler(spec.Analyzer+" docs")),
				lsptest.WithHandler("textDocument/definition", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
					return loc, nil
				}),
				lsptest.WithHandler("textDocument/references", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
					return nil, &lsp.ResponseError{Code: lsp.CodeInternalError, Message: "index not built"}
				}),
				lsptest.WithHandler("textDocument/completion", func(json.RawMessage) (interface{}, *lsp.ResponseError) {
					return map[string]interface{}{"isIncomplete": false, "items": []lsp.CompletionItem{{Label: "length"}}}, nil
				}),
			), nil
		},
	})

	t.Run("first analyzer in catalog order answers", func(t *testing.T) {
		hover, err := h.orch.Hover(ctx, h.file, lsp.Position{Line: 0, Character: 4})
		require.NoError(t, err)
		assert.Equal(t, "alpha", hover.Analyzer)
		assert.Equal(t, "alpha docs", hover.Contents)
		assert.Equal(t, 0, h.specsFor("beta"), "only the routed analyzer is started")
	})

	t.Run("definition", func(t *testing.T) {
		res, err := h.orch.Definition(ctx, h.file, lsp.Position{})
		require.NoError(t, err)
		assert.Equal(t, "alpha", res.Analyzer)
		require.Len(t, res.Locations, 1)
		assert.Equal(t, "file:///defs/alpha.ts", res.Locations[0].URI)
	})

	t.Run("completion", func(t *testing.T) {
		res, err := h.orch.Completion(ctx, h.file, lsp.Position{})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, "length", res.Items[0].Label)
	})

	t.Run("remote error is final and classified", func(t *testing.T) {
		_, err := h.orch.References(ctx, h.file, lsp.Position{})
		var qe *lsp.QueryError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, "alpha", qe.Analyzer)
		assert.Equal(t, lsp.KindRemote, qe.Kind)
		assert.Equal(t, 0, h.specsFor("beta"))
	})

	t.Run("disabled analyzer is skipped", func(t *testing.T) {
		require.NoError(t, h.orch.SetServerEnabled(ctx, "alpha", false))
		hover, err := h.orch.Hover(ctx, h.file, lsp.Position{})
		require.NoError(t, err)
		assert.Equal(t, "beta", hover.Analyzer)
	})

	t.Run("no analyzer for file", func(t *testing.T) {
		md := filepath.Join(h.root, "README.md")
		_, err := h.orch.Hover(ctx, md, lsp.Position{})
		var qe *lsp.QueryError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, lsp.KindUnavailable, qe.Kind)
		assert.ErrorIs(t, err, lsp.ErrAnalyzerUnavailable)
	})
}

func TestQueries_FallThroughOnStartFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs: []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")},
		factory: func(spec lsp.SpawnSpec) (*lsptest.Analyzer, error) {
			if spec.Analyzer == "alpha" {
				return lsptest.New(spec.Analyzer, lsptest.WithExitOnInitialize()), nil
			}
			return lsptest.New(spec.Analyzer, lsptest.WithHandler("textDocument/hover", hoverHandler("beta docs"))), nil
		},
	})

	hover, err := h.orch.Hover(ctx, h.file, lsp.Position{})
	require.NoError(t, err)
	assert.Equal(t, "beta", hover.Analyzer)
}

func TestSessionCrashIsReplaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha")}})

	failed := make(chan *events.StatusData, 4)
	h.events.Subscribe(func(e *events.Event) {
		if sd := e.Data.(*events.StatusData); sd.Status == events.StatusFailed {
			failed <- sd
		}
	}, events.TypeAnalyzerStatus)

	_, err := h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	h.spawner.Find("alpha").Crash(errors.New("segfault"))

	eventually(t, func() bool { return len(h.orch.Sessions()) == 0 }, "crashed session not removed")
	select {
	case sd := <-failed:
		assert.Equal(t, "alpha", sd.Analyzer)
		assert.NotEmpty(t, sd.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no failed status event")
	}

	_, err = h.orch.TouchFile(ctx, h.file, true)
	require.NoError(t, err)
	assert.Equal(t, 2, h.specsFor("alpha"))
	assert.Len(t, h.orch.DiagnosticsFor(h.file), 1)
}

func TestShutdownAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{defs: []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")}})

	_, err := h.orch.TouchFile(ctx, h.file, false)
	require.NoError(t, err)
	require.Len(t, h.orch.Sessions(), 2)

	require.NoError(t, h.orch.ShutdownAll(ctx))
	assert.Empty(t, h.orch.Sessions())
	for _, a := range h.spawner.Spawned() {
		assert.True(t, a.Exited())
	}

	_, err = h.orch.TouchFile(ctx, h.file, false)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.NoError(t, h.orch.ShutdownAll(ctx), "second call is a no-op")
}

func TestReapIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs:      []registry.AnalyzerDefinition{tsDef("alpha")},
		configure: func(c *Config) { c.IdleTimeout = time.Minute },
	})

	_, err := h.orch.TouchFile(ctx, h.file, false)
	require.NoError(t, err)

	assert.Equal(t, 0, h.orch.reapIdle(ctx, time.Now()))
	assert.Len(t, h.orch.Sessions(), 1)

	assert.Equal(t, 1, h.orch.reapIdle(ctx, time.Now().Add(2*time.Minute)))
	assert.Empty(t, h.orch.Sessions())
	assert.True(t, h.spawner.Find("alpha").Exited())
}

func TestAnalyzersAndManagement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{
		defs:      []registry.AnalyzerDefinition{tsDef("alpha"), tsDef("beta")},
		configure: func(c *Config) { c.Disabled = []string{"beta"} },
	})

	_, err := h.orch.TouchFile(ctx, h.file, false)
	require.NoError(t, err)

	list := h.orch.Analyzers()
	require.Len(t, list, 2)
	assert.Equal(t, AnalyzerInfo{ID: "alpha", Name: "alpha", Extensions: []string{".ts"}, Enabled: true, Sessions: 1}, list[0])
	assert.False(t, list[1].Enabled)

	assert.ErrorIs(t, h.orch.SetServerEnabled(ctx, "nope", true), registry.ErrUnknownAnalyzer)
	_, err = h.orch.InstallServer(ctx, "alpha")
	assert.ErrorIs(t, err, install.ErrNotInstallable)

	info, err := h.orch.CacheInfo()
	require.NoError(t, err)
	assert.Empty(t, info.Records)
	assert.NoError(t, h.orch.ClearCache(ctx))

	sessions := h.orch.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "ready", sessions[0].State)
	assert.Equal(t, 1, sessions[0].OpenDocuments)
}
