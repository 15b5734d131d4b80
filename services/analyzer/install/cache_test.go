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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
	store "github.com/AleutianAI/analyzerhub/services/analyzer/storage/badger"
)

// fakeRunner records commands and runs an optional action for each one.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	action func(call runCall) error
	delay  time.Duration
	count  atomic.Int32
}

type runCall struct {
	Dir  string
	Env  []string
	Name string
	Args []string
}

func (r *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	call := runCall{Dir: dir, Env: env, Name: name, Args: args}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	r.count.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.action != nil {
		return nil, r.action(call)
	}
	return nil, nil
}

func (r *fakeRunner) Calls() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

// npmAction creates node_modules/.bin/<command> under the --prefix directory.
func npmAction(command string) func(runCall) error {
	return func(call runCall) error {
		for i, a := range call.Args {
			if a == "--prefix" && i+1 < len(call.Args) {
				p := filepath.Join(call.Args[i+1], "node_modules", ".bin", command)
				if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
					return err
				}
				return os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755)
			}
		}
		return errors.New("no --prefix")
	}
}

func notOnPath(string) (string, error) { return "", errors.New("not found") }

func npmDef() registry.AnalyzerDefinition {
	return registry.AnalyzerDefinition{
		ID:          "typescript",
		Command:     "typescript-language-server",
		Args:        []string{"--stdio"},
		Extensions:  []string{".ts"},
		Installable: true,
		Install: registry.InstallStrategy{
			Kind:    registry.InstallNPM,
			Package: "typescript-language-server",
			Extra:   []string{"typescript"},
		},
	}
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	base := []Option{WithStore(NewBadgerStore(db)), WithLookPath(notOnPath)}
	c, err := NewCache(t.TempDir(), append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewCache(t *testing.T) {
	_, err := NewCache("")
	assert.Error(t, err)
}

func TestCache_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("nil context", func(t *testing.T) {
		c := newTestCache(t)
		_, err := c.Resolve(nil, npmDef()) //nolint:staticcheck
		assert.ErrorIs(t, err, ErrNilContext)
	})

	t.Run("host PATH is used before installing", func(t *testing.T) {
		runner := &fakeRunner{}
		c := newTestCache(t, WithRunner(runner), WithLookPath(func(name string) (string, error) {
			return "/usr/bin/" + name, nil
		}))

		p, err := c.Resolve(ctx, npmDef())
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/typescript-language-server", p)
		assert.Empty(t, runner.Calls())
	})

	t.Run("missing and not installable is a spawn error", func(t *testing.T) {
		c := newTestCache(t)
		def := npmDef()
		def.Installable = false

		_, err := c.Resolve(ctx, def)
		var se *lsp.SpawnError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "typescript", se.Analyzer)
		assert.ErrorIs(t, err, ErrNotInstallable)
	})

	t.Run("npm install then cache hit", func(t *testing.T) {
		runner := &fakeRunner{action: npmAction("typescript-language-server")}
		var phases []Phase
		c := newTestCache(t, WithRunner(runner), WithObserver(func(_ string, p Phase, _ error) {
			phases = append(phases, p)
		}))

		p, err := c.Resolve(ctx, npmDef())
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(c.Dir(), "typescript", "node_modules", ".bin", "typescript-language-server"), p)

		calls := runner.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "npm", calls[0].Name)
		assert.Contains(t, calls[0].Args, "typescript-language-server")
		assert.Contains(t, calls[0].Args, "typescript")
		assert.Equal(t, []Phase{PhaseInstalling, PhaseInstalled}, phases)

		again, err := c.Resolve(ctx, npmDef())
		require.NoError(t, err)
		assert.Equal(t, p, again)
		assert.Len(t, runner.Calls(), 1, "second resolve must not reinstall")
	})

	t.Run("binary left by an earlier process is found without a record", func(t *testing.T) {
		runner := &fakeRunner{}
		c := newTestCache(t, WithRunner(runner))
		bin := filepath.Join(c.Dir(), "typescript", "bin", "typescript-language-server")
		writeExecutable(t, bin)

		p, err := c.Resolve(ctx, npmDef())
		require.NoError(t, err)
		assert.Equal(t, bin, p)
		assert.Empty(t, runner.Calls())
	})

	t.Run("concurrent first resolves install once", func(t *testing.T) {
		runner := &fakeRunner{action: npmAction("typescript-language-server"), delay: 50 * time.Millisecond}
		c := newTestCache(t, WithRunner(runner))

		var wg sync.WaitGroup
		paths := make([]string, 8)
		errs := make([]error, 8)
		for i := range paths {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				paths[i], errs[i] = c.Resolve(ctx, npmDef())
			}(i)
		}
		wg.Wait()

		for i := range paths {
			require.NoError(t, errs[i])
			assert.Equal(t, paths[0], paths[i])
		}
		assert.Equal(t, int32(1), runner.count.Load())
	})

	t.Run("a caller that gives up does not abort the shared install", func(t *testing.T) {
		runner := &fakeRunner{action: npmAction("typescript-language-server"), delay: 300 * time.Millisecond}
		c := newTestCache(t, WithRunner(runner))

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		first := make(chan error, 1)
		go func() {
			_, err := c.Resolve(cctx, npmDef())
			first <- err
		}()
		require.Eventually(t, func() bool { return runner.count.Load() == 1 }, time.Second, 5*time.Millisecond)

		type result struct {
			path string
			err  error
		}
		second := make(chan result, 1)
		go func() {
			p, err := c.Resolve(ctx, npmDef())
			second <- result{p, err}
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-first:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(150 * time.Millisecond):
			t.Fatal("cancelled caller kept waiting for the install")
		}

		select {
		case res := <-second:
			require.NoError(t, res.err)
			assert.NotEmpty(t, res.path)
		case <-time.After(2 * time.Second):
			t.Fatal("second caller never got the install result")
		}

		_, err := c.Resolve(ctx, npmDef())
		require.NoError(t, err, "no backoff after a cancelled caller")
		assert.Equal(t, int32(1), runner.count.Load())
	})

	t.Run("installer output without binary fails", func(t *testing.T) {
		c := newTestCache(t, WithRunner(&fakeRunner{}))
		_, err := c.Resolve(ctx, npmDef())
		assert.ErrorIs(t, err, ErrBinaryMissing)
	})
}

func TestCache_Backoff(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	boom := errors.New("registry unreachable")
	runner := &fakeRunner{action: func(runCall) error { return boom }}
	c := newTestCache(t, WithRunner(runner), WithClock(clock), WithBackoff(30*time.Second, 2*time.Minute))

	_, err := c.Resolve(ctx, npmDef())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom, "the triggering call sees the real failure")
	assert.NotErrorIs(t, err, ErrInstallBackoff)

	_, err = c.Resolve(ctx, npmDef())
	assert.ErrorIs(t, err, ErrInstallBackoff)
	var be *BackoffError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, now.Add(30*time.Second), be.RetryAt)
	assert.Equal(t, int32(1), runner.count.Load(), "installer not rerun during backoff")

	now = now.Add(31 * time.Second)
	_, err = c.Resolve(ctx, npmDef())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), runner.count.Load())

	_, err = c.Resolve(ctx, npmDef())
	require.ErrorAs(t, err, &be)
	assert.Equal(t, now.Add(time.Minute), be.RetryAt, "delay doubles")

	t.Run("forced install ignores backoff and clears it", func(t *testing.T) {
		runner.action = npmAction("typescript-language-server")
		rec, err := c.Install(ctx, npmDef())
		require.NoError(t, err)
		assert.Equal(t, "typescript", rec.Analyzer)

		_, err = c.Resolve(ctx, npmDef())
		assert.NoError(t, err)
	})
}

func TestCache_InterruptedInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled forced install starts no backoff", func(t *testing.T) {
		runner := &fakeRunner{action: npmAction("typescript-language-server"), delay: 300 * time.Millisecond}
		c := newTestCache(t, WithRunner(runner))

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := c.Install(cctx, npmDef())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInstallBackoff)

		runner.delay = 0
		_, err = c.Resolve(ctx, npmDef())
		require.NoError(t, err)
		assert.Equal(t, int32(2), runner.count.Load())
	})

	t.Run("install timeout counts as a failure", func(t *testing.T) {
		runner := &fakeRunner{action: npmAction("typescript-language-server"), delay: 300 * time.Millisecond}
		c := newTestCache(t, WithRunner(runner), WithInstallTimeout(20*time.Millisecond))

		_, err := c.Resolve(ctx, npmDef())
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		_, err = c.Resolve(ctx, npmDef())
		assert.ErrorIs(t, err, ErrInstallBackoff)
		assert.Equal(t, int32(1), runner.count.Load())
	})
}

func TestBackoffDelay(t *testing.T) {
	base, max := 30*time.Second, 30*time.Minute
	assert.Equal(t, 30*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, time.Minute, backoffDelay(base, max, 2))
	assert.Equal(t, 4*time.Minute, backoffDelay(base, max, 4))
	assert.Equal(t, max, backoffDelay(base, max, 10))
	assert.Equal(t, max, backoffDelay(base, max, 1000))
}

func TestCache_PinnedVersion(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{action: npmAction("typescript-language-server")}
	c := newTestCache(t, WithRunner(runner))

	def := npmDef()
	def.Install.Version = "4.2.0"
	_, err := c.Resolve(ctx, def)
	require.NoError(t, err)
	assert.Contains(t, runner.Calls()[0].Args, "typescript-language-server@4.2.0")

	_, err = c.Resolve(ctx, def)
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 1)

	def.Install.Version = "4.3.1"
	_, err = c.Resolve(ctx, def)
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 2, "older record is reinstalled")
}

func TestStalePin(t *testing.T) {
	assert.False(t, stalePin("", ""))
	assert.False(t, stalePin("1.2.0", "1.2.0"))
	assert.False(t, stalePin("v1.3.0", "1.2.0"))
	assert.True(t, stalePin("1.1.9", "1.2.0"))
	assert.True(t, stalePin("", "1.2.0"))
	assert.True(t, stalePin("2024-01-01", "2024-02-01"))
	assert.False(t, stalePin("2024-02-01", "2024-02-01"))
}

func TestCache_PackageManagers(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		manager string
		name    string
	}{
		{"go", "go"},
		{"gem", "gem"},
		{"cargo", "cargo"},
	}
	for _, tc := range cases {
		t.Run(tc.manager, func(t *testing.T) {
			runner := &fakeRunner{}
			c := newTestCache(t, WithRunner(runner))
			def := registry.AnalyzerDefinition{
				ID:          "tool-" + tc.manager,
				Command:     "tool",
				Extensions:  []string{".x"},
				Installable: true,
				Install:     registry.InstallStrategy{Kind: registry.InstallPackageManager, Manager: tc.manager, Package: "example/tool"},
			}
			runner.action = func(call runCall) error {
				writeExecutable(t, filepath.Join(c.Dir(), def.ID, "bin", "tool"))
				return nil
			}

			p, err := c.Resolve(ctx, def)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(c.Dir(), def.ID, "bin", "tool"), p)
			calls := runner.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.name, calls[0].Name)
			if tc.manager == "go" {
				assert.Equal(t, []string{"GOBIN=" + filepath.Join(c.Dir(), def.ID, "bin")}, calls[0].Env)
				assert.Equal(t, []string{"install", "example/tool@latest"}, calls[0].Args)
			}
		})
	}

	t.Run("pip creates a venv first", func(t *testing.T) {
		runner := &fakeRunner{}
		c := newTestCache(t, WithRunner(runner))
		def := registry.AnalyzerDefinition{
			ID: "py", Command: "pylsp", Extensions: []string{".py"}, Installable: true,
			Install: registry.InstallStrategy{Kind: registry.InstallPackageManager, Manager: "pip", Package: "python-lsp-server", Version: "1.11.0"},
		}
		runner.action = func(call runCall) error {
			if call.Name != "python3" {
				writeExecutable(t, filepath.Join(c.Dir(), "py", "bin", "pylsp"))
			}
			return nil
		}

		_, err := c.Resolve(ctx, def)
		require.NoError(t, err)
		calls := runner.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "python3", calls[0].Name)
		assert.Equal(t, filepath.Join(c.Dir(), "py", "bin", "pip"), calls[1].Name)
		assert.Equal(t, []string{"install", "python-lsp-server==1.11.0"}, calls[1].Args)
	})

	t.Run("unknown manager", func(t *testing.T) {
		c := newTestCache(t, WithRunner(&fakeRunner{}))
		def := registry.AnalyzerDefinition{
			ID: "x", Command: "x", Extensions: []string{".x"}, Installable: true,
			Install: registry.InstallStrategy{Kind: registry.InstallPackageManager, Manager: "brew", Package: "x"},
		}
		_, err := c.Resolve(ctx, def)
		assert.ErrorIs(t, err, ErrUnsupportedManager)
	})
}

func TestCache_InfoAndClear(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{action: npmAction("typescript-language-server")}
	c := newTestCache(t, WithRunner(runner))

	_, err := c.Resolve(ctx, npmDef())
	require.NoError(t, err)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, c.Dir(), info.Dir)
	assert.Greater(t, info.SizeBytes, int64(0))
	require.Len(t, info.Records, 1)
	assert.Equal(t, "typescript", info.Records[0].Analyzer)
	assert.Equal(t, registry.InstallNPM, info.Records[0].Kind)

	require.NoError(t, c.Clear(ctx))
	info, err = c.Info()
	require.NoError(t, err)
	assert.Empty(t, info.Records)
	assert.Equal(t, int64(0), info.SizeBytes)

	_, err = c.Resolve(ctx, npmDef())
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 2, "cleared cache installs again")
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Put(Record{Analyzer: "b"}))
	require.NoError(t, s.Put(Record{Analyzer: "a"}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Analyzer)

	_, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete("a"))
	_, ok, _ = s.Get("a")
	assert.False(t, ok)

	require.NoError(t, s.Clear())
	list, _ = s.List()
	assert.Empty(t, list)
}
