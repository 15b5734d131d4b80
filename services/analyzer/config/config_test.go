// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, install.DefaultBackoffBase, cfg.Backoff.InstallBase)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Diagnostics)
	assert.Equal(t, "127.0.0.1:8790", cfg.Server.Addr)
}

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, DefaultConfig().Timeouts, cfg.Timeouts)

	_, created, err = Load(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
cache_dir: /tmp/hub/analyzers
disabled: [eslint]
timeouts:
  diagnostics: 5s
  idle: 0s
backoff:
  spawn: 1m
logging:
  level: debug
  json: true
server:
  addr: ":9000"
  watch: true
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/hub/analyzers", cfg.CacheDir)
	assert.Equal(t, []string{"eslint"}, cfg.Disabled)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Diagnostics)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request, "unset fields keep defaults")
	assert.Zero(t, cfg.Timeouts.Idle)
	assert.Equal(t, time.Minute, cfg.Backoff.Spawn)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.Watch)
}

func TestParse_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Parse([]byte("cache_dir: ~/analyzers\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "analyzers"), cfg.CacheDir)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed yaml", "timeouts: [\n"},
		{"request too short", "timeouts:\n  request: 10ms\n"},
		{"max below base", "backoff:\n  install_base: 1m\n  install_max: 30s\n"},
		{"bad address", "server:\n  addr: not-an-address\n"},
		{"unknown log level", "logging:\n  level: chatty\n"},
		{"unknown exporter", "telemetry:\n  metric_exporter: statsd\n"},
		{"new analyzer missing command", "analyzers:\n  - id: zig\n    extensions: [.zig]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_ValidationErrorIsTyped(t *testing.T) {
	_, err := Parse([]byte("cache_dir: \"\"\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "CacheDir")
}

func TestCatalog_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
analyzers:
  - id: gopls
    args: ["-remote=auto"]
  - id: zls
    name: Zig
    command: zls
    extensions: [.zig]
    root_markers: [build.zig]
`))
	require.NoError(t, err)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)

	gopls, ok := catalog.Get("gopls")
	require.True(t, ok)
	assert.Equal(t, []string{"-remote=auto"}, gopls.Args)
	assert.Equal(t, "gopls", gopls.Command, "unset fields keep the built-in value")

	zls, err := catalog.Lookup("zls")
	require.NoError(t, err)
	assert.Equal(t, "Zig", zls.Name)
	ids := catalog.IDs()
	assert.Equal(t, "zls", ids[len(ids)-1], "new analyzers are appended")
	assert.Equal(t, len(registry.Defaults())+1, catalog.Len())
}

func TestCatalog_NoOverridesIsDefault(t *testing.T) {
	cfg := DefaultConfig()
	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultCatalog().IDs(), catalog.IDs())
}
