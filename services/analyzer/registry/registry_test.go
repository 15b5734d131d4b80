// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzerDefinition_Matches(t *testing.T) {
	def := AnalyzerDefinition{ID: "x", Command: "x", Extensions: []string{".ts", ".TSX", "Dockerfile"}}

	tests := []struct {
		path string
		want bool
	}{
		{"/p/a.ts", true},
		{"/p/a.TS", true},
		{"/p/a.tsx", true},
		{"/p/Dockerfile", true},
		{"/p/dockerfile", true},
		{"/p/a.js", false},
		{"/p/ts", false},
		{"/p/a.ts.bak", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, def.Matches(tt.path), tt.path)
	}
}

func TestAnalyzerDefinition_Validate(t *testing.T) {
	valid := AnalyzerDefinition{ID: "a", Command: "a", Extensions: []string{".a"}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*AnalyzerDefinition)
	}{
		{"missing id", func(d *AnalyzerDefinition) { d.ID = "" }},
		{"missing command", func(d *AnalyzerDefinition) { d.Command = "" }},
		{"no extensions", func(d *AnalyzerDefinition) { d.Extensions = nil }},
		{"installable without kind", func(d *AnalyzerDefinition) { d.Installable = true }},
		{"npm without package", func(d *AnalyzerDefinition) {
			d.Installable = true
			d.Install = InstallStrategy{Kind: InstallNPM}
		}},
		{"download without url", func(d *AnalyzerDefinition) {
			d.Installable = true
			d.Install = InstallStrategy{Kind: InstallDownload}
		}},
		{"package manager without manager", func(d *AnalyzerDefinition) {
			d.Installable = true
			d.Install = InstallStrategy{Kind: InstallPackageManager, Package: "p"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid.clone()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.Greater(t, c.Len(), 5)

	t.Run("two analyzers apply to typescript in catalog order", func(t *testing.T) {
		var ids []string
		for _, d := range c.ForFile("/repo/src/app.ts") {
			ids = append(ids, d.ID)
		}
		assert.Equal(t, []string{"typescript", "deno", "eslint"}, ids)
	})

	t.Run("unknown extensions match nothing", func(t *testing.T) {
		assert.Empty(t, c.ForFile("/repo/README.md"))
	})

	t.Run("lookup", func(t *testing.T) {
		d, err := c.Lookup("gopls")
		require.NoError(t, err)
		assert.Equal(t, InstallPackageManager, d.Install.Kind)

		_, err = c.Lookup("nope")
		assert.ErrorIs(t, err, ErrUnknownAnalyzer)
	})

	t.Run("returned definitions are copies", func(t *testing.T) {
		d, _ := c.Get("typescript")
		d.Extensions[0] = ".changed"
		again, _ := c.Get("typescript")
		assert.Equal(t, ".ts", again.Extensions[0])
	})
}

func TestNewCatalog_Duplicate(t *testing.T) {
	d := AnalyzerDefinition{ID: "a", Command: "a", Extensions: []string{".a"}}
	_, err := NewCatalog(d, d)
	assert.ErrorIs(t, err, ErrDuplicateAnalyzer)
}

func TestCatalog_WithOverrides(t *testing.T) {
	base, err := NewCatalog(
		AnalyzerDefinition{ID: "a", Command: "a-ls", Extensions: []string{".a"}, RootMarkers: []string{"a.toml"}},
		AnalyzerDefinition{ID: "b", Command: "b-ls", Extensions: []string{".b"}},
	)
	require.NoError(t, err)

	no := false
	c, err := base.WithOverrides(
		Override{ID: "a", Command: "/opt/a-ls", Installable: &no},
		Override{ID: "custom", Command: "custom-ls", Extensions: []string{".cst"}, RootMarkers: []string{".git"}},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "custom"}, c.IDs())

	a, _ := c.Get("a")
	assert.Equal(t, "/opt/a-ls", a.Command)
	assert.Equal(t, []string{"a.toml"}, a.RootMarkers, "unset override fields keep the base value")

	custom, _ := c.Get("custom")
	assert.Equal(t, "custom", custom.Name)
	assert.True(t, custom.Matches("/x/y.cst"))

	orig, _ := base.Get("a")
	assert.Equal(t, "a-ls", orig.Command, "base catalog is unchanged")

	_, err = base.WithOverrides(Override{ID: "broken"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestAnalyzerDefinition_LanguageID(t *testing.T) {
	d := AnalyzerDefinition{LanguageIDs: map[string]string{".vue": "vue-html"}}
	assert.Equal(t, "vue-html", d.LanguageID("/x/App.vue"))
	assert.Equal(t, "typescriptreact", d.LanguageID("/x/App.tsx"))
	assert.Equal(t, "plaintext", d.LanguageID("/x/notes.txt"))
}
