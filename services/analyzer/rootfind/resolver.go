// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rootfind locates the project root an analyzer should serve for a
// file by walking up from the file toward the home directory.
package rootfind

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

// Resolver finds project roots from marker files.
//
// Description:
//
//	Starting at the file's directory, each ancestor is checked for
//	exclusion markers first and root markers second. An exclusion hit
//	means the analyzer does not apply to the file at all; a root hit
//	returns that directory. The walk ends after the stop directory (the
//	user's home by default) or at the filesystem root.
//
//	Markers containing glob metacharacters ("*.csproj") are matched
//	against directory entries; plain names are checked with a single stat.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Resolver struct {
	stopDirs []string
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStopDir adds a directory at which the walk ends. The stop directory
// itself is still checked.
func WithStopDir(dir string) Option {
	return func(r *Resolver) {
		if dir != "" {
			r.stopDirs = append(r.stopDirs, filepath.Clean(dir))
		}
	}
}

// WithLogger sets the logger used for unreadable directories.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver that stops at the user's home directory.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{logger: slog.Default()}
	if home, err := os.UserHomeDir(); err == nil {
		r.stopDirs = append(r.stopDirs, filepath.Clean(home))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFor resolves the root for def's markers.
func (r *Resolver) ResolveFor(def registry.AnalyzerDefinition, file string) (string, bool) {
	return r.Resolve(file, def.RootMarkers, def.ExcludeMarkers)
}

// Resolve returns the nearest ancestor of file containing a root marker.
//
// Outputs:
//
//	string - The root directory, absolute and cleaned.
//	bool - False when an exclusion marker is found first, or when no
//	  marker is found before the walk ends.
func (r *Resolver) Resolve(file string, markers, excludes []string) (string, bool) {
	if len(markers) == 0 {
		return "", false
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", false
	}

	dir := filepath.Dir(abs)
	for {
		d := newDirView(dir, r.logger)
		if d.hasAny(excludes) {
			return "", false
		}
		if d.hasAny(markers) {
			return dir, true
		}
		if r.isStop(dir) {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func (r *Resolver) isStop(dir string) bool {
	for _, s := range r.stopDirs {
		if dir == s {
			return true
		}
	}
	return false
}

// dirView answers marker checks for one directory, listing it at most once.
type dirView struct {
	dir    string
	logger *slog.Logger
	names  []string
	listed bool
}

func newDirView(dir string, logger *slog.Logger) *dirView {
	return &dirView{dir: dir, logger: logger}
}

func (d *dirView) hasAny(markers []string) bool {
	for _, m := range markers {
		if d.has(m) {
			return true
		}
	}
	return false
}

func (d *dirView) has(marker string) bool {
	if !isGlob(marker) {
		_, err := os.Lstat(filepath.Join(d.dir, marker))
		return err == nil
	}
	for _, name := range d.entries() {
		if ok, err := doublestar.Match(marker, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (d *dirView) entries() []string {
	if d.listed {
		return d.names
	}
	d.listed = true
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Debug("cannot list directory for root markers",
				slog.String("dir", d.dir),
				slog.String("error", err.Error()))
		}
		return nil
	}
	d.names = make([]string, len(entries))
	for i, e := range entries {
		d.names[i] = e.Name()
	}
	return d.names
}

func isGlob(marker string) bool {
	return strings.ContainsAny(marker, "*?[{")
}
