// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the static catalog of analyzer definitions and the
// pure predicate that decides which analyzers apply to a file.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// Sentinel errors for catalog construction and lookup.
var (
	ErrUnknownAnalyzer   = errors.New("unknown analyzer")
	ErrDuplicateAnalyzer = errors.New("duplicate analyzer id")
	ErrInvalidDefinition = errors.New("invalid analyzer definition")
)

// InstallKind selects how a missing analyzer binary is obtained.
type InstallKind string

const (
	// InstallNone means the analyzer must already be on PATH.
	InstallNone InstallKind = "none"

	// InstallNPM installs a registry package into the private cache.
	InstallNPM InstallKind = "npm"

	// InstallPackageManager runs an ecosystem package manager (go, pip, gem, cargo).
	InstallPackageManager InstallKind = "package-manager"

	// InstallDownload fetches a prebuilt binary for the current OS and architecture.
	InstallDownload InstallKind = "download"
)

// InstallStrategy describes how to install an analyzer.
type InstallStrategy struct {
	Kind InstallKind `yaml:"kind" json:"kind"`

	// Package is the npm package, Go module path, pip or gem name, or crate.
	Package string `yaml:"package,omitempty" json:"package,omitempty"`

	// Extra lists additional npm packages installed alongside Package.
	Extra []string `yaml:"extra,omitempty" json:"extra,omitempty"`

	// Manager is the package manager for InstallPackageManager: go, pip, gem or cargo.
	Manager string `yaml:"manager,omitempty" json:"manager,omitempty"`

	// Version pins a release. Empty means latest where the manager allows it.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// URLTemplate is a text/template rendered with .OS, .Arch and .Version.
	URLTemplate string `yaml:"url_template,omitempty" json:"url_template,omitempty"`

	// Archive is "tar.gz", "zip", "gz" or empty for a raw binary.
	Archive string `yaml:"archive,omitempty" json:"archive,omitempty"`

	// BinaryPath is the binary's path inside the archive. Defaults to the command name.
	BinaryPath string `yaml:"binary_path,omitempty" json:"binary_path,omitempty"`

	// SHA256 maps "os/arch" to the expected archive digest.
	SHA256 map[string]string `yaml:"sha256,omitempty" json:"sha256,omitempty"`

	// OSNames and ArchNames translate Go's GOOS/GOARCH to release asset names.
	OSNames   map[string]string `yaml:"os_names,omitempty" json:"os_names,omitempty"`
	ArchNames map[string]string `yaml:"arch_names,omitempty" json:"arch_names,omitempty"`
}

// AnalyzerDefinition is an immutable description of one analyzer.
type AnalyzerDefinition struct {
	// ID is the stable identifier, e.g. "typescript".
	ID string `yaml:"id" json:"id"`

	// Name is a display name.
	Name string `yaml:"name" json:"name"`

	// Extensions are matched case-insensitively. Entries starting with "."
	// match the file extension; other entries match the base name.
	Extensions []string `yaml:"extensions" json:"extensions"`

	// RootMarkers are file names or globs whose presence marks a project root.
	RootMarkers []string `yaml:"root_markers" json:"root_markers"`

	// ExcludeMarkers make a directory and everything below it ineligible.
	ExcludeMarkers []string `yaml:"exclude_markers,omitempty" json:"exclude_markers,omitempty"`

	// Command is the executable name, resolved through the install cache.
	Command string `yaml:"command" json:"command"`

	// Args are passed to Command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env holds extra KEY=VALUE entries for the process.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	// Installable allows the install cache to fetch the analyzer.
	Installable bool `yaml:"installable" json:"installable"`

	// Install is consulted only when Installable is true.
	Install InstallStrategy `yaml:"install,omitempty" json:"install,omitempty"`

	// LanguageIDs overrides the default extension to languageId mapping.
	LanguageIDs map[string]string `yaml:"language_ids,omitempty" json:"language_ids,omitempty"`

	// InitializationOptions is sent with initialize.
	InitializationOptions map[string]interface{} `yaml:"initialization_options,omitempty" json:"initialization_options,omitempty"`

	// Settings answers workspace/configuration.
	Settings map[string]interface{} `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Matches reports whether the analyzer handles path. It only looks at the
// name, never the filesystem.
func (d AnalyzerDefinition) Matches(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range d.Extensions {
		e = strings.ToLower(e)
		if strings.HasPrefix(e, ".") {
			if e == ext {
				return true
			}
			continue
		}
		if e == base {
			return true
		}
	}
	return false
}

// LanguageID returns the languageId to report for path.
func (d AnalyzerDefinition) LanguageID(path string) string {
	if id, ok := d.LanguageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return lsp.LanguageIDForPath(path)
}

// Validate checks the fields every definition needs.
func (d AnalyzerDefinition) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	case d.Command == "":
		return fmt.Errorf("%w: %s: missing command", ErrInvalidDefinition, d.ID)
	case len(d.Extensions) == 0:
		return fmt.Errorf("%w: %s: no extensions", ErrInvalidDefinition, d.ID)
	}
	if !d.Installable {
		return nil
	}
	switch d.Install.Kind {
	case InstallNPM:
		if d.Install.Package == "" {
			return fmt.Errorf("%w: %s: npm install needs a package", ErrInvalidDefinition, d.ID)
		}
	case InstallPackageManager:
		if d.Install.Package == "" || d.Install.Manager == "" {
			return fmt.Errorf("%w: %s: package-manager install needs manager and package", ErrInvalidDefinition, d.ID)
		}
	case InstallDownload:
		if d.Install.URLTemplate == "" {
			return fmt.Errorf("%w: %s: download install needs url_template", ErrInvalidDefinition, d.ID)
		}
	default:
		return fmt.Errorf("%w: %s: installable with install kind %q", ErrInvalidDefinition, d.ID, d.Install.Kind)
	}
	return nil
}

// clone returns a copy that shares no slices or maps with d.
func (d AnalyzerDefinition) clone() AnalyzerDefinition {
	out := d
	out.Extensions = append([]string(nil), d.Extensions...)
	out.RootMarkers = append([]string(nil), d.RootMarkers...)
	out.ExcludeMarkers = append([]string(nil), d.ExcludeMarkers...)
	out.Args = append([]string(nil), d.Args...)
	out.Env = append([]string(nil), d.Env...)
	out.Install.Extra = append([]string(nil), d.Install.Extra...)
	out.Install.SHA256 = copyStrings(d.Install.SHA256)
	out.Install.OSNames = copyStrings(d.Install.OSNames)
	out.Install.ArchNames = copyStrings(d.Install.ArchNames)
	out.LanguageIDs = copyStrings(d.LanguageIDs)
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
