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
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

// installer places an analyzer binary below dest and returns its path.
type installer func(ctx context.Context, def registry.AnalyzerDefinition, dest string) (string, error)

func (c *Cache) installerFor(kind registry.InstallKind) (installer, error) {
	switch kind {
	case registry.InstallNPM:
		return c.installNPM, nil
	case registry.InstallPackageManager:
		return c.installPackageManager, nil
	case registry.InstallDownload:
		return c.installDownload, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrNotInstallable, kind)
	}
}

// installNPM runs "npm install --prefix dest pkg extra...".
func (c *Cache) installNPM(ctx context.Context, def registry.AnalyzerDefinition, dest string) (string, error) {
	pkg := def.Install.Package
	if def.Install.Version != "" {
		pkg += "@" + def.Install.Version
	}
	args := append([]string{"install", "--prefix", dest, "--no-audit", "--no-fund", pkg}, def.Install.Extra...)
	if _, err := c.runner.Run(ctx, dest, nil, "npm", args...); err != nil {
		return "", err
	}
	return filepath.Join(dest, "node_modules", ".bin", def.Command), nil
}

// installPackageManager dispatches on the ecosystem manager. Every manager
// is pointed at dest so the binary lands in dest/bin.
func (c *Cache) installPackageManager(ctx context.Context, def registry.AnalyzerDefinition, dest string) (string, error) {
	s := def.Install
	bin := filepath.Join(dest, "bin")

	switch s.Manager {
	case "go":
		version := s.Version
		if version == "" {
			version = "latest"
		}
		env := []string{"GOBIN=" + bin}
		if _, err := c.runner.Run(ctx, dest, env, "go", "install", s.Package+"@"+version); err != nil {
			return "", err
		}

	case "pip":
		if _, err := c.runner.Run(ctx, dest, nil, "python3", "-m", "venv", dest); err != nil {
			return "", err
		}
		pkg := s.Package
		if s.Version != "" {
			pkg += "==" + s.Version
		}
		if _, err := c.runner.Run(ctx, dest, nil, filepath.Join(bin, "pip"), "install", pkg); err != nil {
			return "", err
		}

	case "gem":
		args := []string{"install", s.Package, "--install-dir", dest, "--bindir", bin, "--no-document"}
		if s.Version != "" {
			args = append(args, "--version", s.Version)
		}
		env := []string{"GEM_HOME=" + dest}
		if _, err := c.runner.Run(ctx, dest, env, "gem", args...); err != nil {
			return "", err
		}

	case "cargo":
		args := []string{"install", s.Package, "--root", dest}
		if s.Version != "" {
			args = append(args, "--version", s.Version)
		}
		if _, err := c.runner.Run(ctx, dest, nil, "cargo", args...); err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedManager, s.Manager)
	}
	return filepath.Join(bin, def.Command), nil
}

// candidatePaths lists where a previous install of def would have put its binary.
func candidatePaths(def registry.AnalyzerDefinition, dest string) []string {
	return []string{
		filepath.Join(dest, "bin", def.Command),
		filepath.Join(dest, "node_modules", ".bin", def.Command),
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
