// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known analyzers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				installed := make(map[string]string)
				if info, err := a.orch.CacheInfo(); err == nil {
					for _, rec := range info.Records {
						installed[rec.Analyzer] = rec.Version
						if rec.Version == "" {
							installed[rec.Analyzer] = "yes"
						}
					}
				}
				rows := [][]string{}
				for _, info := range a.orch.Analyzers() {
					state := "enabled"
					if !info.Enabled {
						state = "disabled"
					}
					rows = append(rows, []string{
						info.ID,
						strings.Join(info.Extensions, ","),
						state,
						strconv.FormatBool(info.Installable),
						installedColumn(installed, info.ID),
					})
				}
				a.printer.Table([]string{"ID", "EXTENSIONS", "STATE", "INSTALLABLE", "INSTALLED"}, rows)
				return nil
			})
		},
	}
}

func installedColumn(installed map[string]string, id string) string {
	if v, ok := installed[id]; ok {
		return v
	}
	return "-"
}

func newInstallCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <analyzer>...",
		Short: "Install analyzers into the cache ahead of use",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				for _, id := range args {
					rec, err := a.orch.InstallServer(ctx, id)
					if err != nil {
						return fmt.Errorf("install %s: %w", id, err)
					}
					msg := fmt.Sprintf("%s installed at %s", id, rec.BinaryPath)
					if rec.Version != "" {
						msg += " (" + rec.Version + ")"
					}
					a.printer.Success(msg)
				}
				return nil
			})
		},
	}
}

func newCacheCmd(opts *globalOptions) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear installed analyzers",
	}
	cache.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Show the cache directory and installed analyzers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					info, err := a.orch.CacheInfo()
					if err != nil {
						return err
					}
					a.printer.Box("Analyzer cache", fmt.Sprintf("%s\n%s, %d installed",
						info.Dir, formatBytes(info.SizeBytes), len(info.Records)))
					rows := make([][]string, 0, len(info.Records))
					for _, rec := range info.Records {
						rows = append(rows, []string{
							rec.Analyzer,
							string(rec.Kind),
							rec.Version,
							rec.InstalledAt.Format(time.RFC3339),
							rec.BinaryPath,
						})
					}
					if len(rows) > 0 {
						a.printer.Table([]string{"ANALYZER", "KIND", "VERSION", "INSTALLED", "BINARY"}, rows)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every installed analyzer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					if err := a.orch.ClearCache(ctx); err != nil {
						return err
					}
					a.printer.Success("analyzer cache cleared")
					return nil
				})
			},
		},
	)
	return cache
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
