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
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyzerhub/pkg/ux"
	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// =============================================================================
// CHECK
// =============================================================================

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var (
		wait   bool
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "check <file>...",
		Short: "Open files in every applicable analyzer and print diagnostics",
		Long: `check opens each file in every analyzer that handles it, installing and
starting analyzers as needed, and prints the merged diagnostics.

Exits 1 when any error is reported, or any warning with --strict.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runCheck(ctx, a, args, wait, strict)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for each analyzer to publish diagnostics")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on warnings as well as errors")
	return cmd
}

func runCheck(ctx context.Context, a *app, files []string, wait, strict bool) error {
	var counts ux.Counts
	for _, file := range files {
		res, err := a.orch.TouchFile(ctx, file, wait)
		if err != nil {
			return err
		}
		for _, id := range sortedKeys(res.Errors) {
			a.printer.Warning(fmt.Sprintf("%s: %v", id, res.Errors[id]))
		}
		a.printer.Diagnostics(a.display(res.Path), res.Diagnostics)
		counts.Add(res.Diagnostics)
	}
	a.printer.Summary(counts, len(files))

	if counts.Errors > 0 || (strict && counts.Warnings > 0) {
		return errFindings
	}
	return nil
}

// display shortens path relative to the project when it lies inside it.
func (a *app) display(path string) string {
	rel, err := filepath.Rel(a.orch.ProjectPath(), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// QUERIES
// =============================================================================

func newQueryCmd(opts *globalOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <path:line[:column]>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runQuery(ctx, a, name, loc)
			})
		},
	}
}

func runQuery(ctx context.Context, a *app, name string, loc location) error {
	pos := loc.Position()
	switch name {
	case "hover":
		res, err := a.orch.Hover(ctx, loc.Path, pos)
		if err != nil {
			return err
		}
		if strings.TrimSpace(res.Contents) == "" {
			a.printer.Warning("no hover information at " + loc.String())
			return nil
		}
		a.printer.Box(res.Analyzer, strings.TrimSpace(res.Contents))
	case "completion":
		res, err := a.orch.Completion(ctx, loc.Path, pos)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(res.Items))
		for _, item := range res.Items {
			rows = append(rows, []string{item.Label, item.Detail})
		}
		a.printer.Title(fmt.Sprintf("%d completions from %s", len(rows), res.Analyzer))
		a.printer.Table([]string{"LABEL", "DETAIL"}, rows)
	case "definition", "references":
		query := a.orch.Definition
		if name == "references" {
			query = a.orch.References
		}
		res, err := query(ctx, loc.Path, pos)
		if err != nil {
			return err
		}
		if len(res.Locations) == 0 {
			a.printer.Warning(fmt.Sprintf("no %s at %s", name, loc))
			return nil
		}
		rows := make([][]string, 0, len(res.Locations))
		for _, l := range res.Locations {
			rows = append(rows, []string{formatLocation(a, l)})
		}
		a.printer.Title(fmt.Sprintf("%s from %s", name, res.Analyzer))
		a.printer.Table([]string{"LOCATION"}, rows)
	default:
		return fmt.Errorf("unknown query %q", name)
	}
	return nil
}

func formatLocation(a *app, l lsp.Location) string {
	path := lsp.URIToPath(l.URI)
	if path == "" {
		path = l.URI
	} else {
		path = a.display(path)
	}
	return fmt.Sprintf("%s:%d:%d", path, l.Range.Start.Line+1, l.Range.Start.Character+1)
}
