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
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/analyzerhub/pkg/ux"
)

var (
	// errFindings reports that check found problems at the failing severity.
	errFindings = errors.New("diagnostics found")

	// errInterrupted reports that a command stopped on SIGINT or SIGTERM.
	errInterrupted = errors.New("interrupted")
)

// closeTimeout bounds analyzer shutdown when a command exits.
const closeTimeout = 10 * time.Second

// newRootCmd builds the command tree writing results to out.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &globalOptions{}
	return newRootCmdWithOptions(opts, out, errOut)
}

func newRootCmdWithOptions(opts *globalOptions, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "analyzerhub",
		Short: "Run language analyzers for a project and merge their results",
		Long: `analyzerhub starts the language servers a project needs on demand,
installs the ones it can, and merges their diagnostics and query results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.aleutian/analyzerhub.yaml)")
	flags.StringVarP(&opts.project, "project", "p", "", "project directory relative paths resolve against")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.logJSON, "log-json", false, "log JSON to stderr")
	flags.StringVarP(&opts.output, "output", "o", "", "output style: rich, plain, machine (default depends on the terminal)")

	root.AddCommand(
		newCheckCmd(opts),
		newQueryCmd(opts, "hover", "Show hover information at a position"),
		newQueryCmd(opts, "definition", "Find where the symbol at a position is defined"),
		newQueryCmd(opts, "references", "Find references to the symbol at a position"),
		newQueryCmd(opts, "completion", "List completions at a position"),
		newListCmd(opts),
		newInstallCmd(opts),
		newCacheCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// printerFor returns a printer honoring --output.
func printerFor(cmd *cobra.Command, opts *globalOptions) *ux.Printer {
	out := cmd.OutOrStdout()
	mode := ux.DetectMode(out)
	if opts.output != "" {
		mode = ux.ParseMode(opts.output)
	}
	return ux.NewPrinter(out, mode)
}

// withApp opens the app, runs fn under a signal-aware context and closes
// the app afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(opts, printerFor(cmd, opts))
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, a)
	if runErr != nil && ctx.Err() != nil && parent.Err() == nil {
		runErr = errInterrupted
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "analyzerhub: %v\n", err)
	}
	return runErr
}
