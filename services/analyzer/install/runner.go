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
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// maxOutputTail bounds how much installer output is kept in errors.
const maxOutputTail = 2048

// CommandRunner runs installer commands.
type CommandRunner interface {
	// Run executes name with args in dir. env entries are appended to the
	// current environment. The combined output is returned.
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run implements CommandRunner.
//
// Errors:
//
//	Returns a *CommandError holding the tail of the combined output when
//	the command exits non-zero or cannot be started.
func (r ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Info("running installer",
		slog.String("command", name),
		slog.String("args", strings.Join(args, " ")),
		slog.String("dir", dir))

	if err := cmd.Run(); err != nil {
		return out.Bytes(), &CommandError{
			Command: name + " " + strings.Join(args, " "),
			Output:  tail(out.String(), maxOutputTail),
			Err:     err,
		}
	}
	return out.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
