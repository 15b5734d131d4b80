// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// SpawnSpec describes how to start an analyzer process.
type SpawnSpec struct {
	// Analyzer is the analyzer id, used for logging only.
	Analyzer string

	// Command is an absolute path or a name resolvable on PATH.
	Command string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory, normally the session root.
	Dir string

	// Env is appended to the current environment.
	Env []string
}

// Process is a running analyzer with piped stdio.
type Process interface {
	// Stdin is the analyzer's input stream.
	Stdin() io.WriteCloser

	// Stdout is the analyzer's output stream.
	Stdout() io.ReadCloser

	// Pid returns the operating system process id, 0 when not applicable.
	Pid() int

	// Wait blocks until the process exits. Safe to call more than once.
	Wait() error

	// Kill terminates the process and anything it started.
	Kill() error
}

// Spawner starts analyzer processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner starts real subprocesses with os/exec.
//
// Stderr output is forwarded line by line to Logger at debug level.
type ExecSpawner struct {
	Logger *slog.Logger
}

// Spawn starts the process described by spec.
//
// Description:
//
//	The process is not bound to ctx; ctx only guards the start itself.
//	Sessions outlive the request that created them and are stopped
//	explicitly through Kill.
//
// Errors:
//
//	Returns a *SpawnError when the command cannot be started.
func (s ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Analyzer: spec.Analyzer, Command: spec.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Analyzer: spec.Analyzer, Command: spec.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Analyzer: spec.Analyzer, Command: spec.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Analyzer: spec.Analyzer, Command: spec.Command, Err: err}
	}

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go forwardStderr(stderr, logger.With(slog.String("analyzer", spec.Analyzer)))
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
	<-p.done
	return p.waitErr
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killProcessGroup(p.cmd)
}

func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		logger.Debug("analyzer stderr", slog.String("line", scanner.Text()))
	}
}
