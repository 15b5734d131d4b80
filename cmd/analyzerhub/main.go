// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command analyzerhub runs language analyzers for a project and reports
// their merged results.
//
// Usage:
//
//	analyzerhub check src/app.ts src/util.ts
//	analyzerhub hover src/app.ts:12:5
//	analyzerhub definition src/app.ts:12:5
//	analyzerhub install gopls
//	analyzerhub cache info
//	analyzerhub serve --addr 127.0.0.1:8790 --watch
//
// Example requests against `serve`:
//
//	# Touch a file and wait for diagnostics
//	curl -X POST http://127.0.0.1:8790/v1/analyzers/touch \
//	  -H "Content-Type: application/json" \
//	  -d '{"path": "src/app.ts", "wait": true}'
//
//	# Stream analyzer events
//	websocat ws://127.0.0.1:8790/v1/analyzers/events?types=diagnostics
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitOK          = 0
	exitFindings    = 1
	exitFailure     = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errFindings):
		return exitFindings
	case errors.Is(err, errInterrupted):
		return exitInterrupted
	default:
		fmt.Fprintf(os.Stderr, "analyzerhub: %v\n", err)
		return exitFailure
	}
}
