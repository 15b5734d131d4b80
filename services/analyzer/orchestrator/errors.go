// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import "errors"

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("ctx must not be nil")

	// ErrShuttingDown is returned once ShutdownAll has run.
	ErrShuttingDown = errors.New("orchestrator is shut down")

	// ErrAnalyzerDisabled is returned when a disabled analyzer is asked to start.
	ErrAnalyzerDisabled = errors.New("analyzer is disabled")

	// ErrSpawnBackoff is returned while a recent spawn or handshake failure
	// for the same analyzer and root is cooling down.
	ErrSpawnBackoff = errors.New("analyzer start suppressed after recent failure")
)
