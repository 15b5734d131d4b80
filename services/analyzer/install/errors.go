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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInstallable is returned when a binary is missing and the
	// analyzer has no install strategy.
	ErrNotInstallable = errors.New("analyzer binary not found and not installable")

	// ErrInstallBackoff is returned while a failed install is cooling down.
	ErrInstallBackoff = errors.New("install suppressed after recent failure")

	// ErrChecksumMismatch is returned when a download does not match its pinned digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrDownloadFailed is returned for non-200 responses and broken transfers.
	ErrDownloadFailed = errors.New("download failed")

	// ErrUnsupportedManager is returned for an unknown package manager.
	ErrUnsupportedManager = errors.New("unsupported package manager")

	// ErrBinaryMissing is returned when an installer succeeded but produced no binary.
	ErrBinaryMissing = errors.New("installer did not produce the expected binary")

	// ErrInstallTimeout is the cause recorded when a shared install outlives
	// the cache's install timeout.
	ErrInstallTimeout = errors.New("install timed out")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("ctx must not be nil")
)

// BackoffError carries the failure that started the current backoff window.
type BackoffError struct {
	Analyzer string
	Failures int
	RetryAt  time.Time
	Last     error
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("analyzer %s: %v (failures=%d, retry at %s): %v",
		e.Analyzer, ErrInstallBackoff, e.Failures, e.RetryAt.Format(time.RFC3339), e.Last)
}

// Is makes errors.Is(err, ErrInstallBackoff) true.
func (e *BackoffError) Is(target error) bool {
	return target == ErrInstallBackoff
}

// CommandError reports a failed installer command with the tail of its output.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }
