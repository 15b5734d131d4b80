// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how rich CLI output is.
type Mode string

const (
	// ModeRich uses colors and icons.
	ModeRich Mode = "rich"

	// ModePlain uses icons without colors.
	ModePlain Mode = "plain"

	// ModeMachine prints tab separated lines suitable for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or environment value. Unknown values are
// ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "minimal", "min":
		return ModePlain
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks a mode for w.
//
// ANALYZERHUB_OUTPUT wins when set. Otherwise a non-terminal gets
// ModeMachine, and NO_COLOR on a terminal gets ModePlain.
func DetectMode(w io.Writer) Mode {
	if env := os.Getenv("ANALYZERHUB_OUTPUT"); env != "" {
		return ParseMode(env)
	}
	if !IsTerminal(w) {
		return ModeMachine
	}
	if os.Getenv("NO_COLOR") != "" {
		return ModePlain
	}
	return ModeRich
}

// IsTerminal reports whether w is a terminal, including Cygwin ptys.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
