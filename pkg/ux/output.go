// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders analyzerhub CLI output.
package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// Aleutian color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorInfo    = lipgloss.Color("#20B9B4")
	ColorMuted   = lipgloss.Color("#7F8C8D")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Path    lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Info:    lipgloss.NewStyle().Foreground(ColorInfo),
	Path:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "ℹ"
	IconHint    Icon = "•"
	IconPending Icon = "○"
)

// Printer writes styled output to one writer.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a printer for w in the given mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}

func (p *Printer) line(icon Icon, s lipgloss.Style, label, text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s: %s\n", label, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", p.style(s, string(icon)), text)
	}
}

// Success prints a success line.
func (p *Printer) Success(text string) { p.line(IconSuccess, Styles.Success, "OK", text) }

// Warning prints a warning line.
func (p *Printer) Warning(text string) { p.line(IconWarning, Styles.Warning, "WARN", text) }

// Error prints an error line.
func (p *Printer) Error(text string) { p.line(IconError, Styles.Error, "ERROR", text) }

// Title prints a heading. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.w, p.style(Styles.Title, text))
}

// Box prints content in a rounded box; machine mode prints "title: content".
func (p *Printer) Box(title, content string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func severityIcon(s lsp.DiagnosticSeverity) (Icon, lipgloss.Style, string) {
	switch s {
	case lsp.SeverityError:
		return IconError, Styles.Error, "error"
	case lsp.SeverityWarning:
		return IconWarning, Styles.Warning, "warning"
	case lsp.SeverityInformation:
		return IconInfo, Styles.Info, "info"
	default:
		return IconHint, Styles.Muted, "hint"
	}
}

// Counts tallies diagnostics by severity.
type Counts struct {
	Errors   int
	Warnings int
	Other    int
}

// Add tallies diags into c.
func (c *Counts) Add(diags []lsp.Diagnostic) {
	for _, d := range diags {
		switch d.Severity {
		case lsp.SeverityError:
			c.Errors++
		case lsp.SeverityWarning:
			c.Warnings++
		default:
			c.Other++
		}
	}
}

// Diagnostics prints the diagnostics of one file sorted by position.
//
// Rich and plain output groups under the path; machine output is one
// "path:line:col\tseverity\tanalyzer\tmessage" line per diagnostic with
// one-based line and column.
func (p *Printer) Diagnostics(path string, diags []lsp.Diagnostic) {
	sorted := append([]lsp.Diagnostic(nil), diags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Range.Start, sorted[j].Range.Start
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Character < b.Character
	})

	if p.mode == ModeMachine {
		for _, d := range sorted {
			_, _, sev := severityIcon(d.Severity)
			fmt.Fprintf(p.w, "%s:%d:%d\t%s\t%s\t%s\n",
				path, d.Range.Start.Line+1, d.Range.Start.Character+1,
				sev, d.Analyzer, oneLine(d.Message))
		}
		return
	}

	if len(sorted) == 0 {
		fmt.Fprintf(p.w, "%s %s\n", p.style(Styles.Success, string(IconSuccess)), p.style(Styles.Path, path))
		return
	}
	fmt.Fprintln(p.w, p.style(Styles.Path, path))
	for _, d := range sorted {
		icon, st, _ := severityIcon(d.Severity)
		pos := fmt.Sprintf("%d:%d", d.Range.Start.Line+1, d.Range.Start.Character+1)
		source := d.Analyzer
		if d.Source != "" && d.Source != d.Analyzer {
			source = strings.TrimPrefix(source+"/"+d.Source, "/")
		}
		fmt.Fprintf(p.w, "  %s %-8s %s %s\n",
			p.style(st, string(icon)),
			p.style(Styles.Muted, pos),
			oneLine(d.Message),
			p.style(Styles.Muted, "("+source+")"))
	}
}

// Summary prints the totals line for a check run.
func (p *Printer) Summary(c Counts, files int) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "SUMMARY: files=%d errors=%d warnings=%d other=%d\n", files, c.Errors, c.Warnings, c.Other)
		return
	}
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s\n",
		p.style(Styles.Error, fmt.Sprint(c.Errors)), p.style(Styles.Muted, "errors"),
		p.style(Styles.Warning, fmt.Sprint(c.Warnings)), p.style(Styles.Muted, "warnings"),
		p.style(Styles.Bold, fmt.Sprint(files)), p.style(Styles.Muted, "files"),
	)
}

// Table prints rows with aligned columns. Machine mode separates with tabs.
func (p *Printer) Table(header []string, rows [][]string) {
	if p.mode == ModeMachine {
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			if w := lipgloss.Width(r[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}
	render := func(cells []string, s lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			pad := 0
			if i < len(widths) {
				pad = widths[i] - lipgloss.Width(c)
			}
			parts[i] = p.style(s, c) + strings.Repeat(" ", max(pad, 0))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(p.w, render(header, Styles.Bold))
	for _, r := range rows {
		fmt.Fprintln(p.w, render(r, lipgloss.NewStyle()))
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
