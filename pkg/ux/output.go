// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the terminal output of the mc3 commands.
//
// Output is styled with lipgloss on a terminal. When stdout is redirected
// the printer switches to machine mode: plain "key: value" lines that are
// stable for scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Colors and styles
// =============================================================================

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
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
)

func (i Icon) render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Mode selects styled or plain output.
type Mode string

const (
	ModeRich    Mode = "rich"
	ModeMachine Mode = "machine"
)

// Row is one key/value line of a box.
type Row struct {
	Key   string
	Value string
}

// R builds a Row, formatting value with %v.
func R(key string, value any) Row {
	return Row{Key: key, Value: fmt.Sprint(value)}
}

// Printer writes user-facing output. It is not safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a printer for w. Rich mode is used only when w is a
// terminal.
func NewPrinter(w io.Writer) *Printer {
	mode := ModeMachine
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		mode = ModeRich
	}
	return &Printer{w: w, mode: mode}
}

// NewPrinterMode returns a printer with a fixed mode.
func NewPrinterMode(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) { p.status(IconSuccess, "OK", Styles.Success, text) }

// Warning prints a warning line.
func (p *Printer) Warning(text string) { p.status(IconWarning, "WARN", Styles.Warning, text) }

// Error prints an error line.
func (p *Printer) Error(text string) { p.status(IconError, "ERROR", Styles.Error, text) }

func (p *Printer) status(icon Icon, tag string, style lipgloss.Style, text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.render(), style.Render(text))
}

// Box prints rows under a title. Keys are padded to a common width.
func (p *Printer) Box(title string, rows []Row) {
	if p.mode == ModeMachine {
		for _, r := range rows {
			fmt.Fprintf(p.w, "%s: %s\n", machineKey(r.Key), r.Value)
		}
		return
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Key))
	}
	lines := []string{Styles.Title.Render(title)}
	for _, r := range rows {
		key := Styles.Key.Render(r.Key + strings.Repeat(" ", width-len(r.Key)))
		lines = append(lines, key+"  "+r.Value)
	}
	fmt.Fprintln(p.w, Styles.Box.Render(strings.Join(lines, "\n")))
}

// Matrix prints an integer matrix with row and column indices.
func (p *Printer) Matrix(title string, m [][]int) {
	var b strings.Builder
	if p.mode != ModeMachine {
		fmt.Fprintln(&b, Styles.Title.Render(title))
		fmt.Fprintf(&b, "%6s", "")
		for j := range m {
			fmt.Fprintf(&b, "%8d", j)
		}
		b.WriteByte('\n')
	}
	for i, row := range m {
		if p.mode != ModeMachine {
			fmt.Fprintf(&b, "%6s", Styles.Muted.Render(fmt.Sprintf("%d", i)))
		}
		for j, v := range row {
			if p.mode == ModeMachine {
				if j > 0 {
					b.WriteByte(' ')
				}
				fmt.Fprintf(&b, "%d", v)
				continue
			}
			fmt.Fprintf(&b, "%8d", v)
		}
		b.WriteByte('\n')
	}
	fmt.Fprint(p.w, b.String())
}

func machineKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
}
