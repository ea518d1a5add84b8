// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/turnstile-access/turnstile/session"
)

// printer writes command results. Styling applies only when the
// output is a terminal.
type printer struct {
	w      io.Writer
	styled bool

	good   lipgloss.Style
	warn   lipgloss.Style
	header lipgloss.Style
	faint  lipgloss.Style
}

func newPrinter(w io.Writer, styled bool) *printer {
	return &printer{
		w:      w,
		styled: styled,
		good:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		header: lipgloss.NewStyle().Bold(true).Underline(true),
		faint:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (p *printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// delivery reports what happened to a message sent to deviceID.
func (p *printer) delivery(delivery session.Delivery, count int, deviceID string) {
	switch delivery {
	case session.Published:
		fmt.Fprintf(p.w, "%s %d command(s) to %s\n", p.render(p.good, "published"), count, deviceID)
	default:
		fmt.Fprintf(p.w, "%s %d command(s) for %s %s\n", p.render(p.warn, "queued"), count, deviceID,
			p.render(p.faint, "(run 'turnstile-enroll flush' once the broker is reachable)"))
	}
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// table prints rows in left-aligned columns.
func (p *printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for column, header := range headers {
		widths[column] = lipgloss.Width(header)
	}
	for _, row := range rows {
		for column, cell := range row {
			widths[column] = max(widths[column], lipgloss.Width(cell))
		}
	}

	writeRow := func(cells []string, style *lipgloss.Style) {
		var line strings.Builder
		for column, cell := range cells {
			padded := cell + strings.Repeat(" ", widths[column]-lipgloss.Width(cell))
			if style != nil {
				padded = p.render(*style, padded)
			}
			line.WriteString(padded)
			if column < len(cells)-1 {
				line.WriteString("   ")
			}
		}
		fmt.Fprintln(p.w, strings.TrimRight(line.String(), " "))
	}
	writeRow(headers, &p.header)
	for _, row := range rows {
		writeRow(row, nil)
	}
}
