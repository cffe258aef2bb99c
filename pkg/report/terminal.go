// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"fmt"
	"io"

	"github.com/AleutianAI/perfkit/pkg/reptest"
	"github.com/AleutianAI/perfkit/pkg/suite"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorBorder  = lipgloss.Color("#16858E")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorError   = lipgloss.Color("#E74C3C")
)

// WriteSummary prints a bordered summary table of outcomes to w. Colors are
// only emitted when w is a color-capable terminal.
func WriteSummary(w io.Writer, outcomes []suite.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	r := lipgloss.NewRenderer(w)
	cell := r.NewStyle().Padding(0, 1)
	header := cell.Bold(true).Foreground(colorAccent)
	ok := cell.Foreground(colorSuccess)
	bad := cell.Foreground(colorError)

	rows := Rows(outcomes)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.NewStyle().Foreground(colorBorder)).
		Headers(columns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == 1 && row >= 0 && row < len(outcomes) {
				if outcomes[row].State == reptest.StateError {
					return bad
				}
				return ok
			}
			return cell
		})

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
