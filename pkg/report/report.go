// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders suite outcomes for humans.
package report

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/AleutianAI/perfkit/pkg/suite"
	markdown "github.com/fbiville/markdown-table-formatter/pkg/markdown"
	"github.com/mattn/go-isatty"
)

var columns = []string{"Case", "State", "Trials", "Min", "Max", "Avg", "GB/s", "Page faults"}

// Rows converts outcomes to table cells, one row per case.
func Rows(outcomes []suite.Outcome) [][]string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		row := []string{o.Name, o.State.String(), strconv.FormatUint(o.Results.Totals.TestCount, 10), "-", "-", "-", "-", "-"}
		if o.Results.HasMin() {
			row[3] = o.Min().String()
			row[4] = o.Max().String()
			row[5] = o.Avg().String()
			row[6] = strconv.FormatFloat(o.GBPerSecond(), 'f', 4, 64)
			row[7] = strconv.FormatUint(o.Results.Min.PageFaults, 10)
		}
		rows = append(rows, row)
	}
	return rows
}

// Markdown renders the outcomes as a pretty-printed Markdown table.
func Markdown(outcomes []suite.Outcome) (string, error) {
	table, err := markdown.NewTableFormatterBuilder().
		WithPrettyPrint().
		Build(columns...).
		Format(Rows(outcomes))
	if err != nil {
		return "", fmt.Errorf("format markdown table: %w", err)
	}
	return table, nil
}

// WriteMarkdown writes the table to path, replacing any existing file.
func WriteMarkdown(path string, outcomes []suite.Outcome) error {
	table, err := Markdown(outcomes)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(table), 0644); err != nil {
		return fmt.Errorf("write markdown report: %w", err)
	}
	return nil
}

// Terminal reports whether w is an interactive terminal, which decides
// whether progress lines are rewritten in place.
func Terminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
