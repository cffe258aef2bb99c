// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/perfkit/pkg/baseline"
	"github.com/AleutianAI/perfkit/pkg/workloads"
	markdown "github.com/fbiville/markdown-table-formatter/pkg/markdown"
	"github.com/spf13/cobra"
)

func runList(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	for _, w := range workloads.All() {
		input := ""
		if w.NeedsFile {
			input = " (reads --file)"
		}
		fmt.Fprintf(out, "%-14s %s%s\n", w.Name, w.Description, input)
	}
	return nil
}

func openBaseline(cmd *cobra.Command, g *globalFlags) (*baseline.Store, func(), error) {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := baseline.Open(cfg.Baseline.Path, log.Slog())
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		_ = log.Close()
	}, nil
}

func runBaselineList(cmd *cobra.Command, g *globalFlags) error {
	store, done, err := openBaseline(cmd, g)
	if err != nil {
		return err
	}
	defer done()

	records, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintf(out, "No baselines in %s\n", store.Path())
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Case,
			r.Min.String(),
			strconv.FormatFloat(r.GBPerSecond, 'f', 4, 64),
			strconv.FormatUint(r.Trials, 10),
			r.RecordedAt.Format(time.RFC3339),
			r.RunID,
		})
	}
	table, err := markdown.NewTableFormatterBuilder().
		WithPrettyPrint().
		Build("Case", "Min", "GB/s", "Trials", "Recorded", "Run").
		Format(rows)
	if err != nil {
		return fmt.Errorf("format baseline table: %w", err)
	}
	fmt.Fprint(out, table)
	return nil
}

func runBaselineClear(cmd *cobra.Command, g *globalFlags, names []string) error {
	store, done, err := openBaseline(cmd, g)
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		n, err := store.Clear()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Cleared %d baseline(s)\n", n)
		return nil
	}

	for _, name := range names {
		if _, err := store.Get(name); errors.Is(err, baseline.ErrNotFound) {
			fmt.Fprintf(out, "No baseline for %s\n", name)
			continue
		}
		if err := store.Delete(name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Cleared %s\n", name)
	}
	return nil
}
