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
	"fmt"
	"time"

	"github.com/AleutianAI/perfkit/pkg/config"
	"github.com/AleutianAI/perfkit/pkg/logging"
	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

// runFlags override configuration values for one run.
type runFlags struct {
	file     string
	size     int64
	budget   time.Duration
	rounds   int
	profile  bool
	listen   string
	baseline bool
	markdown string
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag state
// out of package globals, so tests can execute commands repeatedly.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "perfkit",
		Short: "Repetition testing and span profiling for hot code paths",
		Long: `perfkit runs measured cases repeatedly until no faster trial appears
for a full time budget, and reports the best, worst and mean trial along with
throughput and page faults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(
		newRunCmd(g),
		newListCmd(),
		newBaselineCmd(g),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [workload...]",
		Short: "Run workloads through the repetition tester",
		Long: `Run the named workloads, or all of them, once per round. Each wave ends
after the budget elapses without a new fastest trial.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, g, f, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.file, "file", "", "input file for read workloads (created if missing)")
	flags.Int64Var(&f.size, "size", 0, "input and buffer size in bytes")
	flags.DurationVar(&f.budget, "budget", 0, "time without a new minimum before a wave completes")
	flags.IntVar(&f.rounds, "rounds", 0, "passes over all workloads, 0 runs until interrupted")
	flags.BoolVar(&f.profile, "profile", false, "enable the span profiler and print its report")
	flags.StringVar(&f.listen, "listen", "", "serve /metrics and /status on this address")
	flags.BoolVar(&f.baseline, "baseline", false, "compare against and update the baseline store")
	flags.StringVar(&f.markdown, "markdown", "", "write a Markdown summary to this file")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in workloads",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func newBaselineCmd(g *globalFlags) *cobra.Command {
	baselineCmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage stored baselines",
	}
	baselineCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show the stored best result of every case",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBaselineList(cmd, g)
			},
		},
		&cobra.Command{
			Use:   "clear [case...]",
			Short: "Delete stored baselines, all of them without arguments",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBaselineClear(cmd, g, args)
			},
		},
	)
	return baselineCmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "perfkit.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})
	return configCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "perfkit %s\n", version)
		},
	}
}

// loadConfig loads the configuration and applies the persistent flags.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Logging.JSON = g.logJSON
	}
	return cfg, cfg.Validate()
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "perfkit",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	}), nil
}
