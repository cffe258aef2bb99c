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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/perfkit/pkg/baseline"
	"github.com/AleutianAI/perfkit/pkg/clock"
	"github.com/AleutianAI/perfkit/pkg/config"
	"github.com/AleutianAI/perfkit/pkg/profiler"
	"github.com/AleutianAI/perfkit/pkg/report"
	"github.com/AleutianAI/perfkit/pkg/server"
	"github.com/AleutianAI/perfkit/pkg/suite"
	"github.com/AleutianAI/perfkit/pkg/telemetry"
	"github.com/AleutianAI/perfkit/pkg/workloads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// applyRunFlags overlays the run flags that were set explicitly.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, f *runFlags, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("file") {
		cfg.Wave.File = f.file
	}
	if flags.Changed("size") {
		cfg.Wave.Size = f.size
	}
	if flags.Changed("budget") {
		cfg.Wave.Budget = f.budget
	}
	if flags.Changed("rounds") {
		cfg.Wave.Rounds = f.rounds
	}
	if flags.Changed("profile") {
		cfg.Profiler.Enabled = f.profile
	}
	if flags.Changed("listen") {
		cfg.Telemetry.Listen = f.listen
	}
	if flags.Changed("baseline") {
		cfg.Baseline.Enabled = f.baseline
	}
	if flags.Changed("markdown") {
		cfg.Report.Markdown = f.markdown
	}
	if len(args) > 0 {
		cfg.Wave.Workloads = args
	}
	return cfg.Validate()
}

// sinks holds every telemetry destination of a run.
type sinks struct {
	sink      telemetry.Sink
	providers *telemetry.Providers
	gatherers []prometheus.Gatherer
}

func (s *sinks) close(ctx context.Context, logger *slog.Logger) {
	if err := s.sink.Flush(ctx); err != nil {
		logger.Warn("telemetry flush failed", slog.String("error", err.Error()))
	}
	if err := s.sink.Close(); err != nil {
		logger.Warn("telemetry close failed", slog.String("error", err.Error()))
	}
	if s.providers != nil {
		if err := s.providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
}

func buildSinks(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (*sinks, error) {
	tc := cfg.Telemetry
	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    tc.ServiceName,
		ServiceVersion: version,
		TraceExporter:  tc.TraceExporter,
		MetricExporter: tc.MetricExporter,
		OTLPEndpoint:   tc.OTLPEndpoint,
		OTLPInsecure:   tc.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	out := &sinks{providers: providers}
	var all []telemetry.Sink

	if tc.Prometheus || tc.Listen != "" {
		reg := prometheus.NewRegistry()
		pcfg := telemetry.DefaultPrometheusConfig()
		pcfg.Registry = reg
		promSink, err := telemetry.NewPrometheusSink(pcfg)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, err
		}
		all = append(all, promSink)
		out.gatherers = append(out.gatherers, reg)
	}
	if providers.Gatherer != nil {
		out.gatherers = append(out.gatherers, providers.Gatherer)
	}

	if tc.TraceExporter != "none" || tc.MetricExporter != "none" {
		ocfg := telemetry.DefaultOTelConfig()
		ocfg.ServiceVersion = version
		ocfg.TracerProvider = providers.TracerProvider
		ocfg.MeterProvider = providers.MeterProvider
		ocfg.TraceEnabled = tc.TraceExporter != "none"
		ocfg.MetricsEnabled = tc.MetricExporter != "none"
		otelSink, err := telemetry.NewOTelSink(ocfg)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, err
		}
		all = append(all, otelSink)
	}

	if tc.Influx.URL != "" {
		influxSink, err := telemetry.NewInfluxSink(telemetry.InfluxConfig{
			URL:    tc.Influx.URL,
			Token:  tc.Influx.Token,
			Org:    tc.Influx.Org,
			Bucket: tc.Influx.Bucket,
			RunID:  runID,
		})
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, err
		}
		all = append(all, influxSink)
	}

	if len(all) == 0 {
		out.sink = telemetry.NewNoOpSink()
		return out, nil
	}
	composite, err := telemetry.NewCompositeSink(all...)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	out.sink = composite
	logger.Debug("telemetry sinks ready", slog.Int("sinks", len(all)))
	return out, nil
}

// prepareInput fills in a temp input file when none is configured and makes
// sure it holds Size bytes.
func prepareInput(cfg *config.Config, logger *slog.Logger) (cleanup func(), err error) {
	cleanup = func() {}
	if !workloads.NeedFile(cfg.Wave.Workloads) {
		return cleanup, nil
	}
	if cfg.Wave.File == "" {
		dir, err := os.MkdirTemp("", "perfkit-")
		if err != nil {
			return cleanup, fmt.Errorf("create temp dir: %w", err)
		}
		cfg.Wave.File = filepath.Join(dir, "input.bin")
		cleanup = func() { _ = os.RemoveAll(dir) }
	}
	written, err := workloads.PrepareFile(cfg.Wave.File, uint64(cfg.Wave.Size))
	if err != nil {
		cleanup()
		return func() {}, err
	}
	if written {
		logger.Info("input file written", slog.String("path", cfg.Wave.File), slog.Int64("bytes", cfg.Wave.Size))
	}
	return cleanup, nil
}

// baselineHook returns the per-wave callback that compares against and
// updates the store.
func baselineHook(store *baseline.Store, runID string, out io.Writer, logger *slog.Logger) func(suite.Outcome) {
	return func(o suite.Outcome) {
		rec := o.Baseline(runID, time.Now().UTC())
		if rec == nil {
			return
		}
		cmp, stored, err := store.Update(rec)
		if err != nil {
			logger.Warn("baseline update failed", slog.String("case", o.Name), slog.String("error", err.Error()))
			return
		}
		fmt.Fprintln(out, cmp.String())
		if stored {
			logger.Debug("baseline stored", slog.String("case", o.Name), slog.Duration("min", rec.Min))
		}
	}
}

func runBench(cmd *cobra.Command, g *globalFlags, f *runFlags, args []string) error {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg, f, args); err != nil {
		return err
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Slog()
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanupInput, err := prepareInput(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupInput()

	runID := baseline.NewRunID()
	logger = logger.With("run_id", runID)

	sk, err := buildSinks(ctx, cfg, runID, logger)
	if err != nil {
		return err
	}
	defer sk.close(context.Background(), logger)

	prof := profiler.New(cfg.Profiler.Enabled)
	cases, err := workloads.Build(cfg.Wave.Workloads, workloads.Params{
		Path:      cfg.Wave.File,
		Size:      uint64(cfg.Wave.Size),
		ChunkSize: cfg.Wave.ChunkSize,
		Profiler:  prof,
	})
	if err != nil {
		return err
	}

	var faults clock.FaultCounter = clock.NoFaults{}
	if cfg.Wave.PageFaults {
		faults = clock.OSFaults{}
	}
	opts := []suite.Option{
		suite.WithBudget(cfg.Wave.Budget),
		suite.WithFaultCounter(faults),
		suite.WithOutput(out),
		suite.WithInPlace(report.Terminal(out)),
		suite.WithLogger(logger),
		suite.WithProfiler(prof),
		suite.WithSink(sk.sink),
		suite.WithLabels(map[string]string{"run_id": runID}),
	}

	if cfg.Baseline.Enabled {
		store, err := baseline.Open(cfg.Baseline.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, suite.WithOnWave(baselineHook(store, runID, out, logger)))
	}

	s, err := suite.New(cases, opts...)
	if err != nil {
		return err
	}

	var srv *server.Server
	if cfg.Telemetry.Listen != "" {
		srv, err = server.New(server.Config{
			Addr:        cfg.Telemetry.Listen,
			ServiceName: cfg.Telemetry.ServiceName,
			Gatherers:   append(sk.gatherers, prometheus.DefaultGatherer),
			Status:      s,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Status server on http://%s\n", srv.Addr())
	}

	logger.Info("run starting",
		slog.String("workloads", strings.Join(s.Names(), ",")),
		slog.Int("rounds", cfg.Wave.Rounds),
		slog.Duration("budget", cfg.Wave.Budget))

	prof.Start()
	runErr := runSuite(ctx, s, srv, cfg.Wave.Rounds)
	prof.Stop()

	if cfg.Profiler.Enabled {
		fmt.Fprintln(out)
		if err := prof.Report(out); err != nil {
			return err
		}
		if err := sk.sink.RecordProfile(context.Background(), suite.ProfileData(runID, prof, time.Now())); err != nil {
			logger.Warn("recording profile failed", slog.String("error", err.Error()))
		}
	}

	fmt.Fprintln(out)
	if err := report.WriteSummary(out, s.Outcomes()); err != nil {
		return err
	}

	if cfg.Report.Markdown != "" {
		if err := report.WriteMarkdown(cfg.Report.Markdown, s.Outcomes()); err != nil {
			return err
		}
		logger.Info("markdown report written", slog.String("path", cfg.Report.Markdown))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if failed := s.Failed(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, o := range failed {
			names[i] = o.Name
		}
		return fmt.Errorf("%d case(s) failed: %s", len(failed), strings.Join(names, ", "))
	}
	return nil
}

// runSuite runs the suite and, when srv is set, serves status alongside it
// until the suite finishes.
func runSuite(ctx context.Context, s *suite.Suite, srv *server.Server, rounds int) error {
	if srv == nil {
		return s.Run(ctx, rounds)
	}

	grp, gCtx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gCtx)
	defer stopServer()

	grp.Go(func() error {
		return srv.Run(serverCtx)
	})
	grp.Go(func() error {
		defer stopServer()
		return s.Run(gCtx, rounds)
	})
	return grp.Wait()
}
