// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/AleutianAI/perfkit/pkg/telemetry"

// ErrOTelInitFailed is returned when instrument creation fails.
var ErrOTelInitFailed = errors.New("opentelemetry initialization failed")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// OTelConfig configures the OpenTelemetry sink.
type OTelConfig struct {
	// ServiceVersion is attached to the tracer and meter.
	ServiceVersion string

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider

	// TraceEnabled creates one span per wave, profile and error.
	TraceEnabled bool

	// MetricsEnabled records instruments.
	MetricsEnabled bool
}

// DefaultOTelConfig enables both traces and metrics on the global providers.
func DefaultOTelConfig() *OTelConfig {
	return &OTelConfig{
		ServiceVersion: "dev",
		TraceEnabled:   true,
		MetricsEnabled: true,
	}
}

// -----------------------------------------------------------------------------
// OTel Sink
// -----------------------------------------------------------------------------

// OTelSink records waves as spans and instruments.
//
// Description:
//
//	Each wave becomes a "wave.record" span carrying its results. A profile
//	becomes a "profile.record" span with one child span per label, so the
//	label hierarchy is visible in a trace viewer.
//
// Thread Safety: Safe for concurrent use.
type OTelSink struct {
	config *OTelConfig
	tracer trace.Tracer
	meter  metric.Meter

	waveMin        metric.Float64Histogram
	waveAvg        metric.Float64Gauge
	waveThroughput metric.Float64Gauge
	waveTrials     metric.Int64Gauge
	wavesTotal     metric.Int64Counter
	spanExclusive  metric.Float64Gauge
	spanHits       metric.Int64Gauge
	errorsTotal    metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewOTelSink creates the sink and its instruments.
func NewOTelSink(config *OTelConfig) (*OTelSink, error) {
	if config == nil {
		return nil, ErrInvalidConfig
	}
	cfg := *config

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	s := &OTelSink{
		config: &cfg,
		tracer: tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		meter:  mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
	}

	if cfg.MetricsEnabled {
		if err := s.initializeMetrics(); err != nil {
			return nil, errors.Join(ErrOTelInitFailed, err)
		}
	}
	return s, nil
}

func (s *OTelSink) initializeMetrics() error {
	var errs []error
	var err error

	s.waveMin, err = s.meter.Float64Histogram("perfkit.wave.min",
		metric.WithDescription("Fastest trial time per wave"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	s.waveAvg, err = s.meter.Float64Gauge("perfkit.wave.avg",
		metric.WithDescription("Mean trial time of the case"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	s.waveThroughput, err = s.meter.Float64Gauge("perfkit.wave.throughput",
		metric.WithDescription("Throughput of the fastest trial"),
		metric.WithUnit("GiBy/s"))
	errs = append(errs, err)

	s.waveTrials, err = s.meter.Int64Gauge("perfkit.wave.trials",
		metric.WithDescription("Trials folded into the case results"),
		metric.WithUnit("{trial}"))
	errs = append(errs, err)

	s.wavesTotal, err = s.meter.Int64Counter("perfkit.waves",
		metric.WithDescription("Finished waves"),
		metric.WithUnit("{wave}"))
	errs = append(errs, err)

	s.spanExclusive, err = s.meter.Float64Gauge("perfkit.span.exclusive",
		metric.WithDescription("Exclusive time of a profiler label"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	s.spanHits, err = s.meter.Int64Gauge("perfkit.span.hits",
		metric.WithDescription("Times a profiler label was closed"),
		metric.WithUnit("{hit}"))
	errs = append(errs, err)

	s.errorsTotal, err = s.meter.Int64Counter("perfkit.errors",
		metric.WithDescription("Errors by component and operation"),
		metric.WithUnit("{error}"))
	errs = append(errs, err)

	return errors.Join(errs...)
}

func (s *OTelSink) open(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

func labelAttrs(attrs []attribute.KeyValue, labels map[string]string) []attribute.KeyValue {
	for k, v := range labels {
		attrs = append(attrs, attribute.String("label."+k, v))
	}
	return attrs
}

// RecordWave emits a wave span and updates the wave instruments.
func (s *OTelSink) RecordWave(ctx context.Context, data *WaveData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	name := orUnknown(data.Name)
	attrs := labelAttrs([]attribute.KeyValue{
		attribute.String("wave.case", name),
		attribute.String("wave.state", orUnknown(data.State)),
	}, data.Labels)

	if s.config.TraceEnabled {
		_, span := s.tracer.Start(ctx, "wave.record",
			trace.WithAttributes(attrs...),
			trace.WithTimestamp(data.Timestamp),
		)
		span.SetAttributes(
			attribute.Int("wave.round", data.Round),
			attribute.Int64("wave.trials", int64(data.Trials)),
			attribute.Float64("wave.min_seconds", data.Min.Seconds()),
			attribute.Float64("wave.max_seconds", data.Max.Seconds()),
			attribute.Float64("wave.avg_seconds", data.Avg.Seconds()),
			attribute.Int64("wave.bytes", int64(data.Bytes)),
			attribute.Float64("wave.gb_per_second", data.GBPerSecond),
			attribute.Int64("wave.page_faults", int64(data.PageFaults)),
		)
		if data.State == "error" {
			span.SetStatus(codes.Error, "wave failed")
		}
		span.End(trace.WithTimestamp(data.Timestamp))
	}

	if s.config.MetricsEnabled {
		set := metric.WithAttributes(attrs...)
		s.wavesTotal.Add(ctx, 1, set)
		if data.Trials > 0 {
			caseOnly := metric.WithAttributes(attribute.String("wave.case", name))
			s.waveMin.Record(ctx, data.Min.Seconds(), caseOnly)
			s.waveAvg.Record(ctx, data.Avg.Seconds(), caseOnly)
			s.waveThroughput.Record(ctx, data.GBPerSecond, caseOnly)
			s.waveTrials.Record(ctx, int64(data.Trials), caseOnly)
		}
	}
	return nil
}

// RecordProfile emits a profile span with one child per label.
func (s *OTelSink) RecordProfile(ctx context.Context, data *ProfileData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	if s.config.TraceEnabled {
		start := data.Timestamp.Add(-data.Elapsed)
		pctx, parent := s.tracer.Start(ctx, "profile.record",
			trace.WithTimestamp(start),
			trace.WithAttributes(
				attribute.String("profile.name", data.Name),
				attribute.Float64("profile.elapsed_seconds", data.Elapsed.Seconds()),
				attribute.Int("profile.labels", len(data.Spans)),
			),
		)
		for _, sp := range data.Spans {
			_, child := s.tracer.Start(pctx, "span."+orUnknown(sp.Label),
				trace.WithTimestamp(start),
				trace.WithAttributes(
					attribute.String("span.label", sp.Label),
					attribute.String("span.parent", sp.Parent),
					attribute.Float64("span.total_seconds", sp.Total.Seconds()),
					attribute.Float64("span.exclusive_seconds", sp.Exclusive.Seconds()),
					attribute.Int64("span.hits", int64(sp.Hits)),
					attribute.Int64("span.bytes", int64(sp.Bytes)),
				),
			)
			child.End(trace.WithTimestamp(start.Add(sp.Total)))
		}
		parent.End(trace.WithTimestamp(data.Timestamp))
	}

	if s.config.MetricsEnabled {
		for _, sp := range data.Spans {
			set := metric.WithAttributes(attribute.String("span.label", orUnknown(sp.Label)))
			s.spanExclusive.Record(ctx, sp.Exclusive.Seconds(), set)
			s.spanHits.Record(ctx, int64(sp.Hits), set)
		}
	}
	return nil
}

// RecordError emits an error span and increments the error counter.
func (s *OTelSink) RecordError(ctx context.Context, data *ErrorData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	component := orUnknown(data.Component)
	operation := orUnknown(data.Operation)

	if s.config.TraceEnabled {
		_, span := s.tracer.Start(ctx, "error.record",
			trace.WithTimestamp(data.Timestamp),
			trace.WithAttributes(labelAttrs([]attribute.KeyValue{
				attribute.String("error.component", component),
				attribute.String("error.operation", operation),
				attribute.String("error.message", data.Message),
			}, data.Labels)...),
		)
		span.SetStatus(codes.Error, data.Message)
		span.End(trace.WithTimestamp(data.Timestamp))
	}

	if s.config.MetricsEnabled {
		s.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("operation", operation),
		))
	}
	return nil
}

// Flush is a no-op; the providers are flushed by the shutdown func from Init.
func (s *OTelSink) Flush(ctx context.Context) error {
	return s.open(ctx)
}

// Close marks the sink closed. Providers are shared and not shut down here.
func (s *OTelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Sink = (*OTelSink)(nil)
