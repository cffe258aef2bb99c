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

	"github.com/prometheus/client_golang/prometheus"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig is returned when a sink configuration is invalid.
	ErrInvalidConfig = errors.New("invalid telemetry configuration")

	// ErrRegistrationFailed is returned when metric registration fails.
	ErrRegistrationFailed = errors.New("metric registration failed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// PrometheusConfig configures the Prometheus sink.
type PrometheusConfig struct {
	// Namespace is the metrics namespace. Required.
	Namespace string

	// Subsystem is the metrics subsystem. Required.
	Subsystem string

	// Registry receives the collectors. If nil, prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// DurationBuckets are the histogram buckets for wave minimums, in seconds.
	DurationBuckets []float64

	// MaxLabelCardinality caps distinct values per label; extra values are
	// mapped to "_other". Default: 1000.
	MaxLabelCardinality int
}

// DefaultPrometheusConfig returns namespace "perfkit", subsystem "bench".
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Namespace:           "perfkit",
		Subsystem:           "bench",
		DurationBuckets:     prometheus.ExponentialBuckets(1e-6, 4, 14),
		MaxLabelCardinality: 1000,
	}
}

// Validate checks that required fields are set.
func (c *PrometheusConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.Subsystem == "" {
		return errors.New("subsystem is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Prometheus Sink
// -----------------------------------------------------------------------------

// PrometheusSink exposes the latest wave and profile results as gauges and
// counts waves and errors.
//
// Thread Safety: Safe for concurrent use.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	cfg := telemetry.DefaultPrometheusConfig()
//	cfg.Registry = reg
//	sink, err := telemetry.NewPrometheusSink(cfg)
type PrometheusSink struct {
	config   *PrometheusConfig
	registry prometheus.Registerer

	waveMin        *prometheus.GaugeVec
	waveMax        *prometheus.GaugeVec
	waveAvg        *prometheus.GaugeVec
	waveMinHist    *prometheus.HistogramVec
	waveTrials     *prometheus.GaugeVec
	waveThroughput *prometheus.GaugeVec
	wavePageFaults *prometheus.GaugeVec
	wavesTotal     *prometheus.CounterVec

	spanExclusive *prometheus.GaugeVec
	spanHits      *prometheus.GaugeVec
	spanBytes     *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	mu         sync.RWMutex
	closed     bool
	collectors []prometheus.Collector

	labelMu        sync.RWMutex
	seenLabels     map[string]map[string]struct{}
	maxCardinality int
}

// NewPrometheusSink creates and registers the perfkit collectors.
//
// Outputs:
//   - *PrometheusSink: Never nil on success.
//   - error: ErrInvalidConfig or ErrRegistrationFailed, joined with the cause.
//
// An AlreadyRegisteredError is tolerated so a second sink on the same
// registry shares the first sink's collectors.
func NewPrometheusSink(config *PrometheusConfig) (*PrometheusSink, error) {
	if config == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	cfg := *config
	if cfg.DurationBuckets == nil {
		cfg.DurationBuckets = DefaultPrometheusConfig().DurationBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	maxCard := cfg.MaxLabelCardinality
	if maxCard <= 0 {
		maxCard = 1000
	}

	s := &PrometheusSink{
		config:         &cfg,
		registry:       registry,
		seenLabels:     make(map[string]map[string]struct{}),
		maxCardinality: maxCard,
	}

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	s.waveMin = gauge("wave_min_seconds", "Fastest trial time of the case", "case")
	s.waveMax = gauge("wave_max_seconds", "Slowest trial time of the case", "case")
	s.waveAvg = gauge("wave_avg_seconds", "Mean trial time of the case", "case")
	s.waveTrials = gauge("wave_trials", "Trials folded into the case results", "case")
	s.waveThroughput = gauge("wave_throughput_gigabytes_per_second", "Throughput of the fastest trial in GiB/s", "case")
	s.wavePageFaults = gauge("wave_page_faults", "Page faults of the fastest trial", "case")
	s.spanExclusive = gauge("span_exclusive_seconds", "Exclusive time of a profiler label", "label")
	s.spanHits = gauge("span_hits", "Times a profiler label was closed", "label")
	s.spanBytes = gauge("span_bytes", "Bytes credited to a profiler label", "label")

	s.waveMinHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "wave_min_duration_seconds",
		Help:      "Distribution of per-wave minimum trial times",
		Buckets:   cfg.DurationBuckets,
	}, []string{"case"})

	s.wavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "waves_total",
		Help:      "Finished waves by final state",
	}, []string{"case", "state"})

	s.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "errors_total",
		Help:      "Errors by component and operation",
	}, []string{"component", "operation"})

	s.collectors = []prometheus.Collector{
		s.waveMin, s.waveMax, s.waveAvg, s.waveMinHist, s.waveTrials,
		s.waveThroughput, s.wavePageFaults, s.wavesTotal,
		s.spanExclusive, s.spanHits, s.spanBytes,
		s.errorsTotal,
	}

	for i, c := range s.collectors {
		if err := registry.Register(c); err != nil {
			var alreadyErr prometheus.AlreadyRegisteredError
			if !errors.As(err, &alreadyErr) {
				return nil, errors.Join(ErrRegistrationFailed, err)
			}
			s.collectors[i] = alreadyErr.ExistingCollector
		}
	}
	s.adoptExisting()

	return s, nil
}

// adoptExisting swaps in collectors already present on the registry.
func (s *PrometheusSink) adoptExisting() {
	pick := func(dst **prometheus.GaugeVec, c prometheus.Collector) {
		if g, ok := c.(*prometheus.GaugeVec); ok {
			*dst = g
		}
	}
	pick(&s.waveMin, s.collectors[0])
	pick(&s.waveMax, s.collectors[1])
	pick(&s.waveAvg, s.collectors[2])
	if h, ok := s.collectors[3].(*prometheus.HistogramVec); ok {
		s.waveMinHist = h
	}
	pick(&s.waveTrials, s.collectors[4])
	pick(&s.waveThroughput, s.collectors[5])
	pick(&s.wavePageFaults, s.collectors[6])
	if c, ok := s.collectors[7].(*prometheus.CounterVec); ok {
		s.wavesTotal = c
	}
	pick(&s.spanExclusive, s.collectors[8])
	pick(&s.spanHits, s.collectors[9])
	pick(&s.spanBytes, s.collectors[10])
	if c, ok := s.collectors[11].(*prometheus.CounterVec); ok {
		s.errorsTotal = c
	}
}

func (s *PrometheusSink) open(ctx context.Context) error {
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

// RecordWave sets the per-case gauges and counts the wave.
func (s *PrometheusSink) RecordWave(ctx context.Context, data *WaveData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	name := s.sanitizeLabel("case", orUnknown(data.Name))
	state := s.sanitizeLabel("state", orUnknown(data.State))

	s.wavesTotal.WithLabelValues(name, state).Inc()
	if data.Trials == 0 {
		return nil
	}

	s.waveMin.WithLabelValues(name).Set(data.Min.Seconds())
	s.waveMax.WithLabelValues(name).Set(data.Max.Seconds())
	s.waveAvg.WithLabelValues(name).Set(data.Avg.Seconds())
	s.waveMinHist.WithLabelValues(name).Observe(data.Min.Seconds())
	s.waveTrials.WithLabelValues(name).Set(float64(data.Trials))
	s.waveThroughput.WithLabelValues(name).Set(data.GBPerSecond)
	s.wavePageFaults.WithLabelValues(name).Set(float64(data.PageFaults))
	return nil
}

// RecordProfile sets the per-label span gauges.
func (s *PrometheusSink) RecordProfile(ctx context.Context, data *ProfileData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	for _, sp := range data.Spans {
		label := s.sanitizeLabel("label", orUnknown(sp.Label))
		s.spanExclusive.WithLabelValues(label).Set(sp.Exclusive.Seconds())
		s.spanHits.WithLabelValues(label).Set(float64(sp.Hits))
		s.spanBytes.WithLabelValues(label).Set(float64(sp.Bytes))
	}
	return nil
}

// RecordError increments the error counter.
func (s *PrometheusSink) RecordError(ctx context.Context, data *ErrorData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	component := s.sanitizeLabel("component", orUnknown(data.Component))
	operation := s.sanitizeLabel("operation", orUnknown(data.Operation))
	s.errorsTotal.WithLabelValues(component, operation).Inc()
	return nil
}

// Flush is a no-op; Prometheus is pull-based.
func (s *PrometheusSink) Flush(ctx context.Context) error {
	return s.open(ctx)
}

// Close unregisters the collectors from a custom registry. Idempotent.
func (s *PrometheusSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if reg, ok := s.registry.(*prometheus.Registry); ok {
		for _, c := range s.collectors {
			reg.Unregister(c)
		}
	}
	return nil
}

// sanitizeLabel maps values beyond MaxLabelCardinality to "_other".
func (s *PrometheusSink) sanitizeLabel(labelName, labelValue string) string {
	s.labelMu.RLock()
	seen := s.seenLabels[labelName]
	if seen != nil {
		if _, exists := seen[labelValue]; exists {
			s.labelMu.RUnlock()
			return labelValue
		}
		if len(seen) >= s.maxCardinality {
			s.labelMu.RUnlock()
			return "_other"
		}
	}
	s.labelMu.RUnlock()

	s.labelMu.Lock()
	defer s.labelMu.Unlock()

	if s.seenLabels[labelName] == nil {
		s.seenLabels[labelName] = make(map[string]struct{})
	}
	if _, exists := s.seenLabels[labelName][labelValue]; exists {
		return labelValue
	}
	if len(s.seenLabels[labelName]) >= s.maxCardinality {
		return "_other"
	}
	s.seenLabels[labelName][labelValue] = struct{}{}
	return labelValue
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

var _ Sink = (*PrometheusSink)(nil)
