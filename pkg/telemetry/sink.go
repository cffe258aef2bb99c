// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports finished waves and profiles to metric and trace
// backends.
//
// Sinks are called between waves, never inside one, so export cost does not
// show up in measured timings.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilData is returned when nil data is provided to a recording method.
	ErrNilData = errors.New("data must not be nil")

	// ErrSinkClosed is returned when attempting to use a closed sink.
	ErrSinkClosed = errors.New("sink has been closed")

	// ErrNoSinks is returned when creating a composite sink with no children.
	ErrNoSinks = errors.New("at least one sink is required")
)

// -----------------------------------------------------------------------------
// Interface
// -----------------------------------------------------------------------------

// Sink receives finished waves, profiles and errors.
//
// Description:
//
//	Implementations translate the data into one backend's format
//	(Prometheus, OpenTelemetry, InfluxDB).
//
// Thread Safety: All implementations must be safe for concurrent use.
type Sink interface {
	// RecordWave records the results of one completed or failed wave.
	//
	// Inputs:
	//   - ctx: Context for cancellation. Must not be nil.
	//   - data: Wave data. Must not be nil.
	//
	// Outputs:
	//   - error: Non-nil if recording fails or the sink is closed.
	RecordWave(ctx context.Context, data *WaveData) error

	// RecordProfile records a span profile.
	RecordProfile(ctx context.Context, data *ProfileData) error

	// RecordError records a wave or trial failure.
	RecordError(ctx context.Context, data *ErrorData) error

	// Flush exports any buffered data.
	Flush(ctx context.Context) error

	// Close flushes and releases resources. Idempotent.
	Close() error
}

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// WaveData summarizes one wave of one case.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type WaveData struct {
	// Name is the case name.
	Name string

	// Timestamp is when the wave finished.
	Timestamp time.Time

	// Round is the 1-based suite round the wave belongs to.
	Round int

	// State is the tester state after the wave ("completed" or "error").
	State string

	// Trials is the total number of trials folded in so far.
	Trials uint64

	// Min, Max and Avg are per-trial times.
	Min time.Duration
	Max time.Duration
	Avg time.Duration

	// Bytes is the byte count of the fastest trial.
	Bytes uint64

	// GBPerSecond is the throughput of the fastest trial.
	GBPerSecond float64

	// PageFaults is the fault count of the fastest trial.
	PageFaults uint64

	// Labels are extra key-value pairs for filtering.
	Labels map[string]string
}

// ProfileData is a span profile snapshot.
type ProfileData struct {
	// Name identifies the session, typically the run id.
	Name string

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time

	// Elapsed is the total session time. Zero if the session was not stopped.
	Elapsed time.Duration

	// Spans lists per-label statistics in first-seen order.
	Spans []SpanData
}

// SpanData is one label's statistics.
type SpanData struct {
	Label     string
	Parent    string
	Total     time.Duration
	Exclusive time.Duration
	Hits      uint64
	Bytes     uint64
}

// ErrorData describes a failure.
type ErrorData struct {
	// Timestamp is when the error occurred.
	Timestamp time.Time

	// Component is the case or subsystem that failed.
	Component string

	// Operation is what was being done ("wave", "trial", "baseline").
	Operation string

	// Message is the error text.
	Message string

	// Labels are extra key-value pairs for filtering.
	Labels map[string]string
}

// -----------------------------------------------------------------------------
// Composite Sink
// -----------------------------------------------------------------------------

// CompositeSink forwards every call to several sinks.
//
// Description:
//
//	One sink's failure does not stop the others; errors are joined.
//
// Thread Safety: Safe for concurrent use.
type CompositeSink struct {
	sinks  []Sink
	mu     sync.RWMutex
	closed bool
}

// NewCompositeSink creates a composite of the non-nil sinks given.
//
// Outputs:
//   - *CompositeSink: Never nil on success.
//   - error: ErrNoSinks if no non-nil sink was provided.
func NewCompositeSink(sinks ...Sink) (*CompositeSink, error) {
	valid := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoSinks
	}
	return &CompositeSink{sinks: valid}, nil
}

func (c *CompositeSink) snapshot(ctx context.Context) ([]Sink, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrSinkClosed
	}
	return c.sinks, nil
}

func (c *CompositeSink) each(ctx context.Context, fn func(Sink) error) error {
	sinks, err := c.snapshot(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range sinks {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordWave forwards to all child sinks.
func (c *CompositeSink) RecordWave(ctx context.Context, data *WaveData) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(ctx, func(s Sink) error { return s.RecordWave(ctx, data) })
}

// RecordProfile forwards to all child sinks.
func (c *CompositeSink) RecordProfile(ctx context.Context, data *ProfileData) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(ctx, func(s Sink) error { return s.RecordProfile(ctx, data) })
}

// RecordError forwards to all child sinks.
func (c *CompositeSink) RecordError(ctx context.Context, data *ErrorData) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(ctx, func(s Sink) error { return s.RecordError(ctx, data) })
}

// Flush flushes all child sinks concurrently.
func (c *CompositeSink) Flush(ctx context.Context) error {
	sinks, err := c.snapshot(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(sinks))
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Flush(ctx); err != nil {
				errChan <- err
			}
		}(s)
	}
	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes all child sinks. Idempotent.
func (c *CompositeSink) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sinks := c.sinks
	c.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// No-Op Sink
// -----------------------------------------------------------------------------

// NoOpSink accepts and discards everything. It is the default when no
// backend is configured.
type NoOpSink struct{}

// NewNoOpSink creates a no-op sink.
func NewNoOpSink() *NoOpSink { return &NoOpSink{} }

func checkArgs(ctx context.Context, data any) error {
	if ctx == nil {
		return ErrNilContext
	}
	if data == nil {
		return ErrNilData
	}
	return nil
}

// RecordWave validates its arguments and discards the data.
func (*NoOpSink) RecordWave(ctx context.Context, data *WaveData) error {
	if data == nil {
		return ErrNilData
	}
	return checkArgs(ctx, data)
}

// RecordProfile validates its arguments and discards the data.
func (*NoOpSink) RecordProfile(ctx context.Context, data *ProfileData) error {
	if data == nil {
		return ErrNilData
	}
	return checkArgs(ctx, data)
}

// RecordError validates its arguments and discards the data.
func (*NoOpSink) RecordError(ctx context.Context, data *ErrorData) error {
	if data == nil {
		return ErrNilData
	}
	return checkArgs(ctx, data)
}

// Flush does nothing.
func (*NoOpSink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// Close does nothing.
func (*NoOpSink) Close() error { return nil }

var (
	_ Sink = (*CompositeSink)(nil)
	_ Sink = (*NoOpSink)(nil)
)
