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
	"fmt"
	"strconv"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// RunID is attached to every point as the "run_id" tag.
	RunID string
}

// Validate checks that the connection fields are set.
func (c *InfluxConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Org == "" {
		errs = append(errs, errors.New("org is required"))
	}
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	return errors.Join(errs...)
}

// InfluxSink writes one point per wave ("perfkit_wave"), per profiler
// label ("perfkit_span") and per error ("perfkit_error") through the
// blocking write API, so a failed write is reported to the caller.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	runID    string

	mu     sync.RWMutex
	closed bool
}

// NewInfluxSink creates a client for the configured server. No connection is
// made until the first write.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		runID:    cfg.RunID,
	}, nil
}

func (s *InfluxSink) open(ctx context.Context) error {
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

func (s *InfluxSink) tagged(p *write.Point, labels map[string]string) *write.Point {
	if s.runID != "" {
		p.AddTag("run_id", s.runID)
	}
	for k, v := range labels {
		p.AddTag(k, v)
	}
	return p
}

// RecordWave writes a perfkit_wave point.
func (s *InfluxSink) RecordWave(ctx context.Context, data *WaveData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	p := influxdb2.NewPointWithMeasurement("perfkit_wave").
		AddTag("case", orUnknown(data.Name)).
		AddTag("state", orUnknown(data.State)).
		AddField("round", data.Round).
		AddField("trials", data.Trials).
		AddField("min_seconds", data.Min.Seconds()).
		AddField("max_seconds", data.Max.Seconds()).
		AddField("avg_seconds", data.Avg.Seconds()).
		AddField("bytes", data.Bytes).
		AddField("gb_per_second", data.GBPerSecond).
		AddField("page_faults", data.PageFaults).
		SetTime(data.Timestamp)

	if err := s.writeAPI.WritePoint(ctx, s.tagged(p, data.Labels)); err != nil {
		return fmt.Errorf("influx write wave %s: %w", data.Name, err)
	}
	return nil
}

// RecordProfile writes one perfkit_span point per label.
func (s *InfluxSink) RecordProfile(ctx context.Context, data *ProfileData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}
	if len(data.Spans) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(data.Spans))
	for i, sp := range data.Spans {
		p := influxdb2.NewPointWithMeasurement("perfkit_span").
			AddTag("label", orUnknown(sp.Label)).
			AddTag("order", strconv.Itoa(i)).
			AddField("total_seconds", sp.Total.Seconds()).
			AddField("exclusive_seconds", sp.Exclusive.Seconds()).
			AddField("hits", sp.Hits).
			AddField("bytes", sp.Bytes).
			AddField("session_seconds", data.Elapsed.Seconds()).
			SetTime(data.Timestamp)
		if sp.Parent != "" {
			p.AddTag("parent", sp.Parent)
		}
		points = append(points, s.tagged(p, nil))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write profile: %w", err)
	}
	return nil
}

// RecordError writes a perfkit_error point.
func (s *InfluxSink) RecordError(ctx context.Context, data *ErrorData) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.open(ctx); err != nil {
		return err
	}

	p := influxdb2.NewPointWithMeasurement("perfkit_error").
		AddTag("component", orUnknown(data.Component)).
		AddTag("operation", orUnknown(data.Operation)).
		AddField("message", data.Message).
		SetTime(data.Timestamp)

	if err := s.writeAPI.WritePoint(ctx, s.tagged(p, data.Labels)); err != nil {
		return fmt.Errorf("influx write error: %w", err)
	}
	return nil
}

// Flush is a no-op; every write is synchronous.
func (s *InfluxSink) Flush(ctx context.Context) error {
	return s.open(ctx)
}

// Close releases the client. Idempotent.
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Close()
	return nil
}

var _ Sink = (*InfluxSink)(nil)
