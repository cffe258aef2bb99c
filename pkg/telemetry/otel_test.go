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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestOTelSink(t *testing.T) (*OTelSink, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spanRecorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(spanRecorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	config := DefaultOTelConfig()
	config.TracerProvider = tp
	config.MeterProvider = mp
	sink, err := NewOTelSink(config)
	require.NoError(t, err)
	return sink, spanRecorder, reader
}

func collectMetricNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewOTelSink_NilConfig(t *testing.T) {
	_, err := NewOTelSink(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOTelSink_RecordWave(t *testing.T) {
	sink, spanRecorder, reader := newTestOTelSink(t)

	require.NoError(t, sink.RecordWave(context.Background(), sampleWave()))

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "wave.record", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	metrics := collectMetricNames(t, reader)
	for _, name := range []string{"perfkit.wave.min", "perfkit.wave.avg", "perfkit.wave.throughput", "perfkit.wave.trials", "perfkit.waves"} {
		assert.Contains(t, metrics, name)
	}

	counter, ok := metrics["perfkit.waves"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, counter.DataPoints, 1)
	assert.Equal(t, int64(1), counter.DataPoints[0].Value)
}

func TestOTelSink_ErroredWave(t *testing.T) {
	sink, spanRecorder, reader := newTestOTelSink(t)

	require.NoError(t, sink.RecordWave(context.Background(), &WaveData{Name: "broken", State: "error"}))

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	metrics := collectMetricNames(t, reader)
	assert.Contains(t, metrics, "perfkit.waves")
	assert.NotContains(t, metrics, "perfkit.wave.min", "no trial results for a failed wave")
}

func TestOTelSink_RecordProfile(t *testing.T) {
	sink, spanRecorder, reader := newTestOTelSink(t)

	require.NoError(t, sink.RecordProfile(context.Background(), sampleProfile()))

	spans := spanRecorder.Ended()
	require.Len(t, spans, 3)

	byName := make(map[string]trace.ReadOnlySpan)
	for _, s := range spans {
		byName[s.Name()] = s
	}
	parent, ok := byName["profile.record"]
	require.True(t, ok)
	for _, name := range []string{"span.wave:read_full", "span.read"} {
		child, ok := byName[name]
		require.True(t, ok, name)
		assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID())
	}

	read := byName["span.read"]
	assert.Equal(t, sampleProfile().Spans[1].Total, read.EndTime().Sub(read.StartTime()))

	metrics := collectMetricNames(t, reader)
	assert.Contains(t, metrics, "perfkit.span.exclusive")
	assert.Contains(t, metrics, "perfkit.span.hits")
}

func TestOTelSink_RecordError(t *testing.T) {
	sink, spanRecorder, reader := newTestOTelSink(t)

	require.NoError(t, sink.RecordError(context.Background(), &ErrorData{
		Component: "read_full",
		Operation: "wave",
		Message:   "unbalanced timing",
	}))

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "error.record", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "unbalanced timing", spans[0].Status().Description)

	assert.Contains(t, collectMetricNames(t, reader), "perfkit.errors")
}

func TestOTelSink_TracesDisabled(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(spanRecorder))
	defer tp.Shutdown(context.Background())

	config := DefaultOTelConfig()
	config.TracerProvider = tp
	config.MeterProvider = sdkmetric.NewMeterProvider()
	config.TraceEnabled = false
	sink, err := NewOTelSink(config)
	require.NoError(t, err)

	require.NoError(t, sink.RecordWave(context.Background(), sampleWave()))
	assert.Empty(t, spanRecorder.Ended())
}

func TestOTelSink_Closed(t *testing.T) {
	sink, _, _ := newTestOTelSink(t)
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.RecordWave(context.Background(), sampleWave()), ErrSinkClosed)
	assert.ErrorIs(t, sink.RecordError(context.Background(), &ErrorData{}), ErrSinkClosed)
	assert.ErrorIs(t, sink.Flush(nil), ErrNilContext)
}
