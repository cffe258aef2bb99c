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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInflux captures line protocol bodies sent to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	status := f.status
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	if status >= 400 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"internal error","message":"write failed"}`))
		return
	}
	w.WriteHeader(status)
}

func (f *fakeInflux) all() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

func newTestInfluxSink(t *testing.T, f *fakeInflux) *InfluxSink {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	sink, err := NewInfluxSink(InfluxConfig{
		URL:    srv.URL,
		Token:  "test-token",
		Org:    "perf",
		Bucket: "bench",
		RunID:  "run-1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestInfluxConfig_Validate(t *testing.T) {
	cfg := InfluxConfig{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
	assert.Contains(t, err.Error(), "bucket is required")

	_, err = NewInfluxSink(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInfluxSink_RecordWave(t *testing.T) {
	f := &fakeInflux{}
	sink := newTestInfluxSink(t, f)

	require.NoError(t, sink.RecordWave(context.Background(), sampleWave()))

	body := f.all()
	assert.True(t, strings.HasPrefix(body, "perfkit_wave,"), body)
	assert.Contains(t, body, "case=read_full")
	assert.Contains(t, body, "run_id=run-1")
	assert.Contains(t, body, "state=completed")
	assert.Contains(t, body, "trials=12u")
	assert.Contains(t, body, "min_seconds=0.005")
}

func TestInfluxSink_RecordProfile(t *testing.T) {
	f := &fakeInflux{}
	sink := newTestInfluxSink(t, f)

	require.NoError(t, sink.RecordProfile(context.Background(), sampleProfile()))

	lines := strings.Split(strings.TrimSpace(f.all()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "label=wave:read_full")
	assert.Contains(t, lines[1], "parent=wave:read_full")
	assert.Contains(t, lines[1], "hits=40u")
}

func TestInfluxSink_EmptyProfileWritesNothing(t *testing.T) {
	f := &fakeInflux{}
	sink := newTestInfluxSink(t, f)

	require.NoError(t, sink.RecordProfile(context.Background(), &ProfileData{Name: "empty"}))
	assert.Empty(t, f.all())
}

func TestInfluxSink_WriteFailure(t *testing.T) {
	f := &fakeInflux{status: http.StatusInternalServerError}
	sink := newTestInfluxSink(t, f)

	err := sink.RecordError(context.Background(), &ErrorData{Component: "read_full", Message: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "influx write error")
}

func TestInfluxSink_Closed(t *testing.T) {
	sink := newTestInfluxSink(t, &fakeInflux{})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.RecordWave(context.Background(), sampleWave()), ErrSinkClosed)
	assert.ErrorIs(t, sink.RecordWave(context.Background(), nil), ErrNilData)
}
