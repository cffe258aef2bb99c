// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/perfkit/pkg/suite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedStatus struct {
	st suite.Status
}

func (f fixedStatus) Status() suite.Status { return f.st }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	s.Router().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty address should fail")
	}
}

func TestRoutes_Registered(t *testing.T) {
	s := newTestServer(t, Config{})

	want := map[string]bool{"/healthz": false, "/status": false, "/metrics": false}
	for _, r := range s.Router().Routes() {
		if _, ok := want[r.Path]; ok && r.Method == "GET" {
			want[r.Path] = true
		}
	}
	for path, found := range want {
		if !found {
			t.Errorf("route GET %s not registered", path)
		}
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Config{})
	w := get(t, s, "/healthz")

	if w.Code != http.StatusOK {
		t.Errorf("/healthz returned %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("/healthz body = %q", w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	st := suite.Status{
		Running: true,
		Round:   2,
		Current: "read_full",
		Cases: []suite.CaseStatus{
			{Name: "read_full", State: "testing", Waves: 1, Trials: 40, BestMin: 5 * time.Millisecond},
		},
	}
	s := newTestServer(t, Config{Status: fixedStatus{st: st}})
	w := get(t, s, "/status")

	if w.Code != http.StatusOK {
		t.Fatalf("/status returned %d", w.Code)
	}
	var got suite.Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if got.Round != 2 || got.Current != "read_full" || !got.Running {
		t.Errorf("/status = %+v", got)
	}
	if len(got.Cases) != 1 || got.Cases[0].BestMin != 5*time.Millisecond {
		t.Errorf("/status cases = %+v", got.Cases)
	}
}

func TestStatus_NoSource(t *testing.T) {
	s := newTestServer(t, Config{})
	w := get(t, s, "/status")
	if !strings.Contains(w.Body.String(), `"cases":[]`) {
		t.Errorf("/status body = %q", w.Body.String())
	}
}

func TestMetrics_MergesGatherers(t *testing.T) {
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()
	a := prometheus.NewCounter(prometheus.CounterOpts{Name: "perfkit_a_total", Help: "a"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "perfkit_b", Help: "b"})
	regA.MustRegister(a)
	regB.MustRegister(b)
	a.Inc()
	b.Set(3)

	s := newTestServer(t, Config{Gatherers: []prometheus.Gatherer{regA, nil, regB}})
	w := get(t, s, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("/metrics returned %d", w.Code)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("/metrics should set Content-Type")
	}
	body := w.Body.String()
	for _, want := range []string{"perfkit_a_total 1", "perfkit_b 3"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	s := newTestServer(t, Config{})
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Fatalf("Addr() = %s, want a bound port", s.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestListen_BadAddr(t *testing.T) {
	s := newTestServer(t, Config{Addr: "256.0.0.1:bad"})
	if err := s.Listen(); err == nil {
		t.Error("Listen() should fail for an invalid address")
	}
}
