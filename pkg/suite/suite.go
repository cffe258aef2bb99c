// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package suite runs a set of named cases through repetition testers, one
// wave per case per round.
//
// Each case owns one reptest.Tester for the life of the suite, so results
// accumulate as the best of every wave. Waves run sequentially on the
// calling goroutine; Status may be read concurrently.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/perfkit/pkg/clock"
	"github.com/AleutianAI/perfkit/pkg/profiler"
	"github.com/AleutianAI/perfkit/pkg/reptest"
	"github.com/AleutianAI/perfkit/pkg/telemetry"
)

var (
	// ErrNoCases is returned by New for an empty case list.
	ErrNoCases = errors.New("suite has no cases")

	// ErrInvalidCase is returned by New for a case without a name or trial.
	ErrInvalidCase = errors.New("invalid case")

	// ErrDuplicateCase is returned by New when two cases share a name.
	ErrDuplicateCase = errors.New("duplicate case name")

	// ErrUntimedTrial fails a wave whose trial returned without calling
	// BeginTime or EndTime.
	ErrUntimedTrial = errors.New("trial returned without a timed block")
)

// Case is one named measurement.
type Case struct {
	Name string

	// ExpectedBytes is the byte count every trial must report.
	ExpectedBytes uint64

	// Trial performs exactly one measured iteration: it brackets the
	// measured work with BeginTime/EndTime and reports bytes through
	// CountBytes. A returned error moves the case to the error state.
	Trial func(t *reptest.Tester) error
}

// Option configures a Suite.
type Option func(*Suite)

// WithBudget sets how long a wave runs without a new minimum before it
// completes. Default 10s.
func WithBudget(d time.Duration) Option {
	return func(s *Suite) { s.budget = d }
}

// WithClock sets the clock shared by every tester.
func WithClock(src clock.Source) Option {
	return func(s *Suite) {
		if src != nil {
			s.clock = src
		}
	}
}

// WithFaultCounter sets the page fault source shared by every tester.
func WithFaultCounter(fc clock.FaultCounter) Option {
	return func(s *Suite) {
		if fc != nil {
			s.faults = fc
		}
	}
}

// WithOutput sets where headers and tester lines are printed.
func WithOutput(w io.Writer) Option {
	return func(s *Suite) {
		if w != nil {
			s.out = w
		}
	}
}

// WithInPlace rewrites progress lines in place.
func WithInPlace(enabled bool) Option {
	return func(s *Suite) { s.inPlace = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Suite) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProfiler wraps every wave in a "wave:<name>" span.
func WithProfiler(p profiler.Profiler) Option {
	return func(s *Suite) {
		if p != nil {
			s.prof = p
		}
	}
}

// WithSink records every finished wave.
func WithSink(sink telemetry.Sink) Option {
	return func(s *Suite) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithOnWave registers a callback run after every wave.
func WithOnWave(fn func(Outcome)) Option {
	return func(s *Suite) { s.onWave = fn }
}

// WithLabels attaches labels to every telemetry record.
func WithLabels(labels map[string]string) Option {
	return func(s *Suite) { s.labels = labels }
}

type entry struct {
	c      Case
	tester *reptest.Tester
	waves  int
	last   Outcome
}

// Suite runs cases wave by wave.
type Suite struct {
	budget  time.Duration
	clock   clock.Source
	faults  clock.FaultCounter
	out     io.Writer
	inPlace bool
	logger  *slog.Logger
	prof    profiler.Profiler
	sink    telemetry.Sink
	onWave  func(Outcome)
	labels  map[string]string
	now     func() time.Time

	entries []*entry

	mu      sync.RWMutex
	running bool
	round   int
	current string
}

// New creates a suite with one tester per case.
//
// Inputs:
//   - cases: At least one case; names must be unique.
//   - opts: Configuration options.
//
// Outputs:
//   - *Suite: Ready to Run.
//   - error: ErrNoCases, ErrInvalidCase or ErrDuplicateCase.
func New(cases []Case, opts ...Option) (*Suite, error) {
	if len(cases) == 0 {
		return nil, ErrNoCases
	}

	s := &Suite{
		budget: 10 * time.Second,
		clock:  clock.NewMonotonic(),
		faults: clock.OSFaults{},
		out:    os.Stdout,
		logger: slog.Default(),
		prof:   profiler.Noop{},
		sink:   telemetry.NewNoOpSink(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]struct{}, len(cases))
	for _, c := range cases {
		if c.Name == "" || c.Trial == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCase, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCase, c.Name)
		}
		seen[c.Name] = struct{}{}

		t := reptest.New(
			reptest.WithName(c.Name),
			reptest.WithClock(s.clock),
			reptest.WithFaultCounter(s.faults),
			reptest.WithOutput(s.out),
			reptest.WithInPlace(s.inPlace),
			reptest.WithLogger(s.logger),
		)
		s.entries = append(s.entries, &entry{c: c, tester: t})
	}
	return s, nil
}

// Run runs every case once per round.
//
// Description:
//
//	rounds <= 0 repeats until ctx is cancelled. Cancellation is checked
//	between waves only; a running wave always finishes. A case in the
//	error state is skipped in later rounds.
//
// Outputs:
//   - error: ctx.Err() if cancelled, otherwise nil. Failed waves are
//     reported through Outcomes, not here.
func (s *Suite) Run(ctx context.Context, rounds int) error {
	s.setRunning(true)
	defer s.setRunning(false)

	for round := 1; rounds <= 0 || round <= rounds; round++ {
		s.mu.Lock()
		s.round = round
		s.mu.Unlock()

		for _, e := range s.entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.tester.State() == reptest.StateError {
				continue
			}
			s.runWave(ctx, e, round)
		}

		if s.allFailed() {
			s.logger.Warn("every case failed, stopping", slog.Int("round", round))
			return nil
		}
	}
	return nil
}

func (s *Suite) runWave(ctx context.Context, e *entry, round int) {
	name := e.c.Name
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()

	fmt.Fprintf(s.out, "\n----- %s -----\n", name)
	s.logger.Debug("wave starting", slog.String("case", name), slog.Int("round", round))

	span := s.prof.Begin("wave:" + name)
	t := e.tester
	before := t.Results().Totals.Bytes
	t.StartWave(s.budget, e.c.ExpectedBytes)
	for t.IsTesting() {
		if err := e.c.Trial(t); err != nil {
			t.Fail(fmt.Errorf("%s: %w", name, err))
		} else if !t.TrialStarted() {
			t.Fail(fmt.Errorf("%s: %w", name, ErrUntimedTrial))
		}
	}
	span.End(t.Results().Totals.Bytes - before)

	out := newOutcome(name, round, t)
	s.mu.Lock()
	e.waves++
	e.last = out
	s.current = ""
	s.mu.Unlock()

	s.record(ctx, out)
	if s.onWave != nil {
		s.onWave(out)
	}
}

func (s *Suite) record(ctx context.Context, out Outcome) {
	ts := s.now()
	if err := s.sink.RecordWave(ctx, out.WaveData(ts, s.labels)); err != nil {
		s.logger.Warn("recording wave failed", slog.String("case", out.Name), slog.String("error", err.Error()))
	}
	if out.Err == nil {
		return
	}
	errData := &telemetry.ErrorData{
		Timestamp: ts,
		Component: out.Name,
		Operation: "wave",
		Message:   out.Err.Error(),
		Labels:    s.labels,
	}
	if err := s.sink.RecordError(ctx, errData); err != nil {
		s.logger.Warn("recording error failed", slog.String("case", out.Name), slog.String("error", err.Error()))
	}
}

func (s *Suite) allFailed() bool {
	for _, e := range s.entries {
		if e.tester.State() != reptest.StateError {
			return false
		}
	}
	return true
}

func (s *Suite) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
	if !v {
		s.current = ""
	}
}

// Outcomes returns the latest outcome of every case that has run at least
// one wave, in case order.
func (s *Suite) Outcomes() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Outcome, 0, len(s.entries))
	for _, e := range s.entries {
		if e.waves > 0 {
			out = append(out, e.last)
		}
	}
	return out
}

// Failed returns the outcomes that ended in the error state.
func (s *Suite) Failed() []Outcome {
	var failed []Outcome
	for _, o := range s.Outcomes() {
		if o.State == reptest.StateError {
			failed = append(failed, o)
		}
	}
	return failed
}

// Names returns the case names in run order.
func (s *Suite) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.c.Name
	}
	return names
}

// Status returns a snapshot safe to take from another goroutine.
func (s *Suite) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running: s.running,
		Round:   s.round,
		Current: s.current,
		Cases:   make([]CaseStatus, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		cs := CaseStatus{Name: e.c.Name, State: reptest.StateUninitialized.String(), Waves: e.waves}
		if e.waves > 0 {
			o := e.last
			cs.State = o.State.String()
			cs.Trials = o.Results.Totals.TestCount
			if o.Results.HasMin() {
				cs.BestMin = o.Min()
				cs.GBPerSecond = o.GBPerSecond()
			}
			if o.Err != nil {
				cs.Error = o.Err.Error()
			}
		}
		if e.c.Name == s.current {
			cs.State = reptest.StateTesting.String()
		}
		st.Cases = append(st.Cases, cs)
	}
	return st
}

// ProfileData converts the profiler's statistics for telemetry. Elapsed is
// zero unless p is a stopped *profiler.Session.
func ProfileData(name string, p profiler.Profiler, ts time.Time) *telemetry.ProfileData {
	data := &telemetry.ProfileData{Name: name, Timestamp: ts}
	if sess, ok := p.(*profiler.Session); ok {
		if elapsed, ok := sess.Elapsed(); ok {
			data.Elapsed = elapsed
		}
	}
	for _, st := range p.Stats() {
		data.Spans = append(data.Spans, telemetry.SpanData{
			Label:     st.Label,
			Parent:    st.Parent,
			Total:     st.Total,
			Exclusive: st.Exclusive,
			Hits:      st.Hits,
			Bytes:     st.Bytes,
		})
	}
	return data
}
