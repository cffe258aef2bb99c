// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reptest implements a repetition tester: it runs a measured block
// over and over under a time budget and keeps the best, worst and average
// timing of every trial.
//
// The budget is adaptive. Each time a trial beats the current minimum the
// deadline restarts, so a wave only ends after a full budget has passed
// without any improvement.
//
// Typical use:
//
//	t := reptest.New(reptest.WithName("read_full"))
//	t.StartWave(10*time.Second, uint64(len(buf)))
//	for t.IsTesting() {
//		t.BeginTime()
//		n, _ := f.ReadAt(buf, 0)
//		t.EndTime()
//		t.CountBytes(uint64(n))
//	}
//
// # Thread Safety
//
// A Tester is owned by one goroutine. Concurrent use is undefined.
package reptest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/perfkit/pkg/clock"
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures a Tester.
type Option func(*Tester)

// WithName sets the name used in log lines and telemetry.
func WithName(name string) Option {
	return func(t *Tester) { t.name = name }
}

// WithClock sets the tick source. Defaults to clock.NewMonotonic().
func WithClock(src clock.Source) Option {
	return func(t *Tester) {
		if src != nil {
			t.clock = src
		}
	}
}

// WithFaultCounter sets the page-fault counter. Defaults to clock.OSFaults.
func WithFaultCounter(fc clock.FaultCounter) Option {
	return func(t *Tester) {
		if fc != nil {
			t.faults = fc
		}
	}
}

// WithOutput sets where progress lines and summaries are printed.
// Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(t *Tester) {
		if w != nil {
			t.out = w
		}
	}
}

// WithInPlace makes progress lines end in a carriage return so each new
// minimum overwrites the previous one. Use it only on terminals.
func WithInPlace(enabled bool) Option {
	return func(t *Tester) { t.inPlace = enabled }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tester) {
		if l != nil {
			t.logger = l
		}
	}
}

// -----------------------------------------------------------------------------
// Tester
// -----------------------------------------------------------------------------

// Tester drives test waves. Create one with New.
type Tester struct {
	name    string
	clock   clock.Source
	faults  clock.FaultCounter
	out     io.Writer
	inPlace bool
	logger  *slog.Logger
	pid     int

	state         State
	startTime     clock.Ticks
	budget        clock.Ticks
	expectedBytes uint64

	openCount  uint64
	closeCount uint64

	trial       Value
	trialStart  clock.Ticks
	faultsStart uint64

	results Results

	faultsBroken bool
	err          error
}

// New creates an uninitialized Tester.
func New(opts ...Option) *Tester {
	t := &Tester{
		clock:  clock.NewMonotonic(),
		faults: clock.OSFaults{},
		out:    os.Stdout,
		logger: slog.Default(),
		pid:    os.Getpid(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("wave", t.name)
	return t
}

// Name returns the tester's name.
func (t *Tester) Name() string { return t.name }

// State returns the current wave state.
func (t *Tester) State() State { return t.state }

// Results returns a copy of the accumulated statistics.
func (t *Tester) Results() Results { return t.results }

// Ratio returns the tick-to-nanosecond ratio of the tester's clock.
func (t *Tester) Ratio() clock.Ratio { return t.clock.Ratio() }

// Err returns every error recorded since the tester was created, joined, or
// nil if the tester never entered the Error state.
func (t *Tester) Err() error { return t.err }

// StartWave arms a new wave with the given budget and expected byte count.
//
// Description:
//
//	From Uninitialized the results are cleared. From Completed the results
//	are kept, so repeated waves report the best of all waves, and
//	expectedBytes replaces the previous wave's value. Starting from
//	Testing or Error records an error instead. In every case the deadline
//	clock is re-armed to now.
//
// Inputs:
//   - budget: Time without a new minimum after which the wave completes.
//   - expectedBytes: Bytes every trial must report through CountBytes.
func (t *Tester) StartWave(budget time.Duration, expectedBytes uint64) {
	switch t.state {
	case StateUninitialized:
		t.state = StateTesting
		t.expectedBytes = expectedBytes
		t.results = Results{}
		t.resetTrial()
	case StateCompleted:
		t.state = StateTesting
		t.expectedBytes = expectedBytes
		t.resetTrial()
	case StateTesting:
		t.fail(ErrWaveInProgress)
	case StateError:
		t.fail(ErrErrorState)
	}

	t.startTime = t.clock.Now()
	t.budget = t.clock.Ratio().FromDuration(budget)
	t.logger.Debug("wave started",
		slog.Duration("budget", budget),
		slog.Uint64("expected_bytes", expectedBytes),
		slog.String("state", t.state.String()))
}

// TrialStarted reports whether BeginTime or EndTime was called since the
// last poll of IsTesting.
func (t *Tester) TrialStarted() bool {
	return t.openCount > 0 || t.closeCount > 0
}

// BeginTime opens the measured block of the current trial.
func (t *Tester) BeginTime() {
	t.openCount++
	t.faultsStart = t.readFaults()
	t.trialStart = t.clock.Now()
}

// EndTime closes the measured block and adds its elapsed time and page
// faults to the current trial.
func (t *Tester) EndTime() {
	now := t.clock.Now()
	faults := t.readFaults()
	t.closeCount++
	t.trial.Time += now - t.trialStart
	if faults >= t.faultsStart {
		t.trial.PageFaults += faults - t.faultsStart
	}
}

// CountBytes adds n processed bytes to the current trial.
func (t *Tester) CountBytes(n uint64) {
	t.trial.Bytes += n
}

// SetError moves the tester to the Error state with the given message.
func (t *Tester) SetError(message string) {
	t.fail(errors.New(message))
}

// Fail moves the tester to the Error state, keeping err for Err.
func (t *Tester) Fail(err error) {
	if err == nil {
		return
	}
	t.fail(err)
}

// IsTesting folds a finished trial into the results and reports whether the
// wave is still running.
//
// Description:
//
//	A trial is finished once BeginTime or EndTime has been called since the
//	last poll. It is validated (balanced begin/end, byte count) before being
//	folded into totals, max and min. A new minimum restarts the deadline and
//	prints a progress line. Once a full budget elapses without a new
//	minimum the wave completes and prints its summary.
//
// Outputs:
//   - bool: True while the caller should run another trial.
func (t *Tester) IsTesting() bool {
	if t.state != StateTesting {
		return false
	}
	if t.openCount == 0 && t.closeCount == 0 {
		return true
	}

	now := t.clock.Now()

	if t.openCount != t.closeCount {
		t.fail(fmt.Errorf("%w: %d begin, %d end", ErrUnbalancedTiming, t.openCount, t.closeCount))
	}
	if t.trial.Bytes != t.expectedBytes {
		t.fail(fmt.Errorf("%w: got %d, want %d", ErrByteCountMismatch, t.trial.Bytes, t.expectedBytes))
	}

	if t.state == StateTesting {
		t.trial.TestCount = 1
		t.fold(now)
		t.resetTrial()

		// Reaching the budget exactly completes the wave, so a zero budget
		// stops after the first trial.
		if now-t.startTime >= t.budget {
			t.state = StateCompleted
			t.logger.Debug("wave completed",
				slog.Uint64("trials", t.results.Totals.TestCount),
				slog.Duration("min", t.results.Min.Duration(t.Ratio())))
			t.printResults()
		}
	}

	return t.state == StateTesting
}

func (t *Tester) fold(now clock.Ticks) {
	trial := t.trial
	r := &t.results

	r.Totals.TestCount += trial.TestCount
	r.Totals.Time += trial.Time
	r.Totals.Bytes += trial.Bytes
	r.Totals.PageFaults += trial.PageFaults

	if !r.HasMin() || trial.Time > r.Max.Time {
		r.Max = trial
	}
	if !r.HasMin() || trial.Time < r.Min.Time {
		r.Min = trial
		t.startTime = now
		t.printValue("Min", r.Min, true)
	}
}

func (t *Tester) resetTrial() {
	t.openCount = 0
	t.closeCount = 0
	t.trial = Value{}
}

func (t *Tester) fail(err error) {
	t.state = StateError
	t.err = errors.Join(t.err, err)
	t.logger.Error("repetition tester error",
		slog.String("state", t.state.String()),
		slog.String("error", err.Error()))
	fmt.Fprintf(t.out, "[RepetitionTester] Error: %s\n", err)
}

func (t *Tester) readFaults() uint64 {
	if t.faultsBroken {
		return 0
	}
	n, err := t.faults.PageFaults(t.pid)
	if err != nil {
		t.faultsBroken = true
		t.logger.Warn("page fault counter unavailable, faults will be reported as 0",
			slog.String("error", err.Error()))
		return 0
	}
	return n
}

// -----------------------------------------------------------------------------
// Console output
// -----------------------------------------------------------------------------

// progressPad clears leftovers of a longer previous in-place line.
const progressPad = "                   "

func (t *Tester) printResults() {
	t.printValue("Min", t.results.Min, false)
	t.printValue("Max", t.results.Max, false)
	if t.results.Totals.TestCount > 1 {
		t.printValue("Avg.", t.results.Totals, false)
	}
}

func (t *Tester) printValue(label string, v Value, progress bool) {
	line := FormatValue(label, v, t.Ratio())
	switch {
	case progress && t.inPlace:
		fmt.Fprint(t.out, line+progressPad+"\r")
	default:
		fmt.Fprintln(t.out, line)
	}
}

// FormatValue renders one statistics row, divided per test, as
//
//	Min: <ticks> (<seconds>s) (<rate> GB/s) (PF: <n>, <k>k/fault)
//
// The throughput and fault parts are omitted when there are no bytes or no
// faults.
func FormatValue(label string, v Value, ratio clock.Ratio) string {
	pt := v.PerTest()
	line := fmt.Sprintf("%s: %d (%fs)", label, uint64(pt.Time), ratio.Seconds(pt.Time))
	if rate := v.GBPerSecond(ratio); rate > 0 {
		line += fmt.Sprintf(" (%.4f GB/s)", rate)
	}
	if pt.PageFaults > 0 {
		line += fmt.Sprintf(" (PF: %d, %.4fk/fault)", pt.PageFaults, v.KBPerFault())
	}
	return line
}
