// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reptest

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/perfkit/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManualTester(t *testing.T, opts ...Option) (*Tester, *clock.Manual, *bytes.Buffer) {
	t.Helper()
	src := clock.NewManual(clock.Identity)
	out := &bytes.Buffer{}
	base := []Option{
		WithName("test"),
		WithClock(src),
		WithFaultCounter(clock.NoFaults{}),
		WithOutput(out),
		WithLogger(quietLogger()),
	}
	return New(append(base, opts...)...), src, out
}

// trial runs one measured block of d ticks reporting n bytes.
func trial(tr *Tester, src *clock.Manual, d clock.Ticks, n uint64) bool {
	if !tr.IsTesting() {
		return false
	}
	tr.BeginTime()
	src.Advance(d)
	tr.EndTime()
	tr.CountBytes(n)
	return tr.IsTesting()
}

// -----------------------------------------------------------------------------
// Wave lifecycle
// -----------------------------------------------------------------------------

func TestTester_NewIsUninitialized(t *testing.T) {
	tr, _, _ := newManualTester(t)
	assert.Equal(t, StateUninitialized, tr.State())
	assert.False(t, tr.IsTesting())
	assert.NoError(t, tr.Err())
}

func TestTester_ZeroBudgetCompletesAfterOneTrial(t *testing.T) {
	tr, src, out := newManualTester(t)
	tr.StartWave(0, 10)

	require.True(t, tr.IsTesting(), "no trial yet, wave keeps running")
	assert.False(t, trial(tr, src, 100, 10))

	assert.Equal(t, StateCompleted, tr.State())
	res := tr.Results()
	assert.Equal(t, uint64(1), res.Totals.TestCount)
	assert.Equal(t, clock.Ticks(100), res.Min.Time)
	assert.Equal(t, clock.Ticks(100), res.Max.Time)
	assert.Contains(t, out.String(), "Min: 100")
	assert.Contains(t, out.String(), "Max: 100")
	assert.NotContains(t, out.String(), "Avg.", "single trial prints no average")
}

func TestTester_MinMaxTotals(t *testing.T) {
	tr, src, out := newManualTester(t)
	tr.StartWave(time.Microsecond, 8)

	for _, d := range []clock.Ticks{50, 30, 70, 40} {
		require.True(t, trial(tr, src, d, 8))
	}

	// Idle longer than the budget, then one more trial closes the wave.
	src.Advance(1000)
	assert.False(t, trial(tr, src, 60, 8))

	res := tr.Results()
	assert.Equal(t, StateCompleted, tr.State())
	assert.Equal(t, uint64(5), res.Totals.TestCount)
	assert.Equal(t, clock.Ticks(250), res.Totals.Time)
	assert.Equal(t, uint64(40), res.Totals.Bytes)
	assert.Equal(t, clock.Ticks(30), res.Min.Time)
	assert.Equal(t, clock.Ticks(70), res.Max.Time)
	assert.Equal(t, clock.Ticks(50), res.Average().Time)

	for _, d := range []clock.Ticks{50, 30, 70, 40, 60} {
		assert.GreaterOrEqual(t, d, res.Min.Time)
		assert.LessOrEqual(t, d, res.Max.Time)
	}
	assert.Contains(t, out.String(), "Avg.: 50")
}

func TestTester_NewMinimumExtendsDeadline(t *testing.T) {
	tr, src, _ := newManualTester(t)
	tr.StartWave(100*time.Nanosecond, 0)

	require.True(t, trial(tr, src, 50, 0)) // min at t=50
	src.Advance(40)
	require.True(t, trial(tr, src, 20, 0)) // new min at t=110, deadline restarts
	src.Advance(60)
	assert.True(t, trial(tr, src, 30, 0), "200-110 < 100, still testing")
	src.Advance(10)
	assert.False(t, trial(tr, src, 30, 0), "240-110 >= 100, completed")
}

func TestTester_CompletesWhenElapsedEqualsBudget(t *testing.T) {
	tr, src, _ := newManualTester(t)
	tr.StartWave(100*time.Nanosecond, 0)

	require.True(t, trial(tr, src, 10, 0)) // min at t=10
	src.Advance(80)
	assert.False(t, trial(tr, src, 20, 0), "110-10 == 100 completes the wave")
	assert.Equal(t, StateCompleted, tr.State())
}

func TestTester_RestartTakesNewExpectedBytes(t *testing.T) {
	tr, src, _ := newManualTester(t)
	tr.StartWave(0, 4)
	require.False(t, trial(tr, src, 40, 4))

	tr.StartWave(0, 8)
	assert.False(t, trial(tr, src, 40, 4), "old byte count is rejected after restart")
	assert.Equal(t, StateError, tr.State())
	assert.ErrorIs(t, tr.Err(), ErrByteCountMismatch)
}

func TestTester_TrialStarted(t *testing.T) {
	tr, src, _ := newManualTester(t)
	tr.StartWave(time.Second, 1)
	require.True(t, tr.IsTesting())
	assert.False(t, tr.TrialStarted())

	tr.BeginTime()
	assert.True(t, tr.TrialStarted())
	src.Advance(5)
	tr.EndTime()
	tr.CountBytes(1)
	require.True(t, tr.IsTesting())
	assert.False(t, tr.TrialStarted(), "polling folds and resets the trial")
}

func TestTester_RestartPreservesResults(t *testing.T) {
	tr, src, _ := newManualTester(t)
	tr.StartWave(0, 4)
	require.False(t, trial(tr, src, 40, 4))
	require.Equal(t, StateCompleted, tr.State())

	tr.StartWave(0, 8)
	require.Equal(t, StateTesting, tr.State())
	assert.False(t, trial(tr, src, 20, 8))

	res := tr.Results()
	assert.Equal(t, uint64(2), res.Totals.TestCount)
	assert.Equal(t, clock.Ticks(20), res.Min.Time)
	assert.Equal(t, clock.Ticks(40), res.Max.Time)
	assert.Equal(t, uint64(12), res.Totals.Bytes)
}

// -----------------------------------------------------------------------------
// Protocol errors
// -----------------------------------------------------------------------------

func TestTester_UnmatchedBeginForcesError(t *testing.T) {
	tr, src, out := newManualTester(t)
	tr.StartWave(time.Second, 0)

	tr.BeginTime()
	src.Advance(10)
	assert.False(t, tr.IsTesting())
	assert.Equal(t, StateError, tr.State())
	assert.ErrorIs(t, tr.Err(), ErrUnbalancedTiming)
	assert.Contains(t, out.String(), "[RepetitionTester] Error:")
	assert.NotContains(t, out.String(), "Max:")
}

func TestTester_UnmatchedEndForcesError(t *testing.T) {
	tr, _, _ := newManualTester(t)
	tr.StartWave(time.Second, 0)

	tr.EndTime()
	assert.False(t, tr.IsTesting())
	assert.ErrorIs(t, tr.Err(), ErrUnbalancedTiming)
}

func TestTester_ByteMismatchLeavesResultsUntouched(t *testing.T) {
	tr, src, _ := newManualTester(t)
	tr.StartWave(time.Second, 100)
	require.True(t, trial(tr, src, 10, 100))
	before := tr.Results()

	assert.False(t, trial(tr, src, 5, 99))
	assert.Equal(t, StateError, tr.State())
	assert.ErrorIs(t, tr.Err(), ErrByteCountMismatch)
	assert.Equal(t, before, tr.Results())
}

func TestTester_StartWaveRejections(t *testing.T) {
	t.Run("while testing", func(t *testing.T) {
		tr, _, _ := newManualTester(t)
		tr.StartWave(time.Second, 0)
		tr.StartWave(time.Second, 0)
		assert.Equal(t, StateError, tr.State())
		assert.ErrorIs(t, tr.Err(), ErrWaveInProgress)
	})

	t.Run("from error", func(t *testing.T) {
		tr, _, _ := newManualTester(t)
		tr.SetError("trial failed")
		tr.StartWave(time.Second, 0)
		assert.Equal(t, StateError, tr.State())
		assert.ErrorIs(t, tr.Err(), ErrErrorState)
		assert.False(t, tr.IsTesting())
	})
}

func TestTester_FailKeepsCause(t *testing.T) {
	tr, _, _ := newManualTester(t)
	cause := errors.New("disk gone")
	tr.StartWave(time.Second, 0)
	tr.Fail(nil)
	assert.Equal(t, StateTesting, tr.State())
	tr.Fail(cause)
	assert.ErrorIs(t, tr.Err(), cause)
	assert.False(t, tr.IsTesting())
}

// -----------------------------------------------------------------------------
// Page faults and output
// -----------------------------------------------------------------------------

type steppingFaults struct {
	next uint64
	step uint64
}

func (s *steppingFaults) PageFaults(int) (uint64, error) {
	n := s.next
	s.next += s.step
	return n, nil
}

func TestTester_PageFaultDelta(t *testing.T) {
	tr, src, out := newManualTester(t, WithFaultCounter(&steppingFaults{next: 100, step: 4}))
	tr.StartWave(0, 4096)
	assert.False(t, trial(tr, src, 1000, 4096))

	assert.Equal(t, uint64(4), tr.Results().Min.PageFaults)
	assert.Contains(t, out.String(), "(PF: 4, 1.0000k/fault)")
}

func TestTester_PageFaultErrorIsNotFatal(t *testing.T) {
	fc := &clock.ManualFaults{Err: clock.ErrFaultsUnsupported}
	tr, src, _ := newManualTester(t, WithFaultCounter(fc))
	tr.StartWave(0, 1)
	assert.False(t, trial(tr, src, 10, 1))
	assert.Equal(t, StateCompleted, tr.State())
	assert.Zero(t, tr.Results().Min.PageFaults)
	assert.NoError(t, tr.Err())
}

func TestTester_InPlaceProgress(t *testing.T) {
	tr, src, out := newManualTester(t, WithInPlace(true))
	tr.StartWave(time.Second, 0)
	require.True(t, trial(tr, src, 10, 0))
	assert.True(t, strings.HasSuffix(out.String(), "\r"))
}

func TestFormatValue(t *testing.T) {
	v := Value{TestCount: 2, Time: 2_000_000_000, Bytes: 2 << 30, PageFaults: 2048}
	got := FormatValue("Avg.", v, clock.Identity)
	assert.Equal(t, "Avg.: 1000000000 (1.000000s) (1.0000 GB/s) (PF: 1024, 1024.0000k/fault)", got)

	assert.Equal(t, "Min: 5 (0.000000s)", FormatValue("Min", Value{TestCount: 1, Time: 5}, clock.Identity))
}

// -----------------------------------------------------------------------------
// End to end
// -----------------------------------------------------------------------------

func TestTester_RealClockSleepingBody(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps")
	}
	tr := New(
		WithName("sleep"),
		WithFaultCounter(clock.NoFaults{}),
		WithOutput(io.Discard),
		WithLogger(quietLogger()),
	)

	tr.StartWave(50*time.Millisecond, 1024)
	for tr.IsTesting() {
		tr.BeginTime()
		time.Sleep(5 * time.Millisecond)
		tr.EndTime()
		tr.CountBytes(1024)
	}

	require.Equal(t, StateCompleted, tr.State())
	res := tr.Results()
	assert.GreaterOrEqual(t, res.Totals.TestCount, uint64(1))

	minD := res.Min.Duration(tr.Ratio())
	maxD := res.Max.Duration(tr.Ratio())
	assert.GreaterOrEqual(t, minD, 5*time.Millisecond)
	assert.Less(t, minD, 50*time.Millisecond)
	assert.GreaterOrEqual(t, maxD, minD)

	rate := res.Min.GBPerSecond(tr.Ratio())
	assert.Greater(t, rate, 0.0)
	assert.LessOrEqual(t, rate, 1024.0/(1024*1024*1024)/0.005)
}
