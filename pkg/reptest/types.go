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
	"errors"
	"time"

	"github.com/AleutianAI/perfkit/pkg/clock"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnbalancedTiming indicates BeginTime and EndTime were not called the
	// same number of times within one trial.
	ErrUnbalancedTiming = errors.New("open and close blocks do not match")

	// ErrByteCountMismatch indicates a trial reported a byte count different
	// from the wave's expected bytes.
	ErrByteCountMismatch = errors.New("byte count does not match expected bytes")

	// ErrWaveInProgress indicates StartWave was called while a wave was running.
	ErrWaveInProgress = errors.New("test wave already in progress")

	// ErrErrorState indicates StartWave was called on a tester in the Error state.
	ErrErrorState = errors.New("cannot start test wave from error state")
)

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State is the lifecycle state of a Tester's current wave.
type State int

const (
	// StateUninitialized is the state of a new Tester before its first wave.
	StateUninitialized State = iota

	// StateTesting means a wave is running and IsTesting returns true.
	StateTesting

	// StateCompleted means the last wave ran out its budget without errors.
	StateCompleted

	// StateError is terminal: the wave failed and no new wave may start.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTesting:
		return "testing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Value is one row of wave statistics. For a single trial TestCount is 1;
// for totals it is the number of trials folded in.
type Value struct {
	TestCount  uint64      `json:"test_count"`
	Time       clock.Ticks `json:"time"`
	Bytes      uint64      `json:"bytes"`
	PageFaults uint64      `json:"page_faults"`
}

// PerTest divides every field by TestCount. A zero Value is returned as is.
func (v Value) PerTest() Value {
	if v.TestCount <= 1 {
		return v
	}
	n := v.TestCount
	return Value{
		TestCount:  1,
		Time:       v.Time / clock.Ticks(n),
		Bytes:      v.Bytes / n,
		PageFaults: v.PageFaults / n,
	}
}

// Duration converts the per-test time through ratio.
func (v Value) Duration(ratio clock.Ratio) time.Duration {
	return ratio.ToDuration(v.PerTest().Time)
}

// GBPerSecond returns per-test throughput in GiB per second, or 0 when the
// value carries no bytes or no time.
func (v Value) GBPerSecond(ratio clock.Ratio) float64 {
	pt := v.PerTest()
	secs := ratio.Seconds(pt.Time)
	if pt.Bytes == 0 || secs <= 0 {
		return 0
	}
	return float64(pt.Bytes) / (1024.0 * 1024.0 * 1024.0) / secs
}

// KBPerFault returns per-test KiB processed per page fault, or 0 when no
// faults were observed.
func (v Value) KBPerFault() float64 {
	pt := v.PerTest()
	if pt.PageFaults == 0 {
		return 0
	}
	return float64(pt.Bytes) / (float64(pt.PageFaults) * 1024.0)
}

// Results accumulates statistics across every trial of every wave since the
// tester was created.
type Results struct {
	Min    Value `json:"min"`
	Max    Value `json:"max"`
	Totals Value `json:"totals"`
}

// Average returns Totals divided by the trial count.
func (r Results) Average() Value {
	return r.Totals.PerTest()
}

// HasMin reports whether at least one trial has been recorded.
func (r Results) HasMin() bool {
	return r.Min.TestCount > 0
}
