// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock provides the timing and OS counter sources shared by the
// repetition tester and the span profiler.
//
// # Ticks and Ratios
//
// A clock reading is an opaque monotonic tick count. Only the difference of
// two readings is meaningful, and only after converting it through the
// source's Ratio:
//
//	src := clock.NewMonotonic()
//	start := src.Now()
//	work()
//	elapsed := src.Ratio().ToDuration(src.Now() - start)
//
// Platform-specific tick counters (TSC, mach_absolute_time) report ticks in
// their own unit; the portable Monotonic source reports nanoseconds and a
// 1:1 ratio.
//
// # Thread Safety
//
// Monotonic is safe for concurrent use. Manual is not; it is meant to be
// driven by a single test goroutine.
package clock

import (
	"math/big"
	"time"
)

// Ticks is a raw clock reading or a difference of two readings.
type Ticks uint64

// Ratio converts ticks into nanoseconds: ns = ticks * Numer / Denom.
//
// The zero Ratio is treated as 1:1.
type Ratio struct {
	Numer uint32
	Denom uint32
}

// Identity is the 1:1 ratio used by nanosecond-resolution sources.
var Identity = Ratio{Numer: 1, Denom: 1}

func (r Ratio) normalized() Ratio {
	if r.Numer == 0 || r.Denom == 0 {
		return Identity
	}
	return r
}

// ToDuration converts a tick difference into a duration.
//
// The multiplication is done in arbitrary precision when the product would
// overflow 64 bits, so very long waves on coarse ratios stay exact.
func (r Ratio) ToDuration(t Ticks) time.Duration {
	r = r.normalized()
	if r.Numer == r.Denom {
		return time.Duration(t)
	}
	hi := uint64(t)
	if hi <= (1<<63-1)/uint64(r.Numer) {
		return time.Duration(hi * uint64(r.Numer) / uint64(r.Denom))
	}
	n := new(big.Int).SetUint64(hi)
	n.Mul(n, new(big.Int).SetUint64(uint64(r.Numer)))
	n.Quo(n, new(big.Int).SetUint64(uint64(r.Denom)))
	return time.Duration(n.Int64())
}

// FromDuration converts a duration into ticks. Negative durations map to 0.
func (r Ratio) FromDuration(d time.Duration) Ticks {
	if d <= 0 {
		return 0
	}
	r = r.normalized()
	if r.Numer == r.Denom {
		return Ticks(d)
	}
	n := new(big.Int).SetInt64(int64(d))
	n.Mul(n, new(big.Int).SetUint64(uint64(r.Denom)))
	n.Quo(n, new(big.Int).SetUint64(uint64(r.Numer)))
	return Ticks(n.Uint64())
}

// Seconds converts a tick difference into fractional seconds.
func (r Ratio) Seconds(t Ticks) float64 {
	return r.ToDuration(t).Seconds()
}

// Source is a monotonic tick counter plus its tick-to-nanosecond ratio.
type Source interface {
	// Now returns the current reading. Readings never decrease.
	Now() Ticks

	// Ratio returns the conversion ratio. It is constant for a source.
	Ratio() Ratio
}

// Monotonic reads Go's monotonic clock, in nanoseconds since the source was
// created.
type Monotonic struct {
	base time.Time
}

// NewMonotonic creates a nanosecond-resolution monotonic source.
func NewMonotonic() *Monotonic {
	return &Monotonic{base: time.Now()}
}

// Now returns nanoseconds elapsed since the source was created.
func (m *Monotonic) Now() Ticks {
	return Ticks(time.Since(m.base))
}

// Ratio returns Identity.
func (m *Monotonic) Ratio() Ratio {
	return Identity
}

// Manual is a hand-driven source for deterministic tests.
type Manual struct {
	now   Ticks
	ratio Ratio
}

// NewManual creates a manual source starting at zero with the given ratio.
func NewManual(ratio Ratio) *Manual {
	return &Manual{ratio: ratio.normalized()}
}

// Now returns the current manual reading.
func (m *Manual) Now() Ticks { return m.now }

// Ratio returns the configured ratio.
func (m *Manual) Ratio() Ratio { return m.ratio }

// Advance moves the clock forward by the given number of ticks.
func (m *Manual) Advance(t Ticks) { m.now += t }

// AdvanceDuration moves the clock forward by d converted through the ratio.
func (m *Manual) AdvanceDuration(d time.Duration) {
	m.now += m.ratio.FromDuration(d)
}

var (
	_ Source = (*Monotonic)(nil)
	_ Source = (*Manual)(nil)
)
