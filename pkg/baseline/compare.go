// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package baseline

import (
	"fmt"
	"time"
)

// Comparison is the change of a new result relative to a stored baseline.
type Comparison struct {
	Case        string
	HasPrevious bool
	Previous    time.Duration
	Current     time.Duration

	// MinChange is (current - previous) / previous. Negative is faster.
	MinChange float64

	// ThroughputChange is the same ratio for GB/s. Positive is faster.
	ThroughputChange float64

	Improved bool

	// Reset is set when the two records processed different byte counts.
	// Their times are not comparable; the new record replaces the old one.
	Reset         bool
	PreviousBytes uint64
	CurrentBytes  uint64
}

// Compare computes the change from prev to cur. A nil prev yields a
// comparison with HasPrevious false and Improved true. Records with
// different byte counts yield Reset with no change ratios.
func Compare(prev, cur *Record) Comparison {
	c := Comparison{Improved: true}
	if cur != nil {
		c.Case = cur.Case
		c.Current = cur.Min
	}
	if prev == nil || cur == nil {
		return c
	}

	c.HasPrevious = true
	c.Previous = prev.Min
	c.PreviousBytes = prev.Bytes
	c.CurrentBytes = cur.Bytes
	if prev.Bytes != cur.Bytes {
		c.Improved = false
		c.Reset = true
		return c
	}
	c.Improved = cur.Min < prev.Min
	if prev.Min > 0 {
		c.MinChange = float64(cur.Min-prev.Min) / float64(prev.Min)
	}
	if prev.GBPerSecond > 0 {
		c.ThroughputChange = (cur.GBPerSecond - prev.GBPerSecond) / prev.GBPerSecond
	}
	return c
}

// String renders the comparison as one line for the terminal.
func (c Comparison) String() string {
	if !c.HasPrevious {
		return fmt.Sprintf("Baseline %s: new (%v)", c.Case, c.Current)
	}
	if c.Reset {
		return fmt.Sprintf("Baseline %s: reset, size changed from %d to %d bytes (%v)",
			c.Case, c.PreviousBytes, c.CurrentBytes, c.Current)
	}
	verdict := "no improvement"
	if c.Improved {
		verdict = "new best"
	}
	return fmt.Sprintf("Baseline %s: %v -> %v (%+.2f%% time, %+.2f%% throughput, %s)",
		c.Case, c.Previous, c.Current, c.MinChange*100, c.ThroughputChange*100, verdict)
}
