// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package suite

import (
	"time"

	"github.com/AleutianAI/perfkit/pkg/baseline"
	"github.com/AleutianAI/perfkit/pkg/clock"
	"github.com/AleutianAI/perfkit/pkg/reptest"
	"github.com/AleutianAI/perfkit/pkg/telemetry"
)

// Outcome is the state of one case after a wave.
type Outcome struct {
	Name    string
	Round   int
	State   reptest.State
	Results reptest.Results
	Ratio   clock.Ratio
	Err     error
}

func newOutcome(name string, round int, t *reptest.Tester) Outcome {
	o := Outcome{
		Name:    name,
		Round:   round,
		State:   t.State(),
		Results: t.Results(),
		Ratio:   t.Ratio(),
	}
	if o.State == reptest.StateError {
		o.Err = t.Err()
	}
	return o
}

// Min is the fastest trial time.
func (o Outcome) Min() time.Duration { return o.Results.Min.Duration(o.Ratio) }

// Max is the slowest trial time.
func (o Outcome) Max() time.Duration { return o.Results.Max.Duration(o.Ratio) }

// Avg is the mean trial time.
func (o Outcome) Avg() time.Duration { return o.Results.Totals.Duration(o.Ratio) }

// GBPerSecond is the throughput of the fastest trial.
func (o Outcome) GBPerSecond() float64 { return o.Results.Min.GBPerSecond(o.Ratio) }

// WaveData converts the outcome for telemetry.
func (o Outcome) WaveData(ts time.Time, labels map[string]string) *telemetry.WaveData {
	return &telemetry.WaveData{
		Name:        o.Name,
		Timestamp:   ts,
		Round:       o.Round,
		State:       o.State.String(),
		Trials:      o.Results.Totals.TestCount,
		Min:         o.Min(),
		Max:         o.Max(),
		Avg:         o.Avg(),
		Bytes:       o.Results.Min.Bytes,
		GBPerSecond: o.GBPerSecond(),
		PageFaults:  o.Results.Min.PageFaults,
		Labels:      labels,
	}
}

// Baseline converts a completed outcome to a baseline record. It returns nil
// for an outcome without trials or in the error state.
func (o Outcome) Baseline(runID string, ts time.Time) *baseline.Record {
	if o.State == reptest.StateError || !o.Results.HasMin() {
		return nil
	}
	return &baseline.Record{
		Case:        o.Name,
		RunID:       runID,
		RecordedAt:  ts,
		Trials:      o.Results.Totals.TestCount,
		Min:         o.Min(),
		Bytes:       o.Results.Min.Bytes,
		GBPerSecond: o.GBPerSecond(),
		PageFaults:  o.Results.Min.PageFaults,
	}
}

// Status is a snapshot of a running suite.
type Status struct {
	Running bool         `json:"running"`
	Round   int          `json:"round"`
	Current string       `json:"current,omitempty"`
	Cases   []CaseStatus `json:"cases"`
}

// CaseStatus is the per-case part of Status.
type CaseStatus struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	Waves       int           `json:"waves"`
	Trials      uint64        `json:"trials"`
	BestMin     time.Duration `json:"best_min_ns"`
	GBPerSecond float64       `json:"gb_per_second"`
	Error       string        `json:"error,omitempty"`
}
