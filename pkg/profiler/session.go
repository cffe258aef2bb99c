// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profiler

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/perfkit/pkg/clock"
)

// Option configures a Session.
type Option func(*Session)

// WithClock sets the tick source. Defaults to clock.NewMonotonic().
func WithClock(src clock.Source) Option {
	return func(s *Session) {
		if src != nil {
			s.clock = src
		}
	}
}

// span is one arena slot. parent is InvalidHandle for base spans.
type span struct {
	label    string
	start    clock.Ticks
	total    clock.Ticks
	children clock.Ticks
	hits     uint64
	bytes    uint64
	parent   Handle
}

// SpanStats is a per-label summary.
type SpanStats struct {
	Label     string        `json:"label"`
	Parent    string        `json:"parent,omitempty"`
	Total     time.Duration `json:"total"`
	Children  time.Duration `json:"children"`
	Exclusive time.Duration `json:"exclusive"`
	Hits      uint64        `json:"hits"`
	Bytes     uint64        `json:"bytes"`
}

// GBPerSecond is the throughput over exclusive time, or 0 without bytes.
func (s SpanStats) GBPerSecond() float64 {
	secs := s.Exclusive.Seconds()
	if s.Bytes == 0 || secs <= 0 {
		return 0
	}
	return float64(s.Bytes) / (1024.0 * 1024.0 * 1024.0) / secs
}

// Session is one profiling session. Create one with NewSession.
type Session struct {
	clock clock.Source

	spans []span
	index map[string]Handle
	stack []Handle

	startTime clock.Ticks
	elapsed   clock.Ticks
	started   bool
	stopped   bool
}

// NewSession creates an idle session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		clock: clock.NewMonotonic(),
		spans: make([]span, 0, 64),
		index: make(map[string]Handle, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the session clock.
func (s *Session) Start() {
	s.startTime = s.clock.Now()
	s.started = true
	s.stopped = false
}

// Stop records elapsed time since Start. Stop without Start does nothing.
func (s *Session) Stop() {
	if !s.started {
		return
	}
	s.elapsed = s.clock.Now() - s.startTime
	s.started = false
	s.stopped = true
}

// Elapsed returns the session time and whether the session was stopped.
func (s *Session) Elapsed() (time.Duration, bool) {
	if !s.stopped {
		return 0, false
	}
	return s.clock.Ratio().ToDuration(s.elapsed), true
}

// BeginSpan opens the span for label, creating it on first use.
//
// Description:
//
//	The span is pushed onto the open stack unless it is already on top.
//	A new span records the current top as its parent; a reused span keeps
//	the parent from its first opening. The span's start time restarts on
//	every call.
func (s *Session) BeginSpan(label string) Handle {
	h, ok := s.index[label]
	if !ok {
		h = Handle(len(s.spans))
		parent := InvalidHandle
		if n := len(s.stack); n > 0 {
			parent = s.stack[n-1]
		}
		s.spans = append(s.spans, span{label: label, parent: parent})
		s.index[label] = h
	}

	if n := len(s.stack); n == 0 || s.stack[n-1] != h {
		s.stack = append(s.stack, h)
	}

	s.spans[h].start = s.clock.Now()
	return h
}

// EndSpan closes the span. Unknown handles are ignored.
func (s *Session) EndSpan(h Handle, bytes uint64) {
	if h < 0 || int(h) >= len(s.spans) {
		return
	}
	now := s.clock.Now()
	sp := &s.spans[h]
	elapsed := now - sp.start

	sp.total += elapsed
	sp.hits++
	sp.bytes += bytes

	if sp.parent != InvalidHandle {
		s.spans[sp.parent].children += elapsed
	}

	if n := len(s.stack); n > 0 && s.stack[n-1] == h {
		s.stack = s.stack[:n-1]
	}
}

// Begin opens a span and returns its guard.
func (s *Session) Begin(label string) Span {
	return Span{p: s, h: s.BeginSpan(label)}
}

// Depth returns the number of currently open spans.
func (s *Session) Depth() int { return len(s.stack) }

// Stats returns per-label statistics in first-seen order.
func (s *Session) Stats() []SpanStats {
	ratio := s.clock.Ratio()
	out := make([]SpanStats, 0, len(s.spans))
	for _, sp := range s.spans {
		st := SpanStats{
			Label:    sp.label,
			Total:    ratio.ToDuration(sp.total),
			Children: ratio.ToDuration(sp.children),
			Hits:     sp.hits,
			Bytes:    sp.bytes,
		}
		if sp.children < sp.total {
			st.Exclusive = ratio.ToDuration(sp.total - sp.children)
		}
		if sp.parent != InvalidHandle {
			st.Parent = s.spans[sp.parent].label
		}
		out = append(out, st)
	}
	return out
}

// Report writes one line per label in first-seen order:
//
//	label: <exclusive> (<hits> hits, <pct>%) <MB>MB at <rate>GB/s
//
// followed by the total session time. Percentages are omitted and the total
// prints as n/a when the session was never stopped.
func (s *Session) Report(w io.Writer) error {
	total, stopped := s.Elapsed()

	var b strings.Builder
	for _, st := range s.Stats() {
		fmt.Fprintf(&b, "%s: %v (%d hits", st.Label, st.Exclusive, st.Hits)
		if stopped && total > 0 {
			fmt.Fprintf(&b, ", %.2f%%", st.Exclusive.Seconds()/total.Seconds()*100)
		}
		b.WriteString(")")
		if st.Bytes > 0 {
			mb := float64(st.Bytes) / (1024.0 * 1024.0)
			fmt.Fprintf(&b, " %.3fMB at %.2fGB/s", mb, st.GBPerSecond())
		}
		b.WriteString("\n")
	}
	if stopped {
		fmt.Fprintf(&b, "Total time: %v\n", total)
	} else {
		b.WriteString("Total time: n/a\n")
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("writing profile report: %w", err)
	}
	return nil
}
