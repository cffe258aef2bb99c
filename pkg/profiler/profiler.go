// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profiler provides a manual span profiler that reports exclusive
// (self) time per label.
//
// Spans are kept in an arena indexed by Handle, one span per distinct
// label, plus a stack of the currently open handles. Closing a span adds
// its elapsed time to its parent's children time, so a label's exclusive
// time is its total minus the time spent in nested spans.
//
// # Known Limitation
//
// A span's parent is fixed the first time its label is opened. A label
// opened later under a different parent still charges its time to the
// original parent. Exclusive times are clamped at zero when this makes
// the arithmetic go negative.
//
// # Thread Safety
//
// A Session is owned by one goroutine. Concurrent use is undefined.
package profiler

import (
	"io"
)

// Handle identifies a span within one Session.
type Handle int

// InvalidHandle is returned by Noop and ignored by EndSpan.
const InvalidHandle Handle = -1

// Profiler is implemented by *Session and Noop so instrumented code does not
// need to branch on whether profiling is enabled.
type Profiler interface {
	// Start begins the session clock.
	Start()

	// Stop records the session's elapsed time. Stop without Start is a no-op.
	Stop()

	// BeginSpan opens (or reopens) the span for label.
	BeginSpan(label string) Handle

	// EndSpan closes the span and credits it with bytes processed.
	EndSpan(h Handle, bytes uint64)

	// Begin opens a span and returns a guard that closes it.
	Begin(label string) Span

	// Report writes the per-label summary.
	Report(w io.Writer) error

	// Stats returns per-label statistics in first-seen order.
	Stats() []SpanStats
}

// Span is a guard for an open span. End closes it exactly once.
//
// Example:
//
//	s := prof.Begin("parse")
//	defer s.End(0)
type Span struct {
	p     Profiler
	h     Handle
	ended bool
}

// End closes the span, crediting bytes. Calling End again does nothing.
func (s *Span) End(bytes uint64) {
	if s.p == nil || s.ended {
		return
	}
	s.ended = true
	s.p.EndSpan(s.h, bytes)
}

// Handle returns the guarded span's handle.
func (s *Span) Handle() Handle { return s.h }

// New returns a *Session when enabled is true and Noop otherwise.
func New(enabled bool, opts ...Option) Profiler {
	if !enabled {
		return Noop{}
	}
	return NewSession(opts...)
}

// Noop discards all instrumentation.
type Noop struct{}

func (Noop) Start() {}
func (Noop) Stop() {}
func (Noop) BeginSpan(string) Handle { return InvalidHandle }
func (Noop) EndSpan(Handle, uint64) {}
func (Noop) Begin(string) Span { return Span{} }
func (Noop) Report(io.Writer) error { return nil }
func (Noop) Stats() []SpanStats { return nil }

var (
	_ Profiler = (*Session)(nil)
	_ Profiler = Noop{}
)
