// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"errors"
	"os"
)

// ErrFaultsUnsupported indicates the page-fault counter is not available on
// this platform or for the requested process.
var ErrFaultsUnsupported = errors.New("page fault counter unsupported")

// FaultCounter reads the cumulative page-fault count of a process.
type FaultCounter interface {
	// PageFaults returns the cumulative soft + hard fault count for pid.
	// Only differences between two readings are meaningful.
	PageFaults(pid int) (uint64, error)
}

// NoFaults is a FaultCounter that always reports zero faults.
type NoFaults struct{}

// PageFaults always returns 0.
func (NoFaults) PageFaults(int) (uint64, error) { return 0, nil }

// OSFaults reads fault counters from the operating system. Only the calling
// process can be queried; other pids return ErrFaultsUnsupported.
type OSFaults struct{}

// PageFaults returns the process' minor plus major fault count.
func (OSFaults) PageFaults(pid int) (uint64, error) {
	if pid != os.Getpid() {
		return 0, ErrFaultsUnsupported
	}
	return selfFaults()
}

// ManualFaults is a hand-driven FaultCounter for tests.
type ManualFaults struct {
	Count uint64
	Err   error
}

// PageFaults returns the configured count or error.
func (m *ManualFaults) PageFaults(int) (uint64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Count, nil
}

var (
	_ FaultCounter = NoFaults{}
	_ FaultCounter = OSFaults{}
	_ FaultCounter = (*ManualFaults)(nil)
)
