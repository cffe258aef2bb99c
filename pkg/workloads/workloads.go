// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workloads provides the built-in file read and memory write cases.
package workloads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/perfkit/pkg/profiler"
	"github.com/AleutianAI/perfkit/pkg/reptest"
	"github.com/AleutianAI/perfkit/pkg/suite"
)

// DefaultChunkSize is the read size of read_buffered.
const DefaultChunkSize = 800 * 1024

var (
	// ErrUnknownWorkload is returned for a name not in the registry.
	ErrUnknownWorkload = errors.New("unknown workload")

	// ErrInvalidParams is returned for unusable parameters.
	ErrInvalidParams = errors.New("invalid workload parameters")
)

// Params configures workload construction.
type Params struct {
	// Path is the input file of the read workloads.
	Path string

	// Size is the buffer size of write_bytes and the size PrepareFile
	// creates.
	Size uint64

	// ChunkSize is the read size of read_buffered. Zero means
	// DefaultChunkSize.
	ChunkSize int

	// Profiler receives the phase spans, labelled "<workload>/<phase>".
	// Nil disables them.
	Profiler profiler.Profiler
}

func (p Params) profiler() profiler.Profiler {
	if p.Profiler == nil {
		return profiler.Noop{}
	}
	return p.Profiler
}

// Workload is a registry entry.
type Workload struct {
	Name        string
	Description string

	// NeedsFile reports whether the workload reads Params.Path.
	NeedsFile bool

	build func(Params) (suite.Case, error)
}

// Build creates the case for p.
func (w Workload) Build(p Params) (suite.Case, error) {
	c, err := w.build(p)
	if err != nil {
		return suite.Case{}, fmt.Errorf("%s: %w", w.Name, err)
	}
	return c, nil
}

var registry = map[string]Workload{
	"read_full": {
		Name:        "read_full",
		Description: "read the whole file into a reused buffer",
		NeedsFile:   true,
		build:       readFull,
	},
	"read_buffered": {
		Name:        "read_buffered",
		Description: "read the file in fixed-size chunks",
		NeedsFile:   true,
		build:       readBuffered,
	},
	"read_string": {
		Name:        "read_string",
		Description: "read the file into a freshly allocated string",
		NeedsFile:   true,
		build:       readString,
	},
	"write_bytes": {
		Name:        "write_bytes",
		Description: "write every byte of a freshly allocated buffer",
		build:       writeBytes,
	},
}

// Names returns the registered workload names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every workload sorted by name.
func All() []Workload {
	out := make([]Workload, 0, len(registry))
	for _, name := range Names() {
		out = append(out, registry[name])
	}
	return out
}

// Lookup returns the workload registered under name.
func Lookup(name string) (Workload, error) {
	w, ok := registry[name]
	if !ok {
		return Workload{}, fmt.Errorf("%w: %s (available: %s)", ErrUnknownWorkload, name, strings.Join(Names(), ", "))
	}
	return w, nil
}

// Build creates the cases for names in order. An empty list builds every
// workload.
func Build(names []string, p Params) ([]suite.Case, error) {
	if len(names) == 0 {
		names = Names()
	}
	cases := make([]suite.Case, 0, len(names))
	for _, name := range names {
		w, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		c, err := w.Build(p)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

// NeedFile reports whether any of names reads the input file. An empty
// list means every workload.
func NeedFile(names []string) bool {
	if len(names) == 0 {
		names = Names()
	}
	for _, name := range names {
		if w, ok := registry[name]; ok && w.NeedsFile {
			return true
		}
	}
	return false
}

// PrepareFile creates path with size bytes of a repeating pattern unless a
// file of that size already exists.
//
// Outputs:
//   - bool: True if the file was written.
//   - error: Non-nil if the file cannot be created.
func PrepareFile(path string, size uint64) (bool, error) {
	if path == "" || size == 0 {
		return false, fmt.Errorf("%w: path and size are required", ErrInvalidParams)
	}
	if info, err := os.Stat(path); err == nil && uint64(info.Size()) == size {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return false, fmt.Errorf("create input directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return false, fmt.Errorf("create input file: %w", err)
	}
	block := make([]byte, 64*1024)
	for i := range block {
		block[i] = byte(i * 31)
	}
	remaining := size
	for remaining > 0 {
		n := uint64(len(block))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(block[:n]); err != nil {
			_ = f.Close()
			return false, fmt.Errorf("write input file: %w", err)
		}
		remaining -= n
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close input file: %w", err)
	}
	return true, nil
}

// phase names a profiler span inside one workload. Phase labels are never
// shared between workloads, since a label keeps the parent it was first
// opened under.
func phase(workload, name string) string {
	return workload + "/" + name
}

func fileSize(path string) (uint64, error) {
	if path == "" {
		return 0, fmt.Errorf("%w: input file is required", ErrInvalidParams)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%w: %s is empty", ErrInvalidParams, path)
	}
	return uint64(info.Size()), nil
}

// readFull reads the whole file into a buffer allocated once at build time.
func readFull(p Params) (suite.Case, error) {
	size, err := fileSize(p.Path)
	if err != nil {
		return suite.Case{}, err
	}
	buf := make([]byte, size)
	prof := p.profiler()
	openLabel := phase("read_full", "open")
	readLabel := phase("read_full", "read")

	return suite.Case{
		Name:          "read_full",
		ExpectedBytes: size,
		Trial: func(t *reptest.Tester) error {
			open := prof.Begin(openLabel)
			f, err := os.Open(p.Path)
			open.End(0)
			if err != nil {
				return err
			}
			defer f.Close()

			read := prof.Begin(readLabel)
			t.BeginTime()
			n, err := io.ReadFull(f, buf)
			t.EndTime()
			read.End(uint64(n))
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			t.CountBytes(uint64(n))
			return nil
		},
	}, nil
}

// readBuffered reads the file in ChunkSize pieces into one small buffer.
func readBuffered(p Params) (suite.Case, error) {
	size, err := fileSize(p.Path)
	if err != nil {
		return suite.Case{}, err
	}
	chunk := p.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if chunk < 0 {
		return suite.Case{}, fmt.Errorf("%w: chunk size %d", ErrInvalidParams, chunk)
	}
	buf := make([]byte, chunk)
	prof := p.profiler()
	openLabel := phase("read_buffered", "open")
	readLabel := phase("read_buffered", "read")

	return suite.Case{
		Name:          "read_buffered",
		ExpectedBytes: size,
		Trial: func(t *reptest.Tester) error {
			open := prof.Begin(openLabel)
			f, err := os.Open(p.Path)
			open.End(0)
			if err != nil {
				return err
			}
			defer f.Close()

			var total uint64
			read := prof.Begin(readLabel)
			t.BeginTime()
			for {
				n, err := f.Read(buf)
				total += uint64(n)
				if err == io.EOF {
					break
				}
				if err != nil {
					t.EndTime()
					read.End(total)
					return fmt.Errorf("read: %w", err)
				}
			}
			t.EndTime()
			read.End(total)
			t.CountBytes(total)
			return nil
		},
	}, nil
}

// readString allocates a fresh builder every trial, so allocation and page
// faults are part of the measured time.
func readString(p Params) (suite.Case, error) {
	size, err := fileSize(p.Path)
	if err != nil {
		return suite.Case{}, err
	}
	prof := p.profiler()
	openLabel := phase("read_string", "open")
	allocLabel := phase("read_string", "alloc")
	readLabel := phase("read_string", "read")

	return suite.Case{
		Name:          "read_string",
		ExpectedBytes: size,
		Trial: func(t *reptest.Tester) error {
			open := prof.Begin(openLabel)
			f, err := os.Open(p.Path)
			open.End(0)
			if err != nil {
				return err
			}
			defer f.Close()

			t.BeginTime()
			alloc := prof.Begin(allocLabel)
			var sb strings.Builder
			sb.Grow(int(size))
			alloc.End(0)

			read := prof.Begin(readLabel)
			n, err := io.Copy(&sb, f)
			read.End(uint64(n))
			t.EndTime()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			t.CountBytes(uint64(len(sb.String())))
			return nil
		},
	}, nil
}

// writeBytes touches every byte of a buffer allocated inside the trial.
func writeBytes(p Params) (suite.Case, error) {
	if p.Size == 0 {
		return suite.Case{}, fmt.Errorf("%w: size is required", ErrInvalidParams)
	}
	size := p.Size
	prof := p.profiler()
	allocLabel := phase("write_bytes", "alloc")
	writeLabel := phase("write_bytes", "write")

	return suite.Case{
		Name:          "write_bytes",
		ExpectedBytes: size,
		Trial: func(t *reptest.Tester) error {
			alloc := prof.Begin(allocLabel)
			buf := make([]byte, size)
			alloc.End(0)

			write := prof.Begin(writeLabel)
			t.BeginTime()
			for i := range buf {
				buf[i] = byte(i)
			}
			t.EndTime()
			write.End(uint64(len(buf)))
			t.CountBytes(uint64(len(buf)))
			return nil
		},
	}, nil
}
