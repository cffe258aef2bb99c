// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workloads

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/perfkit/pkg/clock"
	"github.com/AleutianAI/perfkit/pkg/profiler"
	"github.com/AleutianAI/perfkit/pkg/reptest"
	"github.com/AleutianAI/perfkit/pkg/suite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 256 * 1024

func prepared(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input", "data.bin")
	written, err := PrepareFile(path, testSize)
	require.NoError(t, err)
	require.True(t, written)
	return path
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"read_buffered", "read_full", "read_string", "write_bytes"}, Names())
	assert.Len(t, All(), 4)

	w, err := Lookup("read_full")
	require.NoError(t, err)
	assert.True(t, w.NeedsFile)

	_, err = Lookup("mmap")
	assert.ErrorIs(t, err, ErrUnknownWorkload)
	assert.Contains(t, err.Error(), "read_full")

	assert.False(t, NeedFile([]string{"write_bytes"}))
	assert.True(t, NeedFile([]string{"write_bytes", "read_string"}))
	assert.True(t, NeedFile(nil))
}

func TestPrepareFile(t *testing.T) {
	path := prepared(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), info.Size())

	written, err := PrepareFile(path, testSize)
	require.NoError(t, err)
	assert.False(t, written, "existing file of the right size is reused")

	written, err = PrepareFile(path, testSize/2)
	require.NoError(t, err)
	assert.True(t, written)

	_, err = PrepareFile("", 1)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build([]string{"read_full"}, Params{})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = Build([]string{"read_full"}, Params{Path: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Build([]string{"write_bytes"}, Params{})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = Build([]string{"read_buffered"}, Params{Path: prepared(t), ChunkSize: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = Build([]string{"nope"}, Params{})
	assert.ErrorIs(t, err, ErrUnknownWorkload)
}

// TestWorkloads_RunOneWave runs every workload for a single-trial wave and
// checks that each reports exactly the expected bytes.
func TestWorkloads_RunOneWave(t *testing.T) {
	path := prepared(t)
	prof := profiler.NewSession()

	cases, err := Build(nil, Params{Path: path, Size: testSize, ChunkSize: 4096, Profiler: prof})
	require.NoError(t, err)
	require.Len(t, cases, 4)

	s, err := suite.New(cases,
		suite.WithBudget(0),
		suite.WithFaultCounter(clock.NoFaults{}),
		suite.WithOutput(io.Discard),
		suite.WithProfiler(prof),
	)
	require.NoError(t, err)

	prof.Start()
	require.NoError(t, s.Run(context.Background(), 1))
	prof.Stop()

	outcomes := s.Outcomes()
	require.Len(t, outcomes, 4)
	for _, o := range outcomes {
		assert.Equal(t, reptest.StateCompleted, o.State, o.Name)
		assert.NoError(t, o.Err, o.Name)
		assert.Equal(t, uint64(testSize), o.Results.Min.Bytes, o.Name)
		assert.Equal(t, uint64(1), o.Results.Totals.TestCount, o.Name)
	}

	labels := map[string]profiler.SpanStats{}
	for _, st := range prof.Stats() {
		labels[st.Label] = st
	}
	for _, want := range []string{
		"read_full/open", "read_full/read",
		"read_buffered/open", "read_buffered/read",
		"read_string/open", "read_string/alloc", "read_string/read",
		"write_bytes/alloc", "write_bytes/write",
		"wave:read_full", "wave:write_bytes",
	} {
		assert.Contains(t, labels, want)
	}
	assert.Equal(t, uint64(1), labels["read_full/open"].Hits)
	assert.Equal(t, uint64(testSize), labels["write_bytes/write"].Bytes)
}

// TestWorkloads_SharedSessionAttribution runs several workloads over two
// rounds with one session and checks that every phase is charged to its own
// wave span.
func TestWorkloads_SharedSessionAttribution(t *testing.T) {
	path := prepared(t)
	prof := profiler.NewSession()

	names := []string{"read_buffered", "read_full", "read_string", "write_bytes"}
	cases, err := Build(names, Params{Path: path, Size: testSize, ChunkSize: 4096, Profiler: prof})
	require.NoError(t, err)

	s, err := suite.New(cases,
		suite.WithBudget(0),
		suite.WithFaultCounter(clock.NoFaults{}),
		suite.WithOutput(io.Discard),
		suite.WithProfiler(prof),
	)
	require.NoError(t, err)

	prof.Start()
	require.NoError(t, s.Run(context.Background(), 2))
	prof.Stop()

	stats := prof.Stats()
	require.NotEmpty(t, stats)
	for _, st := range stats {
		assert.LessOrEqual(t, st.Children, st.Total, st.Label)
		if strings.HasPrefix(st.Label, "wave:") {
			assert.Empty(t, st.Parent, st.Label)
			assert.Equal(t, uint64(2), st.Hits, st.Label)
			continue
		}
		workload, _, ok := strings.Cut(st.Label, "/")
		require.True(t, ok, st.Label)
		assert.Equal(t, "wave:"+workload, st.Parent, st.Label)
		assert.Equal(t, uint64(2), st.Hits, st.Label)
	}
}

func TestReadFull_FileShrinks(t *testing.T) {
	path := prepared(t)
	cases, err := Build([]string{"read_full"}, Params{Path: path})
	require.NoError(t, err)

	require.NoError(t, os.Truncate(path, testSize/2))

	s, err := suite.New(cases, suite.WithBudget(0), suite.WithOutput(io.Discard), suite.WithFaultCounter(clock.NoFaults{}))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), 1))

	failed := s.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, io.ErrUnexpectedEOF)
}
