// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/perfkit/pkg/config"
	"github.com/AleutianAI/perfkit/pkg/workloads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCmd runs a fresh command tree and captures stdout and stderr.
func executeCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// isolate points the baseline store at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "baseline")
	t.Setenv("PERFKIT_BASELINE_PATH", dir)
	return dir
}

func TestVersionCmd(t *testing.T) {
	out, _, err := executeCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "perfkit dev\n", out)
}

func TestListCmd(t *testing.T) {
	out, _, err := executeCmd(t, "list")
	require.NoError(t, err)
	for _, name := range workloads.Names() {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "(reads --file)")
}

func TestRunCmd_WriteBytes(t *testing.T) {
	isolate(t)
	md := filepath.Join(t.TempDir(), "summary.md")

	out, stderr, err := executeCmd(t, "run", "write_bytes",
		"--size", "4096", "--budget", "0s", "--rounds", "1", "--markdown", md)
	require.NoError(t, err, stderr)

	assert.Contains(t, out, "\n----- write_bytes -----\n")
	assert.Contains(t, out, "Min: ")
	assert.Contains(t, stderr, "run starting")

	data, err := os.ReadFile(md)
	require.NoError(t, err)
	assert.Contains(t, string(data), "write_bytes")
	assert.Contains(t, string(data), "completed")
}

func TestRunCmd_ReadWorkloadsWithFile(t *testing.T) {
	isolate(t)
	input := filepath.Join(t.TempDir(), "in.bin")

	out, stderr, err := executeCmd(t, "run", "read_full", "read_buffered",
		"--file", input, "--size", "8192", "--budget", "0s", "--rounds", "1")
	require.NoError(t, err, stderr)

	assert.Contains(t, out, "----- read_full -----")
	assert.Contains(t, out, "----- read_buffered -----")
	info, err := os.Stat(input)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.Size())
}

func TestRunCmd_Profile(t *testing.T) {
	isolate(t)
	out, stderr, err := executeCmd(t, "run", "write_bytes",
		"--size", "4096", "--budget", "0s", "--rounds", "1", "--profile")
	require.NoError(t, err, stderr)

	assert.Contains(t, out, "wave:write_bytes: ")
	assert.Contains(t, out, "write_bytes/write: ")
	assert.Contains(t, out, "Total time: ")
}

func TestRunCmd_BaselineLifecycle(t *testing.T) {
	dir := isolate(t)
	args := []string{"run", "write_bytes", "--size", "4096", "--budget", "0s", "--rounds", "1", "--baseline"}

	out, stderr, err := executeCmd(t, args...)
	require.NoError(t, err, stderr)
	assert.Contains(t, out, "Baseline write_bytes: new")

	out, stderr, err = executeCmd(t, args...)
	require.NoError(t, err, stderr)
	assert.Contains(t, out, "Baseline write_bytes: ")
	assert.NotContains(t, out, "Baseline write_bytes: new")

	out, stderr, err = executeCmd(t, "baseline", "list")
	require.NoError(t, err, stderr)
	assert.Contains(t, out, "write_bytes")
	assert.Contains(t, out, "GB/s")

	out, _, err = executeCmd(t, "baseline", "clear", "nope")
	require.NoError(t, err)
	assert.Contains(t, out, "No baseline for nope")

	out, _, err = executeCmd(t, "baseline", "clear")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 1 baseline(s)\n", out)

	out, _, err = executeCmd(t, "baseline", "list")
	require.NoError(t, err)
	assert.Equal(t, "No baselines in "+dir+"\n", out)
}

func TestRunCmd_Errors(t *testing.T) {
	isolate(t)

	_, _, err := executeCmd(t, "run", "mmap", "--budget", "0s")
	assert.ErrorIs(t, err, workloads.ErrUnknownWorkload)

	_, _, err = executeCmd(t, "run", "write_bytes", "--size", "0")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, _, err = executeCmd(t, "run", "write_bytes", "--log-level", "loud")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, _, err = executeCmd(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRunCmd_ConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "perfkit.yaml")
	yaml := "wave:\n  budget: 0s\n  rounds: 1\n  size: 2048\n  workloads: [write_bytes]\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	out, stderr, err := executeCmd(t, "run", "--config", path)
	require.NoError(t, err, stderr)
	assert.Contains(t, out, "----- write_bytes -----")
	assert.NotContains(t, out, "----- read_full -----")
	assert.Contains(t, stderr, "level=DEBUG")
}

func TestConfigInitCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "perfkit.yaml")

	out, _, err := executeCmd(t, "config", "init", path)
	require.NoError(t, err)
	assert.Equal(t, "Wrote "+path+"\n", out)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Wave, cfg.Wave)

	_, _, err = executeCmd(t, "config", "init", path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already exists"))
}
