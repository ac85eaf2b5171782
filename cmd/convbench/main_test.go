// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LynnColeArt/convbench"
	"github.com/LynnColeArt/convbench/compute"
)

type cliResult struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(compute.NewEngine(), &stdout, &stderr)
	err := a.execute(context.Background(), args)
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestRunCommand(t *testing.T) {
	logDir := t.TempDir()
	metricsFile := filepath.Join(t.TempDir(), "convbench.prom")

	res := execute(t, "run", "--log-dir", logDir, "--metrics-file", metricsFile,
		"-i", "3", "-o", "8", "--input-size", "16x16", "--kernel-size", "3", "-p", "1",
		"-a", "implicit-gemm", "-t", "precompute", "-n", "2", "--threads", "2")
	require.NoError(t, res.err, res.stderr)

	for _, line := range []string{
		"Batch size: 1\n",
		"Input channels: 3\n",
		"Output channels: 8\n",
		"Input: 16x16 with implicit padding 1\n",
		"Kernel: 3x3\n",
		"Subsampling: 1x1\n",
		"Strategy used: reuse\n",
		"over 2 runs",
		"GFLOPS",
	} {
		assert.Contains(t, res.stdout, line)
	}

	latest, err := convbench.LatestLogFile(logDir)
	require.NoError(t, err)
	records, err := convbench.ReadLogFile(latest)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, convbench.RecordPass, records[0].Status)
	assert.Equal(t, 2, records[0].Iterations)

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `convbench_runs_total{outcome="completed"} 2`)
}

func TestRunCommandNotApplicable(t *testing.T) {
	logDir := t.TempDir()
	res := execute(t, "run", "--log-dir", logDir,
		"-i", "3", "-o", "8", "--input-size", "16", "--kernel-size", "3", "-a", "ft8x8")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Not applicable: unsupported algorithm")

	latest, err := convbench.LatestLogFile(logDir)
	require.NoError(t, err)
	records, err := convbench.ReadLogFile(latest)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, convbench.RecordNotApplicable, records[0].Status)
}

func TestRunCommandFatal(t *testing.T) {
	logDir := t.TempDir()
	metricsFile := filepath.Join(t.TempDir(), "convbench.prom")

	// The tensors (about 130 KB) fit the limit, the im2col workspace does not.
	res := execute(t, "run", "--log-dir", logDir, "--metrics-file", metricsFile, "--max-memory", "200000",
		"-i", "16", "-o", "16", "--input-size", "32", "--kernel-size", "3", "-a", "implicit-gemm")
	require.Error(t, res.err)
	assert.True(t, convbench.IsMemoryError(res.err))
	assert.ErrorIs(t, res.err, convbench.ErrOutOfMemory)

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `convbench_runs_total{outcome="fatal"} 1`)

	latest, err := convbench.LatestLogFile(logDir)
	require.NoError(t, err)
	records, err := convbench.ReadLogFile(latest)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, convbench.RecordFail, records[0].Status)
	assert.NotEmpty(t, records[0].Error)
}

func TestRunCommandArguments(t *testing.T) {
	tests := map[string][]string{
		"missing required": {"run", "-i", "3", "-o", "8"},
		"bad size":         {"run", "-i", "3", "-o", "8", "--input-size", "16by16", "--kernel-size", "3"},
		"bad algorithm":    {"run", "-i", "3", "-o", "8", "--input-size", "16", "--kernel-size", "3", "-a", "fft"},
		"reuse strategy":   {"run", "-i", "3", "-o", "8", "--input-size", "16", "--kernel-size", "3", "-t", "reuse"},
		"bad log level":    {"version", "--log-level", "loud"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			res := execute(t, append(args, "--log-dir", t.TempDir())...)
			assert.Error(t, res.err)
		})
	}
}

func TestSuiteAndSummaryCommands(t *testing.T) {
	logDir := t.TempDir()
	suite := filepath.Join(t.TempDir(), "small.yaml")
	require.NoError(t, os.WriteFile(suite, []byte(`
name: small
defaults:
  kernel_size: 3x3
  input_padding: 1
  iterations: 2
cases:
  - {name: gemm, input_channels: 3, output_channels: 8, input_size: 12x12, algorithm: implicit-gemm}
  - {name: direct-precompute, input_channels: 3, output_channels: 4, input_size: 8, algorithm: direct, transform_strategy: precompute}
  - {name: winograd, input_channels: 3, output_channels: 4, input_size: 8, algorithm: wt8x8}
`), 0644))

	res := execute(t, "suite", "--log-dir", logDir, suite)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Strategy used: compute (precompute unsupported)")
	assert.Contains(t, res.stdout, "Total: 3 | Passed: 2 | Not applicable: 1 | Failed: 0")

	res = execute(t, "summary", "--log-dir", logDir)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "gemm")
	assert.Contains(t, res.stdout, "not applicable: unsupported algorithm")
	assert.Contains(t, res.stdout, "Total: 3 | Passed: 2 | Not applicable: 1 | Failed: 0")

	res = execute(t, "summary", "--log-dir", t.TempDir())
	assert.Error(t, res.err)
}

func TestVersionCommand(t *testing.T) {
	res := execute(t, "version", "--log-dir", t.TempDir())
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "convbench ")
}

func TestLogFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logFatal(logger, convbench.NewEngineError("Compute", "convolution failed", convbench.StatusOutOfMemory))
	assert.Contains(t, buf.String(), "op=Compute")
	assert.Contains(t, buf.String(), "status_code=13")

	buf.Reset()
	logFatal(logger, convbench.NewMemoryError("Allocate", "limit exceeded", 4096, convbench.ErrOutOfMemory))
	assert.Contains(t, buf.String(), "size=4096")
	assert.Contains(t, buf.String(), "type=Memory")
}
