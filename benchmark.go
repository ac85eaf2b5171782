// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Report summarizes the repeated runs of one benchmark case.
type Report struct {
	Shape             Shape
	Algorithm         Algorithm
	RequestedStrategy TransformStrategy
	Strategy          TransformStrategy
	Outcome           Outcome
	Status            Status
	FellBack          bool

	TransformedKernelSize int
	WorkspaceSize         int

	// Times holds the compute-call time of every measured iteration.
	Times []time.Duration
	// Alloc is the allocator accounting after all buffers were released.
	Alloc AllocStats
}

// MinTime returns the fastest measured compute call.
func (r *Report) MinTime() time.Duration {
	if len(r.Times) == 0 {
		return 0
	}
	return slices.Min(r.Times)
}

// MedianTime returns the median measured compute call.
func (r *Report) MedianTime() time.Duration {
	if len(r.Times) == 0 {
		return 0
	}
	sorted := slices.Clone(r.Times)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// MeanTime returns the mean measured compute call.
func (r *Report) MeanTime() time.Duration {
	if len(r.Times) == 0 {
		return 0
	}
	var total time.Duration
	for _, t := range r.Times {
		total += t
	}
	return total / time.Duration(len(r.Times))
}

// GFLOPS is the throughput of the median compute call.
func (r *Report) GFLOPS() float64 {
	median := r.MedianTime()
	if median <= 0 {
		return 0
	}
	return r.Shape.FLOPs() / median.Seconds() / 1e9
}

type benchmarkConfig struct {
	logger  *slog.Logger
	metrics *Metrics
}

// BenchmarkOption configures Benchmark.
type BenchmarkOption func(*benchmarkConfig)

// WithBenchmarkLogger sets the structured logger used by Benchmark and its
// negotiator.
func WithBenchmarkLogger(l *slog.Logger) BenchmarkOption {
	return func(c *benchmarkConfig) { c.logger = l }
}

// WithBenchmarkMetrics attaches Prometheus collectors.
func WithBenchmarkMetrics(m *Metrics) BenchmarkOption {
	return func(c *benchmarkConfig) { c.metrics = m }
}

// Benchmark provisions tensors for opts and runs the negotiated convolution
// opts.Warmup+opts.Iterations times, timing the measured compute calls.
//
// The transformed kernel of every run is freed before the next run, so each
// iteration repeats the full protocol. If the engine declines the
// configuration on any iteration the report has OutcomeNotApplicable and no
// times.
func Benchmark(ctx context.Context, engine Engine, opts Options, bopts ...BenchmarkOption) (*Report, error) {
	cfg := benchmarkConfig{logger: slog.Default()}
	for _, o := range bopts {
		o(&cfg)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	algorithm, strategy, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	shape := opts.Shape()

	if init, ok := engine.(Initializer); ok {
		if status := init.Initialize(); status != StatusSuccess {
			return nil, NewEngineError("Initialize", "engine initialization failed", status)
		}
	}

	alloc := NewAlignedAllocator(opts.MaxMemory)
	tensors, err := ProvisionTensors(alloc, shape)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tensors.Release(); err != nil {
			cfg.logger.WarnContext(ctx, "failed to release tensors", slog.Any("error", err))
		}
	}()

	var pool ThreadPool
	if opts.Threads > 0 {
		pool = NewWorkerPool(opts.Threads)
	}

	n := NewNegotiator(engine,
		WithAllocator(alloc),
		WithThreadPool(pool),
		WithLogger(cfg.logger),
		WithMetrics(cfg.metrics),
	)

	rep := &Report{
		Shape:             shape,
		Algorithm:         algorithm,
		RequestedStrategy: strategy,
		Outcome:           OutcomeCompleted,
	}

	for i := 0; i < opts.Warmup+opts.Iterations; i++ {
		res, err := n.Run(ctx, algorithm, strategy, shape, tensors)
		if err != nil {
			return nil, err
		}
		rep.Status = res.Status
		if res.Outcome == OutcomeNotApplicable {
			// A decline on any iteration reports like a decline on the first.
			rep.Outcome = OutcomeNotApplicable
			rep.Strategy, rep.FellBack = 0, false
			rep.TransformedKernelSize, rep.WorkspaceSize = 0, 0
			rep.Times = nil
			break
		}
		if err := alloc.Free(res.TransformedKernel); err != nil {
			return nil, err
		}
		rep.Strategy = res.Strategy
		rep.FellBack = res.FellBack
		rep.TransformedKernelSize = res.TransformedKernelSize
		rep.WorkspaceSize = res.WorkspaceSize
		if i >= opts.Warmup {
			rep.Times = append(rep.Times, res.ComputeTime)
		}
	}

	if err := tensors.Release(); err != nil {
		return nil, err
	}
	rep.Alloc = alloc.Stats()

	cfg.logger.DebugContext(ctx, "benchmark finished",
		slog.String("algorithm", algorithm.String()),
		slog.String("outcome", rep.Outcome.String()),
		slog.Int("iterations", len(rep.Times)),
		slog.Duration("median", rep.MedianTime()))
	return rep, nil
}
