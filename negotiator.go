// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var negotiatorTracer = otel.Tracer("convbench.negotiator")

// Outcome is how a negotiated run ended when it did not fail.
type Outcome int

const (
	// OutcomeCompleted means the compute call ran and reported success.
	OutcomeCompleted Outcome = iota
	// OutcomeNotApplicable means the engine declined the algorithm for this
	// shape. It is not an error.
	OutcomeNotApplicable
)

func (o Outcome) String() string {
	if o == OutcomeNotApplicable {
		return "not_applicable"
	}
	return "completed"
}

// Result describes one negotiated run.
type Result struct {
	Outcome   Outcome
	Algorithm Algorithm
	// RequestedStrategy is the strategy the caller asked for.
	RequestedStrategy TransformStrategy
	// Strategy is the strategy used for the compute call: compute after a
	// fallback, reuse after a successful precompute.
	Strategy TransformStrategy
	// FellBack is set when precompute was requested but the engine does not
	// support it for this configuration.
	FellBack bool
	// Status is the engine status that ended the run.
	Status Status

	// TransformedKernel is the precomputed kernel transform. It is only set
	// for completed runs, and the caller owns it: it may be passed back in
	// TensorBuffers.Kernel with StrategyReuse and must eventually be freed
	// with the negotiator's allocator.
	TransformedKernel     *Buffer
	TransformedKernelSize int
	WorkspaceSize         int

	ComputeTime time.Duration
}

// Negotiator drives an Engine through the size-query, allocate and compute
// protocol of a single convolution run.
type Negotiator struct {
	engine  Engine
	alloc   Allocator
	pool    ThreadPool
	logger  *slog.Logger
	metrics *Metrics
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithAllocator sets the allocator used for workspace and transformed
// kernel buffers. The default is an unlimited AlignedAllocator.
func WithAllocator(a Allocator) NegotiatorOption {
	return func(n *Negotiator) { n.alloc = a }
}

// WithThreadPool sets the pool handle passed to the engine. Nil means
// single-threaded execution.
func WithThreadPool(p ThreadPool) NegotiatorOption {
	return func(n *Negotiator) { n.pool = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) NegotiatorOption {
	return func(n *Negotiator) { n.logger = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) NegotiatorOption {
	return func(n *Negotiator) { n.metrics = m }
}

// NewNegotiator creates a Negotiator for engine.
func NewNegotiator(engine Engine, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{engine: engine}
	for _, opt := range opts {
		opt(n)
	}
	if n.alloc == nil {
		n.alloc = NewAlignedAllocator(0)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

// Allocator returns the allocator that owns negotiated buffers.
func (n *Negotiator) Allocator() Allocator {
	return n.alloc
}

// Run executes one convolution through the engine.
//
// With StrategyPrecompute the transformed-kernel size is queried first. An
// unsupported-transform-strategy answer silently switches the run to
// StrategyCompute; otherwise the transform is materialized into a freshly
// allocated buffer and the run continues with StrategyReuse. The workspace
// size is then queried, a workspace is allocated if the size is non-zero,
// the compute call is made, and the workspace is freed whatever the compute
// call returned.
//
// Invalid or unsupported algorithm answers end the run with
// OutcomeNotApplicable and a nil error. Any other non-success status and
// any allocation failure is returned as an error.
func (n *Negotiator) Run(
	ctx context.Context,
	algorithm Algorithm,
	strategy TransformStrategy,
	shape Shape,
	tensors *TensorBuffers,
) (res *Result, err error) {
	ctx, span := negotiatorTracer.Start(ctx, "Negotiator.Run", trace.WithAttributes(
		attribute.String("algorithm", algorithm.String()),
		attribute.String("strategy", strategy.String()),
		attribute.Int("batch", shape.Batch),
		attribute.Int("input_channels", shape.InputChannels),
		attribute.Int("output_channels", shape.OutputChannels),
	))
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			n.metrics.observeRun("fatal")
		case res != nil:
			span.SetAttributes(
				attribute.String("outcome", res.Outcome.String()),
				attribute.Bool("fell_back", res.FellBack),
				attribute.Int("workspace_size", res.WorkspaceSize),
			)
			n.metrics.observeRun(res.Outcome.String())
		}
		span.End()
	}()

	if tensors == nil || tensors.Input == nil || tensors.Kernel == nil || tensors.Output == nil {
		return nil, NewInvalidArgError("Negotiator.Run", "input, kernel and output buffers are required")
	}

	res = &Result{
		Algorithm:         algorithm,
		RequestedStrategy: strategy,
	}

	var transformed *Buffer
	defer func() {
		// Only a completed run hands the transform to the caller.
		if transformed != nil && (err != nil || res.Outcome != OutcomeCompleted) {
			if ferr := n.alloc.Free(transformed); ferr != nil && err == nil {
				res, err = nil, ferr
			}
		}
	}()

	if strategy == StrategyPrecompute {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp := n.call(ctx, &Request{
			Algorithm: algorithm,
			Strategy:  StrategyPrecompute,
			Shape:     shape,
			Pool:      n.pool,
		})
		switch resp.Status.Disposition() {
		case DispositionSuccess:
			res.TransformedKernelSize = resp.TransformedKernelSize
		case DispositionStrategyUnsupported:
			n.logger.DebugContext(ctx, "precompute unsupported, falling back to compute",
				slog.String("algorithm", algorithm.String()))
			strategy = StrategyCompute
			res.FellBack = true
			n.metrics.observeFallback()
		case DispositionNotApplicable:
			return n.notApplicable(ctx, res, resp.Status), nil
		default:
			return nil, NewEngineError("QueryTransformedKernel",
				"failed to detect transformed kernel size", resp.Status)
		}
	}

	if strategy == StrategyPrecompute {
		transformed, err = n.allocate(ctx, KindTransformedKernel, res.TransformedKernelSize)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp := n.call(ctx, &Request{
			Algorithm:         algorithm,
			Strategy:          StrategyPrecompute,
			Shape:             shape,
			Kernel:            tensors.Kernel,
			TransformedKernel: transformed,
			Pool:              n.pool,
		})
		if resp.Status != StatusSuccess {
			return nil, NewEngineError("Precompute", "failed to pre-compute kernel transform", resp.Status)
		}
		strategy = StrategyReuse
	}
	res.Strategy = strategy

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := n.call(ctx, &Request{
		Algorithm: algorithm,
		Strategy:  strategy,
		Shape:     shape,
		Pool:      n.pool,
	})
	switch resp.Status.Disposition() {
	case DispositionSuccess:
	case DispositionNotApplicable:
		return n.notApplicable(ctx, res, resp.Status), nil
	default:
		return nil, NewEngineError("QueryWorkspace", "failed to detect workspace memory size", resp.Status)
	}
	res.WorkspaceSize = resp.WorkspaceSize

	var workspace *Buffer
	if res.WorkspaceSize != 0 {
		workspace, err = n.allocate(ctx, KindWorkspace, res.WorkspaceSize)
		if err != nil {
			return nil, err
		}
		defer func() {
			if ferr := n.alloc.Free(workspace); ferr != nil && err == nil {
				res, err = nil, ferr
			}
		}()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kernel := tensors.Kernel
	if transformed != nil {
		kernel = transformed
	}
	start := time.Now()
	resp = n.call(ctx, &Request{
		Algorithm: algorithm,
		Strategy:  strategy,
		Shape:     shape,
		Input:     tensors.Input,
		Kernel:    kernel,
		Bias:      tensors.Bias,
		Output:    tensors.Output,
		Workspace: workspace,
		Pool:      n.pool,
	})
	res.ComputeTime = time.Since(start)
	n.metrics.observeCompute(algorithm, res.ComputeTime)

	switch resp.Status.Disposition() {
	case DispositionSuccess:
	case DispositionNotApplicable:
		return n.notApplicable(ctx, res, resp.Status), nil
	default:
		return nil, NewEngineError("Compute", "convolution failed", resp.Status)
	}

	res.Outcome = OutcomeCompleted
	res.Status = StatusSuccess
	res.TransformedKernel = transformed
	n.logger.DebugContext(ctx, "convolution completed",
		slog.String("algorithm", algorithm.String()),
		slog.String("strategy", strategy.String()),
		slog.Int("workspace_size", res.WorkspaceSize),
		slog.Duration("compute_time", res.ComputeTime))
	return res, nil
}

func (n *Negotiator) call(ctx context.Context, req *Request) Response {
	mode := req.Mode()
	resp := n.engine.ConvolutionInference(ctx, req)
	trace.SpanFromContext(ctx).AddEvent(mode.String(), trace.WithAttributes(
		attribute.String("status", resp.Status.String()),
	))
	n.metrics.observeEngineCall(mode, resp.Status)
	n.logger.DebugContext(ctx, "engine call",
		slog.String("mode", mode.String()),
		slog.String("status", resp.Status.String()),
		slog.Int("transformed_kernel_size", resp.TransformedKernelSize),
		slog.Int("workspace_size", resp.WorkspaceSize))
	return resp
}

func (n *Negotiator) allocate(ctx context.Context, kind BufferKind, size int) (*Buffer, error) {
	buf, err := n.alloc.Allocate(kind, size)
	if err != nil {
		n.logger.ErrorContext(ctx, "allocation failed",
			slog.String("kind", kind.String()),
			slog.Int("size", size),
			slog.Any("error", err))
		return nil, err
	}
	n.metrics.observeAllocation(kind, size)
	return buf, nil
}

func (n *Negotiator) notApplicable(ctx context.Context, res *Result, status Status) *Result {
	res.Outcome = OutcomeNotApplicable
	res.Status = status
	n.logger.InfoContext(ctx, "configuration not applicable",
		slog.String("algorithm", res.Algorithm.String()),
		slog.String("strategy", res.RequestedStrategy.String()),
		slog.String("status", status.String()))
	return res
}
