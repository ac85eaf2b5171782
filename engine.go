// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import "context"

// Engine is the convolution-inference capability under benchmark. It is a
// single operation whose behaviour is selected by which buffers are present
// in the request; see Request.Mode.
//
// Implementations must not retain request buffers after returning.
type Engine interface {
	ConvolutionInference(ctx context.Context, req *Request) Response
}

// Initializer is implemented by engines that need one-time setup before the
// first call. A non-success status is fatal.
type Initializer interface {
	Initialize() Status
}

// Request is one call into the engine. Nil buffers are absent.
type Request struct {
	Algorithm Algorithm
	Strategy  TransformStrategy
	Shape     Shape

	Input  *Buffer
	Kernel *Buffer
	Bias   *Buffer
	Output *Buffer

	// TransformedKernel receives the transform in precompute mode.
	TransformedKernel *Buffer
	// Workspace is scratch memory for compute mode; nil when the engine
	// reported a zero workspace size.
	Workspace *Buffer

	// Pool may be nil, meaning single-threaded execution.
	Pool ThreadPool
}

// Mode is the protocol step a Request represents.
type Mode int

const (
	// ModeQueryTransformedKernel asks for the transformed-kernel size.
	ModeQueryTransformedKernel Mode = iota
	// ModePrecompute materializes the kernel transform.
	ModePrecompute
	// ModeQueryWorkspace asks for the workspace size.
	ModeQueryWorkspace
	// ModeCompute runs the convolution.
	ModeCompute
)

func (m Mode) String() string {
	switch m {
	case ModeQueryTransformedKernel:
		return "query_transformed_kernel"
	case ModePrecompute:
		return "precompute"
	case ModeQueryWorkspace:
		return "query_workspace"
	default:
		return "compute"
	}
}

// Mode derives the protocol step from the request. A request with an output
// buffer computes. Without one, a precompute request with a transformed
// kernel buffer precomputes, a bare precompute request queries the
// transformed-kernel size, and anything else queries the workspace size.
func (r *Request) Mode() Mode {
	switch {
	case r.Output != nil:
		return ModeCompute
	case r.Strategy == StrategyPrecompute && r.TransformedKernel != nil:
		return ModePrecompute
	case r.Strategy == StrategyPrecompute:
		return ModeQueryTransformedKernel
	default:
		return ModeQueryWorkspace
	}
}

// Response is the engine's answer. Only the size relevant to the request
// mode is meaningful.
type Response struct {
	Status                Status
	TransformedKernelSize int
	WorkspaceSize         int
}
