// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compute provides a reference convolution engine for convbench.
//
// The engine implements the direct and implicit-GEMM algorithms in plain Go.
// It exists so the benchmark harness can be exercised without a native
// library; its numbers are a baseline, not a target.
package compute

import (
	"context"
	"sync/atomic"

	"github.com/LynnColeArt/convbench"
)

const float32Size = 4

// Engine is a convbench.Engine backed by portable Go kernels.
//
// Algorithm support:
//   - direct: no workspace, no kernel transform (precompute is reported as
//     an unsupported transform strategy)
//   - implicit-gemm (and auto): im2col workspace per image; the kernel
//     transform packs the kernel as a [K][OutputChannels] matrix, where
//     K = InputChannels*KernelHeight*KernelWidth
//   - tile-transform variants: not implemented
type Engine struct {
	initialized atomic.Bool
}

// NewEngine returns an engine that must be initialized before use.
func NewEngine() *Engine {
	return &Engine{}
}

// Initialize implements convbench.Initializer.
func (e *Engine) Initialize() convbench.Status {
	e.initialized.Store(true)
	return convbench.StatusSuccess
}

// ConvolutionInference implements convbench.Engine.
func (e *Engine) ConvolutionInference(ctx context.Context, req *convbench.Request) convbench.Response {
	if !e.initialized.Load() {
		return convbench.Response{Status: convbench.StatusUninitialized}
	}
	if st := validateShape(req.Shape); st != convbench.StatusSuccess {
		return convbench.Response{Status: st}
	}
	if req.Strategy < convbench.StrategyCompute || req.Strategy > convbench.StrategyReuse {
		return convbench.Response{Status: convbench.StatusInvalidTransformStrategy}
	}

	switch alg := req.Algorithm; {
	case alg == convbench.AlgorithmAuto || alg == convbench.AlgorithmImplicitGEMM:
		return implicitGEMM(ctx, req)
	case alg == convbench.AlgorithmDirect:
		return direct(ctx, req)
	case alg.IsTileTransform():
		return convbench.Response{Status: tileTransformStatus(alg, req.Shape)}
	default:
		return convbench.Response{Status: convbench.StatusInvalidAlgorithm}
	}
}

func validateShape(s convbench.Shape) convbench.Status {
	switch {
	case s.Batch <= 0:
		return convbench.StatusInvalidBatchSize
	case s.InputChannels <= 0 || s.OutputChannels <= 0:
		return convbench.StatusInvalidChannels
	case s.InputSize.Height <= 0 || s.InputSize.Width <= 0:
		return convbench.StatusInvalidInputSize
	case s.Padding.Top < 0 || s.Padding.Left < 0 || s.Padding.Bottom < 0 || s.Padding.Right < 0:
		return convbench.StatusInvalidInputPadding
	case s.Subsampling.Height <= 0 || s.Subsampling.Width <= 0:
		return convbench.StatusInvalidOutputSubsampling
	}
	padded := s.PaddedInputSize()
	if s.KernelSize.Height <= 0 || s.KernelSize.Width <= 0 ||
		s.KernelSize.Height > padded.Height || s.KernelSize.Width > padded.Width {
		return convbench.StatusInvalidKernelSize
	}
	// Padding at least as large as the kernel would produce outputs that
	// see no input at all.
	if s.Padding.Top >= s.KernelSize.Height || s.Padding.Bottom >= s.KernelSize.Height ||
		s.Padding.Left >= s.KernelSize.Width || s.Padding.Right >= s.KernelSize.Width {
		return convbench.StatusInvalidInputPadding
	}
	return convbench.StatusSuccess
}

// tileTransformStatus separates shapes a tile transform can never handle
// from ones this engine simply does not implement.
func tileTransformStatus(alg convbench.Algorithm, s convbench.Shape) convbench.Status {
	if s.Subsampling.Height != 1 || s.Subsampling.Width != 1 {
		return convbench.StatusInvalidAlgorithm
	}
	if alg == convbench.AlgorithmWT8x8 && (s.KernelSize.Height != 3 || s.KernelSize.Width != 3) {
		return convbench.StatusInvalidAlgorithm
	}
	return convbench.StatusUnsupportedAlgorithm
}

func direct(ctx context.Context, req *convbench.Request) convbench.Response {
	switch req.Mode() {
	case convbench.ModeQueryTransformedKernel, convbench.ModePrecompute:
		return convbench.Response{Status: convbench.StatusUnsupportedTransformStrategy}
	case convbench.ModeQueryWorkspace:
		if req.Strategy == convbench.StrategyReuse {
			return convbench.Response{Status: convbench.StatusInvalidTransformStrategy}
		}
		return convbench.Response{Status: convbench.StatusSuccess}
	}

	if req.Strategy != convbench.StrategyCompute {
		return convbench.Response{Status: convbench.StatusInvalidTransformStrategy}
	}
	s := req.Shape
	if st := checkTensors(req, s.KernelElements()); st != convbench.StatusSuccess {
		return convbench.Response{Status: st}
	}
	err := convbench.Parallelize(ctx, req.Pool, s.OutputChannels, func(oc int) {
		convDirect(s, req.Input.Float32(), req.Kernel.Float32(), bias(req, oc), req.Output.Float32(), oc)
	})
	if err != nil {
		return convbench.Response{Status: convbench.StatusCanceled}
	}
	return convbench.Response{Status: convbench.StatusSuccess}
}

func implicitGEMM(ctx context.Context, req *convbench.Request) convbench.Response {
	s := req.Shape
	out := s.OutputSize()
	k := s.InputChannels * s.KernelSize.Area()
	packedSize := k * s.OutputChannels * float32Size
	colSize := k * out.Area() * float32Size

	switch req.Mode() {
	case convbench.ModeQueryTransformedKernel:
		return convbench.Response{Status: convbench.StatusSuccess, TransformedKernelSize: packedSize}
	case convbench.ModePrecompute:
		if req.Kernel.Len() < s.KernelElements()*float32Size || req.TransformedKernel.Len() < packedSize {
			return convbench.Response{Status: convbench.StatusInsufficientBuffer}
		}
		packKernel(s, req.Kernel.Float32(), req.TransformedKernel.Float32())
		return convbench.Response{Status: convbench.StatusSuccess, TransformedKernelSize: packedSize}
	case convbench.ModeQueryWorkspace:
		if req.Strategy == convbench.StrategyCompute {
			return convbench.Response{Status: convbench.StatusSuccess, WorkspaceSize: colSize + packedSize}
		}
		return convbench.Response{Status: convbench.StatusSuccess, WorkspaceSize: colSize}
	}

	var packed []float32
	switch req.Strategy {
	case convbench.StrategyCompute:
		if st := checkTensors(req, s.KernelElements()); st != convbench.StatusSuccess {
			return convbench.Response{Status: st}
		}
		if req.Workspace.Len() < colSize+packedSize {
			return convbench.Response{Status: convbench.StatusInsufficientBuffer}
		}
		packed = req.Workspace.Float32()[colSize/float32Size : (colSize+packedSize)/float32Size]
		packKernel(s, req.Kernel.Float32(), packed)
	case convbench.StrategyReuse:
		if st := checkTensors(req, k*s.OutputChannels); st != convbench.StatusSuccess {
			return convbench.Response{Status: st}
		}
		if req.Workspace.Len() < colSize {
			return convbench.Response{Status: convbench.StatusInsufficientBuffer}
		}
		packed = req.Kernel.Float32()[:k*s.OutputChannels]
	default:
		return convbench.Response{Status: convbench.StatusInvalidTransformStrategy}
	}

	col := req.Workspace.Float32()[:colSize/float32Size]
	input := req.Input.Float32()
	output := req.Output.Float32()
	inStride := s.InputChannels * s.InputSize.Area()
	outStride := s.OutputChannels * out.Area()
	for b := 0; b < s.Batch; b++ {
		im2col(s, input[b*inStride:(b+1)*inStride], col)
		outImage := output[b*outStride : (b+1)*outStride]
		err := convbench.Parallelize(ctx, req.Pool, s.OutputChannels, func(oc int) {
			gemmRow(packed, col, outImage, bias(req, oc), k, s.OutputChannels, out.Area(), oc)
		})
		if err != nil {
			return convbench.Response{Status: convbench.StatusCanceled}
		}
	}
	return convbench.Response{Status: convbench.StatusSuccess}
}

// checkTensors verifies the compute-mode tensors hold at least the elements
// the shape needs. kernelElements depends on the kernel representation.
func checkTensors(req *convbench.Request, kernelElements int) convbench.Status {
	s := req.Shape
	if req.Input.Len() < s.InputElements()*float32Size ||
		req.Kernel.Len() < kernelElements*float32Size ||
		req.Output.Len() < s.OutputElements()*float32Size {
		return convbench.StatusInsufficientBuffer
	}
	if req.Bias != nil && req.Bias.Len() < s.BiasElements()*float32Size {
		return convbench.StatusInsufficientBuffer
	}
	return convbench.StatusSuccess
}

func bias(req *convbench.Request, oc int) float32 {
	if req.Bias == nil {
		return 0
	}
	return req.Bias.Float32()[oc]
}
