// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a two-dimensional extent in elements.
type Size struct {
	Height int `yaml:"height" json:"height"`
	Width  int `yaml:"width" json:"width"`
}

// String formats the size as HxW.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// Area returns Height*Width.
func (s Size) Area() int {
	return s.Height * s.Width
}

// ParseSize parses "HxW" or a single integer meaning a square extent.
func ParseSize(text string) (Size, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return Size{}, NewInvalidArgError("ParseSize", "empty size")
	}
	parts := strings.Split(text, "x")
	switch len(parts) {
	case 1:
		n, err := strconv.Atoi(parts[0])
		if err != nil || n < 0 {
			return Size{}, NewInvalidArgError("ParseSize", fmt.Sprintf("invalid size %q", text))
		}
		return Size{Height: n, Width: n}, nil
	case 2:
		h, errH := strconv.Atoi(parts[0])
		w, errW := strconv.Atoi(parts[1])
		if errH != nil || errW != nil || h < 0 || w < 0 {
			return Size{}, NewInvalidArgError("ParseSize", fmt.Sprintf("invalid size %q", text))
		}
		return Size{Height: h, Width: w}, nil
	default:
		return Size{}, NewInvalidArgError("ParseSize", fmt.Sprintf("invalid size %q", text))
	}
}

// Padding is implicit zero padding around the input image.
type Padding struct {
	Top    int `yaml:"top" json:"top"`
	Left   int `yaml:"left" json:"left"`
	Bottom int `yaml:"bottom" json:"bottom"`
	Right  int `yaml:"right" json:"right"`
}

// UniformPadding pads all four sides by n.
func UniformPadding(n int) Padding {
	return Padding{Top: n, Left: n, Bottom: n, Right: n}
}

// Shape describes one convolution problem.
//
// Input layout is [Batch, InputChannels, InputSize.Height, InputSize.Width],
// kernel layout is [OutputChannels, InputChannels, KernelSize.Height, KernelSize.Width]
// and output layout is [Batch, OutputChannels, OutputHeight, OutputWidth].
type Shape struct {
	Batch          int
	InputChannels  int
	OutputChannels int
	InputSize      Size
	Padding        Padding
	KernelSize     Size
	Subsampling    Size
}

// Validate checks that the shape describes a convolution with a non-empty output.
func (s Shape) Validate() error {
	switch {
	case s.Batch <= 0:
		return NewInvalidArgError("Shape", "batch size must be positive")
	case s.InputChannels <= 0 || s.OutputChannels <= 0:
		return NewInvalidArgError("Shape", "channel counts must be positive")
	case s.InputSize.Height <= 0 || s.InputSize.Width <= 0:
		return NewInvalidArgError("Shape", "input size must be positive")
	case s.KernelSize.Height <= 0 || s.KernelSize.Width <= 0:
		return NewInvalidArgError("Shape", "kernel size must be positive")
	case s.Subsampling.Height <= 0 || s.Subsampling.Width <= 0:
		return NewInvalidArgError("Shape", "output subsampling must be positive")
	case s.Padding.Top < 0 || s.Padding.Left < 0 || s.Padding.Bottom < 0 || s.Padding.Right < 0:
		return NewInvalidArgError("Shape", "padding must be non-negative")
	}
	padded := s.PaddedInputSize()
	if s.KernelSize.Height > padded.Height || s.KernelSize.Width > padded.Width {
		return NewInvalidArgError("Shape",
			fmt.Sprintf("kernel %s exceeds padded input %s", s.KernelSize, padded))
	}
	return nil
}

// PaddedInputSize returns the input extent including implicit padding.
func (s Shape) PaddedInputSize() Size {
	return Size{
		Height: s.Padding.Top + s.InputSize.Height + s.Padding.Bottom,
		Width:  s.Padding.Left + s.InputSize.Width + s.Padding.Right,
	}
}

// OutputSize computes (padded_input - kernel) / stride + 1 per axis.
// The result is only meaningful for a shape that passes Validate.
func (s Shape) OutputSize() Size {
	padded := s.PaddedInputSize()
	return Size{
		Height: (padded.Height-s.KernelSize.Height)/s.Subsampling.Height + 1,
		Width:  (padded.Width-s.KernelSize.Width)/s.Subsampling.Width + 1,
	}
}

// InputElements is the float32 count of the input tensor.
func (s Shape) InputElements() int {
	return s.Batch * s.InputChannels * s.InputSize.Area()
}

// KernelElements is the float32 count of the kernel tensor.
func (s Shape) KernelElements() int {
	return s.InputChannels * s.OutputChannels * s.KernelSize.Area()
}

// OutputElements is the float32 count of the output tensor.
func (s Shape) OutputElements() int {
	return s.Batch * s.OutputChannels * s.OutputSize().Area()
}

// BiasElements is the float32 count of the bias vector.
func (s Shape) BiasElements() int {
	return s.OutputChannels
}

// FLOPs returns the multiply-add count of one convolution, counting each
// multiply-add as two operations.
func (s Shape) FLOPs() float64 {
	out := s.OutputSize()
	return 2 * float64(s.Batch) * float64(s.OutputChannels) * float64(s.InputChannels) *
		float64(s.KernelSize.Area()) * float64(out.Area())
}

// Algorithm selects the convolution algorithm the engine should use.
type Algorithm int

const (
	AlgorithmAuto Algorithm = iota
	AlgorithmFT8x8
	AlgorithmFT16x16
	AlgorithmWT8x8
	AlgorithmImplicitGEMM
	AlgorithmDirect
)

var algorithmNames = map[Algorithm]string{
	AlgorithmAuto:         "auto",
	AlgorithmFT8x8:        "ft8x8",
	AlgorithmFT16x16:      "ft16x16",
	AlgorithmWT8x8:        "wt8x8",
	AlgorithmImplicitGEMM: "implicit-gemm",
	AlgorithmDirect:       "direct",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// IsTileTransform reports whether the algorithm is a Fourier or Winograd
// tile-transform variant.
func (a Algorithm) IsTileTransform() bool {
	return a == AlgorithmFT8x8 || a == AlgorithmFT16x16 || a == AlgorithmWT8x8
}

// ParseAlgorithm maps a command-line name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a, n := range algorithmNames {
		if n == name {
			return a, nil
		}
	}
	return AlgorithmAuto, NewInvalidArgError("ParseAlgorithm",
		fmt.Sprintf("unknown algorithm %q (want auto, ft8x8, ft16x16, wt8x8, implicit-gemm or direct)", name))
}

// TransformStrategy governs when the kernel is converted into the engine's
// internal representation.
type TransformStrategy int

const (
	// StrategyCompute transforms the kernel on every compute call.
	StrategyCompute TransformStrategy = iota
	// StrategyPrecompute asks the engine to materialize the transform once.
	StrategyPrecompute
	// StrategyReuse passes an already transformed kernel.
	StrategyReuse
)

func (t TransformStrategy) String() string {
	switch t {
	case StrategyCompute:
		return "compute"
	case StrategyPrecompute:
		return "precompute"
	case StrategyReuse:
		return "reuse"
	default:
		return fmt.Sprintf("TransformStrategy(%d)", int(t))
	}
}

// ParseTransformStrategy accepts the user-selectable strategies. Reuse is only
// ever entered by the negotiator after a successful precompute.
func ParseTransformStrategy(name string) (TransformStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "compute":
		return StrategyCompute, nil
	case "precompute":
		return StrategyPrecompute, nil
	default:
		return StrategyCompute, NewInvalidArgError("ParseTransformStrategy",
			fmt.Sprintf("unknown transform strategy %q (want compute or precompute)", name))
	}
}
