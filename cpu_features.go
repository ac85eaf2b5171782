// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures tracks the instruction set extensions relevant to
// convolution engines. Fields for other architectures stay false.
type CPUFeatures struct {
	HasSSE4     bool
	HasAVX      bool
	HasAVX2     bool
	HasFMA      bool
	HasAVX512F  bool
	HasAVX512BW bool
	HasAVX512VL bool
	HasNEON     bool
	HasFP16     bool
}

// DetectCPUFeatures reads the host features from golang.org/x/sys/cpu.
func DetectCPUFeatures() CPUFeatures {
	return CPUFeatures{
		HasSSE4:     cpu.X86.HasSSE41 || cpu.X86.HasSSE42,
		HasAVX:      cpu.X86.HasAVX,
		HasAVX2:     cpu.X86.HasAVX2,
		HasFMA:      cpu.X86.HasFMA,
		HasAVX512F:  cpu.X86.HasAVX512F,
		HasAVX512BW: cpu.X86.HasAVX512BW,
		HasAVX512VL: cpu.X86.HasAVX512VL,
		HasNEON:     cpu.ARM64.HasASIMD,
		HasFP16:     cpu.ARM64.HasFPHP && cpu.ARM64.HasASIMDHP,
	}
}

// Names lists the detected features in a fixed order.
func (f CPUFeatures) Names() []string {
	var names []string
	for _, c := range []struct {
		ok   bool
		name string
	}{
		{f.HasSSE4, "SSE4"},
		{f.HasAVX, "AVX"},
		{f.HasAVX2, "AVX2"},
		{f.HasFMA, "FMA"},
		{f.HasAVX512F, "AVX512F"},
		{f.HasAVX512BW, "AVX512BW"},
		{f.HasAVX512VL, "AVX512VL"},
		{f.HasNEON, "NEON"},
		{f.HasFP16, "FP16"},
	} {
		if c.ok {
			names = append(names, c.name)
		}
	}
	return names
}

// String describes the host for benchmark banners.
func (f CPUFeatures) String() string {
	names := f.Names()
	if len(names) == 0 {
		return runtime.GOARCH + " (no SIMD extensions detected)"
	}
	return runtime.GOARCH + " " + strings.Join(names, ", ")
}
