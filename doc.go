// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package convbench benchmarks convolution-inference engines.
//
// An Engine is driven through a two-phase protocol: size queries first
// (transformed kernel, then workspace), then a compute call with buffers of
// exactly the reported sizes. The Negotiator implements the protocol,
// including the fallback from the precompute to the compute transform
// strategy, and the Benchmark driver repeats negotiated runs and times the
// compute calls.
//
// Example usage:
//
//	opts := convbench.DefaultOptions()
//	opts.InputChannels, opts.OutputChannels = 3, 8
//	opts.InputSize = convbench.Size{Height: 16, Width: 16}
//	opts.KernelSize = convbench.Size{Height: 3, Width: 3}
//
//	rep, err := convbench.Benchmark(ctx, compute.NewEngine(), opts)
//	if err != nil {
//		return err
//	}
//	fmt.Println(rep.MedianTime(), rep.GFLOPS())
//
// The package never inspects convolution results; it only reacts to engine
// status codes. Invalid or unsupported algorithms are reported as
// OutcomeNotApplicable, every other engine failure and every allocation
// failure is returned as an *Error.
package convbench
