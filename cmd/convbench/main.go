// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command convbench benchmarks a convolution-inference engine.
//
// Usage:
//
//	convbench run -i 3 -o 8 --input-size 16x16 --kernel-size 3x3
//	convbench run -i 64 -o 64 --input-size 56 --kernel-size 3 -a implicit-gemm -t precompute -n 10
//	convbench suite suites/resnet.yaml
//	convbench summary
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/LynnColeArt/convbench"
	"github.com/LynnColeArt/convbench/compute"
)

func main() {
	a := newApp(compute.NewEngine(), os.Stdout, os.Stderr)
	if err := a.execute(context.Background(), os.Args[1:]); err != nil {
		logFatal(a.logger, err)
		os.Exit(1)
	}
}

// logFatal reports an error with the engine status and attempted
// allocation size when the error carries them.
func logFatal(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cerr *convbench.Error
	if errors.As(err, &cerr) {
		attrs := []any{
			slog.String("type", cerr.Type.String()),
			slog.String("op", cerr.Op),
		}
		switch cerr.Type {
		case convbench.ErrTypeEngine:
			attrs = append(attrs, slog.Int("status_code", int(cerr.Status)), slog.String("status", cerr.Status.String()))
		case convbench.ErrTypeMemory:
			attrs = append(attrs, slog.Int("size", cerr.Size))
		}
		logger.Error(cerr.Error(), attrs...)
		return
	}
	logger.Error(err.Error())
}
