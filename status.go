// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import "fmt"

// Status is the result code an Engine reports for a query or compute call.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidBatchSize
	StatusInvalidChannels
	StatusInvalidInputSize
	StatusInvalidKernelSize
	StatusInvalidInputPadding
	StatusInvalidOutputSubsampling
	StatusInvalidAlgorithm
	StatusInvalidTransformStrategy
	StatusUnsupportedAlgorithm
	StatusUnsupportedTransformStrategy
	StatusUnsupportedHardware
	StatusInsufficientBuffer
	StatusOutOfMemory
	StatusUninitialized
	StatusCanceled
)

var statusNames = [...]string{
	StatusSuccess:                      "success",
	StatusInvalidBatchSize:             "invalid batch size",
	StatusInvalidChannels:              "invalid channels",
	StatusInvalidInputSize:             "invalid input size",
	StatusInvalidKernelSize:            "invalid kernel size",
	StatusInvalidInputPadding:          "invalid input padding",
	StatusInvalidOutputSubsampling:     "invalid output subsampling",
	StatusInvalidAlgorithm:             "invalid algorithm",
	StatusInvalidTransformStrategy:     "invalid transform strategy",
	StatusUnsupportedAlgorithm:         "unsupported algorithm",
	StatusUnsupportedTransformStrategy: "unsupported transform strategy",
	StatusUnsupportedHardware:          "unsupported hardware",
	StatusInsufficientBuffer:           "insufficient buffer",
	StatusOutOfMemory:                  "out of memory",
	StatusUninitialized:                "uninitialized",
	StatusCanceled:                     "canceled",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status %d", int(s))
}

// Disposition is how the negotiator treats a Status.
type Disposition int

const (
	// DispositionSuccess continues the protocol.
	DispositionSuccess Disposition = iota
	// DispositionNotApplicable ends the run without an error: the algorithm
	// does not apply to this shape or host.
	DispositionNotApplicable
	// DispositionStrategyUnsupported substitutes the compute strategy for
	// precompute. It is only meaningful for the transformed-kernel query.
	DispositionStrategyUnsupported
	// DispositionFatal ends the run with an error.
	DispositionFatal
)

func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "success"
	case DispositionNotApplicable:
		return "not-applicable"
	case DispositionStrategyUnsupported:
		return "strategy-unsupported"
	default:
		return "fatal"
	}
}

// Disposition classifies the status. Codes outside the known set are fatal.
func (s Status) Disposition() Disposition {
	switch s {
	case StatusSuccess:
		return DispositionSuccess
	case StatusInvalidAlgorithm, StatusUnsupportedAlgorithm:
		return DispositionNotApplicable
	case StatusUnsupportedTransformStrategy:
		return DispositionStrategyUnsupported
	default:
		return DispositionFatal
	}
}
