// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package convbench structured error types
package convbench

import (
	"errors"
	"fmt"
)

// ErrorType represents categories of errors
type ErrorType int

const (
	// Memory errors: allocation failures, double frees, foreign buffers
	ErrTypeMemory ErrorType = iota
	// Invalid argument errors
	ErrTypeInvalidArg
	// Engine errors: a fatal status reported by the convolution engine
	ErrTypeEngine
	// Configuration errors: unreadable or invalid benchmark options
	ErrTypeConfig
)

// String returns the error type as a string
func (t ErrorType) String() string {
	switch t {
	case ErrTypeMemory:
		return "Memory"
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeEngine:
		return "Engine"
	case ErrTypeConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// Error represents a structured error with context.
//
// Engine errors carry the Status the engine returned; memory errors carry
// the allocation size that was attempted.
type Error struct {
	Type    ErrorType
	Op      string // Operation or protocol phase that failed
	Message string // Human-readable message
	Status  Status // Engine status, meaningful for ErrTypeEngine
	Size    int    // Attempted allocation size in bytes, if any
	Err     error  // Underlying error if any
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error in %s: %s", e.Type, e.Op, e.Message)
	if e.Type == ErrTypeEngine {
		msg += fmt.Sprintf(" (status %d: %s)", int(e.Status), e.Status)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

// Unwrap allows error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a memory-related error
func NewMemoryError(op string, message string, size int, err error) error {
	return &Error{
		Type:    ErrTypeMemory,
		Op:      op,
		Message: message,
		Size:    size,
		Err:     err,
	}
}

// NewInvalidArgError creates an invalid argument error
func NewInvalidArgError(op string, message string) error {
	return &Error{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// NewEngineError creates an error for a fatal engine status
func NewEngineError(op string, message string, status Status) error {
	return &Error{
		Type:    ErrTypeEngine,
		Op:      op,
		Message: message,
		Status:  status,
	}
}

// NewConfigError creates a configuration error
func NewConfigError(op string, message string, err error) error {
	return &Error{
		Type:    ErrTypeConfig,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

var (
	// ErrOutOfMemory indicates an allocation exceeded the allocator limit
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidSize indicates a negative allocation size
	ErrInvalidSize = errors.New("size must be non-negative")

	// ErrDoubleFree indicates a buffer was freed twice
	ErrDoubleFree = errors.New("double free detected")

	// ErrUnknownBuffer indicates a buffer not owned by the allocator
	ErrUnknownBuffer = errors.New("buffer not allocated by this allocator")
)

func isType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// IsMemoryError checks if an error is a memory error
func IsMemoryError(err error) bool { return isType(err, ErrTypeMemory) }

// IsInvalidArgError checks if an error is an invalid argument error
func IsInvalidArgError(err error) bool { return isType(err, ErrTypeInvalidArg) }

// IsEngineError checks if an error is a fatal engine status
func IsEngineError(err error) bool { return isType(err, ErrTypeEngine) }

// IsConfigError checks if an error is a configuration error
func IsConfigError(err error) bool { return isType(err, ErrTypeConfig) }
