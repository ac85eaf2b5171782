// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"errors"
	"unsafe"
)

const float32Size = int(unsafe.Sizeof(float32(0)))

// TensorBuffers are the four caller-owned tensors of a benchmark.
type TensorBuffers struct {
	Input  *Buffer
	Kernel *Buffer
	Bias   *Buffer
	Output *Buffer

	alloc Allocator
}

// ProvisionTensors allocates zeroed, aligned input, kernel, bias and output
// buffers sized from shape. If any allocation fails the buffers already
// obtained are freed and the allocation error is returned.
func ProvisionTensors(alloc Allocator, shape Shape) (*TensorBuffers, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	t := &TensorBuffers{alloc: alloc}
	specs := []struct {
		dst      **Buffer
		kind     BufferKind
		elements int
	}{
		{&t.Input, KindInput, shape.InputElements()},
		{&t.Kernel, KindKernel, shape.KernelElements()},
		{&t.Bias, KindBias, shape.BiasElements()},
		{&t.Output, KindOutput, shape.OutputElements()},
	}
	for _, s := range specs {
		buf, err := alloc.Allocate(s.kind, s.elements*float32Size)
		if err != nil {
			t.Release()
			return nil, err
		}
		clear(buf.Bytes())
		*s.dst = buf
	}
	return t, nil
}

// Release frees all four buffers. It is safe to call more than once.
func (t *TensorBuffers) Release() error {
	if t == nil || t.alloc == nil {
		return nil
	}
	var errs []error
	for _, b := range []**Buffer{&t.Input, &t.Kernel, &t.Bias, &t.Output} {
		if *b == nil {
			continue
		}
		if err := t.alloc.Free(*b); err != nil {
			errs = append(errs, err)
		}
		*b = nil
	}
	return errors.Join(errs...)
}
