// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionTensors(t *testing.T) {
	a := NewAlignedAllocator(0)
	shape := Shape{
		Batch:          2,
		InputChannels:  3,
		OutputChannels: 4,
		InputSize:      Size{Height: 10, Width: 12},
		Padding:        UniformPadding(1),
		KernelSize:     Size{Height: 3, Width: 3},
		Subsampling:    Size{Height: 2, Width: 2},
	}

	tb, err := ProvisionTensors(a, shape)
	require.NoError(t, err)

	out := shape.OutputSize()
	assert.Equal(t, Size{Height: 5, Width: 6}, out)
	assert.Equal(t, 2*3*10*12*4, tb.Input.Len())
	assert.Equal(t, 3*4*3*3*4, tb.Kernel.Len())
	assert.Equal(t, 4*4, tb.Bias.Len())
	assert.Equal(t, 2*4*5*6*4, tb.Output.Len())

	for _, b := range []*Buffer{tb.Input, tb.Kernel, tb.Bias, tb.Output} {
		assert.Zero(t, b.Addr()%Alignment)
		for _, v := range b.Float32() {
			require.Zero(t, v)
		}
	}
	assert.Equal(t, KindInput, tb.Input.Kind())
	assert.Equal(t, KindOutput, tb.Output.Kind())

	require.NoError(t, tb.Release())
	assert.Zero(t, a.LiveBuffers())
	// Idempotent
	require.NoError(t, tb.Release())
}

func TestProvisionTensorsFailureReleases(t *testing.T) {
	shape := scenarioShape()
	// Room for input and kernel but not the output.
	limit := int64((shape.InputElements() + shape.KernelElements() + shape.BiasElements()) * 4)
	a := NewAlignedAllocator(limit)

	tb, err := ProvisionTensors(a, shape)
	require.Error(t, err)
	assert.Nil(t, tb)
	assert.True(t, IsMemoryError(err))
	assert.ErrorIs(t, err, ErrOutOfMemory)

	s := a.Stats()
	assert.Equal(t, 1, s.AllocationsOf(KindInput))
	assert.Equal(t, 1, s.FreesOf(KindInput))
	assert.Equal(t, 1, s.FreesOf(KindKernel))
	assert.Equal(t, 1, s.FreesOf(KindBias))
	assert.Zero(t, s.AllocationsOf(KindOutput))
	assert.Zero(t, a.LiveBuffers())
}

func TestProvisionTensorsInvalidShape(t *testing.T) {
	a := NewAlignedAllocator(0)
	shape := scenarioShape()
	shape.KernelSize = Size{Height: 17, Width: 3}

	_, err := ProvisionTensors(a, shape)
	require.Error(t, err)
	assert.True(t, IsInvalidArgError(err))
	assert.Zero(t, a.Stats().AllocationsOf(KindInput))
}
