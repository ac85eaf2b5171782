// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"fmt"
	"math"
	"sync"
	"unsafe"
)

// BufferKind tags what a Buffer holds. It is used for accounting only.
type BufferKind int

const (
	KindInput BufferKind = iota
	KindKernel
	KindBias
	KindOutput
	KindTransformedKernel
	KindWorkspace
	numBufferKinds
)

func (k BufferKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindKernel:
		return "kernel"
	case KindBias:
		return "bias"
	case KindOutput:
		return "output"
	case KindTransformedKernel:
		return "transformed_kernel"
	case KindWorkspace:
		return "workspace"
	default:
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
}

// Buffer is an aligned memory region handed to the engine. A nil *Buffer
// stands for an absent (null) buffer.
type Buffer struct {
	id   uint64
	kind BufferKind
	data []byte
}

// Bytes returns the aligned region. It is nil for a nil Buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the size of the region in bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Kind returns the accounting tag given at allocation.
func (b *Buffer) Kind() BufferKind {
	return b.kind
}

// Addr returns the address of the first byte, or 0 for an empty buffer.
func (b *Buffer) Addr() uintptr {
	if b == nil || len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

// Float32 returns a float32 view of the buffer. Trailing bytes that do not
// form a whole element are not part of the view.
func (b *Buffer) Float32() []float32 {
	if b == nil || len(b.data) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Allocator hands out aligned buffers and takes them back.
type Allocator interface {
	Allocate(kind BufferKind, size int) (*Buffer, error)
	Free(buf *Buffer) error
}

// AllocStats is a snapshot of allocator accounting.
type AllocStats struct {
	LiveBytes   int64
	PeakBytes   int64
	Allocations [numBufferKinds]int
	Frees       [numBufferKinds]int
}

// AllocationsOf returns the number of allocations made for kind.
func (s AllocStats) AllocationsOf(kind BufferKind) int {
	return s.Allocations[kind]
}

// FreesOf returns the number of frees made for kind.
func (s AllocStats) FreesOf(kind BufferKind) int {
	return s.Frees[kind]
}

// AlignedAllocator returns zeroed buffers whose first byte sits on an
// Alignment boundary. It tracks every live buffer so that double frees and
// foreign buffers are reported instead of silently accepted.
type AlignedAllocator struct {
	mu        sync.Mutex
	alignment int
	limit     int64
	nextID    uint64
	live      map[uint64]*Buffer
	stats     AllocStats
}

// NewAlignedAllocator creates an allocator with the package Alignment.
// A limit of zero or less means no byte limit.
func NewAlignedAllocator(limit int64) *AlignedAllocator {
	return &AlignedAllocator{
		alignment: Alignment,
		limit:     limit,
		live:      make(map[uint64]*Buffer),
	}
}

// Allocate returns a zeroed buffer of exactly size bytes.
func (a *AlignedAllocator) Allocate(kind BufferKind, size int) (*Buffer, error) {
	if size < 0 {
		return nil, NewMemoryError("Allocate",
			fmt.Sprintf("invalid %s size %d", kind, size), size, ErrInvalidSize)
	}

	// The aligned window needs alignment-1 spare bytes.
	if size > math.MaxInt-(a.alignment-1) {
		return nil, NewMemoryError("Allocate",
			fmt.Sprintf("%s size %d exceeds the address space", kind, size), size, ErrOutOfMemory)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && a.stats.LiveBytes+int64(size) > a.limit {
		return nil, NewMemoryError("Allocate",
			fmt.Sprintf("failed to allocate %d bytes for %s", size, kind), size, ErrOutOfMemory)
	}

	// Over-allocate so an aligned window of size bytes always fits.
	raw := make([]byte, size+a.alignment-1)
	offset := 0
	if len(raw) > 0 {
		misalign := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(a.alignment-1))
		if misalign != 0 {
			offset = a.alignment - misalign
		}
	}

	a.nextID++
	buf := &Buffer{
		id:   a.nextID,
		kind: kind,
		data: raw[offset : offset+size : offset+size],
	}
	a.live[buf.id] = buf

	a.stats.Allocations[kind]++
	a.stats.LiveBytes += int64(size)
	if a.stats.LiveBytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.LiveBytes
	}
	return buf, nil
}

// Free releases a buffer. Freeing nil is a no-op.
func (a *AlignedAllocator) Free(buf *Buffer) error {
	if buf == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	live, ok := a.live[buf.id]
	if !ok {
		if buf.id != 0 && buf.id <= a.nextID {
			return NewMemoryError("Free", fmt.Sprintf("%s buffer freed twice", buf.kind), buf.Len(), ErrDoubleFree)
		}
		return NewMemoryError("Free", "buffer not found in allocator", buf.Len(), ErrUnknownBuffer)
	}
	if live != buf {
		return NewMemoryError("Free", "buffer not found in allocator", buf.Len(), ErrUnknownBuffer)
	}

	delete(a.live, buf.id)
	a.stats.Frees[buf.kind]++
	a.stats.LiveBytes -= int64(len(buf.data))
	return nil
}

// Stats returns allocator accounting.
func (a *AlignedAllocator) Stats() AllocStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// LiveBuffers returns the number of buffers not yet freed.
func (a *AlignedAllocator) LiveBuffers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
