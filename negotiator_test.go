// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEngine answers each protocol mode with a fixed status and records
// every call into a shared event log.
type mockEngine struct {
	transformedSize int
	workspaceSize   int

	queryTransformStatus Status
	precomputeStatus     Status
	queryWorkspaceStatus Status
	computeStatus        Status

	events *[]string
	calls  []Request
}

func newMockEngine(events *[]string) *mockEngine {
	return &mockEngine{events: events}
}

func (m *mockEngine) ConvolutionInference(_ context.Context, req *Request) Response {
	m.calls = append(m.calls, *req)
	mode := req.Mode()
	if m.events != nil {
		*m.events = append(*m.events, "engine:"+mode.String())
	}
	switch mode {
	case ModeQueryTransformedKernel:
		return Response{Status: m.queryTransformStatus, TransformedKernelSize: m.transformedSize}
	case ModePrecompute:
		return Response{Status: m.precomputeStatus}
	case ModeQueryWorkspace:
		return Response{Status: m.queryWorkspaceStatus, WorkspaceSize: m.workspaceSize}
	default:
		return Response{Status: m.computeStatus}
	}
}

func (m *mockEngine) modes() []Mode {
	modes := make([]Mode, len(m.calls))
	for i := range m.calls {
		modes[i] = m.calls[i].Mode()
	}
	return modes
}

func (m *mockEngine) computeCalls() []Request {
	var out []Request
	for _, c := range m.calls {
		if c.Mode() == ModeCompute {
			out = append(out, c)
		}
	}
	return out
}

// recordingAllocator wraps an AlignedAllocator and logs allocation events.
type recordingAllocator struct {
	*AlignedAllocator
	events *[]string
	sizes  map[BufferKind][]int
	fail   map[BufferKind]bool
}

func newRecordingAllocator(events *[]string) *recordingAllocator {
	return &recordingAllocator{
		AlignedAllocator: NewAlignedAllocator(0),
		events:           events,
		sizes:            make(map[BufferKind][]int),
		fail:             make(map[BufferKind]bool),
	}
}

func (r *recordingAllocator) Allocate(kind BufferKind, size int) (*Buffer, error) {
	if r.fail[kind] {
		return nil, NewMemoryError("Allocate", fmt.Sprintf("failed to allocate %d bytes for %s", size, kind), size, ErrOutOfMemory)
	}
	buf, err := r.AlignedAllocator.Allocate(kind, size)
	if err == nil {
		r.sizes[kind] = append(r.sizes[kind], size)
		*r.events = append(*r.events, "alloc:"+kind.String())
	}
	return buf, err
}

func (r *recordingAllocator) Free(buf *Buffer) error {
	if buf != nil {
		*r.events = append(*r.events, "free:"+buf.Kind().String())
	}
	return r.AlignedAllocator.Free(buf)
}

// scenarioShape is batch 1, 3 -> 8 channels, 16x16 input, 3x3 kernel.
func scenarioShape() Shape {
	return Shape{
		Batch:          1,
		InputChannels:  3,
		OutputChannels: 8,
		InputSize:      Size{Height: 16, Width: 16},
		KernelSize:     Size{Height: 3, Width: 3},
		Subsampling:    Size{Height: 1, Width: 1},
	}
}

type negotiatorFixture struct {
	events  []string
	engine  *mockEngine
	alloc   *recordingAllocator
	tensors *TensorBuffers
	n       *Negotiator
}

func newNegotiatorFixture(t *testing.T, opts ...NegotiatorOption) *negotiatorFixture {
	t.Helper()
	f := &negotiatorFixture{}
	f.engine = newMockEngine(&f.events)
	f.alloc = newRecordingAllocator(&f.events)

	tensors, err := ProvisionTensors(NewAlignedAllocator(0), scenarioShape())
	require.NoError(t, err)
	t.Cleanup(func() { tensors.Release() })
	f.tensors = tensors

	f.n = NewNegotiator(f.engine, append([]NegotiatorOption{WithAllocator(f.alloc)}, opts...)...)
	return f
}

func (f *negotiatorFixture) run(t *testing.T, algorithm Algorithm, strategy TransformStrategy) (*Result, error) {
	t.Helper()
	return f.n.Run(context.Background(), algorithm, strategy, scenarioShape(), f.tensors)
}

func TestNegotiatorScenarioA(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.workspaceSize = 4096

	res, err := f.run(t, AlgorithmAuto, StrategyCompute)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, StrategyCompute, res.Strategy)
	assert.Equal(t, 4096, res.WorkspaceSize)
	assert.Nil(t, res.TransformedKernel)

	assert.Equal(t, []Mode{ModeQueryWorkspace, ModeCompute}, f.engine.modes())
	assert.Equal(t, []int{4096}, f.alloc.sizes[KindWorkspace])
	assert.Empty(t, f.alloc.sizes[KindTransformedKernel])

	compute := f.engine.computeCalls()
	require.Len(t, compute, 1)
	require.NotNil(t, compute[0].Workspace)
	assert.Equal(t, 4096, compute[0].Workspace.Len())
	assert.Zero(t, compute[0].Workspace.Addr()%Alignment)
	assert.Same(t, f.tensors.Kernel, compute[0].Kernel)
	assert.Same(t, f.tensors.Input, compute[0].Input)
	assert.Same(t, f.tensors.Bias, compute[0].Bias)
	assert.Same(t, f.tensors.Output, compute[0].Output)

	assert.Equal(t, []string{
		"engine:query_workspace",
		"alloc:workspace",
		"engine:compute",
		"free:workspace",
	}, f.events)
	assert.Zero(t, f.alloc.LiveBuffers())
}

func TestNegotiatorScenarioB(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.workspaceSize = 4096
	f.engine.queryTransformStatus = StatusUnsupportedTransformStrategy

	res, err := f.run(t, AlgorithmAuto, StrategyPrecompute)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, res.FellBack)
	assert.Equal(t, StrategyPrecompute, res.RequestedStrategy)
	assert.Equal(t, StrategyCompute, res.Strategy)
	assert.Nil(t, res.TransformedKernel)

	assert.Equal(t, []Mode{ModeQueryTransformedKernel, ModeQueryWorkspace, ModeCompute}, f.engine.modes())
	assert.Empty(t, f.alloc.sizes[KindTransformedKernel])
	assert.Equal(t, []int{4096}, f.alloc.sizes[KindWorkspace])

	// After the fallback the run is indistinguishable from compute.
	compute := f.engine.computeCalls()
	require.Len(t, compute, 1)
	assert.Equal(t, StrategyCompute, compute[0].Strategy)
	assert.Same(t, f.tensors.Kernel, compute[0].Kernel)
	assert.Equal(t, StrategyCompute, f.engine.calls[1].Strategy)
	assert.Zero(t, f.alloc.LiveBuffers())
}

func TestNegotiatorScenarioC(t *testing.T) {
	for _, st := range []Status{StatusUnsupportedAlgorithm, StatusInvalidAlgorithm} {
		for _, strategy := range []TransformStrategy{StrategyCompute, StrategyPrecompute} {
			t.Run(st.String()+"/"+strategy.String(), func(t *testing.T) {
				f := newNegotiatorFixture(t)
				f.engine.workspaceSize = 4096
				f.engine.queryTransformStatus = st
				f.engine.queryWorkspaceStatus = st

				res, err := f.run(t, AlgorithmFT8x8, strategy)
				require.NoError(t, err)
				assert.Equal(t, OutcomeNotApplicable, res.Outcome)
				assert.Equal(t, st, res.Status)
				assert.Empty(t, f.engine.computeCalls())
				assert.Empty(t, f.alloc.sizes)
				assert.Len(t, f.engine.calls, 1)
			})
		}
	}
}

func TestNegotiatorWorkspaceQueryDeclinedAfterPrecompute(t *testing.T) {
	for _, st := range []Status{StatusInvalidAlgorithm, StatusUnsupportedAlgorithm} {
		t.Run(st.String(), func(t *testing.T) {
			f := newNegotiatorFixture(t)
			f.engine.transformedSize = 1024
			f.engine.workspaceSize = 4096
			f.engine.queryWorkspaceStatus = st

			res, err := f.run(t, AlgorithmWT8x8, StrategyPrecompute)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNotApplicable, res.Outcome)
			assert.Equal(t, st, res.Status)
			assert.Nil(t, res.TransformedKernel)
			assert.Empty(t, f.engine.computeCalls())

			assert.Equal(t, []string{
				"engine:query_transformed_kernel",
				"alloc:transformed_kernel",
				"engine:precompute",
				"engine:query_workspace",
				"free:transformed_kernel",
			}, f.events)
			assert.Empty(t, f.alloc.sizes[KindWorkspace])
			assert.Zero(t, f.alloc.LiveBuffers())
			assert.Equal(t, 1, f.alloc.Stats().FreesOf(KindTransformedKernel))
		})
	}
}

func TestNegotiatorPrecompute(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.transformedSize = 1000
	f.engine.workspaceSize = 256

	res, err := f.run(t, AlgorithmImplicitGEMM, StrategyPrecompute)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.False(t, res.FellBack)
	assert.Equal(t, StrategyReuse, res.Strategy)
	assert.Equal(t, []int{1000}, f.alloc.sizes[KindTransformedKernel])
	assert.Equal(t, 1000, res.TransformedKernelSize)

	require.NotNil(t, res.TransformedKernel)
	assert.Equal(t, 1000, res.TransformedKernel.Len())
	assert.Zero(t, res.TransformedKernel.Addr()%Alignment)

	assert.Equal(t, []Mode{ModeQueryTransformedKernel, ModePrecompute, ModeQueryWorkspace, ModeCompute}, f.engine.modes())

	precompute := f.engine.calls[1]
	assert.Same(t, f.tensors.Kernel, precompute.Kernel)
	assert.Same(t, res.TransformedKernel, precompute.TransformedKernel)
	assert.Nil(t, precompute.Output)

	assert.Equal(t, StrategyReuse, f.engine.calls[2].Strategy)

	compute := f.engine.computeCalls()
	require.Len(t, compute, 1)
	assert.Same(t, res.TransformedKernel, compute[0].Kernel)
	assert.NotSame(t, f.tensors.Kernel, compute[0].Kernel)
	assert.Equal(t, StrategyReuse, compute[0].Strategy)

	// The transform outlives the run; the workspace does not.
	assert.Equal(t, 1, f.alloc.LiveBuffers())
	require.NoError(t, f.alloc.Free(res.TransformedKernel))
	assert.Zero(t, f.alloc.LiveBuffers())
}

func TestNegotiatorReuseTransformedKernel(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.transformedSize = 512
	f.engine.workspaceSize = 128

	first, err := f.run(t, AlgorithmImplicitGEMM, StrategyPrecompute)
	require.NoError(t, err)
	require.NotNil(t, first.TransformedKernel)

	reuse := *f.tensors
	reuse.Kernel = first.TransformedKernel
	f.engine.calls = nil

	res, err := f.n.Run(context.Background(), AlgorithmImplicitGEMM, StrategyReuse, scenarioShape(), &reuse)
	require.NoError(t, err)
	assert.Equal(t, StrategyReuse, res.Strategy)
	assert.Nil(t, res.TransformedKernel)
	assert.Equal(t, []Mode{ModeQueryWorkspace, ModeCompute}, f.engine.modes())
	assert.Same(t, first.TransformedKernel, f.engine.computeCalls()[0].Kernel)
	assert.Len(t, f.alloc.sizes[KindTransformedKernel], 1)

	require.NoError(t, f.alloc.Free(first.TransformedKernel))
}

func TestNegotiatorZeroWorkspace(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.workspaceSize = 0

	res, err := f.run(t, AlgorithmDirect, StrategyCompute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Empty(t, f.alloc.sizes[KindWorkspace])

	compute := f.engine.computeCalls()
	require.Len(t, compute, 1)
	assert.Nil(t, compute[0].Workspace)
}

func TestNegotiatorWorkspaceFreedOnComputeFailure(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.workspaceSize = 4096
	f.engine.computeStatus = StatusInsufficientBuffer

	res, err := f.run(t, AlgorithmAuto, StrategyCompute)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsEngineError(err))

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "Compute", cerr.Op)
	assert.Equal(t, StatusInsufficientBuffer, cerr.Status)

	assert.Equal(t, 1, f.alloc.Stats().FreesOf(KindWorkspace))
	assert.Zero(t, f.alloc.LiveBuffers())
	assert.Equal(t, "free:workspace", f.events[len(f.events)-1])
}

func TestNegotiatorComputeNotApplicable(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.transformedSize = 64
	f.engine.workspaceSize = 64
	f.engine.computeStatus = StatusUnsupportedAlgorithm

	res, err := f.run(t, AlgorithmImplicitGEMM, StrategyPrecompute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, res.Outcome)
	assert.Nil(t, res.TransformedKernel)
	assert.Equal(t, 1, f.alloc.Stats().FreesOf(KindWorkspace))
	assert.Equal(t, 1, f.alloc.Stats().FreesOf(KindTransformedKernel))
	assert.Zero(t, f.alloc.LiveBuffers())
}

func TestNegotiatorFatalStatuses(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*mockEngine)
		op     string
		status Status
		modes  []Mode
	}{
		{
			name:   "transformed kernel query",
			setup:  func(m *mockEngine) { m.queryTransformStatus = StatusInvalidKernelSize },
			op:     "QueryTransformedKernel",
			status: StatusInvalidKernelSize,
			modes:  []Mode{ModeQueryTransformedKernel},
		},
		{
			name:   "precompute",
			setup:  func(m *mockEngine) { m.precomputeStatus = StatusOutOfMemory },
			op:     "Precompute",
			status: StatusOutOfMemory,
			modes:  []Mode{ModeQueryTransformedKernel, ModePrecompute},
		},
		{
			name:   "precompute reports strategy unsupported",
			setup:  func(m *mockEngine) { m.precomputeStatus = StatusUnsupportedTransformStrategy },
			op:     "Precompute",
			status: StatusUnsupportedTransformStrategy,
			modes:  []Mode{ModeQueryTransformedKernel, ModePrecompute},
		},
		{
			name:   "workspace query",
			setup:  func(m *mockEngine) { m.queryWorkspaceStatus = StatusUnsupportedHardware },
			op:     "QueryWorkspace",
			status: StatusUnsupportedHardware,
			modes:  []Mode{ModeQueryTransformedKernel, ModePrecompute, ModeQueryWorkspace},
		},
		{
			name:   "workspace query reports strategy unsupported",
			setup:  func(m *mockEngine) { m.queryWorkspaceStatus = StatusUnsupportedTransformStrategy },
			op:     "QueryWorkspace",
			status: StatusUnsupportedTransformStrategy,
			modes:  []Mode{ModeQueryTransformedKernel, ModePrecompute, ModeQueryWorkspace},
		},
		{
			name:   "unknown status",
			setup:  func(m *mockEngine) { m.queryWorkspaceStatus = Status(99) },
			op:     "QueryWorkspace",
			status: Status(99),
			modes:  []Mode{ModeQueryTransformedKernel, ModePrecompute, ModeQueryWorkspace},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newNegotiatorFixture(t)
			f.engine.transformedSize = 128
			f.engine.workspaceSize = 128
			tt.setup(f.engine)

			res, err := f.run(t, AlgorithmImplicitGEMM, StrategyPrecompute)
			require.Error(t, err)
			assert.Nil(t, res)

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, ErrTypeEngine, cerr.Type)
			assert.Equal(t, tt.op, cerr.Op)
			assert.Equal(t, tt.status, cerr.Status)
			assert.Equal(t, tt.modes, f.engine.modes())

			// Nothing negotiated survives a fatal run.
			assert.Zero(t, f.alloc.LiveBuffers())
		})
	}
}

func TestNegotiatorAllocationFailure(t *testing.T) {
	for _, kind := range []BufferKind{KindTransformedKernel, KindWorkspace} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newNegotiatorFixture(t)
			f.engine.transformedSize = 777
			f.engine.workspaceSize = 999
			f.alloc.fail[kind] = true

			res, err := f.run(t, AlgorithmImplicitGEMM, StrategyPrecompute)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, IsMemoryError(err))
			assert.ErrorIs(t, err, ErrOutOfMemory)

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			if kind == KindTransformedKernel {
				assert.Equal(t, 777, cerr.Size)
			} else {
				assert.Equal(t, 999, cerr.Size)
			}
			assert.Empty(t, f.engine.computeCalls())
			assert.Zero(t, f.alloc.LiveBuffers())
		})
	}
}

func TestNegotiatorLimitedAllocator(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.workspaceSize = 1 << 20
	f.n = NewNegotiator(f.engine, WithAllocator(NewAlignedAllocator(1024)))

	_, err := f.run(t, AlgorithmAuto, StrategyCompute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestNegotiatorPassesThreadPool(t *testing.T) {
	pool := NewWorkerPool(2)
	f := newNegotiatorFixture(t, WithThreadPool(pool))
	f.engine.workspaceSize = 64

	_, err := f.run(t, AlgorithmAuto, StrategyCompute)
	require.NoError(t, err)
	for _, c := range f.engine.calls {
		assert.Same(t, pool, c.Pool)
	}

	nilPool := newNegotiatorFixture(t)
	_, err = nilPool.run(t, AlgorithmAuto, StrategyCompute)
	require.NoError(t, err)
	for _, c := range nilPool.engine.calls {
		assert.Nil(t, c.Pool)
	}
}

func TestNegotiatorCanceledContext(t *testing.T) {
	f := newNegotiatorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.n.Run(ctx, AlgorithmAuto, StrategyCompute, scenarioShape(), f.tensors)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Empty(t, f.engine.calls)
}

func TestNegotiatorRequiresTensors(t *testing.T) {
	f := newNegotiatorFixture(t)
	_, err := f.n.Run(context.Background(), AlgorithmAuto, StrategyCompute, scenarioShape(), nil)
	require.Error(t, err)
	assert.True(t, IsInvalidArgError(err))

	_, err = f.n.Run(context.Background(), AlgorithmAuto, StrategyCompute, scenarioShape(), &TensorBuffers{})
	require.Error(t, err)
	assert.Empty(t, f.engine.calls)
}

func TestNegotiatorQueriesCarryNoBuffers(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.engine.transformedSize = 64
	f.engine.workspaceSize = 64

	res, err := f.run(t, AlgorithmImplicitGEMM, StrategyPrecompute)
	require.NoError(t, err)
	defer f.alloc.Free(res.TransformedKernel)

	for _, c := range f.engine.calls {
		switch c.Mode() {
		case ModeQueryTransformedKernel, ModeQueryWorkspace:
			assert.Nil(t, c.Input)
			assert.Nil(t, c.Kernel)
			assert.Nil(t, c.Bias)
			assert.Nil(t, c.Output)
			assert.Nil(t, c.TransformedKernel)
			assert.Nil(t, c.Workspace)
		}
	}
}
