// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/reader"
	"go.opentelemetry.io/ebpf-callstack/remotememory"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
	"go.opentelemetry.io/ebpf-callstack/tracer"
)

func TestKernelStackTerminated(t *testing.T) {
	tt := newTestTracer(t, 1, 0)
	tt.attach(t, ContextKernel, kernelSymbols(frames(0xA, 0xB, 0xC, support.MaxWord)))

	tt.emit(t, 0, nil)

	recs := tt.records(t, 0)
	require.Len(t, recs, 1)
	v, ok := recs[0].Field(support.KernelStackName)
	require.True(t, ok)
	assert.Equal(t, []uint64{0xA, 0xB, 0xC}, v.Sequence)
}

func TestKernelStackTruncated(t *testing.T) {
	tt := newTestTracer(t, 1, 0)
	fs := sequential(support.MaxDepth)
	tt.attach(t, ContextKernel, kernelSymbols(frames(fs...)))

	tt.emit(t, 0, nil)

	recs := tt.records(t, 0)
	require.Len(t, recs, 1)
	v, ok := recs[0].Field(support.KernelStackName)
	require.True(t, ok)
	require.Len(t, v.Sequence, support.MaxDepth+1)
	assert.Equal(t, toUint64(fs), v.Sequence[:support.MaxDepth])
	assert.Equal(t, uint64(support.MaxWord), v.Sequence[support.MaxDepth])

	stats, ok := FieldStats(tt.Contexts().Fields()[0])
	require.True(t, ok)
	assert.Equal(t, Stats{Captured: 1, Truncated: 1}, stats)
}

func TestBoundaries(t *testing.T) {
	tests := map[string]struct {
		frames []uintptr
		want   []uint64
	}{
		"empty":                {frames: nil, want: []uint64{}},
		"lone terminator":      {frames: []uintptr{support.MaxWord}, want: []uint64{}},
		"single frame":         {frames: []uintptr{0x42}, want: []uint64{0x42}},
		"single terminated":    {frames: []uintptr{0x42, support.MaxWord}, want: []uint64{0x42}},
		"terminator at bottom": {
			frames: append(sequential(support.MaxDepth-1), support.MaxWord),
			want:   toUint64(sequential(support.MaxDepth - 1)),
		},
		"full": {
			frames: sequential(support.MaxDepth),
			want:   append(toUint64(sequential(support.MaxDepth)), uint64(support.MaxWord)),
		},
		"full with terminator": {
			// The terminator takes the last slot and is stripped.
			frames: append(sequential(support.MaxDepth-1), support.MaxWord, 0x99),
			want:   toUint64(sequential(support.MaxDepth - 1)),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tt := newTestTracer(t, 1, 0)
			tt.attach(t, ContextKernel, kernelSymbols(frames(tc.frames...)))
			tt.emit(t, 0, nil)

			recs := tt.records(t, 0)
			require.Len(t, recs, 1)
			v, ok := recs[0].Field(support.KernelStackName)
			require.True(t, ok)
			assert.Equal(t, tc.want, v.Sequence)
		})
	}
}

// fakeStack is a user address space holding a frame pointer chain.
type fakeStack struct {
	mem  []byte
	regs ringbuffer.Regs
}

// newFakeStack lays out one frame record per return address, outermost at
// the highest address. The first entry of rets is the current PC.
func newFakeStack(rets ...uintptr) *fakeStack {
	const base = 0x1000
	frameSize := 2 * support.WordSize
	mem := make([]byte, base+len(rets)*frameSize+64)
	put := func(addr int, v uintptr) {
		if support.WordSize == 8 {
			binary.NativeEndian.PutUint64(mem[addr:], uint64(v))
		} else {
			binary.NativeEndian.PutUint32(mem[addr:], uint32(v))
		}
	}
	for i := 1; i < len(rets); i++ {
		fp := base + (i-1)*frameSize
		next := 0
		if i+1 < len(rets) {
			next = fp + frameSize
		}
		put(fp, uintptr(next))
		put(fp+support.WordSize, rets[i])
	}
	return &fakeStack{
		mem: mem,
		regs: ringbuffer.Regs{
			PC: rets[0],
			SP: base - 0x10,
			FP: base,
		},
	}
}

func (fs *fakeStack) task(memory io.ReaderAt) *ringbuffer.Task {
	return &ringbuffer.Task{PID: 100, TID: 100, Regs: fs.regs, Memory: memory}
}

func TestUserStackReentry(t *testing.T) {
	skipWithoutUserStacks(t)

	tt := newTestTracer(t, 1, 0)
	u := tt.attach(t, ContextUser, userSymbols(SaveUserStack))

	stack := newFakeStack(0x401000, 0x402000, 0x403000)
	faults := 0
	memory := remotememory.FaultNotifier{
		ReaderAt: bytes.NewReader(stack.mem),
		Fault: func(libpf.Address) {
			// A traced page fault: emit an event from inside the user stack
			// capture, for the same task.
			faults++
			assert.Equal(t, 1, u.UserNesting(0))
			require.NoError(t, tt.Emit(0, stack.task(nil), tt.event, nil))
		},
	}
	tt.emit(t, 0, stack.task(memory))

	assert.Equal(t, 0, u.UserNesting(0))
	require.Positive(t, faults)

	recs := tt.records(t, 0)
	require.Len(t, recs, faults+1)
	// The inner records are reserved first.
	for _, rec := range recs[:faults] {
		v, ok := rec.Field(support.UserStackName)
		require.True(t, ok)
		assert.Empty(t, v.Sequence)
	}
	v, ok := recs[faults].Field(support.UserStackName)
	require.True(t, ok)
	assert.Equal(t, []uint64{0x401000, 0x402000, 0x403000}, v.Sequence)

	stats, ok := FieldStats(tt.Contexts().Fields()[0])
	require.True(t, ok)
	assert.Equal(t, uint64(faults), stats.GuardSkipped)
	assert.Equal(t, uint64(1), stats.Captured)
}

func TestGuardBalanced(t *testing.T) {
	skipWithoutUserStacks(t)

	tt := newTestTracer(t, 2, 0)
	u := tt.attach(t, ContextUser, userSymbols(frames(1, 2, support.MaxWord)))

	for range 10 {
		tt.emit(t, 1, nil)
	}
	assert.Equal(t, 0, u.UserNesting(0))
	assert.Equal(t, 0, u.UserNesting(1))
}

func TestDuplicateAttach(t *testing.T) {
	tt := newTestTracer(t, 2, 0)
	tt.attach(t, ContextKernel, kernelSymbols(frames(1)))

	live := liveCaptureSets.Load()
	u := NewUnwinders(kernelSymbols(frames(1)), 2)
	err := Attach(tt.Contexts(), ContextKernel, WithUnwinders(u), WithNumCPU(2))
	require.ErrorIs(t, err, ErrExist)
	assert.Equal(t, -int(unix.EEXIST), Errno(err))

	assert.Equal(t, live, liveCaptureSets.Load())
	assert.Equal(t, 1, tt.Contexts().Len())
	assert.Len(t, tt.Contexts().Fields(), 1)
}

func TestKernelAndUserFields(t *testing.T) {
	skipWithoutUserStacks(t)

	tt := newTestTracer(t, 1, 0)
	u := NewUnwinders(Symbols{
		support.KernelSaveFunc: frames(0x4b1, support.MaxWord),
		support.UserSaveFunc:   frames(0x51, 0x52),
	}, 1)
	require.NoError(t, Attach(tt.Contexts(), ContextKernel, WithUnwinders(u), WithNumCPU(1)))
	require.NoError(t, Attach(tt.Contexts(), ContextUser, WithUnwinders(u), WithNumCPU(1)))
	assert.True(t, u.Bound(Kernel))
	assert.True(t, u.Bound(User))

	tt.emit(t, 0, nil)
	recs := tt.records(t, 0)
	require.Len(t, recs, 1)
	k, _ := recs[0].Field(support.KernelStackName)
	assert.Equal(t, []uint64{0x4b1}, k.Sequence)
	us, _ := recs[0].Field(support.UserStackName)
	assert.Equal(t, []uint64{0x51, 0x52}, us.Sequence)
}

func TestUserSymbolMissing(t *testing.T) {
	skipWithoutUserStacks(t)

	set := tracectx.NewSet(0)
	u := NewUnwinders(kernelSymbols(frames(1)), 1)

	err := Attach(set, ContextUser, WithUnwinders(u), WithNumCPU(1))
	require.ErrorIs(t, err, ErrSymbolMissing)
	assert.Equal(t, -int(unix.EINVAL), Errno(err))
	assert.Equal(t, 0, set.Len())
	assert.False(t, u.Bound(User))

	// The kernel unwinder still binds.
	require.NoError(t, Attach(set, ContextKernel, WithUnwinders(u), WithNumCPU(1)))
	set.Destroy()
}

// countingLookup counts the lookups it serves.
type countingLookup struct {
	Symbols
	lookups int
}

func (c *countingLookup) LookupFunc(name string) (SaveFunc, error) {
	c.lookups++
	return c.Symbols.LookupFunc(name)
}

func TestBindOnce(t *testing.T) {
	lookup := &countingLookup{Symbols: kernelSymbols(frames(1))}
	u := NewUnwinders(lookup, 1)

	for range 3 {
		set := tracectx.NewSet(0)
		require.NoError(t, Attach(set, ContextKernel, WithUnwinders(u), WithNumCPU(1)))
		set.Destroy()
	}
	assert.Equal(t, 1, lookup.lookups)
}

func TestAttachUnsupported(t *testing.T) {
	set := tracectx.NewSet(0)
	err := Attach(set, 7, WithNumCPU(1))
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, -int(unix.EINVAL), Errno(err))
	assert.Equal(t, 0, set.Len())

	if !userStackSupported {
		require.ErrorIs(t, Attach(set, ContextUser, WithNumCPU(1)), ErrUnsupported)
	}
}

func TestAttachUserTooManyCPUs(t *testing.T) {
	skipWithoutUserStacks(t)

	set := tracectx.NewSet(0)
	u := NewUnwinders(userSymbols(frames(1)), 1)
	err := Attach(set, ContextUser, WithUnwinders(u), WithNumCPU(4))
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, set.Len())
}

func TestAttachSetFull(t *testing.T) {
	set := tracectx.NewSet(1)
	_, err := set.Append()
	require.NoError(t, err)

	u := NewUnwinders(kernelSymbols(frames(1)), 1)
	err = Attach(set, ContextKernel, WithUnwinders(u), WithNumCPU(1))
	require.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, -int(unix.ENOMEM), Errno(err))
}

func TestAttachNoCaptureMemory(t *testing.T) {
	set := tracectx.NewSet(0)
	u := NewUnwinders(kernelSymbols(frames(1)), 1)
	err := Attach(set, ContextKernel, WithUnwinders(u), WithNumCPU(maxCPUs+1))
	require.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, 0, set.Len())
}

func TestTeardown(t *testing.T) {
	live := liveCaptureSets.Load()

	set := tracectx.NewSet(0)
	u := NewUnwinders(kernelSymbols(frames(1)), 2)
	require.NoError(t, Attach(set, ContextKernel, WithUnwinders(u), WithNumCPU(2)))
	assert.Equal(t, live+1, liveCaptureSets.Load())

	f := set.Fields()[0]
	set.Destroy()
	assert.Equal(t, live, liveCaptureSets.Load())
	assert.Nil(t, f.Priv)
	_, ok := FieldStats(f)
	assert.False(t, ok)
}

func TestConcurrentLanes(t *testing.T) {
	const numCPU = 2
	tt := newTestTracer(t, numCPU, 0)

	// Ten frames derived from the task, so every lane gets its own stack.
	perTask := func(task *ringbuffer.Task, trace *StackTrace) {
		for i := range 10 {
			trace.Entries[trace.Len] = uintptr(task.PID)<<16 | uintptr(i)
			trace.Len++
		}
		terminate(trace)
	}
	tt.attach(t, ContextKernel, kernelSymbols(perTask))

	want := func(cpu int) []uint64 {
		out := make([]uint64, 10)
		for i := range out {
			out[i] = uint64(cpu+1)<<16 | uint64(i)
		}
		return out
	}

	results := make([][]uint64, numCPU)
	err := tt.Run(context.Background(), func(_ context.Context, lane *tracer.Lane) error {
		task := &ringbuffer.Task{PID: libpf.PID(lane.CPU + 1)}
		for range 1000 {
			if err := lane.Emit(task, tt.event, nil); err != nil {
				return err
			}
		}
		dec := reader.NewDecoder(tt.Contexts().Fields())
		return lane.Drain(func(raw []byte) {
			rec, err := dec.Decode(raw)
			if err != nil {
				return
			}
			v, _ := rec.Field(support.KernelStackName)
			if results[lane.CPU] != nil && !equalFrames(results[lane.CPU], v.Sequence) {
				results[lane.CPU] = []uint64{}
				return
			}
			results[lane.CPU] = v.Sequence
		})
	})
	require.NoError(t, err)

	for cpu := range numCPU {
		assert.Equal(t, want(cpu), results[cpu], fmt.Sprintf("cpu %d", cpu))
	}
}

func equalFrames(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestErrno(t *testing.T) {
	assert.Equal(t, 0, Errno(nil))
	assert.Equal(t, -int(unix.ENOMEM), Errno(fmt.Errorf("wrapped: %w", ErrNoMemory)))
	assert.Equal(t, -int(unix.EEXIST), Errno(ErrExist))
	assert.Equal(t, -int(unix.EINVAL), Errno(ErrSymbolMissing))
	assert.Equal(t, -int(unix.EINVAL), Errno(ErrUnsupported))
	assert.Equal(t, -int(unix.EINVAL), Errno(errors.New("other")))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, support.KernelStackName, Kernel.String())
	assert.Equal(t, support.UserStackName, User.String())
	assert.Equal(t, "Mode(5)", Mode(5).String())
}

func TestEmitDoesNotAllocate(t *testing.T) {
	tests := map[string]struct {
		ctxType int
		symbols Symbols
		task    func() *ringbuffer.Task
	}{
		"kernel": {
			ctxType: ContextKernel,
			symbols: kernelSymbols(SaveKernelStack),
			task:    func() *ringbuffer.Task { return &ringbuffer.Task{PID: 1, TID: 1} },
		},
		"user": {
			ctxType: ContextUser,
			symbols: userSymbols(SaveUserStack),
			task: func() *ringbuffer.Task {
				stack := newFakeStack(0x401000, 0x402000, 0x403000, 0x404000)
				return stack.task(bytes.NewReader(stack.mem))
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if tc.ctxType == ContextUser {
				skipWithoutUserStacks(t)
			}
			tt := newTestTracer(t, 1, 0)
			tt.attach(t, tc.ctxType, tc.symbols)
			task := tc.task()

			allocs := testing.AllocsPerRun(100, func() {
				if err := tt.Emit(0, task, tt.event, nil); err != nil {
					t.Fatal(err)
				}
			})
			assert.Zero(t, allocs)

			fd := tt.Contexts().Fields()[0].Priv.(*fieldData)
			st := fd.sum()
			assert.Equal(t, uint64(101), st.Captured)
		})
	}
}
