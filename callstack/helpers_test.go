// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ebpf-callstack/reader"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracer"
)

// frames returns an unwinder that yields fs as is.
func frames(fs ...uintptr) SaveFunc {
	return func(_ *ringbuffer.Task, trace *StackTrace) {
		for _, f := range fs {
			if trace.Len == trace.MaxEntries {
				return
			}
			trace.Entries[trace.Len] = f
			trace.Len++
		}
	}
}

// sequential returns n frames 1..n.
func sequential(n int) []uintptr {
	fs := make([]uintptr, n)
	for i := range fs {
		fs[i] = uintptr(i + 1)
	}
	return fs
}

func toUint64(fs []uintptr) []uint64 {
	out := make([]uint64, len(fs))
	for i, f := range fs {
		out[i] = uint64(f)
	}
	return out
}

type testTracer struct {
	*tracer.Tracer
	event tracer.EventID
}

func newTestTracer(t *testing.T, numCPU, maxNesting int) *testTracer {
	t.Helper()
	tr, err := tracer.New(tracer.Config{
		NumCPU:     numCPU,
		SubbufSize: 1 << 20,
		MaxNesting: maxNesting,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	id, err := tr.RegisterEvent("test_event")
	require.NoError(t, err)
	return &testTracer{Tracer: tr, event: id}
}

// attach adds a callstack field of ctxType bound to symbols.
func (tt *testTracer) attach(t *testing.T, ctxType int, symbols Symbols) *Unwinders {
	t.Helper()
	u := NewUnwinders(symbols, tt.NumCPU())
	require.NoError(t, Attach(tt.Contexts(), ctxType,
		WithUnwinders(u), WithNumCPU(tt.NumCPU())))
	return u
}

func (tt *testTracer) emit(t *testing.T, cpu int, task *ringbuffer.Task) {
	t.Helper()
	require.NoError(t, tt.Emit(cpu, task, tt.event, nil))
}

// records drains and decodes the records of cpu.
func (tt *testTracer) records(t *testing.T, cpu int) []reader.Record {
	t.Helper()
	dec := reader.NewDecoder(tt.Contexts().Fields())
	var out []reader.Record
	require.NoError(t, tt.Channel().Drain(cpu, func(raw []byte) {
		rec, err := dec.Decode(append([]byte(nil), raw...))
		require.NoError(t, err)
		out = append(out, rec)
	}))
	return out
}

func kernelSymbols(fn SaveFunc) Symbols {
	return Symbols{support.KernelSaveFunc: fn}
}

func userSymbols(fn SaveFunc) Symbols {
	return Symbols{support.UserSaveFunc: fn}
}

func skipWithoutUserStacks(t *testing.T) {
	t.Helper()
	if !userStackSupported {
		t.Skip("no user stack unwinder on this architecture")
	}
}
