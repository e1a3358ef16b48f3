// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

// byteField is a one byte context field recording the lane nesting.
func byteField(t *testing.T, set *tracectx.Set, name string) {
	t.Helper()
	f, err := set.Append()
	require.NoError(t, err)
	f.Name = name
	f.Type = tracectx.Type{Kind: tracectx.KindInteger,
		Integer: tracectx.IntegerType{Size: 8, Alignment: 8, Base: 10}}
	f.Measure = func(int, *tracectx.Field, *ringbuffer.Context) int { return 1 }
	f.Record = func(_ *tracectx.Field, ctx *ringbuffer.Context) {
		ctx.Write([]byte{byte(ctx.Nesting())})
	}
	set.Publish()
}

func TestRegisterEvent(t *testing.T) {
	tr, err := New(Config{NumCPU: 1, SubbufSize: 4096})
	require.NoError(t, err)
	defer tr.Close()

	a, err := tr.RegisterEvent("a")
	require.NoError(t, err)
	b, err := tr.RegisterEvent("b")
	require.NoError(t, err)
	again, err := tr.RegisterEvent("a")
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)

	name, ok := tr.EventName(b)
	assert.True(t, ok)
	assert.Equal(t, "b", name)
	_, ok = tr.EventName(EventID(10))
	assert.False(t, ok)

	require.ErrorIs(t, tr.Emit(0, nil, EventID(10), nil), ErrUnknownEvent)
}

func TestEmit(t *testing.T) {
	tr, err := New(Config{NumCPU: 2, SubbufSize: 4096})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, 2, tr.NumCPU())

	byteField(t, tr.Contexts(), "nesting")
	id, err := tr.RegisterEvent("ev")
	require.NoError(t, err)

	require.NoError(t, tr.Emit(1, &ringbuffer.Task{PID: 1}, id, []byte("payload")))

	var recs [][]byte
	require.NoError(t, tr.Channel().Drain(1, func(rec []byte) {
		recs = append(recs, append([]byte(nil), rec...))
	}))
	require.Len(t, recs, 1)
	assert.Len(t, recs[0], ringbuffer.HeaderSize+1+len("payload"))
	assert.Equal(t, byte(1), recs[0][ringbuffer.HeaderSize])
	assert.Equal(t, []byte("payload"), recs[0][ringbuffer.HeaderSize+1:])
}

func TestEmitPublishDuringEmission(t *testing.T) {
	tr, err := New(Config{NumCPU: 1, SubbufSize: 4096})
	require.NoError(t, err)
	defer tr.Close()

	id, err := tr.RegisterEvent("ev")
	require.NoError(t, err)

	// The first measure of this field publishes another 4 byte field.
	set := tr.Contexts()
	published := false
	f, err := set.Append()
	require.NoError(t, err)
	f.Name = "publisher"
	f.Measure = func(int, *tracectx.Field, *ringbuffer.Context) int {
		if !published {
			published = true
			late, err := set.Append()
			require.NoError(t, err)
			late.Name = "late"
			late.Measure = func(int, *tracectx.Field, *ringbuffer.Context) int { return 4 }
			late.Record = func(_ *tracectx.Field, ctx *ringbuffer.Context) {
				ctx.WriteUint32(0xcafe)
			}
			set.Publish()
		}
		return 1
	}
	f.Record = func(_ *tracectx.Field, ctx *ringbuffer.Context) {
		ctx.Write([]byte{0x7})
	}
	set.Publish()

	require.NotPanics(t, func() {
		require.NoError(t, tr.Emit(0, nil, id, nil))
	})
	require.NoError(t, tr.Emit(0, nil, id, nil))

	var sizes []int
	require.NoError(t, tr.Channel().Drain(0, func(rec []byte) {
		sizes = append(sizes, len(rec))
	}))
	assert.Equal(t, []int{ringbuffer.HeaderSize + 1, ringbuffer.HeaderSize + 1 + 4}, sizes)
}

func TestEmitNestingLimit(t *testing.T) {
	tr, err := New(Config{NumCPU: 1, SubbufSize: 4096, MaxNesting: 2})
	require.NoError(t, err)
	defer tr.Close()

	id, err := tr.RegisterEvent("ev")
	require.NoError(t, err)

	// A field that emits again from inside the emission, as far as the
	// nesting limit allows.
	var nestedErrs []error
	f, err := tr.Contexts().Append()
	require.NoError(t, err)
	f.Name = "reentrant"
	f.Measure = func(_ int, _ *tracectx.Field, ctx *ringbuffer.Context) int {
		nestedErrs = append(nestedErrs, tr.Emit(ctx.CPU, nil, id, nil))
		return 0
	}
	f.Record = func(*tracectx.Field, *ringbuffer.Context) {}
	tr.Contexts().Publish()

	require.NoError(t, tr.Emit(0, nil, id, nil))
	require.Len(t, nestedErrs, 2)
	// The innermost emission returns first.
	require.ErrorIs(t, nestedErrs[0], ringbuffer.ErrNesting)
	require.NoError(t, nestedErrs[1])

	var n int
	require.NoError(t, tr.Channel().Drain(0, func([]byte) { n++ }))
	assert.Equal(t, 2, n)
}

func TestRun(t *testing.T) {
	const numCPU = 4
	tr, err := New(Config{NumCPU: numCPU, SubbufSize: 1 << 16})
	require.NoError(t, err)
	defer tr.Close()

	byteField(t, tr.Contexts(), "nesting")
	id, err := tr.RegisterEvent("ev")
	require.NoError(t, err)

	var total atomic.Int64
	err = tr.Run(context.Background(), func(_ context.Context, lane *Lane) error {
		for range 100 {
			if err := lane.Emit(nil, id, []byte{byte(lane.CPU)}); err != nil {
				return err
			}
		}
		return lane.Drain(func(rec []byte) {
			if rec[len(rec)-1] == byte(lane.CPU) {
				total.Add(1)
			}
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(numCPU*100), total.Load())
}
