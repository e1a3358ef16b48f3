// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracectx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

func fixedField(name string, size int) func(f *Field) {
	return func(f *Field) {
		f.Name = name
		f.Type = Type{Kind: KindInteger, Integer: IntegerType{
			Size: uint(size * 8), Alignment: 8, Base: 10,
		}}
		f.Measure = func(int, *Field, *ringbuffer.Context) int { return size }
		f.Record = func(_ *Field, ctx *ringbuffer.Context) {
			ctx.Write(make([]byte, size))
		}
	}
}

func TestSetAppendFindRemove(t *testing.T) {
	s := NewSet(2)

	a, err := s.Append()
	require.NoError(t, err)
	fixedField("a", 1)(a)
	b, err := s.Append()
	require.NoError(t, err)
	fixedField("b", 2)(b)

	_, err = s.Append()
	assert.ErrorIs(t, err, ErrNoMemory)

	assert.True(t, s.Find("a"))
	assert.True(t, s.Find("b"))
	assert.False(t, s.Find("c"))

	// Nothing published yet.
	assert.Empty(t, s.Fields())
	s.Publish()
	assert.Equal(t, []*Field{a, b}, s.Fields())
	assert.Equal(t, 3, Size(s.Fields(), 0, nil))

	s.Remove(a)
	assert.False(t, s.Find("a"))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []*Field{b}, s.Fields())
}

func TestSetDestroy(t *testing.T) {
	s := NewSet(0)
	var destroyed []string
	for _, name := range []string{"x", "y"} {
		f, err := s.Append()
		require.NoError(t, err)
		fixedField(name, 4)(f)
		f.Destroy = func(f *Field) {
			destroyed = append(destroyed, f.Name)
		}
	}
	s.Publish()
	s.Destroy()

	assert.Equal(t, []string{"x", "y"}, destroyed)
	assert.Empty(t, s.Fields())
	assert.Equal(t, 0, s.Len())
}

func TestMetadata(t *testing.T) {
	s := NewSet(0)
	f, err := s.Append()
	require.NoError(t, err)
	f.Name = "callstack_kernel"
	f.Type = Type{Kind: KindSequence, Sequence: SequenceType{
		Length: IntegerType{Size: 32, Alignment: 32, Base: 10},
		Elem:   IntegerType{Size: 64, Alignment: 64, Base: 16},
	}}
	g, err := s.Append()
	require.NoError(t, err)
	g.Name = "vtid"
	g.Type = Type{Kind: KindInteger, Integer: IntegerType{
		Size: 32, Alignment: 8, Signed: true, Base: 10, ReverseByteOrder: true,
	}}
	s.Publish()

	var b strings.Builder
	require.NoError(t, s.Metadata(&b, false))
	assert.Equal(t, "struct {\n"+
		"\t\tinteger { size = 32; align = 32; signed = 0; encoding = none; base = 10; }"+
		" __callstack_kernel_length;\n"+
		"\t\tinteger { size = 64; align = 64; signed = 0; encoding = none; base = 16; }"+
		" _callstack_kernel[ __callstack_kernel_length ];\n"+
		"\t\tinteger { size = 32; align = 8; signed = 1; encoding = none; base = 10;"+
		" byte_order = be; } _vtid;\n"+
		"\t}", b.String())
}
