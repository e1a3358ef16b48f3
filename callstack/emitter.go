// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import (
	"sync/atomic"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

// laneStats are the capture counters of one CPU, written by that CPU only.
type laneStats struct {
	captured       atomic.Uint64
	truncated      atomic.Uint64
	empty          atomic.Uint64
	guardSkipped   atomic.Uint64
	nestingSkipped atomic.Uint64
	_              [24]byte
}

// Stats summarizes the captures of a field.
type Stats struct {
	// Captured counts records with at least one address.
	Captured uint64
	// Truncated counts captures that filled the slot and got the truncation
	// marker.
	Truncated uint64
	// Empty counts captures where the unwinder found no address.
	Empty uint64
	// GuardSkipped counts user stack captures skipped because a capture was
	// already in progress on the CPU.
	GuardSkipped uint64
	// NestingSkipped counts captures skipped for lack of a capture slot.
	NestingSkipped uint64
}

// fieldData is the private state of one attached callstack field.
type fieldData struct {
	sets  []cpuCaptureSet
	mode  Mode
	save  SaveFunc
	guard *guard
	stats []laneStats
}

// traceFor returns the capture buffer for the record, or nil if the record
// must carry an empty call stack.
func (fd *fieldData) traceFor(ctx *ringbuffer.Context) *StackTrace {
	// Do not capture the user stack for records emitted by the user stack
	// capture itself.
	if fd.mode == User && fd.guard.active(ctx.CPU) {
		return nil
	}
	return slotFor(fd.sets, ctx.CPU, ctx.Nesting())
}

func (fd *fieldData) countSkip(ctx *ringbuffer.Context) {
	if ctx.CPU < 0 || ctx.CPU >= len(fd.stats) {
		return
	}
	if fd.mode == User && fd.guard.active(ctx.CPU) {
		fd.stats[ctx.CPU].guardSkipped.Add(1)
	} else {
		fd.stats[ctx.CPU].nestingSkipped.Add(1)
	}
}

// emptySize is the size of a sequence without elements at offset.
func emptySize(offset int) int {
	orig := offset
	offset += ringbuffer.Align(offset, support.AlignOf32)
	offset += 4
	offset += ringbuffer.Align(offset, support.AlignOfWord)
	return offset - orig
}

// measure captures the call stack into the slot of the record and returns
// the size of its serialized form. The capture is kept in the slot for the
// record step.
func (fd *fieldData) measure(offset int, _ *tracectx.Field, ctx *ringbuffer.Context) int {
	trace := fd.traceFor(ctx)
	if trace == nil {
		fd.countSkip(ctx)
		return emptySize(offset)
	}

	// Reset the trace, no need to clear memory.
	trace.Len = 0

	if fd.mode == User {
		fd.guard.enter(ctx.CPU)
	}
	fd.save(ctx.Task, trace)
	if fd.mode == User {
		fd.guard.exit(ctx.CPU)
	}

	// Remove the final terminator. If there is none and the trace is full, the
	// record step adds its own marker to show the stack is incomplete, which
	// is more compact for a trace.
	if trace.Len > 0 && trace.Entries[trace.Len-1] == support.MaxWord {
		trace.Len--
	}

	stats := &fd.stats[ctx.CPU]
	switch {
	case trace.Len == 0:
		stats.empty.Add(1)
	case trace.Len == trace.MaxEntries:
		stats.truncated.Add(1)
		stats.captured.Add(1)
	default:
		stats.captured.Add(1)
	}

	orig := offset
	offset += ringbuffer.Align(offset, support.AlignOf32)
	offset += 4
	offset += ringbuffer.Align(offset, support.AlignOfWord)
	offset += support.WordSize * trace.Len
	if trace.Len == trace.MaxEntries {
		offset += support.WordSize
	}
	return offset - orig
}

// record writes the call stack captured by measure for the same record.
func (fd *fieldData) record(_ *tracectx.Field, ctx *ringbuffer.Context) {
	trace := fd.traceFor(ctx)
	if trace == nil {
		ctx.Align(support.AlignOf32)
		ctx.WriteUint32(0)
		ctx.Align(support.AlignOfWord)
		return
	}

	truncated := trace.Len == trace.MaxEntries
	n := uint32(trace.Len)
	if truncated {
		n++
	}
	ctx.Align(support.AlignOf32)
	ctx.WriteUint32(n)
	ctx.Align(support.AlignOfWord)
	ctx.WriteWords(trace.Entries[:trace.Len])
	if truncated {
		ctx.WriteWord(support.MaxWord)
	}
}

// sum adds up the per-CPU counters.
func (fd *fieldData) sum() Stats {
	var s Stats
	for i := range fd.stats {
		ls := &fd.stats[i]
		s.Captured += ls.captured.Load()
		s.Truncated += ls.truncated.Load()
		s.Empty += ls.empty.Load()
		s.GuardSkipped += ls.guardSkipped.Load()
		s.NestingSkipped += ls.nestingSkipped.Load()
	}
	return s
}

// FieldStats returns the capture counters of a callstack field.
func FieldStats(f *tracectx.Field) (Stats, bool) {
	fd, ok := f.Priv.(*fieldData)
	if !ok || fd == nil {
		return Stats{}, false
	}
	return fd.sum(), true
}

// sequenceType is the CTF type of the field: a sequence of unsigned machine
// words shown in hex, prefixed by a decimal 32-bit count.
func sequenceType() tracectx.Type {
	return tracectx.Type{
		Kind: tracectx.KindSequence,
		Sequence: tracectx.SequenceType{
			Length: tracectx.IntegerType{
				Size:      32,
				Alignment: uint(support.AlignOf32) * 8,
				Signed:    false,
				Base:      10,
				Encoding:  tracectx.EncodingNone,
			},
			Elem: tracectx.IntegerType{
				Size:      uint(support.WordSize) * 8,
				Alignment: uint(support.AlignOfWord) * 8,
				Signed:    false,
				Base:      16,
				Encoding:  tracectx.EncodingNone,
			},
		},
	}
}
