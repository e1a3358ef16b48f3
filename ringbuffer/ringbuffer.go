// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringbuffer implements a per-CPU trace channel with the
// reserve-then-write protocol: the exact size of a record is computed first,
// a contiguous region of that size is reserved in the sub-buffer of the
// emitting CPU, and only then the record bytes are written and committed.
//
// Every sub-buffer and every nesting counter belongs to exactly one CPU
// (lane). The emission path of a lane never takes a lock and never
// allocates: the per-nesting record contexts are allocated with the channel.
package ringbuffer // import "go.opentelemetry.io/ebpf-callstack/ringbuffer"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/support"
)

// HeaderSize is the size of the record header: u32 record size, u16 event
// id, u16 reserved.
const HeaderSize = 8

// DefaultSubbufSize is the per-CPU sub-buffer size used when none is given.
const DefaultSubbufSize = 256 * 1024

// paddingID marks reserved regions that were never committed.
const paddingID = 0xffff

var (
	// ErrNoSpace is returned when a reservation does not fit in the sub-buffer.
	ErrNoSpace = errors.New("no space left in sub-buffer")

	// ErrNesting is returned when an emission would exceed the nesting limit.
	ErrNesting = errors.New("ring buffer nesting limit reached")

	// ErrInvalidCPU is returned for CPU numbers outside the channel.
	ErrInvalidCPU = errors.New("invalid cpu")

	// ErrBusy is returned when draining a lane with records in flight.
	ErrBusy = errors.New("records in flight")
)

// Regs are the registers of the traced task needed for frame-pointer unwinding.
type Regs struct {
	PC uintptr
	SP uintptr
	FP uintptr
}

// Task describes the task on whose behalf an event is emitted.
type Task struct {
	PID  libpf.PID
	TID  libpf.PID
	Regs Regs
	// Memory gives access to the address space of the task. It is nil when
	// the task has no user address space.
	Memory io.ReaderAt
}

// Context is the state of one in-flight record. It is owned by the lane and
// reused for every record emitted at the same nesting depth.
type Context struct {
	// CPU is the lane the record is emitted on.
	CPU int
	// Task is the task the record is emitted for.
	Task *Task

	lane   *lane
	depth  int
	start  int
	region []byte
	pos    int
}

// Nesting returns the current ring buffer nesting of the lane, 1 for the
// outermost in-flight record.
func (ctx *Context) Nesting() int {
	return ctx.lane.nesting
}

// Offset returns the write cursor relative to the start of the record.
func (ctx *Context) Offset() int {
	return ctx.pos
}

// Reserved returns the number of bytes reserved for the record.
func (ctx *Context) Reserved() int {
	return len(ctx.region)
}

// Align pads the write cursor with zeroes up to alignment.
func (ctx *Context) Align(alignment int) {
	pad := Align(ctx.pos, alignment)
	clear(ctx.region[ctx.pos : ctx.pos+pad])
	ctx.pos += pad
}

// Write copies p at the write cursor.
func (ctx *Context) Write(p []byte) {
	if len(p) > len(ctx.region)-ctx.pos {
		panic(fmt.Sprintf("ringbuffer: write of %d bytes overflows reservation (%d/%d)",
			len(p), ctx.pos, len(ctx.region)))
	}
	ctx.pos += copy(ctx.region[ctx.pos:], p)
}

// WriteUint16 writes v in host byte order.
func (ctx *Context) WriteUint16(v uint16) {
	binary.NativeEndian.PutUint16(ctx.region[ctx.pos:ctx.pos+2], v)
	ctx.pos += 2
}

// WriteUint32 writes v in host byte order.
func (ctx *Context) WriteUint32(v uint32) {
	binary.NativeEndian.PutUint32(ctx.region[ctx.pos:ctx.pos+4], v)
	ctx.pos += 4
}

// WriteWord writes a machine word in host byte order.
func (ctx *Context) WriteWord(v uintptr) {
	if support.WordSize == 8 {
		binary.NativeEndian.PutUint64(ctx.region[ctx.pos:ctx.pos+8], uint64(v))
	} else {
		binary.NativeEndian.PutUint32(ctx.region[ctx.pos:ctx.pos+4], uint32(v))
	}
	ctx.pos += support.WordSize
}

// WriteWords writes machine words in host byte order.
func (ctx *Context) WriteWords(words []uintptr) {
	for _, w := range words {
		ctx.WriteWord(w)
	}
}

// Align returns the padding needed to align offset to alignment, which must
// be a power of two.
func Align(offset, alignment int) int {
	return (-offset) & (alignment - 1)
}

// lane is the per-CPU part of a channel.
type lane struct {
	buf      []byte
	write    int
	inflight int
	nesting  int
	ctxs     []Context

	committed atomic.Uint64
	lost      atomic.Uint64

	// Keep lanes on separate cache lines.
	_ [64]byte
}

// Channel is a set of per-CPU sub-buffers.
type Channel struct {
	lanes      []lane
	maxNesting int
}

// Option configures a Channel.
type Option func(*Channel)

// WithMaxNesting overrides the nesting limit enforced by Begin.
func WithMaxNesting(n int) Option {
	return func(c *Channel) {
		c.maxNesting = n
	}
}

// PossibleCPUs returns the number of CPUs the system may bring online, which
// is the number of lanes per-CPU data has to be sized for.
func PossibleCPUs() int {
	n, err := ebpf.PossibleCPU()
	if err != nil || n <= 0 {
		log.Debugf("Failed to read possible CPUs, using runtime count: %v", err)
		return runtime.NumCPU()
	}
	return n
}

// NewChannel creates a channel with numCPU lanes of subbufSize bytes each.
func NewChannel(numCPU, subbufSize int, opts ...Option) (*Channel, error) {
	if numCPU <= 0 {
		return nil, fmt.Errorf("invalid number of CPUs: %d", numCPU)
	}
	if subbufSize < HeaderSize {
		return nil, fmt.Errorf("sub-buffer size %d is too small", subbufSize)
	}
	c := &Channel{maxNesting: support.MaxNesting}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxNesting <= 0 {
		return nil, fmt.Errorf("invalid nesting limit: %d", c.maxNesting)
	}

	c.lanes = make([]lane, numCPU)
	for cpu := range c.lanes {
		l := &c.lanes[cpu]
		l.buf = make([]byte, subbufSize)
		l.ctxs = make([]Context, c.maxNesting)
		for depth := range l.ctxs {
			l.ctxs[depth] = Context{CPU: cpu, lane: l, depth: depth + 1}
		}
	}
	return c, nil
}

// NumCPU returns the number of lanes.
func (c *Channel) NumCPU() int {
	return len(c.lanes)
}

// Begin starts an emission on cpu and returns the record context for the new
// nesting depth. Every successful Begin must be paired with End.
func (c *Channel) Begin(cpu int, task *Task) (*Context, error) {
	if cpu < 0 || cpu >= len(c.lanes) {
		return nil, ErrInvalidCPU
	}
	l := &c.lanes[cpu]
	if l.nesting >= c.maxNesting {
		l.lost.Add(1)
		return nil, ErrNesting
	}
	l.nesting++
	ctx := &l.ctxs[l.nesting-1]
	ctx.Task = task
	ctx.region = nil
	ctx.pos = 0
	ctx.start = 0
	return ctx, nil
}

// End finishes the emission started by the matching Begin.
func (c *Channel) End(ctx *Context) {
	l := ctx.lane
	if l.nesting != ctx.depth {
		panic(fmt.Sprintf("ringbuffer: unbalanced nesting on cpu %d: %d != %d",
			ctx.CPU, l.nesting, ctx.depth))
	}
	if ctx.region != nil {
		// Reserved but never committed: turn the region into padding so the
		// lane stays parseable, and account the record as lost.
		binary.NativeEndian.PutUint32(ctx.region[0:4], uint32(len(ctx.region)))
		binary.NativeEndian.PutUint16(ctx.region[4:6], paddingID)
		l.inflight--
		ctx.region = nil
		l.lost.Add(1)
	}
	ctx.Task = nil
	l.nesting--
}

// Reserve reserves exactly size bytes for the record. The start of every
// record is word aligned, so alignment computed relative to the record start
// matches the alignment in the sub-buffer.
func (c *Channel) Reserve(ctx *Context, size int) error {
	l := ctx.lane
	start := l.write + Align(l.write, support.AlignOfWord)
	if size < HeaderSize || start+size > len(l.buf) {
		l.lost.Add(1)
		return ErrNoSpace
	}
	clear(l.buf[l.write:start])
	l.write = start + size
	l.inflight++
	ctx.start = start
	ctx.region = l.buf[start : start+size : start+size]
	ctx.pos = 0
	return nil
}

// WriteHeader writes the record header. It must be the first write of a
// record.
func WriteHeader(ctx *Context, id uint16) {
	if ctx.pos != 0 {
		panic("ringbuffer: header written after payload")
	}
	if id == paddingID {
		panic("ringbuffer: reserved event id")
	}
	ctx.WriteUint32(uint32(len(ctx.region)))
	ctx.WriteUint16(id)
	ctx.WriteUint16(0)
}

// Commit publishes the record. Writing less or more than the reserved size
// is a bug in the size computation and panics.
func (c *Channel) Commit(ctx *Context) {
	if ctx.pos != len(ctx.region) {
		panic(fmt.Sprintf("ringbuffer: record on cpu %d wrote %d of %d reserved bytes",
			ctx.CPU, ctx.pos, len(ctx.region)))
	}
	l := ctx.lane
	l.inflight--
	l.committed.Add(1)
	ctx.region = nil
}

// Drain passes every record of the lane to fn, in reservation order, and
// empties the sub-buffer. It must be called by the goroutine owning the lane
// while no record is in flight. fn must not keep references to the record.
func (c *Channel) Drain(cpu int, fn func(record []byte)) error {
	if cpu < 0 || cpu >= len(c.lanes) {
		return ErrInvalidCPU
	}
	l := &c.lanes[cpu]
	if l.nesting != 0 || l.inflight != 0 {
		return ErrBusy
	}
	for off := 0; off < l.write; {
		off += Align(off, support.AlignOfWord)
		if off >= l.write {
			break
		}
		size := int(binary.NativeEndian.Uint32(l.buf[off:]))
		if size < HeaderSize || off+size > l.write {
			l.write = 0
			return fmt.Errorf("corrupt record at offset %d on cpu %d", off, cpu)
		}
		if RecordID(l.buf[off:off+size]) != paddingID {
			fn(l.buf[off : off+size])
		}
		off += size
	}
	l.write = 0
	return nil
}

// Stats are the record counters of a lane.
type Stats struct {
	Committed uint64
	Lost      uint64
}

// Stats returns the record counters of cpu. Safe to call from any goroutine.
func (c *Channel) Stats(cpu int) Stats {
	l := &c.lanes[cpu]
	return Stats{
		Committed: l.committed.Load(),
		Lost:      l.lost.Load(),
	}
}

// MaxEventID is the largest event id a record can carry.
const MaxEventID = paddingID - 1

// RecordID returns the event id stored in the header of record.
func RecordID(record []byte) uint16 {
	return binary.NativeEndian.Uint16(record[4:6])
}
