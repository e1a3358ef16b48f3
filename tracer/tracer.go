// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer contains the event emission path: it sizes, reserves,
// writes and commits records carrying the context fields of a channel.
package tracer // import "go.opentelemetry.io/ebpf-callstack/tracer"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

// EventID identifies a registered event.
type EventID uint16

var (
	// ErrUnknownEvent is returned when emitting an event that was never
	// registered.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrTooManyEvents is returned when the event id space is exhausted.
	ErrTooManyEvents = errors.New("too many events")
)

// Config holds the parameters of a Tracer.
type Config struct {
	// NumCPU is the number of lanes. Zero selects the possible CPUs.
	NumCPU int
	// SubbufSize is the sub-buffer size of every lane in bytes.
	SubbufSize int
	// MaxNesting overrides the ring buffer nesting limit when non-zero.
	MaxNesting int
	// MaxContextFields bounds the context set. Zero selects the default.
	MaxContextFields int
}

// Tracer owns a channel, the context set of the channel and the event
// registry.
type Tracer struct {
	channel  *ringbuffer.Channel
	contexts *tracectx.Set

	mu        sync.RWMutex
	events    []string
	byName    map[string]EventID
	numEvents atomic.Int32
}

// New creates a Tracer.
func New(cfg Config) (*Tracer, error) {
	numCPU := cfg.NumCPU
	if numCPU == 0 {
		numCPU = ringbuffer.PossibleCPUs()
	}
	subbufSize := cfg.SubbufSize
	if subbufSize == 0 {
		subbufSize = ringbuffer.DefaultSubbufSize
	}
	var opts []ringbuffer.Option
	if cfg.MaxNesting != 0 {
		opts = append(opts, ringbuffer.WithMaxNesting(cfg.MaxNesting))
	}
	channel, err := ringbuffer.NewChannel(numCPU, subbufSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	log.Debugf("Created channel with %d lanes of %d bytes", numCPU, subbufSize)

	return &Tracer{
		channel:  channel,
		contexts: tracectx.NewSet(cfg.MaxContextFields),
		byName:   make(map[string]EventID),
	}, nil
}

// Contexts returns the context set appended to every record.
func (t *Tracer) Contexts() *tracectx.Set {
	return t.contexts
}

// Channel returns the channel records are written to.
func (t *Tracer) Channel() *ringbuffer.Channel {
	return t.channel
}

// NumCPU returns the number of lanes.
func (t *Tracer) NumCPU() int {
	return t.channel.NumCPU()
}

// RegisterEvent registers an event by name and returns its id. Registering
// the same name twice returns the same id.
func (t *Tracer) RegisterEvent(name string) (EventID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byName[name]; ok {
		return id, nil
	}
	if len(t.events) > ringbuffer.MaxEventID {
		return 0, ErrTooManyEvents
	}
	id := EventID(len(t.events))
	t.events = append(t.events, name)
	t.byName[name] = id
	t.numEvents.Store(int32(len(t.events)))
	return id, nil
}

// EventName returns the name of a registered event.
func (t *Tracer) EventName(id EventID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.events) {
		return "", false
	}
	return t.events[id], true
}

// Emit writes one record for event id on cpu, on behalf of task. The caller
// must own the lane of cpu. Emit may be called again from inside a running
// Emit on the same lane (for instance by a context field), up to the ring
// buffer nesting limit.
//
// WARNING: this is the hot path. It must not allocate or block.
func (t *Tracer) Emit(cpu int, task *ringbuffer.Task, id EventID, payload []byte) error {
	if int32(id) >= t.numEvents.Load() {
		return ErrUnknownEvent
	}

	ctx, err := t.channel.Begin(cpu, task)
	if err != nil {
		return err
	}
	defer t.channel.End(ctx)

	// One snapshot for both passes: a field published in between must not
	// show up in only one of them.
	fields := t.contexts.Fields()

	// The size of the context fields is computed first: it captures
	// whatever the fields record into their per-CPU buffers.
	size := ringbuffer.HeaderSize
	size += tracectx.Size(fields, size, ctx)
	size += len(payload)

	if err := t.channel.Reserve(ctx, size); err != nil {
		return err
	}
	ringbuffer.WriteHeader(ctx, uint16(id))
	tracectx.Record(fields, ctx)
	ctx.Write(payload)
	t.channel.Commit(ctx)
	return nil
}

// Close destroys the context set. No record may be emitted afterwards.
func (t *Tracer) Close() {
	t.contexts.Destroy()
}
