// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/ebpf-callstack/tracer"

import (
	"context"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

// Lane is the emission side of one CPU. A Lane must only be used by the
// goroutine it was handed to.
type Lane struct {
	CPU    int
	tracer *Tracer
}

// Emit writes a record on the lane. See Tracer.Emit.
func (l *Lane) Emit(task *ringbuffer.Task, id EventID, payload []byte) error {
	return l.tracer.Emit(l.CPU, task, id, payload)
}

// Drain hands the committed records of the lane to fn and empties its
// sub-buffer. It must not be called from inside Emit.
func (l *Lane) Drain(fn func(record []byte)) error {
	return l.tracer.channel.Drain(l.CPU, fn)
}

// Run starts one goroutine per lane, each locked to its own OS thread and
// pinned to the matching CPU when possible, and calls fn on it. Run returns
// when every fn returned, with the first error encountered.
func (t *Tracer) Run(ctx context.Context, fn func(ctx context.Context, lane *Lane) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := range t.channel.NumCPU() {
		lane := &Lane{CPU: cpu, tracer: t}
		g.Go(func() error {
			// The thread is not unlocked: it exits with the goroutine, so the
			// CPU affinity set below never leaks to other goroutines.
			runtime.LockOSThread()
			if err := pinToCPU(cpu); err != nil {
				log.Debugf("Failed to pin lane %d: %v", cpu, err)
			}
			return fn(ctx, lane)
		})
	}
	return g.Wait()
}
