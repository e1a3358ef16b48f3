// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

type attachConfig struct {
	unwinders *Unwinders
	numCPU    int
}

// Option configures Attach.
type Option func(*attachConfig)

// WithUnwinders binds the field to u instead of the process-wide unwinders.
func WithUnwinders(u *Unwinders) Option {
	return func(cfg *attachConfig) {
		cfg.unwinders = u
	}
}

// WithNumCPU sizes the capture buffers for n CPUs instead of all possible
// CPUs. It must match the number of lanes of the channel.
func WithNumCPU(n int) Option {
	return func(cfg *attachConfig) {
		cfg.numCPU = n
	}
}

// Attach adds a callstack context field to set. ctxType is ContextKernel or
// ContextUser; the latter is only available where a user unwinder exists.
//
// Errors are ErrSymbolMissing, ErrNoMemory, ErrExist and ErrUnsupported; use
// Errno to map them to the control interface return codes.
func Attach(set *tracectx.Set, ctxType int, opts ...Option) error {
	switch ctxType {
	case ContextKernel:
		return attach(set, Kernel, opts)
	case ContextUser:
		if userStackSupported {
			return attach(set, User, opts)
		}
	}
	return fmt.Errorf("%w: %d", ErrUnsupported, ctxType)
}

func attach(set *tracectx.Set, mode Mode, opts []Option) error {
	cfg := attachConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.unwinders == nil {
		cfg.unwinders = DefaultUnwinders()
	}
	if cfg.numCPU == 0 {
		cfg.numCPU = ringbuffer.PossibleCPUs()
	}
	u := cfg.unwinders

	save, err := u.bind(mode)
	if err != nil {
		return err
	}

	if mode == User && cfg.numCPU > u.userNesting.numCPU() {
		return fmt.Errorf("%w: %d CPUs exceed the %d user nesting counters",
			ErrUnsupported, cfg.numCPU, u.userNesting.numCPU())
	}

	field, err := set.Append()
	if err != nil {
		if errors.Is(err, tracectx.ErrNoMemory) {
			return fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		return err
	}
	name := mode.String()
	if set.Find(name) {
		set.Remove(field)
		return fmt.Errorf("%w: %s", ErrExist, name)
	}

	sets, err := newCaptureSets(cfg.numCPU)
	if err != nil {
		set.Remove(field)
		return err
	}
	fd := &fieldData{
		sets:  sets,
		mode:  mode,
		save:  save,
		guard: &u.userNesting,
		stats: make([]laneStats, cfg.numCPU),
	}

	field.Name = name
	field.Type = sequenceType()
	field.Measure = fd.measure
	field.Record = fd.record
	field.Destroy = destroy
	field.Priv = fd

	// Make the capture buffers visible to every CPU before the field shows up
	// on the emission path.
	set.Publish()

	log.Debugf("Attached %s context (%d CPUs, %d bytes of capture buffers per CPU)",
		name, cfg.numCPU, support.PerCPUCaptureBytes)
	return nil
}

// destroy releases the state of a field. The owner of the set guarantees that
// no record refers to the field anymore.
func destroy(f *tracectx.Field) {
	fd, ok := f.Priv.(*fieldData)
	if !ok || fd == nil {
		return
	}
	freeCaptureSets(fd.sets)
	fd.sets = nil
	f.Priv = nil
}
