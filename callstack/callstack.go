// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package callstack implements the callstack context. The context can be
// added to any context set of a channel. It records either the kernel side or
// the user side call stack, up to a max depth, for every record emitted on the
// channel. The context is a CTF sequence of machine words, so it uses only
// the space required for the number of entries actually captured.
//
// Capture buffers are allocated per CPU up to the ring buffer nesting limit
// when the field is attached, which bounds the memory used:
//
//	size = cpus * nest * depth * word size
//
// Which is 4096 bytes per CPU on 64-bit hosts with a depth of 128. Nothing
// is allocated while tracing.
//
// Both unwinders rely on frame pointers. Code built without them produces
// short or empty call stacks, without error. Symbol resolution is left to the
// trace reader.
package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ebpf-callstack/support"
)

// Mode selects which call stack is captured.
type Mode int

const (
	// Kernel captures the stack of the emitting code.
	Kernel Mode = iota
	// User captures the stack of the traced task, as seen from the tracer.
	User

	nrModes
)

// Context type selectors accepted by Attach.
const (
	ContextKernel = 0
	ContextUser   = 1
)

// String returns the context field name of the mode.
func (m Mode) String() string {
	switch m {
	case Kernel:
		return support.KernelStackName
	case User:
		return support.UserStackName
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var (
	// ErrSymbolMissing is returned when the unwinder entry point of a mode
	// cannot be resolved.
	ErrSymbolMissing = errors.New("unwinder symbol lookup failed")

	// ErrNoMemory is returned when the field or its capture buffers cannot be
	// allocated.
	ErrNoMemory = errors.New("out of memory")

	// ErrExist is returned when the context set already has the field.
	ErrExist = errors.New("callstack context already exists")

	// ErrUnsupported is returned for unknown context types and for user
	// stacks on architectures without a user unwinder.
	ErrUnsupported = errors.New("unsupported callstack context type")
)

// Errno maps an Attach error to the negative errno value reported to the
// control interface.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoMemory):
		return -int(unix.ENOMEM)
	case errors.Is(err, ErrExist):
		return -int(unix.EEXIST)
	default:
		return -int(unix.EINVAL)
	}
}
