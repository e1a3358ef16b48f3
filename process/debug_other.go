//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/ebpf-callstack/process"

import (
	"encoding/binary"
	"os"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

func nativeUint64(p []byte) uint64 {
	return binary.NativeEndian.Uint64(p)
}

// Current returns the calling process as a task without a user address
// space.
func Current() ringbuffer.Task {
	pid := libpf.PID(os.Getpid())
	return ringbuffer.Task{PID: pid, TID: pid}
}

// WithStopped is not supported on this platform.
func WithStopped(_, _ libpf.PID, _ func(task *ringbuffer.Task) error) error {
	return ErrUnsupported
}
