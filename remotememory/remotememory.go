// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory provides access to memory space of a process. The
// ReaderAt interface is used for the basic access. Callers on the emission
// path read into buffers they own and decode words with Word, so no read
// allocates.
package remotememory // import "go.opentelemetry.io/ebpf-callstack/remotememory"

import (
	"encoding/binary"
	"errors"
	"io"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/support"
)

var (
	// ErrShortRead is returned when fewer bytes than requested were mapped
	// in the target process.
	ErrShortRead = errors.New("short read from remote memory")
	// ErrUnsupported is returned by ProcessVirtualMemory on systems without
	// process_vm_readv.
	ErrUnsupported = errors.New("remote memory reads are unsupported on this os")
)

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Word decodes a native machine word from p.
func Word(p []byte) uintptr {
	if support.WordSize == 8 {
		return uintptr(binary.NativeEndian.Uint64(p))
	}
	return uintptr(binary.NativeEndian.Uint32(p))
}

// FaultNotifier calls Fault before every access to the wrapped memory. User
// memory access can fault, and the fault path can be traced itself: wrapping
// the reader lets callers observe (and emit events for) every such access.
type FaultNotifier struct {
	io.ReaderAt
	Fault func(addr libpf.Address)
}

func (fn FaultNotifier) ReadAt(p []byte, off int64) (int, error) {
	if fn.Fault != nil {
		fn.Fault(libpf.Address(off))
	}
	return fn.ReaderAt.ReadAt(p, off)
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
