//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/ebpf-callstack/process"

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/remotememory"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

func nativeUint64(p []byte) uint64 {
	return binary.NativeEndian.Uint64(p)
}

// Current returns the calling thread as a task without a user address space.
// The result is only meaningful while the goroutine is locked to its thread.
func Current() ringbuffer.Task {
	return ringbuffer.Task{
		PID: libpf.PID(unix.Getpid()),
		TID: libpf.PID(unix.Gettid()),
	}
}

func ptraceGetRegset(tid, regset int, data []byte) error {
	iovec := unix.Iovec{Base: &data[0]}
	iovec.SetLen(len(data))
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), uintptr(regset), uintptr(unsafe.Pointer(&iovec)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace GETREGSET failed with errno %d", errno)
	}
	return nil
}

// WithStopped stops thread tid of process pid, takes a snapshot of it and
// calls fn with the snapshot while the thread is still stopped. The memory of
// the snapshot is only valid during fn.
//
// The calling goroutine is locked to its OS thread for the duration of the
// call, as ptrace requires every request to come from the attaching thread.
func WithStopped(pid, tid libpf.PID, fn func(task *ringbuffer.Task) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Per ptrace API, this sends a SIGSTOP to the thread. The stopping
	// happens asynchronously and needs to be waited for.
	if err := unix.PtraceAttach(int(tid)); err != nil {
		return fmt.Errorf("failed to attach to %d: %w", tid, err)
	}
	defer func() {
		if err := unix.PtraceDetach(int(tid)); err != nil {
			log.Debugf("Failed to detach from %d: %v", tid, err)
		}
	}()

	status := unix.WaitStatus(0)
	if _, err := unix.Wait4(int(tid), &status, unix.WALL, nil); err != nil {
		return fmt.Errorf("failed to wait for %d: %w", tid, err)
	}

	regs, err := threadRegs(int(tid))
	if err != nil {
		return err
	}
	return fn(&ringbuffer.Task{
		PID:    pid,
		TID:    tid,
		Regs:   regs,
		Memory: remotememory.NewProcessVirtualMemory(pid).ReaderAt,
	})
}
