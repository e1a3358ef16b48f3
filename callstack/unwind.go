// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import (
	"runtime"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/remotememory"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
)

// terminate appends the bottom-of-stack marker if there is room left.
func terminate(trace *StackTrace) {
	if trace.Len < trace.MaxEntries {
		trace.Entries[trace.Len] = support.MaxWord
		trace.Len++
	}
}

// SaveKernelStack saves the call stack of the calling goroutine: the tracer
// side of the emission, starting at the caller of the unwinder.
func SaveKernelStack(_ *ringbuffer.Task, trace *StackTrace) {
	if trace.Len >= trace.MaxEntries {
		return
	}
	// Skip runtime.Callers and SaveKernelStack.
	trace.Len += runtime.Callers(2, trace.Entries[trace.Len:trace.MaxEntries])
	terminate(trace)
}

// SaveUserStack saves the call stack of the traced task by following the
// frame pointer chain through the task's memory, starting at its registers.
// A task without registers or without memory yields no entries.
func SaveUserStack(task *ringbuffer.Task, trace *StackTrace) {
	if task == nil || task.Memory == nil || task.Regs.PC == 0 ||
		trace.Len >= trace.MaxEntries {
		return
	}
	mem := remotememory.RemoteMemory{ReaderAt: task.Memory}
	frame := trace.frame[:2*support.WordSize]

	trace.Entries[trace.Len] = task.Regs.PC
	trace.Len++

	fp := task.Regs.FP
	for trace.Len < trace.MaxEntries {
		// A frame record lives above the stack pointer, word aligned.
		if fp == 0 || fp&uintptr(support.AlignOfWord-1) != 0 || fp < task.Regs.SP {
			break
		}
		if err := mem.Read(libpf.Address(fp), frame); err != nil {
			break
		}
		next := remotememory.Word(frame)
		ret := remotememory.Word(frame[support.WordSize:])
		if ret == 0 {
			break
		}
		trace.Entries[trace.Len] = ret
		trace.Len++
		// The stack grows down: outer frames are at higher addresses.
		if next <= fp {
			break
		}
		fp = next
	}
	terminate(trace)
}
