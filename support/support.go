// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package support holds the limits and names shared by the capture context,
// the ring buffer and the trace reader.
package support // import "go.opentelemetry.io/ebpf-callstack/support"

import "unsafe"

const (
	// MaxDepth is the capacity of one capture slot, in machine words.
	MaxDepth = 128

	// MaxNesting is the maximum number of in-flight records per CPU. It
	// matches the ring buffer nesting limit (thread, softirq, irq, NMI).
	MaxNesting = 4

	// WordSize is the size of a machine word in bytes.
	WordSize = int(unsafe.Sizeof(uintptr(0)))

	// AlignOf32 is the alignment of a 32-bit unsigned integer.
	AlignOf32 = int(unsafe.Alignof(uint32(0)))

	// AlignOfWord is the alignment of a machine word.
	AlignOfWord = int(unsafe.Alignof(uintptr(0)))

	// MaxWord is the largest machine word. Backends use it to mark the natural
	// bottom of a stack, the capture context uses it to mark a truncated one.
	MaxWord = ^uintptr(0)
)

// Context field names and the unwinder entry points bound for them.
const (
	KernelStackName = "callstack_kernel"
	UserStackName   = "callstack_user"

	KernelSaveFunc = "save_stack_trace"
	UserSaveFunc   = "save_stack_trace_user"
)

// PerCPUCaptureBytes is the scratch memory one attached callstack field holds
// for every CPU.
const PerCPUCaptureBytes = MaxNesting * MaxDepth * WordSize
