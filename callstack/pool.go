// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/ebpf-callstack/support"
)

// maxCPUs bounds the per-CPU allocation of one field.
const maxCPUs = 1 << 16

// captureSlot is the capture buffer of one nesting level of one CPU.
type captureSlot struct {
	trace   StackTrace
	entries [support.MaxDepth]uintptr
}

// cpuCaptureSet holds one capture slot per ring buffer nesting level.
type cpuCaptureSet struct {
	slots [support.MaxNesting]captureSlot

	// Keep the sets of neighboring CPUs on separate cache lines.
	_ [64]byte
}

// liveCaptureSets counts the per-CPU capture arrays currently allocated.
var liveCaptureSets atomic.Int64

// newCaptureSets allocates the capture sets of numCPU CPUs and wires every
// slot to its inline entry array.
func newCaptureSets(numCPU int) ([]cpuCaptureSet, error) {
	if numCPU <= 0 || numCPU > maxCPUs {
		return nil, fmt.Errorf("%w: capture buffers for %d CPUs", ErrNoMemory, numCPU)
	}
	sets := make([]cpuCaptureSet, numCPU)
	for cpu := range sets {
		for i := range sets[cpu].slots {
			slot := &sets[cpu].slots[i]
			slot.trace.Entries = slot.entries[:]
			slot.trace.MaxEntries = support.MaxDepth
		}
	}
	liveCaptureSets.Add(1)
	return sets, nil
}

// freeCaptureSets releases capture sets returned by newCaptureSets.
func freeCaptureSets(sets []cpuCaptureSet) {
	if sets != nil {
		liveCaptureSets.Add(-1)
	}
}

// slotFor returns the capture buffer of cpu at ring buffer nesting level
// nesting (1 for the outermost record), or nil if there is none.
func slotFor(sets []cpuCaptureSet, cpu, nesting int) *StackTrace {
	if cpu < 0 || cpu >= len(sets) {
		return nil
	}
	// The ring buffer checks the nesting limit already; check it again as a
	// safety net.
	depth := nesting - 1
	if depth < 0 || depth >= support.MaxNesting {
		return nil
	}
	return &sets[cpu].slots[depth].trace
}
