// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import "sync/atomic"

// nestingCounter counts the user stack captures in progress on one CPU.
type nestingCounter struct {
	n atomic.Int32
	_ [60]byte
}

// guard keeps user stack capture from capturing itself: reading user memory
// can fault, and the fault path can emit records carrying a user stack
// context too. Each counter is only modified by its own CPU.
type guard struct {
	counters []nestingCounter
}

func newGuard(numCPU int) guard {
	if numCPU < 0 {
		numCPU = 0
	}
	return guard{counters: make([]nestingCounter, numCPU)}
}

// active reports whether a user stack capture is in progress on cpu. CPUs
// without a counter never capture.
func (g *guard) active(cpu int) bool {
	if cpu < 0 || cpu >= len(g.counters) {
		return true
	}
	return g.counters[cpu].n.Load() >= 1
}

func (g *guard) enter(cpu int) {
	g.counters[cpu].n.Add(1)
}

func (g *guard) exit(cpu int) {
	g.counters[cpu].n.Add(-1)
}

func (g *guard) value(cpu int) int {
	if cpu < 0 || cpu >= len(g.counters) {
		return 0
	}
	return int(g.counters[cpu].n.Load())
}

func (g *guard) numCPU() int {
	return len(g.counters)
}
