// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/ebpf-callstack/metrics"

// To add a new metric append an entry to metrics.json and a matching ID
// below. ONLY APPEND !
const (
	// Leave out the 0 value. It's an indication of not explicitly initialized variables.
	IDInvalid = 0

	// Absolute number of goroutines when the metric was collected.
	IDAgentGoRoutines = 1

	// Absolute number in bytes of allocated heap objects of the tracer.
	IDAgentHeapAlloc = 2

	// Difference to previous user CPU time of the tracer in Milliseconds.
	IDAgentUTime = 3

	// Difference to previous system CPU time of the tracer in Milliseconds.
	IDAgentSTime = 4

	// Number of records committed to the channel.
	IDRecordsCommitted = 5

	// Number of records lost for lack of sub-buffer space or nesting depth.
	IDRecordsLost = 6

	// Number of call stacks captured with at least one address.
	IDCallstackCaptured = 7

	// Number of captured call stacks that filled the capture buffer.
	IDCallstackTruncated = 8

	// Number of captures where the unwinder found no address.
	IDCallstackEmpty = 9

	// Number of user call stack captures skipped while another one was in
	// progress on the CPU.
	IDCallstackGuardSkipped = 10

	// Number of captures skipped because the nesting depth had no capture buffer.
	IDCallstackNestingSkipped = 11

	// Number of unique call stacks held by the reader.
	IDStacksUnique = 12

	// Number of unique call stacks evicted from the reader.
	IDStacksEvicted = 13

	// Number of records that failed to decode.
	IDRecordsDecodeErrors = 14

	// max number of ID values, keep this as *last entry*
	IDMax = 15
)
