// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the small value types shared between the capture
// context, the ring buffer and the trace reader.
package libpf // import "go.opentelemetry.io/ebpf-callstack/libpf"

import "time"

// UnixTime32 is another type to represent seconds since epoch.
// In most cases 32bit time values are good enough until year 2106.
type UnixTime32 uint32

// NowAsUInt32 is a convenience function to avoid code repetition
func NowAsUInt32() uint32 {
	return uint32(time.Now().Unix())
}
