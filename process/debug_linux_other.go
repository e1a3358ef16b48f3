//go:build linux && !amd64 && !arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/ebpf-callstack/process"

import "go.opentelemetry.io/ebpf-callstack/ringbuffer"

func threadRegs(_ int) (ringbuffer.Regs, error) {
	return ringbuffer.Regs{}, ErrUnsupported
}
