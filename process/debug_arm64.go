//go:build linux && arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/ebpf-callstack/process"

import (
	"debug/elf"
	"fmt"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

// Word indexes in struct user_pt_regs.
const (
	regX29 = 29
	regSP  = 31
	regPC  = 32
)

func threadRegs(tid int) (ringbuffer.Regs, error) {
	prStatus := make([]byte, 35*8)
	if err := ptraceGetRegset(tid, int(elf.NT_PRSTATUS), prStatus); err != nil {
		return ringbuffer.Regs{}, fmt.Errorf("failed to get LWP %d registers: %v", tid, err)
	}
	return regsFromPRStatus(prStatus, regPC, regSP, regX29), nil
}
