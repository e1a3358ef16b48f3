//go:build linux && amd64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/ebpf-callstack/process"

import (
	"debug/elf"
	"fmt"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

// Word indexes in struct user_regs_struct.
const (
	regRBP = 4
	regRIP = 16
	regRSP = 19
)

func threadRegs(tid int) (ringbuffer.Regs, error) {
	prStatus := make([]byte, 28*8)
	if err := ptraceGetRegset(tid, int(elf.NT_PRSTATUS), prStatus); err != nil {
		return ringbuffer.Regs{}, fmt.Errorf("failed to get LWP %d registers: %v", tid, err)
	}
	return regsFromPRStatus(prStatus, regRIP, regRSP, regRBP), nil
}
