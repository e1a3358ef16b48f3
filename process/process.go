// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the task snapshots the user stack unwinder works
// on: the registers of a stopped thread and access to its address space.
package process // import "go.opentelemetry.io/ebpf-callstack/process"

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

// ErrUnsupported is returned where threads cannot be stopped and inspected.
var ErrUnsupported = errors.New("thread inspection not supported on this platform")

// Threads returns the thread ids of pid, main thread first.
func Threads(pid libpf.PID) ([]libpf.PID, error) {
	tidFiles, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}

	tids := make([]libpf.PID, 0, len(tidFiles))
	tids = append(tids, pid)
	for _, tidFile := range tidFiles {
		if !tidFile.IsDir() {
			continue
		}
		tid, err := strconv.ParseInt(tidFile.Name(), 10, 32)
		if err != nil {
			continue
		}
		// The main thread is handled separately above.
		if libpf.PID(tid) == pid {
			continue
		}
		tids = append(tids, libpf.PID(tid))
	}
	return tids, nil
}

// regsFromPRStatus extracts the unwinding registers from an NT_PRSTATUS
// register set, given the word indexes of the registers.
func regsFromPRStatus(prStatus []byte, pc, sp, fp int) ringbuffer.Regs {
	word := func(i int) uintptr {
		return uintptr(nativeUint64(prStatus[i*8:]))
	}
	return ringbuffer.Regs{
		PC: word(pc),
		SP: word(sp),
		FP: word(fp),
	}
}
