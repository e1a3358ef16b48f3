//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/ebpf-callstack/remotememory"

import (
	"golang.org/x/sys/unix"
)

// ReadAt reads from the target process with process_vm_readv. Failures
// return the bare errno or ErrShortRead and do not allocate.
func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := [1]unix.Iovec{{Base: &p[0]}}
	localIov[0].SetLen(numBytesWanted)
	remoteIov := [1]unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov[:], remoteIov[:], 0)
	if err != nil {
		return numBytesRead, err
	}
	if numBytesRead != numBytesWanted {
		return numBytesRead, ErrShortRead
	}
	return numBytesRead, nil
}
