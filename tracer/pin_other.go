//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/ebpf-callstack/tracer"

import (
	"fmt"
	"runtime"
)

func pinToCPU(_ int) error {
	return fmt.Errorf("unsupported os %s", runtime.GOOS)
}
