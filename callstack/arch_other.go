//go:build !amd64 && !arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

const userStackSupported = false
