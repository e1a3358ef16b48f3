//go:build amd64 || arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

// userStackSupported is set where the frame record layout used by
// SaveUserStack matches the ABI.
const userStackSupported = true
