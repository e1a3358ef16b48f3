// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information of the callstack tracer.
package vc // import "go.opentelemetry.io/ebpf-callstack/vc"

import "fmt"

// Set at link time with -ldflags "-X go.opentelemetry.io/ebpf-callstack/vc.version=...".
var (
	revision       = ""
	buildTimestamp = ""
	version        = ""
)

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Revision of the build.
func Revision() string {
	return orUnknown(revision)
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	return orUnknown(buildTimestamp)
}

// Version in vX.Y.Z{-N-abbrev} format, or "dev" for untagged builds.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}

// String describes the build in one line.
func String() string {
	return fmt.Sprintf("%s (revision %s, build timestamp %s)",
		Version(), Revision(), BuildTimestamp())
}
