// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics contains the code for receiving and reporting tracer metrics.

Metric providers hand id/value pairs to Add and AddSlice. The values are
buffered per second and forwarded to the OpenTelemetry instruments declared
in metrics.json, and to an optional Reporter.

The directory structure looks like

	metrics
	├── agentmetrics/   // resource usage of the tracer process
	├── tracermetrics/  // ring buffer and callstack capture counters
	├── doc.go          // this file
	├── ids.go          // metric ids, matching metrics.json
	├── metrics.go      // implement Add() and AddSlice()
	├── metrics.json    // metric definitions
	└── types.go        // definitions of Metric, MetricID, MetricValue
*/
package metrics // import "go.opentelemetry.io/ebpf-callstack/metrics"
