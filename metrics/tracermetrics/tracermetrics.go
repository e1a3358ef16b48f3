// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracermetrics turns the cumulative counters of the ring buffer and
// of the callstack context fields into metric deltas.
package tracermetrics // import "go.opentelemetry.io/ebpf-callstack/metrics/tracermetrics"

import (
	"go.opentelemetry.io/ebpf-callstack/callstack"
	"go.opentelemetry.io/ebpf-callstack/metrics"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

// Source is what the collector reads counters from.
type Source interface {
	Channel() *ringbuffer.Channel
	Contexts() *tracectx.Set
}

// Collector remembers the previous counter values of a Source.
type Collector struct {
	src  Source
	prev metrics.Summary
}

// NewCollector creates a collector for src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, prev: metrics.Summary{}}
}

func (c *Collector) totals() metrics.Summary {
	sum := metrics.Summary{}
	ch := c.src.Channel()
	for cpu := range ch.NumCPU() {
		st := ch.Stats(cpu)
		sum[metrics.IDRecordsCommitted] += metrics.MetricValue(st.Committed)
		sum[metrics.IDRecordsLost] += metrics.MetricValue(st.Lost)
	}
	for _, f := range c.src.Contexts().Fields() {
		st, ok := callstack.FieldStats(f)
		if !ok {
			continue
		}
		sum[metrics.IDCallstackCaptured] += metrics.MetricValue(st.Captured)
		sum[metrics.IDCallstackTruncated] += metrics.MetricValue(st.Truncated)
		sum[metrics.IDCallstackEmpty] += metrics.MetricValue(st.Empty)
		sum[metrics.IDCallstackGuardSkipped] += metrics.MetricValue(st.GuardSkipped)
		sum[metrics.IDCallstackNestingSkipped] += metrics.MetricValue(st.NestingSkipped)
	}
	return sum
}

// Collect returns the counter increases since the previous call.
func (c *Collector) Collect() []metrics.Metric {
	now := c.totals()
	out := make([]metrics.Metric, 0, len(now))
	for id := metrics.MetricID(metrics.IDInvalid + 1); id < metrics.IDMax; id++ {
		v, ok := now[id]
		if !ok {
			continue
		}
		// A field detached since the last call lowers the totals.
		delta := max(v-c.prev[id], 0)
		out = append(out, metrics.Metric{ID: id, Value: delta})
	}
	c.prev = now
	return out
}

// Report hands the counter increases to the metrics package.
func (c *Collector) Report() {
	metrics.AddSlice(c.Collect())
}
