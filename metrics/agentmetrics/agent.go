// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics implements the fetching and reporting of the resource
// usage of the tracer process.
package agentmetrics // import "go.opentelemetry.io/ebpf-callstack/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ebpf-callstack/metrics"
	"go.opentelemetry.io/ebpf-callstack/periodiccaller"
)

// rusageTimes holds the CPU times of the previous collection.
type rusageTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now - prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := int64(now.Sec-prev.Sec) * 1000
	usecDelta := int64(now.Usec-prev.Usec) / 1000
	return secDelta + usecDelta
}

func (r *rusageTimes) collect() []metrics.Metric {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	out := []metrics.Metric{
		{ID: metrics.IDAgentGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDAgentHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
	}

	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch Rusage: %v", err)
		return out
	}
	out = append(out,
		metrics.Metric{ID: metrics.IDAgentUTime,
			Value: metrics.MetricValue(timeDelta(rusage.Utime, r.utime))},
		metrics.Metric{ID: metrics.IDAgentSTime,
			Value: metrics.MetricValue(timeDelta(rusage.Stime, r.stime))},
	)
	r.utime = rusage.Utime
	r.stime = rusage.Stime
	return out
}

// Start starts the periodic collection of the tracer resource usage. The
// returned function stops it.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, err
	}
	prev := rusageTimes{utime: rusage.Utime, stime: rusage.Stime}

	ctx, cancel := context.WithCancel(ctx)
	stop := periodiccaller.Start(ctx, interval, func() {
		metrics.AddSlice(prev.collect())
	})
	return func() {
		cancel()
		stop()
	}, nil
}
