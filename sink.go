// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ebpf-callstack/metrics"
	"go.opentelemetry.io/ebpf-callstack/reader"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracefile"
)

// sink consumes the records drained from all lanes: it counts their call
// stacks and optionally stores them in a trace file.
type sink struct {
	mu           sync.Mutex
	dec          *reader.Decoder
	stacks       *reader.Stacks
	out          *tracefile.Writer
	records      uint64
	decodeErrors uint64

	prevEvicted  uint64
	prevDecodeEr uint64
}

func newSink(dec *reader.Decoder, capacity uint32, out *tracefile.Writer) (*sink, error) {
	stacks, err := reader.NewStacks(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create stack cache: %w", err)
	}
	return &sink{dec: dec, stacks: stacks, out: out}, nil
}

// consume handles one drained record of cpu. record is only valid during the
// call.
func (s *sink) consume(cpu int, record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		if err := s.out.WriteRecord(cpu, record); err != nil {
			log.Errorf("Failed to store record of CPU %d: %v", cpu, err)
		}
	}
	rec, err := s.dec.Decode(record)
	if err != nil {
		s.decodeErrors++
		log.Debugf("Failed to decode record of CPU %d: %v", cpu, err)
		return
	}
	s.records++
	s.stacks.Add(&rec, support.KernelStackName, support.UserStackName)
}

// report hands the stack cache metrics to the metrics package.
func (s *sink) report() {
	s.mu.Lock()
	unique := s.stacks.Len()
	evicted := s.stacks.Evicted()
	decodeErrors := s.decodeErrors
	s.mu.Unlock()

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDStacksUnique, Value: metrics.MetricValue(unique)},
		{ID: metrics.IDStacksEvicted, Value: metrics.MetricValue(evicted - s.prevEvicted)},
		{ID: metrics.IDRecordsDecodeErrors,
			Value: metrics.MetricValue(decodeErrors - s.prevDecodeEr)},
	})
	s.prevEvicted = evicted
	s.prevDecodeEr = decodeErrors
}

// top returns the n most frequent call stacks.
func (s *sink) top(n int) []*reader.Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stacks.Top(n)
}

// symbolize formats a frame. Kernel frames are code addresses of this
// process and get resolved through the runtime.
func symbolize(field string, frame uint64) string {
	if field == support.KernelStackName {
		if fn := runtime.FuncForPC(uintptr(frame) - 1); fn != nil {
			file, line := fn.FileLine(uintptr(frame) - 1)
			return fmt.Sprintf("0x%x %s (%s:%d)", frame, fn.Name(), file, line)
		}
	}
	return fmt.Sprintf("0x%x", frame)
}

func formatStack(st *reader.Stack) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d records, %d frames", st.Field, st.Count, len(st.Frames))
	if st.Truncated {
		sb.WriteString(" (truncated)")
	}
	for _, f := range st.Frames {
		sb.WriteString("\n\t")
		sb.WriteString(symbolize(st.Field, f))
	}
	return sb.String()
}
