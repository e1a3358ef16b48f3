// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/ebpf-callstack/callstack"
	"go.opentelemetry.io/ebpf-callstack/libpf"
	"go.opentelemetry.io/ebpf-callstack/metrics"
	"go.opentelemetry.io/ebpf-callstack/metrics/agentmetrics"
	"go.opentelemetry.io/ebpf-callstack/metrics/tracermetrics"
	"go.opentelemetry.io/ebpf-callstack/periodiccaller"
	"go.opentelemetry.io/ebpf-callstack/process"
	"go.opentelemetry.io/ebpf-callstack/reader"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/tracefile"
	"go.opentelemetry.io/ebpf-callstack/tracer"
	"go.opentelemetry.io/ebpf-callstack/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

// sampleEvent is the event every lane emits.
const sampleEvent = "callstack_sample"

// payloadSize is the size of the sequence number every record carries.
const payloadSize = 8

// drainEvery bounds the number of records a lane emits between drains.
const drainEvery = 64

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.String())
		return exitSuccess
	}

	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("Invalid configuration: %v", err)
	}
	ctxTypes, _ := cfg.ContextTypes()

	// Context to drive the lanes and the monitors.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	log.Infof("Starting callstack tracer %s", vc.String())

	trc, err := tracer.New(tracer.Config{
		NumCPU:     cfg.NumCPU,
		SubbufSize: cfg.SubbufSize,
	})
	if err != nil {
		return failure("Failed to create tracer: %v", err)
	}
	defer trc.Close()

	for _, typ := range ctxTypes {
		if err = callstack.Attach(trc.Contexts(), typ,
			callstack.WithNumCPU(trc.NumCPU())); err != nil {
			return failure("Failed to attach callstack context %d: %v (errno %d)",
				typ, err, callstack.Errno(err))
		}
	}
	log.Infof("Attached %s callstack context on %d CPUs", cfg.Context, trc.NumCPU())

	eventID, err := trc.RegisterEvent(sampleEvent)
	if err != nil {
		return failure("Failed to register event: %v", err)
	}

	traceID := uuid.New()
	if cfg.Metadata != "" {
		if err = writeMetadata(cfg.Metadata, traceID, trc, eventID); err != nil {
			return failure("Failed to write metadata: %v", err)
		}
	}

	var out *tracefile.Writer
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return failure("Failed to create output: %v", err)
		}
		defer f.Close()
		if out, err = tracefile.NewWriter(f, traceID); err != nil {
			return failure("Failed to start output: %v", err)
		}
		defer func() {
			if err := out.Close(); err != nil {
				log.Errorf("Failed to flush output: %v", err)
				return
			}
			log.Infof("Stored %d records of trace %s in %s",
				out.Records(), traceID, cfg.Output)
			if cfg.CTFDir == "" {
				return
			}
			if err := exportCTF(cfg.CTFDir, cfg.Output, traceID, trc, eventID); err != nil {
				log.Errorf("Failed to export CTF trace: %v", err)
			}
		}()
	}

	snk, err := newSink(reader.NewDecoder(trc.Contexts().Fields()),
		uint32(cfg.StacksCapacity), out)
	if err != nil {
		return failure("%v", err)
	}

	var threads *threadSet
	if cfg.PID != 0 {
		if threads, err = newThreadSet(libpf.PID(cfg.PID)); err != nil {
			return failure("Failed to list threads of %d: %v", cfg.PID, err)
		}
	}

	// Start agent specific metric retrieval and report them every second.
	agentMetricCancel, agentErr := agentmetrics.Start(mainCtx, 1*time.Second)
	if agentErr != nil {
		return failure("Error starting the agent specific metric collection: %v", agentErr)
	}
	defer agentMetricCancel()

	// SIGUSR1 reports the tracer metrics right away.
	monitorCtx, monitorCancel := context.WithCancel(mainCtx)
	trigger := make(chan struct{}, 1)
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, unix.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-usr1:
				select {
				case trigger <- struct{}{}:
				default:
				}
			case <-monitorCtx.Done():
				return
			}
		}
	}()
	collector := tracermetrics.NewCollector(trc)
	stopMonitor := periodiccaller.StartWithManualTrigger(monitorCtx, cfg.MonitorInterval,
		trigger, func(manual bool) {
			if manual {
				log.Info("Reporting metrics on request")
			}
			collector.Report()
			snk.report()
		})

	start := time.Now()
	err = trc.Run(mainCtx, func(ctx context.Context, lane *tracer.Lane) error {
		return runLane(ctx, lane, eventID, cfg.Events, threads, snk)
	})

	monitorCancel()
	stopMonitor()
	collector.Report()
	snk.report()
	metrics.Flush()

	if err != nil && !errors.Is(err, context.Canceled) {
		return failure("Emission failed: %v", err)
	}
	log.Infof("Emitted on %d lanes in %v: %d records decoded, %d unique stacks",
		trc.NumCPU(), time.Since(start), snk.records, snk.stacks.Len())

	for i, st := range snk.top(cfg.TopStacks) {
		log.Infof("#%d %s", i+1, formatStack(st))
	}

	log.Info("Exiting ...")
	return exitSuccess
}

func writeMetadata(path string, traceID uuid.UUID, trc *tracer.Tracer,
	eventID tracer.EventID) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tracefile.WriteMetadata(f, traceID, trc.Contexts(), []tracefile.Event{
		{ID: uint16(eventID), Name: sampleEvent, PayloadSize: payloadSize},
	})
}

// exportCTF turns the records stored in output into a CTF trace in dir.
func exportCTF(dir, output string, traceID uuid.UUID, trc *tracer.Tracer,
	eventID tracer.EventID) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeMetadata(filepath.Join(dir, "metadata"), traceID, trc, eventID); err != nil {
		return err
	}

	in, err := os.Open(output)
	if err != nil {
		return err
	}
	defer in.Close()
	r, err := tracefile.NewReader(in)
	if err != nil {
		return err
	}
	defer r.Close()

	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	n, err := tracefile.ExportCTF(r, func(cpu int) (io.Writer, error) {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("channel0_%d", cpu)))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	})
	if err != nil {
		return err
	}
	log.Infof("Exported %d records as CTF trace %s in %s", n, traceID, dir)
	return nil
}

// threadSet hands the threads of the unwound process to the lanes. A thread
// is stopped by at most one lane at a time.
type threadSet struct {
	pid   libpf.PID
	tids  []libpf.PID
	locks []sync.Mutex
}

func newThreadSet(pid libpf.PID) (*threadSet, error) {
	tids, err := process.Threads(pid)
	if err != nil {
		return nil, err
	}
	log.Debugf("Unwinding %d threads of %d", len(tids), pid)
	return &threadSet{pid: pid, tids: tids, locks: make([]sync.Mutex, len(tids))}, nil
}

// with calls fn with a snapshot of the thread assigned to slot.
func (ts *threadSet) with(slot int, fn func(task *ringbuffer.Task) error) error {
	i := slot % len(ts.tids)
	ts.locks[i].Lock()
	defer ts.locks[i].Unlock()
	return process.WithStopped(ts.pid, ts.tids[i], fn)
}

// runLane emits events records on lane, draining them into snk.
func runLane(ctx context.Context, lane *tracer.Lane, id tracer.EventID, events int,
	threads *threadSet, snk *sink) error {
	var payload [payloadSize]byte
	drain := func() error {
		return lane.Drain(func(record []byte) {
			snk.consume(lane.CPU, record)
		})
	}
	emit := func(task *ringbuffer.Task) error {
		err := lane.Emit(task, id, payload[:])
		if errors.Is(err, ringbuffer.ErrNoSpace) {
			// The record is counted as lost by the channel, make room for
			// the next ones.
			return drain()
		}
		return err
	}

	self := process.Current()
	for seq := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		binary.NativeEndian.PutUint64(payload[:], uint64(seq))

		var err error
		if threads != nil {
			err = threads.with(lane.CPU+seq, emit)
		} else {
			err = emit(&self)
		}
		if err != nil {
			return fmt.Errorf("lane %d: %w", lane.CPU, err)
		}
		if (seq+1)%drainEvery == 0 {
			if err = drain(); err != nil {
				return err
			}
		}
	}
	return drain()
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
