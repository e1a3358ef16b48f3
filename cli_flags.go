// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/ebpf-callstack/config"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

const (
	// Default values for CLI flags
	defaultArgContext         = config.ContextKernel
	defaultArgEvents          = 1000
	defaultArgMonitorInterval = 5 * time.Second
	defaultArgStacksCapacity  = 4096
	defaultArgTopStacks       = 10
)

// Help strings for command line arguments
var (
	configFileHelp = "Plain text file with one flag per line, like \"events 100\". " +
		"Command line flags and environment variables take precedence."
	ctfHelp = "Export the records of -output as a CTF trace into this directory: " +
		"the metadata and one data stream per CPU."
	contextHelp = fmt.Sprintf("Callstack context to attach: %s, %s or %s.",
		config.ContextKernel, config.ContextUser, config.ContextBoth)
	eventsHelp          = "Number of events emitted on every lane."
	pidHelp             = "Process whose threads the user callstack context unwinds."
	numCPUHelp          = "Number of lanes. Default is the number of possible CPUs."
	subbufSizeHelp      = "Size in bytes of the sub-buffer of every lane."
	stacksCapacityHelp  = "Maximum number of unique call stacks kept for the summary."
	topStacksHelp       = "Number of most frequent call stacks logged at exit."
	monitorIntervalHelp = "Set the monitor interval in seconds."
	outputHelp          = "Write the records to this file, zstd compressed."
	metadataHelp        = "Write the TSDL metadata of the trace to this file."
	verboseModeHelp     = "Enable verbose logging and debugging capabilities."
	versionHelp         = "Show version."
)

func parseArgs(args []string) (*config.Config, error) {
	var cfg config.Config

	fs := flag.NewFlagSet("callstack-tracer", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&cfg.ConfigFile, "config", "", configFileHelp)
	fs.StringVar(&cfg.Context, "context", defaultArgContext, contextHelp)
	fs.StringVar(&cfg.CTFDir, "ctf", "", ctfHelp)
	fs.IntVar(&cfg.Events, "events", defaultArgEvents, eventsHelp)
	fs.StringVar(&cfg.Metadata, "metadata", "", metadataHelp)
	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", defaultArgMonitorInterval,
		monitorIntervalHelp)
	fs.IntVar(&cfg.NumCPU, "num-cpu", 0, numCPUHelp)
	fs.StringVar(&cfg.Output, "output", "", outputHelp)
	fs.IntVar(&cfg.PID, "pid", 0, pidHelp)
	fs.UintVar(&cfg.StacksCapacity, "stacks-capacity", defaultArgStacksCapacity,
		stacksCapacityHelp)
	fs.IntVar(&cfg.SubbufSize, "subbuf-size", ringbuffer.DefaultSubbufSize, subbufSizeHelp)
	fs.IntVar(&cfg.TopStacks, "top", defaultArgTopStacks, topStacksHelp)

	fs.BoolVar(&cfg.Verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.Verbose, "verbose", false, verboseModeHelp)
	fs.BoolVar(&cfg.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	return &cfg, ff.Parse(fs, args,
		ff.WithEnvVarPrefix("CALLSTACK_TRACER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
