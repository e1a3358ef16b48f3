// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the callstack tracer.
package config // import "go.opentelemetry.io/ebpf-callstack/config"

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ebpf-callstack/callstack"
	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

// Context names accepted by the -context flag.
const (
	ContextKernel = "kernel"
	ContextUser   = "user"
	ContextBoth   = "both"
)

// Config is the configuration of the callstack tracer.
type Config struct {
	ConfigFile      string
	Context         string
	Events          int
	PID             int
	NumCPU          int
	SubbufSize      int
	StacksCapacity  uint
	TopStacks       int
	MonitorInterval time.Duration
	Output          string
	Metadata        string
	CTFDir          string
	Verbose         bool
	Version         bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// ContextTypes returns the callstack context types selected by Context, in
// attach order.
func (cfg *Config) ContextTypes() ([]int, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Context)) {
	case ContextKernel:
		return []int{callstack.ContextKernel}, nil
	case ContextUser:
		return []int{callstack.ContextUser}, nil
	case ContextBoth:
		return []int{callstack.ContextKernel, callstack.ContextUser}, nil
	}
	return nil, fmt.Errorf("unknown context %q, use one of %s, %s or %s",
		cfg.Context, ContextKernel, ContextUser, ContextBoth)
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	var errs []error
	types, err := cfg.ContextTypes()
	if err != nil {
		errs = append(errs, err)
	}
	if cfg.Events <= 0 {
		errs = append(errs, fmt.Errorf("invalid number of events per lane: %d", cfg.Events))
	}
	if cfg.PID < 0 {
		errs = append(errs, fmt.Errorf("invalid pid: %d", cfg.PID))
	}
	for _, typ := range types {
		if typ == callstack.ContextUser && cfg.PID == 0 {
			errs = append(errs, errors.New("the user context needs a -pid to unwind"))
		}
	}
	if cfg.NumCPU < 0 {
		errs = append(errs, fmt.Errorf("invalid number of CPUs: %d", cfg.NumCPU))
	}
	if cfg.SubbufSize < ringbuffer.HeaderSize {
		errs = append(errs, fmt.Errorf("sub-buffer size %d is too small", cfg.SubbufSize))
	}
	if cfg.StacksCapacity == 0 || cfg.StacksCapacity > 1<<24 {
		errs = append(errs, fmt.Errorf("invalid stack cache capacity: %d", cfg.StacksCapacity))
	}
	if cfg.CTFDir != "" && cfg.Output == "" {
		errs = append(errs, errors.New("the CTF export reads the records back from -output"))
	}
	if cfg.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid monitor interval: %v", cfg.MonitorInterval))
	}
	return errors.Join(errs...)
}
