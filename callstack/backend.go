// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callstack // import "go.opentelemetry.io/ebpf-callstack/callstack"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
)

// ErrNoSymbol is returned by a SymbolLookup for names it does not know.
var ErrNoSymbol = errors.New("symbol not found")

// StackTrace is the buffer an unwinder fills.
type StackTrace struct {
	// Len is the number of valid entries.
	Len int
	// MaxEntries is the capacity of Entries.
	MaxEntries int
	// Entries holds the return addresses, innermost first.
	Entries []uintptr

	// frame is scratch space for reading one frame record of user memory.
	frame [16]byte
}

// SaveFunc is an unwinder entry point. It appends up to MaxEntries-Len
// addresses of the call stack of task to trace. If the bottom of the stack is
// reached with room left, it appends support.MaxWord as a terminator.
type SaveFunc func(task *ringbuffer.Task, trace *StackTrace)

// SymbolLookup resolves unwinder entry points by name.
type SymbolLookup interface {
	LookupFunc(name string) (SaveFunc, error)
}

// BuiltinLookup resolves the unwinders implemented in this package.
type BuiltinLookup struct{}

func (BuiltinLookup) LookupFunc(name string) (SaveFunc, error) {
	switch name {
	case support.KernelSaveFunc:
		return SaveKernelStack, nil
	case support.UserSaveFunc:
		return SaveUserStack, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// Symbols is a SymbolLookup backed by a fixed table.
type Symbols map[string]SaveFunc

func (s Symbols) LookupFunc(name string) (SaveFunc, error) {
	if fn, ok := s[name]; ok && fn != nil {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// unwinderType describes the unwinder of one mode.
type unwinderType struct {
	saveFuncName string
	// saveFunc is set once by bind and never changes afterwards.
	saveFunc atomic.Pointer[SaveFunc]
}

// Unwinders binds the unwinder entry points of every mode, once, and owns
// the per-CPU user unwinding nesting counters shared by all user stack
// fields attached through it.
type Unwinders struct {
	lookup SymbolLookup
	mu     sync.Mutex
	types  [nrModes]unwinderType

	userNesting guard
}

// NewUnwinders returns unwinders resolved through lookup, with user nesting
// counters for numCPU CPUs.
func NewUnwinders(lookup SymbolLookup, numCPU int) *Unwinders {
	u := &Unwinders{
		lookup:      lookup,
		userNesting: newGuard(numCPU),
	}
	u.types[Kernel].saveFuncName = support.KernelSaveFunc
	u.types[User].saveFuncName = support.UserSaveFunc
	return u
}

// defaultUnwinders is the process-wide binding used when Attach is not given
// one. It lives for the whole process.
var defaultUnwinders = sync.OnceValue(func() *Unwinders {
	return NewUnwinders(BuiltinLookup{}, ringbuffer.PossibleCPUs())
})

// DefaultUnwinders returns the process-wide unwinders.
func DefaultUnwinders() *Unwinders {
	return defaultUnwinders()
}

// bind resolves the unwinder of mode. Once resolved, later calls return the
// same function without consulting the lookup again.
func (u *Unwinders) bind(mode Mode) (SaveFunc, error) {
	t := &u.types[mode]
	if fn := t.saveFunc.Load(); fn != nil {
		return *fn, nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if fn := t.saveFunc.Load(); fn != nil {
		return *fn, nil
	}
	fn, err := u.lookup.LookupFunc(t.saveFuncName)
	if err != nil || fn == nil {
		log.Warnf("Symbol lookup failed: %s: %v", t.saveFuncName, err)
		return nil, fmt.Errorf("%w: %s", ErrSymbolMissing, t.saveFuncName)
	}
	t.saveFunc.Store(&fn)
	return fn, nil
}

// Bound reports whether the unwinder of mode has been resolved.
func (u *Unwinders) Bound(mode Mode) bool {
	return u.types[mode].saveFunc.Load() != nil
}

// UserNesting returns the user unwinding nesting counter of cpu.
func (u *Unwinders) UserNesting(cpu int) int {
	return u.userNesting.value(cpu)
}
