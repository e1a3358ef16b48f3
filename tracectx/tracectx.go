// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracectx implements context sets: ordered lists of fields that are
// appended to every record of a channel, each field describing its own CTF
// type and providing the hooks that size and record it.
package tracectx // import "go.opentelemetry.io/ebpf-callstack/tracectx"

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

// DefaultLimit is the default maximum number of fields in a set.
const DefaultLimit = 64

// ErrNoMemory is returned when a set cannot grow any further.
var ErrNoMemory = errors.New("context set is full")

// MeasureFunc returns the number of bytes the field will occupy in the record
// when its first byte lands at offset (relative to the record start).
type MeasureFunc func(offset int, f *Field, ctx *ringbuffer.Context) int

// RecordFunc writes the field. It must write exactly the number of bytes the
// preceding MeasureFunc call for the same record returned.
type RecordFunc func(f *Field, ctx *ringbuffer.Context)

// Field is one context field.
type Field struct {
	Name    string
	Type    Type
	Measure MeasureFunc
	Record  RecordFunc
	Destroy func(f *Field)
	// Priv is the private state of the field owner.
	Priv any
}

// Set is an ordered list of fields.
//
// Fields are added and removed under the set lock, in a sleepable context.
// The emission path only sees the fields published by the last Publish call,
// through a lock-free snapshot.
type Set struct {
	mu     sync.Mutex
	fields []*Field
	limit  int

	live atomic.Pointer[[]*Field]
}

// NewSet creates an empty set that holds at most limit fields. A limit <= 0
// selects DefaultLimit.
func NewSet(limit int) *Set {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s := &Set{limit: limit}
	s.live.Store(&[]*Field{})
	return s
}

// Append adds a new, empty field at the end of the set.
func (s *Set) Append() (*Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fields) >= s.limit {
		return nil, ErrNoMemory
	}
	f := &Field{}
	s.fields = append(s.fields, f)
	return f, nil
}

// Find reports whether a field called name is in the set.
func (s *Set) Find(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.fields, func(f *Field) bool {
		return f.Name == name
	})
}

// Remove takes f out of the set without destroying it.
func (s *Set) Remove(f *Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = slices.DeleteFunc(s.fields, func(e *Field) bool {
		return e == f
	})
	s.publishLocked()
}

// Publish makes the current fields visible to the emission path. Everything
// written to the fields before Publish is visible to any goroutine that
// observes the new snapshot.
func (s *Set) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked()
}

func (s *Set) publishLocked() {
	snapshot := slices.Clone(s.fields)
	s.live.Store(&snapshot)
}

// Fields returns the published fields.
func (s *Set) Fields() []*Field {
	return *s.live.Load()
}

// Len returns the number of fields, published or not.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fields)
}

// Size returns the number of bytes fields occupy when the first one starts
// at offset. fields is a snapshot returned by Set.Fields; the same snapshot
// must be passed to Record for the same record.
func Size(fields []*Field, offset int, ctx *ringbuffer.Context) int {
	orig := offset
	for _, f := range fields {
		offset += f.Measure(offset, f, ctx)
	}
	return offset - orig
}

// Record writes fields, a snapshot previously sized by Size.
func Record(fields []*Field, ctx *ringbuffer.Context) {
	for _, f := range fields {
		f.Record(f, ctx)
	}
}

// Destroy removes all fields and runs their Destroy hooks. The caller must
// guarantee that no emission is using the set anymore.
func (s *Set) Destroy() {
	s.mu.Lock()
	fields := s.fields
	s.fields = nil
	s.live.Store(&[]*Field{})
	s.mu.Unlock()

	for _, f := range fields {
		if f.Destroy != nil {
			f.Destroy(f)
		}
	}
}
