// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reader // import "go.opentelemetry.io/ebpf-callstack/reader"

import (
	"encoding/binary"
	"slices"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// StackHash identifies a unique call stack of a given field.
type StackHash uint64

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (h StackHash) Hash32() uint32 {
	return uint32(h)
}

// HashStack hashes the frames of a call stack captured by field.
func HashStack(field string, frames []uint64, truncated bool) StackHash {
	h := xxh3.New()
	_, _ = h.WriteString(field)
	var buf [8]byte
	for _, f := range frames {
		binary.LittleEndian.PutUint64(buf[:], f)
		_, _ = h.Write(buf[:])
	}
	if truncated {
		_, _ = h.Write([]byte{1})
	}
	return StackHash(h.Sum64())
}

// Stack is a unique call stack and the number of records that carried it.
type Stack struct {
	Field     string
	Frames    []uint64
	Truncated bool
	Count     uint64
}

// Stacks counts the unique call stacks of decoded records. It keeps at most
// its capacity in stacks, evicting the least recently seen ones.
type Stacks struct {
	stacks  *lru.LRU[StackHash, *Stack]
	evicted uint64
}

// NewStacks creates a Stacks holding at most capacity call stacks.
func NewStacks(capacity uint32) (*Stacks, error) {
	s := &Stacks{}
	stacks, err := lru.New[StackHash, *Stack](capacity, StackHash.Hash32)
	if err != nil {
		return nil, err
	}
	stacks.SetOnEvict(func(StackHash, *Stack) {
		s.evicted++
	})
	s.stacks = stacks
	return s, nil
}

// Add counts the call stacks of every callstack field of rec. Empty call
// stacks are not counted.
func (s *Stacks) Add(rec *Record, fields ...string) {
	for _, name := range fields {
		v, ok := rec.Field(name)
		if !ok {
			continue
		}
		frames, truncated := v.Callstack()
		if len(frames) == 0 {
			continue
		}
		hash := HashStack(name, frames, truncated)
		if st, ok := s.stacks.Get(hash); ok {
			st.Count++
			continue
		}
		s.stacks.Add(hash, &Stack{
			Field:     name,
			Frames:    slices.Clone(frames),
			Truncated: truncated,
			Count:     1,
		})
	}
}

// Len returns the number of unique call stacks held.
func (s *Stacks) Len() int {
	return s.stacks.Len()
}

// Evicted returns the number of call stacks dropped for lack of capacity.
func (s *Stacks) Evicted() uint64 {
	return s.evicted
}

// Top returns the n most frequent call stacks, most frequent first.
func (s *Stacks) Top(n int) []*Stack {
	out := make([]*Stack, 0, s.stacks.Len())
	for _, k := range s.stacks.Keys() {
		if st, ok := s.stacks.Peek(k); ok {
			out = append(out, st)
		}
	}
	slices.SortStableFunc(out, func(a, b *Stack) int {
		switch {
		case a.Count > b.Count:
			return -1
		case a.Count < b.Count:
			return 1
		}
		return 0
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}
