// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reader decodes the records of a channel back into their context
// fields and payload, using the CTF types declared by the fields.
package reader // import "go.opentelemetry.io/ebpf-callstack/reader"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

// ErrShortRecord is returned when a record ends before its fields do.
var ErrShortRecord = errors.New("short record")

// Value is the decoded value of one context field.
type Value struct {
	Name string
	// Integer holds the value of integer fields.
	Integer uint64
	// Sequence holds the elements of sequence fields.
	Sequence []uint64
}

// Callstack interprets a callstack sequence: a trailing max word on a full
// sequence marks a truncated stack.
func (v Value) Callstack() (frames []uint64, truncated bool) {
	n := len(v.Sequence)
	if n == support.MaxDepth+1 && v.Sequence[n-1] == uint64(support.MaxWord) {
		return v.Sequence[:n-1], true
	}
	return v.Sequence, false
}

// Record is a decoded record.
type Record struct {
	EventID uint16
	Size    int
	Context []Value
	Payload []byte
}

// Field returns the context value called name.
func (r *Record) Field(name string) (Value, bool) {
	for _, v := range r.Context {
		if v.Name == name {
			return v, true
		}
	}
	return Value{}, false
}

// Decoder decodes records whose context fields have the given layout.
type Decoder struct {
	fields []fieldLayout
	order  binary.ByteOrder
}

type fieldLayout struct {
	name string
	typ  tracectx.Type
}

// NewDecoder creates a decoder for the context fields, in record order.
func NewDecoder(fields []*tracectx.Field) *Decoder {
	d := &Decoder{order: binary.NativeEndian}
	for _, f := range fields {
		d.fields = append(d.fields, fieldLayout{name: f.Name, typ: f.Type})
	}
	return d
}

type cursor struct {
	buf []byte
	pos int
}

// align moves the cursor to the next multiple of bits. It fails when that
// is past the end of the buffer.
func (c *cursor) align(bits uint) error {
	if bits > 8 {
		c.pos += ringbuffer.Align(c.pos, int(bits/8))
	}
	if c.pos > len(c.buf) {
		return ErrShortRecord
	}
	return nil
}

// reverse returns the byte order opposite to order.
func reverse(order binary.ByteOrder) binary.ByteOrder {
	var b [2]byte
	order.PutUint16(b[:], 1)
	if b[0] == 1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (c *cursor) integer(it tracectx.IntegerType, order binary.ByteOrder) (uint64, error) {
	if err := c.align(it.Alignment); err != nil {
		return 0, err
	}
	size := int(it.Size / 8)
	if c.pos+size > len(c.buf) {
		return 0, ErrShortRecord
	}
	if it.ReverseByteOrder {
		order = reverse(order)
	}
	p := c.buf[c.pos : c.pos+size]
	c.pos += size
	switch size {
	case 1:
		return uint64(p[0]), nil
	case 2:
		return uint64(order.Uint16(p)), nil
	case 4:
		return uint64(order.Uint32(p)), nil
	case 8:
		return order.Uint64(p), nil
	}
	return 0, fmt.Errorf("unsupported integer size %d", it.Size)
}

// Decode parses one record as returned by ringbuffer.Channel.Drain. The
// returned payload aliases record.
func (d *Decoder) Decode(record []byte) (Record, error) {
	if len(record) < ringbuffer.HeaderSize {
		return Record{}, ErrShortRecord
	}
	order := d.order
	if order == nil {
		order = binary.NativeEndian
	}
	size := int(order.Uint32(record[0:4]))
	if size != len(record) {
		return Record{}, fmt.Errorf("record size %d does not match buffer size %d",
			size, len(record))
	}
	r := Record{
		EventID: order.Uint16(record[4:6]),
		Size:    size,
		Context: make([]Value, 0, len(d.fields)),
	}

	c := cursor{buf: record, pos: ringbuffer.HeaderSize}
	for _, f := range d.fields {
		v := Value{Name: f.name}
		switch f.typ.Kind {
		case tracectx.KindInteger:
			n, err := c.integer(f.typ.Integer, order)
			if err != nil {
				return Record{}, fmt.Errorf("field %s: %w", f.name, err)
			}
			v.Integer = n
		case tracectx.KindSequence:
			n, err := c.integer(f.typ.Sequence.Length, order)
			if err != nil {
				return Record{}, fmt.Errorf("field %s length: %w", f.name, err)
			}
			// The elements are aligned even when there are none.
			if err := c.align(f.typ.Sequence.Elem.Alignment); err != nil {
				return Record{}, fmt.Errorf("field %s: %w", f.name, err)
			}
			elemSize := int(f.typ.Sequence.Elem.Size / 8)
			if elemSize == 0 || uint64(len(record)-c.pos) < n*uint64(elemSize) {
				return Record{}, fmt.Errorf("field %s: %w", f.name, ErrShortRecord)
			}
			v.Sequence = make([]uint64, n)
			for i := range v.Sequence {
				if v.Sequence[i], err = c.integer(f.typ.Sequence.Elem, order); err != nil {
					return Record{}, fmt.Errorf("field %s: %w", f.name, err)
				}
			}
		default:
			return Record{}, fmt.Errorf("field %s: unknown type kind %d", f.name, f.typ.Kind)
		}
		r.Context = append(r.Context, v)
	}
	r.Payload = record[c.pos:]
	return r, nil
}
