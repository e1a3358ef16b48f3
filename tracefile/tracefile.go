// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracefile stores drained records in a zstd compressed stream and
// exports them as a CTF trace: TSDL metadata and one data stream per CPU.
//
// The uncompressed stream is a header followed by the records:
//
//	magic "CSTK" | u32 version | 16 byte trace UUID
//	u32 cpu | record (sized by its own header)
//	...
//
// All integers are in host byte order, like the records themselves.
package tracefile // import "go.opentelemetry.io/ebpf-callstack/tracefile"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
)

const (
	magic   = "CSTK"
	version = 1
)

// ErrBadHeader is returned when a stream does not start with a valid header.
var ErrBadHeader = errors.New("not a callstack trace stream")

// Writer compresses records into an underlying writer. It is safe for use by
// several lanes.
type Writer struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	n   uint64
}

// NewWriter writes the stream header for trace id to w and returns a Writer
// appending records after it.
func NewWriter(w io.Writer, id uuid.UUID) (*Writer, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	var hdr [4 + 4 + 16]byte
	copy(hdr[:4], magic)
	binary.NativeEndian.PutUint32(hdr[4:8], version)
	copy(hdr[8:], id[:])
	if _, err := enc.Write(hdr[:]); err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// WriteRecord appends one record drained from cpu.
func (w *Writer) WriteRecord(cpu int, record []byte) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(cpu))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.enc.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.enc.Write(record); err != nil {
		return err
	}
	w.n++
	return nil
}

// Records returns the number of records written.
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Close flushes the compressed stream. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Close()
}

// Reader reads back a stream written by Writer.
type Reader struct {
	dec *zstd.Decoder
	r   *bufio.Reader
	id  uuid.UUID
	buf []byte
}

// NewReader reads the stream header from r.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	rd := &Reader{dec: dec, r: bufio.NewReader(dec)}

	var hdr [4 + 4 + 16]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		dec.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if string(hdr[:4]) != magic || binary.NativeEndian.Uint32(hdr[4:8]) != version {
		dec.Close()
		return nil, ErrBadHeader
	}
	copy(rd.id[:], hdr[8:])
	return rd, nil
}

// TraceID returns the trace UUID of the stream.
func (r *Reader) TraceID() uuid.UUID {
	return r.id
}

// Next returns the next record and the CPU it was drained from. The record
// is only valid until the next call. Next returns io.EOF at the end of the
// stream.
func (r *Reader) Next() (cpu int, record []byte, err error) {
	var cpuBuf [4]byte
	if _, err = io.ReadFull(r.r, cpuBuf[:]); err != nil {
		return 0, nil, err
	}
	var hdr [ringbuffer.HeaderSize]byte
	if _, err = io.ReadFull(r.r, hdr[:]); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}
	size := int(binary.NativeEndian.Uint32(hdr[0:4]))
	if size < ringbuffer.HeaderSize {
		return 0, nil, fmt.Errorf("invalid record size %d", size)
	}
	if cap(r.buf) < size {
		r.buf = make([]byte, size)
	}
	r.buf = r.buf[:size]
	copy(r.buf, hdr[:])
	if _, err = io.ReadFull(r.r, r.buf[ringbuffer.HeaderSize:]); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return int(binary.NativeEndian.Uint32(cpuBuf[:])), r.buf, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.dec.Close()
}
