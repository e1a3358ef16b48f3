// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracefile // import "go.opentelemetry.io/ebpf-callstack/tracefile"

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"go.opentelemetry.io/ebpf-callstack/ringbuffer"
	"go.opentelemetry.io/ebpf-callstack/support"
	"go.opentelemetry.io/ebpf-callstack/tracectx"
)

// Event is an event declaration of the metadata. PayloadSize is the number of
// opaque payload bytes following the context of its records.
type Event struct {
	ID          uint16
	Name        string
	PayloadSize int
}

func nativeBigEndian() bool {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	return b[0] == 0
}

// WriteMetadata writes the TSDL metadata of a trace: the trace UUID and byte
// order, the per-record header, the context fields of set and the events.
// It describes the data streams written by ExportCTF.
func WriteMetadata(w io.Writer, id uuid.UUID, set *tracectx.Set, events []Event) error {
	order := "le"
	if nativeBigEndian() {
		order = "be"
	}
	if _, err := fmt.Fprintf(w, "/* CTF 1.8 */\n\ntrace {\n"+
		"\tmajor = 1;\n\tminor = 8;\n\tuuid = \"%s\";\n\tbyte_order = %s;\n};\n\n",
		id, order); err != nil {
		return err
	}

	// Every record starts word aligned, its size excludes the padding.
	if _, err := fmt.Fprintf(w, "/* One data stream per CPU, records back to back. */\n"+
		"stream {\n\tevent.header := struct {\n"+
		"\t\tinteger { size = 32; align = 32; signed = 0; base = 10; } size;\n"+
		"\t\tinteger { size = 16; align = 16; signed = 0; base = 10; } id;\n"+
		"\t\tinteger { size = 16; align = 16; signed = 0; base = 10; } reserved;\n"+
		"\t} align(%d);\n\tevent.context := ", 8*support.AlignOfWord); err != nil {
		return err
	}
	if err := set.Metadata(w, nativeBigEndian()); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ";\n};\n"); err != nil {
		return err
	}

	for _, ev := range events {
		if _, err := fmt.Fprintf(w, "\nevent {\n\tname = \"%s\";\n\tid = %d;\n",
			ev.Name, ev.ID); err != nil {
			return err
		}
		if ev.PayloadSize > 0 {
			if _, err := fmt.Fprintf(w, "\tfields := struct {\n"+
				"\t\tinteger { size = 8; align = 8; signed = 0; base = 16; } _payload[%d];\n"+
				"\t};\n", ev.PayloadSize); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "};\n"); err != nil {
			return err
		}
	}
	return nil
}

// ExportCTF splits the records of r into one CTF data stream per CPU, laid
// out as WriteMetadata declares them. create is called once per CPU, on its
// first record. ExportCTF returns the number of records exported.
func ExportCTF(r *Reader, create func(cpu int) (io.Writer, error)) (uint64, error) {
	streams := make(map[int]*ctfStream)
	var n uint64
	for {
		cpu, record, err := r.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		s, ok := streams[cpu]
		if !ok {
			w, err := create(cpu)
			if err != nil {
				return n, err
			}
			s = &ctfStream{w: w}
			streams[cpu] = s
		}
		if err := s.write(record); err != nil {
			return n, fmt.Errorf("cpu %d: %w", cpu, err)
		}
		n++
	}
}

type ctfStream struct {
	w   io.Writer
	off int
}

// write pads the stream up to the alignment of the event header and appends
// record.
func (s *ctfStream) write(record []byte) error {
	var zero [support.WordSize]byte
	if pad := ringbuffer.Align(s.off, support.AlignOfWord); pad > 0 {
		if _, err := s.w.Write(zero[:pad]); err != nil {
			return err
		}
		s.off += pad
	}
	if _, err := s.w.Write(record); err != nil {
		return err
	}
	s.off += len(record)
	return nil
}
