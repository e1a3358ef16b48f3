// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracectx // import "go.opentelemetry.io/ebpf-callstack/tracectx"

import (
	"fmt"
	"io"
	"strings"
)

// Encoding is the text encoding of an integer field.
type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingUTF8
	EncodingASCII
)

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingUTF8:
		return "UTF8"
	case EncodingASCII:
		return "ASCII"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// Kind selects the variant of a Type.
type Kind uint8

const (
	KindInteger Kind = iota
	KindSequence
)

// IntegerType describes a CTF integer. Size and Alignment are in bits.
type IntegerType struct {
	Size             uint
	Alignment        uint
	Signed           bool
	ReverseByteOrder bool
	Base             uint
	Encoding         Encoding
}

// SequenceType describes a CTF sequence: a Length integer followed by that
// many Elem integers.
type SequenceType struct {
	Length IntegerType
	Elem   IntegerType
}

// Type is the CTF type of a field.
type Type struct {
	Kind     Kind
	Integer  IntegerType
	Sequence SequenceType
}

// writeInteger renders the TSDL declaration of an integer type.
func writeInteger(b *strings.Builder, it IntegerType, nativeBigEndian bool) {
	signed := 0
	if it.Signed {
		signed = 1
	}
	fmt.Fprintf(b, "integer { size = %d; align = %d; signed = %d; encoding = %s; base = %d;",
		it.Size, it.Alignment, signed, it.Encoding, it.Base)
	if it.ReverseByteOrder {
		order := "be"
		if nativeBigEndian {
			order = "le"
		}
		fmt.Fprintf(b, " byte_order = %s;", order)
	}
	b.WriteString(" }")
}

// Metadata writes the TSDL struct declaration describing the published
// fields, in record order, as a trace reader needs it to decode the context.
func (s *Set) Metadata(w io.Writer, nativeBigEndian bool) error {
	var b strings.Builder
	b.WriteString("struct {\n")
	for _, f := range s.Fields() {
		b.WriteString("\t\t")
		switch f.Type.Kind {
		case KindInteger:
			writeInteger(&b, f.Type.Integer, nativeBigEndian)
			fmt.Fprintf(&b, " _%s;\n", f.Name)
		case KindSequence:
			writeInteger(&b, f.Type.Sequence.Length, nativeBigEndian)
			fmt.Fprintf(&b, " __%s_length;\n\t\t", f.Name)
			writeInteger(&b, f.Type.Sequence.Elem, nativeBigEndian)
			fmt.Fprintf(&b, " _%s[ __%s_length ];\n", f.Name, f.Name)
		default:
			return fmt.Errorf("field %s: unknown type kind %d", f.Name, f.Type.Kind)
		}
	}
	b.WriteString("\t}")
	_, err := io.WriteString(w, b.String())
	return err
}
