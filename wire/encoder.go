// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the binary encoding used for every message
// exchanged between nodes and for every persisted value.
//
// Integers are written as (zig-zag) varints so that small messages
// stay small. Strings, byte slices and arrays carry an explicit
// length prefix so that decoding never needs to scan; the prefix is
// the length plus one, with zero reserved for nil. Structured values
// implement Value and are tagged with the TypeID assigned by a
// Registry, never with a type name.
//
// The same format is produced in two physical modes: into a Buffer
// of fixed capacity for small control messages, or incrementally into
// any io.Writer for bulk data that should not be materialized.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/grailbio/base/errors"
)

// ErrTooLarge is returned when an encoding does not fit in a Buffer.
var ErrTooLarge = errors.New("wire: message exceeds buffer capacity")

// An Encoder writes values in wire format to an underlying writer.
// Encoders record the first error encountered; subsequent writes are
// dropped. The error is returned by Err and Flush.
type Encoder struct {
	reg     *Registry
	w       *bufio.Writer
	err     error
	scratch [binary.MaxVarintLen64]byte
}

// NewEncoder returns an encoder that writes to w, resolving type ids
// through reg.
func NewEncoder(reg *Registry, w io.Writer) *Encoder {
	return &Encoder{reg: reg, w: bufio.NewWriter(w)}
}

// Err returns the first error encountered by the encoder.
func (e *Encoder) Err() error { return e.err }

// Flush writes any buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	e.err = e.w.Flush()
	return e.err
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

// Uvarint writes an unsigned varint.
func (e *Encoder) Uvarint(v uint64) {
	n := binary.PutUvarint(e.scratch[:], v)
	e.write(e.scratch[:n])
}

// Varint writes a signed, zig-zag encoded varint.
func (e *Encoder) Varint(v int64) {
	n := binary.PutVarint(e.scratch[:], v)
	e.write(e.scratch[:n])
}

// Int writes an int.
func (e *Encoder) Int(v int) { e.Varint(int64(v)) }

// Enum writes an enumeration ordinal.
func (e *Encoder) Enum(v int) { e.Uvarint(uint64(v)) }

// Float64 writes a float64 as 8 little-endian bytes.
func (e *Encoder) Float64(v float64) {
	binary.LittleEndian.PutUint64(e.scratch[:8], math.Float64bits(v))
	e.write(e.scratch[:8])
}

// Bool writes a bool as a single byte.
func (e *Encoder) Bool(v bool) {
	if v {
		e.scratch[0] = 1
	} else {
		e.scratch[0] = 0
	}
	e.write(e.scratch[:1])
}

func (e *Encoder) length(n int, isNil bool) {
	if isNil {
		e.Uvarint(0)
		return
	}
	e.Uvarint(uint64(n) + 1)
}

// String writes a length-prefixed string.
func (e *Encoder) String(s string) {
	e.length(len(s), false)
	if e.err == nil {
		_, e.err = e.w.WriteString(s)
	}
}

// Bytes writes a length-prefixed byte slice. Nil and empty slices
// are distinguished.
func (e *Encoder) Bytes(p []byte) {
	e.length(len(p), p == nil)
	e.write(p)
}

// Int64s writes a length-prefixed slice of varints.
func (e *Encoder) Int64s(v []int64) {
	e.length(len(v), v == nil)
	for _, x := range v {
		e.Varint(x)
	}
}

// Float64s writes a length-prefixed slice of float64s.
func (e *Encoder) Float64s(v []float64) {
	e.length(len(v), v == nil)
	for _, x := range v {
		e.Float64(x)
	}
}

// Strings writes a length-prefixed slice of strings.
func (e *Encoder) Strings(v []string) {
	e.length(len(v), v == nil)
	for _, x := range v {
		e.String(x)
	}
}

// Value writes a structured value tagged with its registered type
// id. A nil value is written as type id 0. Writing a value whose type
// is not registered is an error.
func (e *Encoder) Value(v Value) {
	if e.err != nil {
		return
	}
	if v == nil {
		e.Uvarint(0)
		return
	}
	id, ok := e.reg.ID(v)
	if !ok {
		e.err = errors.E(errors.Invalid, fmt.Sprintf("wire: type %T not registered", v))
		return
	}
	e.Uvarint(uint64(id))
	v.MarshalWire(e)
}

// Values writes a length-prefixed slice of structured values.
func (e *Encoder) Values(v []Value) {
	e.length(len(v), v == nil)
	for _, x := range v {
		e.Value(x)
	}
}

// A Buffer is a fixed-capacity in-memory destination for small
// messages. Writes that would exceed its capacity fail with
// ErrTooLarge, allowing callers to fall back to a streaming path.
type Buffer struct {
	buf []byte
	max int
}

// NewBuffer returns a buffer that holds at most max bytes.
func NewBuffer(max int) *Buffer {
	size := max
	if size > 4096 {
		size = 4096
	}
	return &Buffer{buf: make([]byte, 0, size), max: max}
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.buf)+len(p) > b.max {
		return 0, ErrTooLarge
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns the buffered bytes.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Marshal encodes v into a byte slice.
func Marshal(reg *Registry, v Value) ([]byte, error) {
	b := NewBuffer(math.MaxInt32)
	enc := NewEncoder(reg, b)
	enc.Value(v)
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// MarshalSmall encodes v into a buffer of at most max bytes. It
// returns ErrTooLarge if the encoding does not fit.
func MarshalSmall(reg *Registry, v Value, max int) ([]byte, error) {
	b := NewBuffer(max)
	enc := NewEncoder(reg, b)
	enc.Value(v)
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
