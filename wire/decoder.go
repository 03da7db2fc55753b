// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/grailbio/base/errors"
)

// MaxLen bounds every length prefix accepted by a Decoder. Larger
// lengths indicate a corrupt or hostile stream.
const MaxLen = 1 << 30

type byteReader interface {
	io.Reader
	io.ByteReader
}

// A Decoder reads values in wire format. Like Encoder, it records
// the first error encountered; after an error all reads return zero
// values.
type Decoder struct {
	reg     *Registry
	r       byteReader
	err     error
	scratch [8]byte
}

// NewDecoder returns a decoder that reads from r and constructs
// structured values through reg.
func NewDecoder(reg *Registry, r io.Reader) *Decoder {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{reg: reg, r: br}
}

// Err returns the first error encountered by the decoder. Reaching
// the end of the input in the middle of a value is reported as
// io.ErrUnexpectedEOF.
func (d *Decoder) Err() error { return d.err }

// Registry returns the decoder's registry.
func (d *Decoder) Registry() *Registry { return d.reg }

func (d *Decoder) fail(err error) {
	if d.err != nil {
		return
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	d.err = err
}

// Uvarint reads an unsigned varint.
func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

// Varint reads a zig-zag encoded varint.
func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(d.r)
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

// Int reads an int.
func (d *Decoder) Int() int { return int(d.Varint()) }

// Enum reads an enumeration ordinal. Ordinals outside [0, n) are
// rejected.
func (d *Decoder) Enum(n int) int {
	v := d.Uvarint()
	if v >= uint64(n) {
		d.fail(errors.E(errors.Invalid, fmt.Sprintf("wire: enum ordinal %d out of range [0, %d)", v, n)))
		return 0
	}
	return int(v)
}

// Float64 reads a float64.
func (d *Decoder) Float64() float64 {
	if d.err != nil {
		return 0
	}
	if _, err := io.ReadFull(d.r, d.scratch[:8]); err != nil {
		d.fail(err)
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(d.scratch[:8]))
}

// Bool reads a bool.
func (d *Decoder) Bool() bool {
	if d.err != nil {
		return false
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return false
	}
	if b > 1 {
		d.fail(errors.E(errors.Invalid, fmt.Sprintf("wire: invalid bool byte %d", b)))
		return false
	}
	return b == 1
}

// length reads a length prefix, returning -1 for nil.
func (d *Decoder) length() int {
	n := d.Uvarint()
	if d.err != nil || n == 0 {
		return -1
	}
	if n-1 > MaxLen {
		d.fail(errors.E(errors.Invalid, fmt.Sprintf("wire: length %d exceeds maximum", n-1)))
		return -1
	}
	return int(n - 1)
}

// Bytes reads a length-prefixed byte slice.
func (d *Decoder) Bytes() []byte {
	n := d.length()
	if n < 0 {
		return nil
	}
	// Grow with the data actually read so a corrupt prefix cannot
	// force a large allocation.
	p := make([]byte, 0, capHint(n, bytesChunk))
	for len(p) < n {
		off := len(p)
		m := n - off
		if m > bytesChunk {
			m = bytesChunk
		}
		p = append(p, make([]byte, m)...)
		if _, err := io.ReadFull(d.r, p[off:]); err != nil {
			d.fail(err)
			return nil
		}
	}
	return p
}

// String reads a length-prefixed string.
func (d *Decoder) String() string {
	return string(d.Bytes())
}

// Int64s reads a length-prefixed slice of varints.
func (d *Decoder) Int64s() []int64 {
	n := d.length()
	if n < 0 {
		return nil
	}
	v := make([]int64, 0, capHint(n, 1024))
	for i := 0; i < n && d.err == nil; i++ {
		v = append(v, d.Varint())
	}
	return v
}

// Float64s reads a length-prefixed slice of float64s.
func (d *Decoder) Float64s() []float64 {
	n := d.length()
	if n < 0 {
		return nil
	}
	v := make([]float64, 0, capHint(n, 1024))
	for i := 0; i < n && d.err == nil; i++ {
		v = append(v, d.Float64())
	}
	return v
}

// Strings reads a length-prefixed slice of strings.
func (d *Decoder) Strings() []string {
	n := d.length()
	if n < 0 {
		return nil
	}
	v := make([]string, 0, capHint(n, 1024))
	for i := 0; i < n && d.err == nil; i++ {
		v = append(v, d.String())
	}
	return v
}

// Value reads a structured value written by Encoder.Value. Type ids
// that are not in the decoder's registry fail the decode with an
// error of kind errors.NotAllowed.
func (d *Decoder) Value() Value {
	u := d.Uvarint()
	if d.err != nil || u == 0 {
		return nil
	}
	if u > math.MaxUint32 {
		d.fail(errors.E(errors.Invalid, fmt.Sprintf("wire: type id %d out of range", u)))
		return nil
	}
	v, err := d.reg.New(TypeID(u))
	if err != nil {
		d.fail(err)
		return nil
	}
	v.UnmarshalWire(d)
	if d.err != nil {
		return nil
	}
	return v
}

// Values reads a length-prefixed slice of structured values.
func (d *Decoder) Values() []Value {
	n := d.length()
	if n < 0 {
		return nil
	}
	v := make([]Value, 0, capHint(n, 1024))
	for i := 0; i < n && d.err == nil; i++ {
		v = append(v, d.Value())
	}
	return v
}

// bytesChunk is the unit in which byte slices are read.
const bytesChunk = 64 << 10

// capHint limits preallocation to limit elements so that a corrupt
// length prefix cannot force a large allocation before any element
// is read.
func capHint(n, limit int) int {
	if n > limit {
		return limit
	}
	return n
}

// Unmarshal decodes a single structured value from p.
func Unmarshal(reg *Registry, p []byte) (Value, error) {
	d := NewDecoder(reg, bytes.NewReader(p))
	v := d.Value()
	return v, d.Err()
}
