// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
	"reflect"
	"runtime"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

type record struct {
	N      int64
	U      uint64
	F      float64
	B      bool
	S      string
	P      []byte
	Ns     []int64
	Fs     []float64
	Ss     []string
	Nested *Int64
}

func (r *record) MarshalWire(e *Encoder) {
	e.Varint(r.N)
	e.Uvarint(r.U)
	e.Float64(r.F)
	e.Bool(r.B)
	e.String(r.S)
	e.Bytes(r.P)
	e.Int64s(r.Ns)
	e.Float64s(r.Fs)
	e.Strings(r.Ss)
	if r.Nested == nil {
		e.Value(nil)
	} else {
		e.Value(r.Nested)
	}
}

func (r *record) UnmarshalWire(d *Decoder) {
	r.N = d.Varint()
	r.U = d.Uvarint()
	r.F = d.Float64()
	r.B = d.Bool()
	r.S = d.String()
	r.P = d.Bytes()
	r.Ns = d.Int64s()
	r.Fs = d.Float64s()
	r.Ss = d.Strings()
	if v := d.Value(); v != nil {
		r.Nested = v.(*Int64)
	}
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(new(record))
	reg.Freeze()
	return reg
}

func TestRoundTrip(t *testing.T) {
	reg := testRegistry()
	fz := fuzz.New()
	fz.NilChance(0.2)
	fz.NumElements(0, 50)
	for i := 0; i < 200; i++ {
		var r record
		fz.Fuzz(&r)
		// NaN never compares equal.
		if r.F != r.F {
			r.F = 0
		}
		for j := range r.Fs {
			if r.Fs[j] != r.Fs[j] {
				r.Fs[j] = 0
			}
		}
		p, err := Marshal(reg, &r)
		if err != nil {
			t.Fatal(err)
		}
		v, err := Unmarshal(reg, p)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := v.(*record), &r; !reflect.DeepEqual(got, want) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestNilAndEmpty(t *testing.T) {
	reg := testRegistry()
	for _, r := range []*record{
		{P: nil, Ns: nil, Ss: nil},
		{P: []byte{}, Ns: []int64{}, Ss: []string{}},
	} {
		p, err := Marshal(reg, r)
		if err != nil {
			t.Fatal(err)
		}
		v, err := Unmarshal(reg, p)
		if err != nil {
			t.Fatal(err)
		}
		got := v.(*record)
		if got, want := got.P == nil, r.P == nil; got != want {
			t.Errorf("bytes nil: got %v, want %v", got, want)
		}
		if got, want := got.Ns == nil, r.Ns == nil; got != want {
			t.Errorf("ints nil: got %v, want %v", got, want)
		}
		if got, want := got.Ss == nil, r.Ss == nil; got != want {
			t.Errorf("strings nil: got %v, want %v", got, want)
		}
	}
}

func TestUnregisteredTypeRejected(t *testing.T) {
	sender := testRegistry()
	receiver := NewRegistry()
	p, err := Marshal(sender, &record{N: 1})
	if err != nil {
		t.Fatal(err)
	}
	v, err := Unmarshal(receiver, p)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.NotAllowed, err) {
		t.Errorf("got %v, want NotAllowed", err)
	}
	if v != nil {
		t.Errorf("got %v, want nil", v)
	}
}

func TestTypeIDOutOfRange(t *testing.T) {
	reg := testRegistry()
	id, ok := reg.ID(new(Int64))
	if !ok {
		t.Fatal("Int64 not registered")
	}
	var buf bytes.Buffer
	enc := NewEncoder(reg, &buf)
	// The id aliases Int64 when truncated to 32 bits.
	enc.Uvarint(1<<32 + uint64(id))
	enc.Varint(123)
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}
	v, err := Unmarshal(reg, buf.Bytes())
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if v != nil {
		t.Errorf("got %v, want nil", v)
	}
}

func TestEncodeUnregistered(t *testing.T) {
	reg := NewRegistry()
	if _, err := Marshal(reg, &record{}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestTruncated(t *testing.T) {
	reg := testRegistry()
	p, err := Marshal(reg, &record{S: "hello, world", Ns: []int64{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	for n := 1; n < len(p); n++ {
		if _, err := Unmarshal(reg, p[:n]); err != io.ErrUnexpectedEOF {
			t.Errorf("truncated at %d: got %v, want %v", n, err, io.ErrUnexpectedEOF)
		}
	}
}

func TestCorruptLength(t *testing.T) {
	reg := testRegistry()
	var buf bytes.Buffer
	enc := NewEncoder(reg, &buf)
	// A length just under MaxLen, followed by a few bytes of data.
	enc.Uvarint(MaxLen)
	enc.Varint(1)
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	d := NewDecoder(reg, &buf)
	if p := d.Bytes(); p != nil {
		t.Errorf("got %d bytes, want nil", len(p))
	}
	runtime.ReadMemStats(&after)
	if err := d.Err(); err != io.ErrUnexpectedEOF {
		t.Errorf("got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if n := after.TotalAlloc - before.TotalAlloc; n > 1<<20 {
		t.Errorf("allocated %d bytes for a truncated value", n)
	}
}

func TestBufferTooLarge(t *testing.T) {
	reg := testRegistry()
	small := &record{S: "x"}
	if _, err := MarshalSmall(reg, small, 64); err != nil {
		t.Fatal(err)
	}
	big := &record{S: strings.Repeat("x", 10000)}
	if _, err := MarshalSmall(reg, big, 64); err != ErrTooLarge {
		t.Errorf("got %v, want %v", err, ErrTooLarge)
	}
	// The streaming path has no such limit.
	var buf bytes.Buffer
	enc := NewEncoder(reg, &buf)
	enc.Value(big)
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}
	v, err := Unmarshal(reg, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(v.(*record).S), 10000; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEnumRange(t *testing.T) {
	reg := NewRegistry()
	var buf bytes.Buffer
	enc := NewEncoder(reg, &buf)
	enc.Enum(2)
	enc.Enum(7)
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}
	d := NewDecoder(reg, &buf)
	if got, want := d.Enum(3), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d.Enum(3)
	if !errors.Is(errors.Invalid, d.Err()) {
		t.Errorf("got %v, want Invalid", d.Err())
	}
}

func TestChecksum(t *testing.T) {
	a, b := testRegistry(), testRegistry()
	if a.Checksum() != b.Checksum() {
		t.Error("identical registries have different checksums")
	}
	if a.Checksum() == NewRegistry().Checksum() {
		t.Error("different registries have equal checksums")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	reg := NewRegistry()
	reg.Register(new(Int64))
}

func TestWriteJSON(t *testing.T) {
	reg := testRegistry()
	var buf bytes.Buffer
	if err := WriteJSON(reg, &buf, &record{S: "abc"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"type": "*wire.record"`) {
		t.Errorf("unexpected rendering %s", buf.String())
	}
}
