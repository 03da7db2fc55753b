// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/wire"
)

// A Value is the unit of storage: the encoded form of an object,
// stamped with the version under which its owner committed it. The
// encoded bytes are never exposed for mutation; Object decodes a
// private copy.
type Value struct {
	typ      wire.TypeID
	data     []byte
	version  uint64
	touched  int64
	replicas int
	resident bool

	// spilled is set when data has been written to the persistence
	// tier at path and released from memory.
	spilled bool
	path    string
}

func newValue(typ wire.TypeID, data []byte, version uint64, opts putOptions) *Value {
	v := &Value{
		typ:      typ,
		data:     data,
		version:  version,
		replicas: opts.replicas,
		resident: opts.resident,
	}
	v.touch()
	return v
}

func (v *Value) touch() {
	atomic.StoreInt64(&v.touched, time.Now().UnixNano())
}

// snapshot returns a copy of v, with the provided resident data,
// that is safe to hand to callers.
func (v *Value) snapshot(data []byte) *Value {
	return &Value{
		typ:      v.typ,
		data:     data,
		version:  v.version,
		touched:  atomic.LoadInt64(&v.touched),
		replicas: v.replicas,
		resident: v.resident,
	}
}

// Type returns the registered type id of the value's object.
func (v *Value) Type() wire.TypeID { return v.typ }

// Version returns the version under which the value was committed.
// Versions of a key increase with every committed put or remove.
func (v *Value) Version() uint64 { return v.version }

// Len returns the size of the value's encoding.
func (v *Value) Len() int { return len(v.data) }

// Touched returns the last time the value was accessed on this node.
func (v *Value) Touched() time.Time {
	return time.Unix(0, atomic.LoadInt64(&v.touched))
}

// Replicas returns the number of nodes the value is pushed to when
// committed.
func (v *Value) Replicas() int { return v.replicas }

// Bytes returns a copy of the value's encoding.
func (v *Value) Bytes() []byte {
	return append([]byte(nil), v.data...)
}

// Object decodes the value's object. Each call returns a fresh copy;
// mutations are not visible to others until the object is put again.
func (v *Value) Object(reg *wire.Registry) (wire.Value, error) {
	if v.spilled {
		return nil, errors.E(errors.Precondition, "dkv: value is not resident")
	}
	obj, err := wire.Unmarshal(reg, v.data)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("dkv: decode value of type %s", reg.Name(v.typ)), err)
	}
	return obj, nil
}

func (v *Value) String() string {
	return fmt.Sprintf("value(type=%d v%d %dB)", v.typ, v.version, len(v.data))
}

// tombstone is the sentinel returned by atomic update functions to
// remove a key.
type tombstone struct{}

func (*tombstone) MarshalWire(*wire.Encoder)   {}
func (*tombstone) UnmarshalWire(*wire.Decoder) {}

// Tombstone may be returned by an atomic update function to remove
// the key.
var Tombstone wire.Value = new(tombstone)

// PutOption configures a put.
type PutOption func(*putOptions)

type putOptions struct {
	replicas int
	resident bool
}

// Replicate requests that the value be pushed to n nodes in total
// (its owner included) when it is committed, so that it is cached
// close to its readers. Replicated copies are subject to invalidation
// like any other cached copy.
func Replicate(n int) PutOption {
	return func(o *putOptions) { o.replicas = n }
}

// KeepResident marks a value that must never be spilled to the
// persistence tier.
func KeepResident() PutOption {
	return func(o *putOptions) { o.resident = true }
}

func makePutOptions(kind Kind, opts []PutOption) putOptions {
	o := putOptions{replicas: 1}
	// Structural metadata stays in memory.
	if kind == System || kind == Job {
		o.resident = true
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.replicas < 1 {
		o.replicas = 1
	}
	return o
}
