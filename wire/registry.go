// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

// A TypeID is the compact wire identifier of a registered type. The
// zero TypeID encodes a nil value.
type TypeID uint32

// A Value is a type that can be transmitted by an Encoder and
// reconstructed by a Decoder. Values are always registered and
// transmitted by pointer.
type Value interface {
	// MarshalWire writes the value's fields to the encoder. Errors are
	// recorded by the encoder.
	MarshalWire(e *Encoder)
	// UnmarshalWire reads the value's fields from the decoder, in the
	// same order they were written. Errors are recorded by the decoder.
	UnmarshalWire(d *Decoder)
}

// A Registry maps TypeIDs to concrete Value types and back. It is the
// allow-list for decoding: a Decoder constructs only types that are
// registered.
//
// Registration order determines type ids; every process of a cloud
// must therefore register the same types in the same order. This is
// checked at runtime by comparing registry checksums (see Checksum).
type Registry struct {
	mu     sync.RWMutex
	types  []reflect.Type
	ids    map[reflect.Type]TypeID
	frozen bool
}

// NewRegistry returns a registry that contains the package's builtin
// scalar types.
func NewRegistry() *Registry {
	r := &Registry{ids: make(map[reflect.Type]TypeID)}
	r.Register(new(Int64))
	r.Register(new(Float64))
	r.Register(new(String))
	r.Register(new(Bytes))
	r.Register(new(Int64s))
	return r
}

// Register adds the type of proto to the registry and returns its
// id. Proto must be a non-nil pointer. Register panics if the
// registry is frozen or the type is already registered: both are
// programming errors that would otherwise surface as mismatched
// type ids across processes.
func (r *Registry) Register(proto Value) TypeID {
	typ := reflect.TypeOf(proto)
	if typ == nil || typ.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("wire.Register: %T is not a pointer type", proto))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("wire.Register: registry frozen; cannot register %s", typ))
	}
	if _, ok := r.ids[typ]; ok {
		panic(fmt.Sprintf("wire.Register: type %s registered twice", typ))
	}
	r.types = append(r.types, typ)
	id := TypeID(len(r.types))
	r.ids[typ] = id
	return id
}

// Freeze prevents further registrations. Processes freeze their
// registry before they start communicating with peers.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// ID returns the id of the type of v.
func (r *Registry) ID(v Value) (TypeID, bool) {
	r.mu.RLock()
	id, ok := r.ids[reflect.TypeOf(v)]
	r.mu.RUnlock()
	return id, ok
}

// Name returns the Go type name registered under id, or the empty
// string if id is not registered.
func (r *Registry) Name(id TypeID) string {
	typ := r.lookup(id)
	if typ == nil {
		return ""
	}
	return typ.String()
}

// New returns a fresh zero value of the type registered under id.
// Ids that are not registered are rejected with an error of kind
// errors.NotAllowed; no value is constructed in this case.
func (r *Registry) New(id TypeID) (Value, error) {
	typ := r.lookup(id)
	if typ == nil {
		err := errors.E(errors.NotAllowed, fmt.Sprintf("wire: type id %d not registered", id))
		log.Error.Printf("rejecting wire value: %v", err)
		return nil, err
	}
	return reflect.New(typ.Elem()).Interface().(Value), nil
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Checksum returns a hash of the ordered set of registered type
// names. Two registries with equal checksums assign the same ids to
// the same types; it is used as the build identity exchanged in
// heartbeats.
func (r *Registry) Checksum() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := murmur3.New32()
	for _, typ := range r.types {
		h.Write([]byte(typ.String()))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

func (r *Registry) lookup(id TypeID) reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.types) {
		return nil
	}
	return r.types[id-1]
}
