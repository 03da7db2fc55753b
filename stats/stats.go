// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats maintains the activity counters of a node: store
// operations, cache behavior, remote calls and spills. Counters are
// grouped in a Map; snapshots of a map (Values) can be shipped between
// nodes and merged into cloud-wide totals.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/bigcloud/wire"
)

// Values is a point-in-time snapshot of a set of counters.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, n := range v {
		w[k] = n
	}
	return w
}

// Merge adds the counters in w to v.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

func (v Values) keys() []string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// String renders the snapshot as space-separated name:value pairs,
// sorted by name.
func (v Values) String() string {
	var b strings.Builder
	for i, key := range v.keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", key, v[key])
	}
	return b.String()
}

// MarshalWire encodes the snapshot in name order.
func (v *Values) MarshalWire(e *wire.Encoder) {
	keys := v.keys()
	e.Uvarint(uint64(len(keys)))
	for _, key := range keys {
		e.String(key)
		e.Varint((*v)[key])
	}
}

func (v *Values) UnmarshalWire(d *wire.Decoder) {
	n := int(d.Uvarint())
	if n > wire.MaxLen {
		n = 0
	}
	*v = make(Values)
	for i := 0; i < n && d.Err() == nil; i++ {
		key := d.String()
		(*v)[key] = d.Varint()
	}
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed. Callers typically look up their counters once and hold on
// to them.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// An Int is an integer counter that may be updated concurrently.
// A nil *Int discards updates and reads as zero, so that optional
// instrumentation need not be guarded.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v != nil {
		atomic.AddInt64(&v.val, delta)
	}
}

// Inc increments v by one.
func (v *Int) Inc() { v.Add(1) }

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v != nil {
		atomic.StoreInt64(&v.val, val)
	}
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
