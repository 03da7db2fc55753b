// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"testing"

	"github.com/grailbio/bigcloud/wire"
)

func TestCounters(t *testing.T) {
	m := NewMap()
	var (
		puts = m.Int("puts")
		_    = m.Int("gets")
	)
	if got, want := puts.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	puts.Add(10)
	puts.Inc()
	if got, want := m.Int("puts").Get(), int64(11); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	snap := m.Snapshot()
	snap.Merge(m.Snapshot())
	if got, want := len(snap), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap["puts"], int64(22); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap.String(), "gets:0 puts:22"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	var nilInt *Int
	nilInt.Inc()
	if got, want := nilInt.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestValuesWire(t *testing.T) {
	reg := wire.NewRegistry()
	reg.Register(new(Values))
	vals := Values{"a": 1, "b": -5, "c": 1 << 40}
	p, err := wire.Marshal(reg, &vals)
	if err != nil {
		t.Fatal(err)
	}
	v, err := wire.Unmarshal(reg, p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(*Values).String(), vals.String(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
