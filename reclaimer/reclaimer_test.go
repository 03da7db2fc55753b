// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package reclaimer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/bigcloud/cloudtest"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

func TestCandidates(t *testing.T) {
	now := time.Now()
	q := newCandidates([]dkv.Resident{
		{Key: dkv.MustMake("b"), Touched: now.Add(2 * time.Second)},
		{Key: dkv.MustMake("c"), Touched: now.Add(3 * time.Second)},
		{Key: dkv.MustMake("a"), Touched: now.Add(time.Second)},
	})
	for _, want := range []string{"a", "b", "c"} {
		r, ok := q.pop()
		if !ok {
			t.Fatal("queue empty")
		}
		if got := r.Key.Name(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("excess resident")
	}
}

// residentBytes reports usage as the bytes resident in a store.
func residentBytes(s *dkv.Store) func() uint64 {
	return func() uint64 {
		var n uint64
		for _, r := range s.Residents() {
			n += uint64(r.Size)
		}
		return n
	}
}

func fill(t *testing.T, s *dkv.Store, n int) []dkv.Key {
	t.Helper()
	var keys []dkv.Key
	for i := 0; i < n; i++ {
		key := dkv.MustMake(fmt.Sprintf("value%d", i))
		b := make(wire.Bytes, 1000)
		if err := s.Put(context.Background(), key, &b); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
		time.Sleep(time.Millisecond)
	}
	return keys
}

func TestReclaim(t *testing.T) {
	c := cloudtest.New(t, 1, 0)
	ctx := context.Background()
	s := c.Stores[0]
	keys := fill(t, s, 20)
	meta := dkv.MakeSystem(dkv.System, "meta")
	b := make(wire.Bytes, 1000)
	if err := s.Put(ctx, meta, &b); err != nil {
		t.Fatal(err)
	}
	r := New(s, 6000, 10000, 50000, nil)
	r.Usage = residentBytes(s)
	r.GC = func() {}
	n, err := r.ReclaimOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("nothing reclaimed")
	}
	if usage := r.Usage(); usage > r.Lo {
		t.Errorf("usage %d above low watermark %d", usage, r.Lo)
	}
	// The oldest values were released first.
	resident := make(map[dkv.Key]bool)
	for _, res := range s.Residents() {
		resident[res.Key] = true
	}
	if resident[keys[0]] {
		t.Error("oldest value still resident")
	}
	if !resident[keys[len(keys)-1]] {
		t.Error("newest value released")
	}
	// Spilled values are reloaded on demand; structural metadata is
	// never spilled.
	for _, key := range append(keys, meta) {
		obj, err := s.Load(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(*obj.(*wire.Bytes)), 1000; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if c.Backends[0].Len() == 0 {
		t.Error("nothing written to the persistence tier")
	}
}

func TestBelowWatermark(t *testing.T) {
	c := cloudtest.New(t, 1, 0)
	s := c.Stores[0]
	fill(t, s, 5)
	r := New(s, 5000, 10000, 50000, nil)
	r.Usage = residentBytes(s)
	var gcs int
	r.GC = func() { gcs++ }
	n, err := r.ReclaimOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || gcs != 0 {
		t.Errorf("reclaimed %d values with %d collections below the watermark", n, gcs)
	}
}

func TestEmergency(t *testing.T) {
	c := cloudtest.New(t, 1, 0)
	s := c.Stores[0]
	fill(t, s, 20)
	r := New(s, 1000, 2000, 3000, nil)
	r.Usage = residentBytes(s)
	r.GC = func() {}
	n, err := r.ReclaimOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 20; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
