// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cloud

import (
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
)

func members(n int) []Member {
	ms := make([]Member, n)
	for i := range ms {
		ms[i] = Member{Addr: fmt.Sprintf("node%d:5000", i)}
	}
	return ms
}

func TestOwnerDeterministic(t *testing.T) {
	ms := members(5)
	a := NewView(1, ms[0].Addr, ms...)
	b := NewView(1, ms[3].Addr, ms...)
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprint("key", i))
		oa, _ := a.Owner(key)
		ob, _ := b.Owner(key)
		if oa != ob {
			t.Fatalf("key %s: owners differ: %v, %v", key, oa, ob)
		}
	}
}

func TestOwnerStability(t *testing.T) {
	ms := members(6)
	before := NewView(1, ms[0].Addr, ms...)
	// Drop node3.
	after := NewView(2, ms[0].Addr, append(append([]Member(nil), ms[:3]...), ms[4:]...)...)
	var moved, owned int
	for i := 0; i < 5000; i++ {
		key := []byte(fmt.Sprint("key", i))
		ob, _ := before.Owner(key)
		oa, _ := after.Owner(key)
		if ob.Addr == ms[3].Addr {
			owned++
			continue
		}
		if ob != oa {
			moved++
		}
	}
	if moved != 0 {
		t.Errorf("%d keys not owned by the departed member moved", moved)
	}
	// Ownership should be roughly balanced.
	if owned < 5000/6/2 || owned > 5000/6*2 {
		t.Errorf("departed member owned %d of 5000 keys", owned)
	}
}

func TestClientsOwnNothing(t *testing.T) {
	ms := members(3)
	ms = append(ms, Member{Addr: "driver", Client: true})
	v := NewView(1, "driver", ms...)
	if got, want := len(v.Servers()), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := 0; i < 1000; i++ {
		o, ok := v.Owner([]byte(fmt.Sprint(i)))
		if !ok || o.Client {
			t.Fatalf("bad owner %v", o)
		}
	}
	if _, ok := NewView(1, "driver", Member{Addr: "driver", Client: true}).Owner([]byte("x")); ok {
		t.Error("client-only view has an owner")
	}
}

func TestRanked(t *testing.T) {
	ms := members(4)
	v := NewView(1, ms[0].Addr, ms...)
	key := []byte("abc")
	r := v.Ranked(key, 10)
	if got, want := len(r), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if o, _ := v.Owner(key); r[0] != o {
		t.Errorf("got %v, want %v", r[0], o)
	}
	seen := make(map[string]bool)
	for _, m := range r {
		if seen[m.Addr] {
			t.Errorf("duplicate %v", m)
		}
		seen[m.Addr] = true
	}
}

func TestRank(t *testing.T) {
	ms := members(3)
	v := NewView(1, ms[1].Addr, ms...)
	for i, m := range ms {
		if got, want := v.Rank(m.Addr), i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := v.Rank("nope"), -1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !v.IsSelf(ms[1].Addr) || v.IsSelf(ms[0].Addr) {
		t.Error("bad self")
	}
	if _, err := v.Rehome("nope"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	w, err := v.Rehome(ms[2].Addr)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := w.Identity(), v.Identity(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHeartbeatCheck(t *testing.T) {
	hb := &Heartbeat{Addr: "a", Cloud: 1, Build: 2, Boot: "x"}
	if err := hb.Check(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := hb.Check(1, 3); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if err := hb.Check(9, 2); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
