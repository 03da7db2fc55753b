// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scope

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/cloudtest"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

func present(t *testing.T, c *cloudtest.Cloud, key dkv.Key) bool {
	t.Helper()
	var found bool
	for i, s := range c.Stores {
		v, err := s.Get(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && (v != nil) != found {
			t.Fatalf("%s: nodes disagree on presence", key)
		}
		found = v != nil
	}
	return found
}

func put(t *testing.T, sc *Scope, name string) dkv.Key {
	t.Helper()
	key := dkv.MustMake(name)
	v := wire.String(name)
	if err := sc.Put(context.Background(), key, &v); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestExit(t *testing.T) {
	c := cloudtest.New(t, 3, 0)
	ctx := context.Background()
	sc := New(c.Stores[1])
	sc.Enter()
	var keys []dkv.Key
	for i := 0; i < 10; i++ {
		keys = append(keys, put(t, sc, fmt.Sprintf("tmp%d", i)))
	}
	if err := sc.Exit(ctx, keys[3]); err != nil {
		t.Fatal(err)
	}
	for i, key := range keys {
		if got, want := present(t, c, key), i == 3; got != want {
			t.Errorf("%s: got %v, want %v", key, got, want)
		}
	}
	if got, want := sc.Depth(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := sc.Exit(ctx); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
}

func TestNested(t *testing.T) {
	c := cloudtest.New(t, 2, 0)
	ctx := context.Background()
	sc := New(c.Stores[0])
	sc.Enter()
	outer := put(t, sc, "outer")
	sc.Enter()
	inner := put(t, sc, "inner")
	if got, want := sc.Depth(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := sc.Exit(ctx); err != nil {
		t.Fatal(err)
	}
	if present(t, c, inner) {
		t.Error("inner key survived its frame")
	}
	if !present(t, c, outer) {
		t.Error("outer key removed by inner frame")
	}
	if err := sc.Exit(ctx); err != nil {
		t.Fatal(err)
	}
	if present(t, c, outer) {
		t.Error("outer key survived its frame")
	}
}

func TestProtect(t *testing.T) {
	c := cloudtest.New(t, 2, 0)
	ctx := context.Background()
	sc := New(c.Stores[1])
	result := dkv.MustMake("result")
	sc.Enter()
	sc.Protect(result)
	sc.Enter()
	sc.Enter()
	v := wire.Int64(1)
	if err := sc.Put(ctx, result, &v); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := sc.Exit(ctx); err != nil {
			t.Fatal(err)
		}
		if !present(t, c, result) {
			t.Fatalf("protected key removed by inner frame %d", i)
		}
	}
	if err := sc.Exit(ctx); err != nil {
		t.Fatal(err)
	}
	if present(t, c, result) {
		t.Error("protected key survived its protecting frame")
	}
}

func TestTrackOutsideFrame(t *testing.T) {
	c := cloudtest.New(t, 1, 0)
	sc := New(c.Stores[0])
	key := put(t, sc, "untracked")
	sc.Enter()
	if err := sc.Exit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !present(t, c, key) {
		t.Error("untracked key removed")
	}
}
