// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lockable

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud/cloudtest"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

func TestWriteLockExclusive(t *testing.T) {
	c := cloudtest.New(t, 3, 0, Register)
	ctx := context.Background()
	key := c.KeyOwnedBy(t, 1, "lock")
	a, b := NewJob(), NewJob()
	l, err := WriteLock(ctx, c.Stores[0], key, a)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := l.Writer, a; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := WriteLock(ctx, c.Stores[2], key, b); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	if _, err := ReadLock(ctx, c.Stores[2], key, b); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	if err := Delete(ctx, c.Stores[2], key, b); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	// Relocking is idempotent.
	if _, err := WriteLock(ctx, c.Stores[1], key, a); err != nil {
		t.Error(err)
	}
	if err := Unlock(ctx, c.Stores[0], key, a); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteLock(ctx, c.Stores[2], key, b); err != nil {
		t.Fatal(err)
	}
}

func TestReadLocks(t *testing.T) {
	c := cloudtest.New(t, 2, 0, Register)
	ctx := context.Background()
	key := c.KeyOwnedBy(t, 0, "read")
	if _, err := ReadLock(ctx, c.Stores[1], key, "a"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
	if _, err := WriteLock(ctx, c.Stores[1], key, "w"); err != nil {
		t.Fatal(err)
	}
	if err := Unlock(ctx, c.Stores[1], key, "w"); err != nil {
		t.Fatal(err)
	}
	for _, job := range []string{"c", "a", "b"} {
		if _, err := ReadLock(ctx, c.Stores[1], key, job); err != nil {
			t.Fatal(err)
		}
	}
	l, err := Read(ctx, c.Stores[0], key)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(l.Readers), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !l.Reader("a") || !l.Reader("c") || l.Reader("w") {
		t.Errorf("bad readers %v", l.Readers)
	}
	if _, err := WriteLock(ctx, c.Stores[0], key, "w"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	if err := Delete(ctx, c.Stores[0], key, "a"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	for _, job := range []string{"a", "b", "c"} {
		if err := Unlock(ctx, c.Stores[0], key, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := Unlock(ctx, c.Stores[0], key, "a"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	if err := Delete(ctx, c.Stores[0], key, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(ctx, c.Stores[0], key); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestDowngradeNoUpgrade(t *testing.T) {
	c := cloudtest.New(t, 2, 0, Register)
	ctx := context.Background()
	key := c.KeyOwnedBy(t, 1, "downgrade")
	job := NewJob()
	if _, err := WriteLock(ctx, c.Stores[0], key, job); err != nil {
		t.Fatal(err)
	}
	payload := wire.Int64(42)
	if err := Update(ctx, c.Stores[0], key, job, &payload); err != nil {
		t.Fatal(err)
	}
	if err := Downgrade(ctx, c.Stores[0], key, job); err != nil {
		t.Fatal(err)
	}
	l, err := Read(ctx, c.Stores[1], key)
	if err != nil {
		t.Fatal(err)
	}
	if l.Writer != "" || !l.Reader(job) {
		t.Errorf("got %v", l)
	}
	if got, want := int64(*l.Payload.(*wire.Int64)), int64(42); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := WriteLock(ctx, c.Stores[0], key, job); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	if err := Update(ctx, c.Stores[0], key, job, &payload); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
	// Other readers may join a downgraded lock.
	if _, err := ReadLock(ctx, c.Stores[1], key, NewJob()); err != nil {
		t.Error(err)
	}
}

func TestWriteLockContention(t *testing.T) {
	const N = 20
	c := cloudtest.New(t, 3, 0, Register)
	ctx := context.Background()
	key := dkv.MustMake("contended")
	var winners int32
	err := traverse.Each(N, func(i int) error {
		_, err := WriteLock(ctx, c.Stores[i%3], key, NewJob())
		if err == nil {
			atomic.AddInt32(&winners, 1)
			return nil
		}
		if errors.Is(errors.Precondition, err) {
			return nil
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := winners, int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNotLockable(t *testing.T) {
	c := cloudtest.New(t, 1, 0, Register)
	ctx := context.Background()
	key := dkv.MustMake("plain")
	v := wire.Int64(1)
	if err := c.Stores[0].Put(ctx, key, &v); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteLock(ctx, c.Stores[0], key, "a"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
