// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcloud

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/mr"
	"github.com/grailbio/bigcloud/persist"
	"github.com/grailbio/bigcloud/wire"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil"
)

func TestBigmachine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c, err := StartBigmachine(ctx, testsystem.New(), 2, Name("bigmachine-test"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	if got, want := len(c.Servers()), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	driver := c.Driver()

	key := dkv.MustMake("key")
	v := wire.Int64(123)
	if err := driver.Store.Put(ctx, key, &v); err != nil {
		t.Fatal(err)
	}
	obj, err := driver.Store.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := *obj.(*wire.Int64), v; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	chunks, want := intChunks(10, 50)
	ds, err := mr.Create(ctx, driver.Store, "ints", chunks)
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Engine.Run(ctx, ds, new(testSum))
	if err != nil {
		t.Fatal(err)
	}
	if got := int64(*result.(*wire.Int64)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	stats, err := driver.CloudStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := stats["total"]["mr.maps"], int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineTypes(t *testing.T) {
	_, err := StartBigmachine(context.Background(), testsystem.New(), 1, Types(new(extra)))
	if !errors.Is(errors.NotSupported, err) {
		t.Errorf("expected not supported error, got %v", err)
	}
}

func TestBigmachineSpill(t *testing.T) {
	_, err := StartBigmachine(context.Background(), testsystem.New(), 1, Backend(persist.NewMemory()))
	if !errors.Is(errors.NotSupported, err) {
		t.Errorf("expected not supported error, got %v", err)
	}

	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	// Any allocation is above the trigger watermark, so the servers'
	// reclaimers spill every owned value.
	c, err := StartBigmachine(ctx, testsystem.New(), 2,
		Backend(&persist.File{Prefix: dir}), Watermarks(0, 1, 1<<62))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	store := c.Driver().Store
	for i := 0; i < 10; i++ {
		v := wire.Int64(i)
		if err := store.Put(ctx, dkv.MustMake(fmt.Sprint("spill", i)), &v); err != nil {
			t.Fatal(err)
		}
	}
	for {
		paths, err := filepath.Glob(filepath.Join(dir, "*", "spill", "*", "*"))
		if err != nil {
			t.Fatal(err)
		}
		if len(paths) > 0 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("no values were spilled to the configured prefix")
		case <-time.After(100 * time.Millisecond):
		}
	}
	obj, err := store.Load(ctx, dkv.MustMake("spill3"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := *obj.(*wire.Int64), wire.Int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
