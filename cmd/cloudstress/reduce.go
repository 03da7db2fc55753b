// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcloud"
	"github.com/grailbio/bigcloud/mr"
	"github.com/grailbio/bigcloud/wire"
)

func init() {
	bigcloud.Register(new(histogram), new(bins))
}

// Bins counts values by bin.
type bins wire.Int64s

func (b *bins) MarshalWire(e *wire.Encoder)   { e.Int64s(*b) }
func (b *bins) UnmarshalWire(d *wire.Decoder) { *b = d.Int64s() }

// Histogram counts the values of integer chunks into Nbin bins.
type histogram struct {
	Nbin int
}

func (h *histogram) MarshalWire(e *wire.Encoder)   { e.Int(h.Nbin) }
func (h *histogram) UnmarshalWire(d *wire.Decoder) { h.Nbin = d.Int() }

func (h *histogram) Map(ctx context.Context, chunk mr.Chunk) (wire.Value, error) {
	b := make(bins, h.Nbin)
	for _, v := range *chunk.Value.(*wire.Int64s) {
		b[int(v)%h.Nbin]++
	}
	return &b, nil
}

func (h *histogram) Reduce(a, b wire.Value) (wire.Value, error) {
	x, y := *a.(*bins), *b.(*bins)
	for i := range x {
		x[i] += y[i]
	}
	return &x, nil
}

func reduce(c *bigcloud.Cloud, args []string) error {
	var (
		flags  = flag.NewFlagSet("reduce", flag.ExitOnError)
		nchunk = flags.Int("nchunk", 256, "number of chunks")
		nvalue = flags.Int("nvalue", 1e5, "number of values per chunk")
		nbin   = flags.Int("nbin", 100, "number of histogram bins")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: cloudstress reduce [-nchunk N] [-nvalue N] [-nbin N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	var (
		chunks = make([]wire.Value, *nchunk)
		want   = make([]int64, *nbin)
	)
	for i := range chunks {
		vals := make(wire.Int64s, *nvalue)
		for j := range vals {
			vals[j] = rand.Int63n(1 << 20)
			want[int(vals[j])%*nbin]++
		}
		chunks[i] = &vals
	}
	driver := c.Driver()
	ds, err := mr.Create(ctx, driver.Store, "reduce", chunks)
	if err != nil {
		return err
	}
	defer ds.Remove(ctx, driver.Store)
	result, err := driver.Engine.Run(ctx, ds, &histogram{*nbin})
	if err != nil {
		return err
	}
	got := *result.(*bins)
	ok := true
	for i := range want {
		if got[i] != want[i] {
			log.Error.Printf("bin %d: got %d, want %d", i, got[i], want[i])
			ok = false
		}
	}
	if !ok {
		return errors.New("test errors")
	}
	fmt.Println("ok")
	return nil
}
