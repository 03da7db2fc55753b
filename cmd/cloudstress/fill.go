// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

// Fill puts values until the cloud holds more than it can keep in
// memory, and then reads them all back, so that spilled values are
// reloaded. Servers must be configured with reclaimer watermarks.
func fill(c *bigcloud.Cloud, args []string) error {
	var (
		fs   = newFlagSet("fill")
		n    = fs.Int("n", 1000, "number of values")
		size = fs.Int("size", 16<<20, "size of each value in bytes")
	)
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	store := c.Driver().Store
	scope := c.Driver().Scope()
	scope.Enter()
	log.Printf("filling the cloud with %s", data.Size(int64(*n) * int64(*size)))
	err := traverse.Limit(16).Each(*n, func(i int) error {
		p := bytes.Repeat([]byte{byte(i)}, *size)
		return scope.Put(ctx, dkv.MustMake(fmt.Sprintf("fill/%d", i)), (*wire.Bytes)(&p))
	})
	if err == nil {
		err = traverse.Limit(16).Each(*n, func(i int) error {
			obj, err := store.Load(ctx, dkv.MustMake(fmt.Sprintf("fill/%d", i)))
			if err != nil {
				return err
			}
			p := *obj.(*wire.Bytes)
			if len(p) != *size || p[0] != byte(i) || p[len(p)-1] != byte(i) {
				return fmt.Errorf("fill/%d: corrupted value", i)
			}
			return nil
		})
	}
	if xerr := scope.Exit(ctx); err == nil {
		err = xerr
	}
	if err == nil {
		fmt.Println("ok")
	}
	return err
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: cloudstress %s [flags]\n", name)
		fs.PrintDefaults()
		os.Exit(2)
	}
	return fs
}
