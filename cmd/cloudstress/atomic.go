// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

func atomic(c *bigcloud.Cloud, args []string) error {
	var (
		flags   = flag.NewFlagSet("atomic", flag.ExitOnError)
		nworker = flags.Int("nworker", 64, "number of concurrent updaters")
		nupdate = flags.Int("nupdate", 100, "number of updates per updater")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: cloudstress atomic [-nworker N] [-nupdate N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	// Updates are issued from every node of the process, so that
	// both local and remote commits contend.
	key := dkv.MustMake("cloudstress/counter")
	err := traverse.Each(*nworker, func(i int) error {
		store := c.Nodes[i%len(c.Nodes)].Store
		for j := 0; j < *nupdate; j++ {
			_, err := store.Atomic(ctx, key, func(old wire.Value) (wire.Value, error) {
				var n wire.Int64
				if old != nil {
					n = *old.(*wire.Int64)
				}
				n++
				return &n, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	obj, err := c.Driver().Store.Load(ctx, key)
	if err != nil {
		return err
	}
	if got, want := int(*obj.(*wire.Int64)), *nworker**nupdate; got != want {
		return fmt.Errorf("lost updates: got %d, want %d", got, want)
	}
	fmt.Println("ok")
	return c.Driver().Store.Remove(ctx, key)
}
