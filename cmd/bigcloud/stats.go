// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcloud"
	"github.com/grailbio/bigcloud/cloudconfig"
)

func statsCmd(args []string) {
	var (
		flags   = flag.NewFlagSet("bigcloud stats", flag.ExitOnError)
		servers = flags.Int("servers", 0, "override the configured number of servers")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bigcloud stats [-servers N]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))

	profile := config.New()
	if f, err := os.Open(cloudconfig.Path); err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	if *servers > 0 {
		must.Nil(profile.Set("bigcloud.servers", fmt.Sprint(*servers)))
	}
	var c *bigcloud.Cloud
	must.Nil(profile.Instance("bigcloud", &c))
	defer c.Shutdown()

	stats, err := c.Driver().CloudStats(context.Background())
	must.Nil(err)
	addrs := make([]string, 0, len(stats))
	for addr := range stats {
		if addr != "total" {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, addr := range append(addrs, "total") {
		fmt.Fprintf(tw, "%s\t%s\n", addr, stats[addr])
	}
	must.Nil(tw.Flush())
}
