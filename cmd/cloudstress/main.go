// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Cloudstress is a binary used to test and stress multiple aspects of
// a bigcloud.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcloud/cloudconfig"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: cloudstress [-wait] test-name args...

Command cloudstress runs large-scale integration testing of various
bigcloud functionality. It's distributed as a separate binary as it
may launch external clusters, and may run for a long time.

Available tests are:

	reduce
		Large-scale testing of MapReduce.
	atomic
		Contended atomic updates of a single key.
	fill
		Fill the cloud's memory to exercise spilling and reloading.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	wait := flag.Bool("wait", false, "don't exit after completion")
	c := cloudconfig.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "reduce":
		err = reduce(c, args)
	case "atomic":
		err = atomic(c, args)
	case "fill":
		err = fill(c, args)
	}
	if stats, serr := c.Driver().CloudStats(context.Background()); serr == nil {
		log.Printf("counters: %s", stats["total"])
	}
	c.Shutdown()
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-make(chan struct{})
	}
	must.Nil(err, cmd)
}
