// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcloud

import (
	"context"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigcloud/persist"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigcloud", func(constr *config.Constructor) {
		var (
			name        string
			servers     int
			parallelism int
			spill       string
			lo, mid, hi int
			system      bigmachine.System
		)
		constr.StringVar(&name, "name", DefaultName, "the name of the cloud")
		constr.IntVar(&servers, "servers", 4, "the number of servers in the cloud")
		constr.IntVar(&parallelism, "parallelism", 0, "the number of maps run concurrently by each server")
		constr.StringVar(&spill, "spill", "", "a path prefix, such as s3://bucket/spill, to which servers spill values")
		constr.IntVar(&lo, "lo", 0, "the memory reclaimer's low watermark, in bytes")
		constr.IntVar(&mid, "mid", 0, "the memory reclaimer's trigger watermark, in bytes; zero disables reclamation")
		constr.IntVar(&hi, "hi", 0, "the memory reclaimer's emergency watermark, in bytes")
		constr.InstanceVar(&system, "system", "", "the bigmachine system on which servers are run; empty for a local cloud")
		constr.Doc = "bigcloud configures a cloud of key-value and MapReduce servers"
		constr.New = func() (interface{}, error) {
			opts := []Option{Name(name)}
			if parallelism > 0 {
				opts = append(opts, Parallelism(parallelism))
			}
			if mid > 0 {
				opts = append(opts, Watermarks(uint64(lo), uint64(mid), uint64(hi)))
			}
			if spill != "" {
				opts = append(opts, Backend(&persist.File{Prefix: spill}))
			}
			if system != nil {
				return StartBigmachine(context.Background(), system, servers, opts...)
			}
			return Local(servers, opts...)
		}
	})
}
