// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Urls is a bigcloud demo program that uses the GDELT public data
// set to aggregate counts by domain names mentioned in news event
// reports. Each chunk of its dataset names one file; the counts of a
// file are computed on the node that holds its chunk.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	_ "net/http/pprof"
	"net/url"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcloud"
	"github.com/grailbio/bigcloud/cloudconfig"
	"github.com/grailbio/bigcloud/mr"
	"github.com/grailbio/bigcloud/wire"
)

func init() {
	s3file.SetBucketRegion("gdelt-open-data", "us-east-1")
	bigcloud.Register(new(domainCounts), new(counts))
}

// Counts maps domains to the number of times they were mentioned.
type counts map[string]int64

func (c *counts) MarshalWire(e *wire.Encoder) {
	keys := make([]string, 0, len(*c))
	for k := range *c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]int64, len(keys))
	for i, k := range keys {
		vals[i] = (*c)[k]
	}
	e.Strings(keys)
	e.Int64s(vals)
}

func (c *counts) UnmarshalWire(d *wire.Decoder) {
	keys, vals := d.Strings(), d.Int64s()
	*c = make(counts, len(keys))
	for i := 0; i < len(keys) && i < len(vals); i++ {
		(*c)[keys[i]] = vals[i]
	}
}

// DomainCounts counts the domains of the URLs in column 60 of the
// tab-separated event file named by each chunk.
type domainCounts struct{}

func (*domainCounts) MarshalWire(*wire.Encoder)   {}
func (*domainCounts) UnmarshalWire(*wire.Decoder) {}

func (*domainCounts) Map(ctx context.Context, chunk mr.Chunk) (wire.Value, error) {
	path := string(*chunk.Value.(*wire.String))
	log.Printf("reading file %s", path)
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	r := csv.NewReader(f.Reader(ctx))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	c := make(counts)
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(fields) <= 60 {
			continue
		}
		domain := "<unknown>"
		if u, err := url.Parse(fields[60]); err == nil {
			domain = u.Host
		}
		c[domain]++
	}
	return &c, nil
}

func (*domainCounts) Reduce(a, b wire.Value) (wire.Value, error) {
	x, y := *a.(*counts), *b.(*counts)
	if len(x) < len(y) {
		x, y = y, x
	}
	for k, v := range y {
		x[k] += v
	}
	return &x, nil
}

func main() {
	var (
		n   = flag.Int("n", 1000, "number of files to process")
		out = flag.String("out", "", "output path")
	)
	c := cloudconfig.Parse()
	defer c.Shutdown()
	if *out == "" {
		log.Fatal("missing flag -out")
	}
	ctx := context.Background()
	var paths []string
	lst := file.List(ctx, "s3://gdelt-open-data/v2/events", true)
	for lst.Scan() {
		if strings.HasSuffix(lst.Path(), ".csv") {
			paths = append(paths, lst.Path())
		}
	}
	must.Nil(lst.Err())
	sort.Strings(paths)
	if len(paths) > *n {
		paths = paths[:*n]
	}
	log.Printf("computing %d paths", len(paths))

	driver := c.Driver()
	chunks := make([]wire.Value, len(paths))
	for i := range paths {
		s := wire.String(paths[i])
		chunks[i] = &s
	}
	ds, err := mr.Create(ctx, driver.Store, "gdelt", chunks)
	must.Nil(err)
	result, err := driver.Engine.Run(ctx, ds, new(domainCounts))
	must.Nil(err)
	must.Nil(ds.Remove(ctx, driver.Store))
	var total counts
	if result != nil {
		total = *result.(*counts)
	}
	domains := make([]string, 0, len(total))
	for d := range total {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return total[domains[i]] > total[domains[j]] })

	f, err := file.Create(ctx, *out)
	must.Nil(err)
	w := bufio.NewWriter(f.Writer(ctx))
	for _, d := range domains {
		fmt.Fprintf(w, "%s\t%d\n", d, total[d])
	}
	must.Nil(w.Flush())
	must.Nil(f.Close(ctx))
}
