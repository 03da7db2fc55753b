// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cloudtest provides utilities for testing code built on the
// store. The utilities here run a whole cloud within the test
// process; they are strictly intended for unit testing.
package cloudtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/persist"
	"github.com/grailbio/bigcloud/rpc"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
)

// Cloud is an in-process cloud. Nodes are numbered in the order of
// Members; servers come first.
type Cloud struct {
	Net      *rpc.Network
	Registry *wire.Registry
	Members  []cloud.Member
	Stores   []*dkv.Store
	Servers  []*rpc.Server
	Clients  []*rpc.Client
	Stats    []*stats.Map
	Backends []*persist.Memory
}

// New returns a cloud of n servers and nclient client nodes. The
// provided functions register additional types, after the store's.
func New(t testing.TB, n, nclient int, register ...func(*wire.Registry)) *Cloud {
	t.Helper()
	if n < 1 {
		t.Fatalf("cloudtest.New: %d servers", n)
	}
	c := &Cloud{Net: rpc.NewNetwork(), Registry: wire.NewRegistry()}
	dkv.Register(c.Registry)
	for _, fn := range register {
		fn(c.Registry)
	}
	c.Registry.Freeze()
	for i := 0; i < n+nclient; i++ {
		c.Members = append(c.Members, cloud.Member{Addr: fmt.Sprintf("node%d", i), Client: i >= n})
	}
	for _, m := range c.Members {
		sm := stats.NewMap()
		hb := cloud.Heartbeat{Addr: m.Addr, Boot: m.Addr, Client: m.Client}
		client := rpc.NewClient(c.Registry, c.Net, hb,
			rpc.Retries(4, retry.Backoff(time.Millisecond, 10*time.Millisecond, 2)), rpc.Stats(sm))
		backend := persist.NewMemory()
		store := dkv.New(c.Registry, client, cloud.NewView(1, m.Addr, c.Members...), backend, sm)
		server := rpc.NewServer(c.Registry, m.Addr, m.Addr, sm)
		server.Register(dkv.Service, store)
		c.Net.Attach(m.Addr, server)
		c.Stats = append(c.Stats, sm)
		c.Stores = append(c.Stores, store)
		c.Servers = append(c.Servers, server)
		c.Clients = append(c.Clients, client)
		c.Backends = append(c.Backends, backend)
	}
	return c
}

// Serve registers a service with every node's server. The service of
// node i is returned by svc(i).
func (c *Cloud) Serve(name string, svc func(i int) interface{}) {
	for i, server := range c.Servers {
		server.Register(name, svc(i))
	}
}

// KeyOwnedBy returns a user key, with the provided name prefix, that
// is owned by node i.
func (c *Cloud) KeyOwnedBy(t testing.TB, i int, prefix string) dkv.Key {
	t.Helper()
	for j := 0; j < 100000; j++ {
		key := dkv.MustMake(fmt.Sprintf("%s%d", prefix, j))
		own, err := c.Stores[0].Owner(key)
		if err != nil {
			t.Fatal(err)
		}
		if own.Addr == c.Members[i].Addr {
			return key
		}
	}
	t.Fatalf("cloudtest: no key owned by %s", c.Members[i].Addr)
	return dkv.Key{}
}
