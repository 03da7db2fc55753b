// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcloud

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/rpc"
	"github.com/grailbio/bigmachine"
)

// A Cloud is a running cloud, as seen from its driver.
type Cloud struct {
	// Nodes holds the nodes running in this process. The driver is
	// the last.
	Nodes []*Node

	net    *rpc.Network
	b      *bigmachine.B
	cancel func()
}

// Driver returns the cloud's driver node.
func (c *Cloud) Driver() *Node {
	return c.Nodes[len(c.Nodes)-1]
}

// Servers returns the addresses of the cloud's servers.
func (c *Cloud) Servers() []string {
	var addrs []string
	for _, m := range c.Driver().Store.View().Servers() {
		addrs = append(addrs, m.Addr)
	}
	return addrs
}

// Shutdown stops the cloud's background activities and, for
// bigmachine clouds, its machines.
func (c *Cloud) Shutdown() {
	c.cancel()
	if c.b != nil {
		c.b.Shutdown()
	}
}

// Local starts a cloud of n servers within the process, connected by
// an in-process network.
func Local(n int, opts ...Option) (*Cloud, error) {
	if n < 1 {
		return nil, fmt.Errorf("bigcloud.Local: %d servers", n)
	}
	o := makeOptions(opts)
	reg := NewRegistry(o.types...)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cloud{net: rpc.NewNetwork(), cancel: cancel}
	members := make([]cloud.Member, n+1)
	for i := 0; i < n; i++ {
		members[i] = cloud.Member{Addr: fmt.Sprintf("node%d", i)}
	}
	members[n] = cloud.Member{Addr: "driver", Client: true}
	view := cloud.NewView(1, members[n].Addr, members...)
	for _, m := range members {
		v, err := view.Rehome(m.Addr)
		if err != nil {
			cancel()
			return nil, err
		}
		node := newNode(reg, c.net, v, uuid.New().String(), o)
		c.net.Attach(m.Addr, node.Server)
		c.Nodes = append(c.Nodes, node)
		go node.Go(ctx)
	}
	return c, nil
}

// Kill makes the local node with address addr unreachable, as if its
// process had died. It is intended for testing.
func (c *Cloud) Kill(addr string) {
	if c.net != nil {
		c.net.Kill(addr)
	}
}
