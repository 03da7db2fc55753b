// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/mr"
	"github.com/grailbio/bigcloud/persist"
	"github.com/grailbio/bigcloud/reclaimer"
	"github.com/grailbio/bigcloud/rpc"
	"github.com/grailbio/bigcloud/scope"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
	"github.com/spaolacci/murmur3"
)

// DefaultName is the default name of a cloud.
const DefaultName = "bigcloud"

// Options holds the configuration of the nodes of a cloud.
type Options struct {
	// Name names the cloud. Nodes reject requests from members of
	// other clouds.
	Name string
	// Parallelism is the number of maps each node runs concurrently.
	// GOMAXPROCS is used if it is zero.
	Parallelism int
	// Backend is the persistence tier to which values are spilled.
	// If it is nil, each node spills to its own memory.
	Backend persist.Backend
	// Lo, Mid and Hi are the watermarks of the memory reclaimer. The
	// reclaimer is disabled if Mid is zero.
	Lo, Mid, Hi uint64
	// SmallMessage is the capacity of the small message path.
	SmallMessage int
	// Heartbeat is the period with which servers are pinged.
	Heartbeat time.Duration
	// Status receives the status of jobs, if not nil.
	Status *status.Status

	types []wire.Value
}

// An Option represents a cloud configuration parameter value.
type Option func(o *Options)

// Name configures the name of the cloud.
func Name(name string) Option {
	return func(o *Options) { o.Name = name }
}

// Parallelism configures the number of maps each node runs
// concurrently.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("bigcloud.Parallelism: p <= 0")
	}
	return func(o *Options) { o.Parallelism = p }
}

// Backend configures the persistence tier.
func Backend(b persist.Backend) Option {
	return func(o *Options) { o.Backend = b }
}

// Watermarks configures the memory reclaimer.
func Watermarks(lo, mid, hi uint64) Option {
	if !(lo <= mid && mid <= hi) {
		panic("bigcloud.Watermarks: watermarks out of order")
	}
	return func(o *Options) { o.Lo, o.Mid, o.Hi = lo, mid, hi }
}

// Status configures the status object to which job statuses are
// reported.
func Status(s *status.Status) Option {
	return func(o *Options) { o.Status = s }
}

// Types registers additional types with the nodes of a local cloud,
// after the globally registered ones.
func Types(protos ...wire.Value) Option {
	return func(o *Options) { o.types = append(o.types, protos...) }
}

func makeOptions(opts []Option) Options {
	o := Options{Name: DefaultName, Heartbeat: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// identity returns the cloud identity carried by heartbeats: a hash
// of the cloud's name.
func (o Options) identity() uint32 {
	return murmur3.Sum32([]byte(o.Name))
}

// A Node is a member of a cloud: it owns part of the store, runs the
// parts of MapReduce jobs dispatched to it, and serves calls from the
// other nodes.
type Node struct {
	Registry  *wire.Registry
	Server    *rpc.Server
	Client    *rpc.Client
	Store     *dkv.Store
	Engine    *mr.Engine
	Reclaimer *reclaimer.Reclaimer
	Monitor   *rpc.Monitor
	Stats     *stats.Map

	opts Options
}

func newNode(reg *wire.Registry, transport rpc.Transport, view *cloud.View, boot string, o Options) *Node {
	self := view.Self()
	n := &Node{Registry: reg, Stats: stats.NewMap(), opts: o}
	copts := []rpc.ClientOption{rpc.Stats(n.Stats)}
	if o.SmallMessage > 0 {
		copts = append(copts, rpc.SmallMessage(o.SmallMessage))
	}
	hb := cloud.Heartbeat{Addr: self.Addr, Boot: boot, Client: self.Client}
	n.Client = rpc.NewClient(reg, transport, hb, copts...)
	n.Client.SetCloud(o.identity())
	n.Server = rpc.NewServer(reg, self.Addr, boot, n.Stats)
	n.Server.SetCloud(o.identity())
	n.Store = dkv.New(reg, n.Client, view, o.Backend, n.Stats)
	n.Engine = mr.NewEngine(n.Store, n.Client, o.Parallelism, n.Stats)
	if o.Status != nil {
		n.Engine.SetStatus(o.Status)
	}
	n.Server.Register(dkv.Service, n.Store)
	n.Server.Register(mr.Service, n.Engine)
	n.Server.Register(nodeService, n)
	if o.Mid > 0 && !self.Client {
		n.Reclaimer = reclaimer.New(n.Store, o.Lo, o.Mid, o.Hi, n.Stats)
	}
	n.Monitor = &rpc.Monitor{Client: n.Client, Period: o.Heartbeat}
	n.Monitor.SetPeers(peers(view))
	return n
}

func peers(view *cloud.View) []string {
	var addrs []string
	for _, m := range view.Servers() {
		if !view.IsSelf(m.Addr) {
			addrs = append(addrs, m.Addr)
		}
	}
	return addrs
}

// Addr returns the node's address.
func (n *Node) Addr() string { return n.Store.Addr() }

// Go runs the node's background activities, the heartbeat monitor
// and the memory reclaimer, until ctx is done.
func (n *Node) Go(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Monitor.Go(ctx)
	}()
	if n.Reclaimer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Reclaimer.Go(ctx)
		}()
	}
	wg.Wait()
}

// SetView installs a new membership view on the node.
func (n *Node) SetView(ctx context.Context, view *cloud.View) error {
	if err := n.Store.SetView(ctx, view); err != nil {
		return err
	}
	n.Monitor.SetPeers(peers(view))
	log.Printf("%s: installed view %d (%08x) with %d servers",
		n.Addr(), view.Version(), view.Identity(), len(view.Servers()))
	return nil
}

// Scope returns a new key-tracking scope over the node's store.
func (n *Node) Scope() *scope.Scope {
	return scope.New(n.Store)
}

// CloudStats returns the counters of every server of the cloud, keyed
// by address, together with their sum under the key "total".
func (n *Node) CloudStats(ctx context.Context) (map[string]stats.Values, error) {
	servers := n.Store.View().Servers()
	vals := make([]stats.Values, len(servers))
	err := traverse.Each(len(servers), func(i int) error {
		if servers[i].Addr == n.Addr() {
			vals[i] = n.Stats.Snapshot()
			return nil
		}
		reply, err := n.Client.CallWait(ctx, servers[i].Addr, new(statsTask))
		if err != nil {
			return errors.E(fmt.Sprintf("stats from %s", servers[i].Addr), err)
		}
		vals[i] = *reply.(*stats.Values)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := make(map[string]stats.Values)
	total := make(stats.Values)
	for i, v := range vals {
		m[servers[i].Addr] = v
		total.Merge(v)
	}
	m["total"] = total
	return m, nil
}

const nodeService = "node"

// statsTask returns a snapshot of a node's counters.
type statsTask struct{}

func (*statsTask) MarshalWire(*wire.Encoder)   {}
func (*statsTask) UnmarshalWire(*wire.Decoder) {}
func (*statsTask) Service() string             { return nodeService }

func (*statsTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	vals := svc.(*Node).Stats.Snapshot()
	log.Debug.Printf("stats: %s", vals)
	return &vals, nil
}
