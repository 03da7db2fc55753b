// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcloud

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/persist"
	"github.com/grailbio/bigcloud/rpc"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// machineService is the name of the bigmachine service through which
// cloud nodes exchange messages.
const machineService = "Cloud"

func init() {
	gob.Register(&service{})
}

// service is the bigmachine service run by each server of a
// bigmachine cloud. The node itself is created when the machine
// joins the cloud, since its view depends on the addresses of all of
// the cloud's machines.
type service struct {
	Name        string
	Parallelism int
	Lo, Mid     uint64
	Hi          uint64
	Heartbeat   time.Duration
	// Spill is the path prefix to which the server spills values. A
	// temporary directory is used if it is empty.
	Spill string

	b    *bigmachine.B
	boot string

	mu     sync.Mutex
	node   *Node
	cancel func()
}

// joinRequest admits a machine into a cloud.
type joinRequest struct {
	Version int
	Self    string
	Members []cloud.Member
}

func (s *service) Init(b *bigmachine.B) error {
	s.b = b
	s.boot = uuid.New().String()
	return nil
}

// Join installs the cloud's membership on the machine, creating its
// node on first call.
func (s *service) Join(ctx context.Context, req joinRequest, _ *struct{}) error {
	view := cloud.NewView(req.Version, req.Self, req.Members...)
	s.mu.Lock()
	node := s.node
	if node == nil {
		spill := s.Spill
		if spill == "" {
			dir, err := ioutil.TempDir("", "bigcloud")
			if err != nil {
				s.mu.Unlock()
				return err
			}
			spill = dir
		}
		o := s.options()
		o.Backend = &persist.File{Prefix: spill}
		s.node = newNode(NewRegistry(), rpc.NewBigmachine(s.b, machineService), view, s.boot, o)
		var nodeCtx context.Context
		nodeCtx, s.cancel = context.WithCancel(context.Background())
		go s.node.Go(nodeCtx)
		s.mu.Unlock()
		log.Printf("joined cloud %s as %s (%08x)", s.Name, view, view.Identity())
		return nil
	}
	s.mu.Unlock()
	return node.SetView(ctx, view)
}

func (s *service) options() Options {
	o := makeOptions(nil)
	o.Name = s.Name
	o.Parallelism = s.Parallelism
	o.Lo, o.Mid, o.Hi = s.Lo, s.Mid, s.Hi
	if s.Heartbeat > 0 {
		o.Heartbeat = s.Heartbeat
	}
	return o
}

func (s *service) server() (*rpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node == nil {
		return nil, errors.E(errors.Unavailable, "machine has not joined a cloud")
	}
	return s.node.Server, nil
}

// Exec handles a request delivered by the bigmachine transport.
func (s *service) Exec(ctx context.Context, msg []byte, reply *[]byte) error {
	server, err := s.server()
	if err != nil {
		return err
	}
	*reply = server.Handle(ctx, msg)
	return nil
}

// ExecStream handles a streamed request delivered by the bigmachine
// transport.
func (s *service) ExecStream(ctx context.Context, msg io.Reader, reply *[]byte) error {
	server, err := s.server()
	if err != nil {
		return err
	}
	*reply = server.HandleStream(ctx, msg)
	return nil
}

// StartBigmachine starts a cloud of n servers, each running on its
// own machine of the provided bigmachine system. The returned cloud's
// driver runs in the calling process.
func StartBigmachine(ctx context.Context, system bigmachine.System, n int, opts ...Option) (*Cloud, error) {
	if n < 1 {
		return nil, fmt.Errorf("bigcloud.StartBigmachine: %d servers", n)
	}
	o := makeOptions(opts)
	if len(o.types) > 0 {
		return nil, errors.E(errors.NotSupported, "bigcloud.StartBigmachine: types must be registered globally")
	}
	var spill string
	switch backend := o.Backend.(type) {
	case nil:
	case *persist.File:
		spill = backend.Prefix
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("bigcloud.StartBigmachine: backend %T cannot be shared by machines", backend))
	}
	b := bigmachine.Start(system)
	svc := &service{
		Name:        o.Name,
		Parallelism: o.Parallelism,
		Lo:          o.Lo,
		Mid:         o.Mid,
		Hi:          o.Hi,
		Heartbeat:   o.Heartbeat,
		Spill:       spill,
	}
	log.Printf("starting %d bigmachines", n)
	machines, err := b.Start(ctx, n, bigmachine.Services{machineService: svc})
	if err != nil {
		b.Shutdown()
		return nil, err
	}
	// A nil status group ignores updates.
	var group *status.Group
	if o.Status != nil {
		group = o.Status.Group("bigcloud")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		task := group.Start(m.Addr)
		task.Print("waiting for machine to boot")
		g.Go(func() error {
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				task.Printf("failed to start: %v", err)
				task.Done()
				return errors.E(fmt.Sprintf("machine %s failed to start", m.Addr), err)
			}
			task.Print("running")
			log.Printf("machine %v is ready", m.Addr)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		b.Shutdown()
		return nil, err
	}

	members := make([]cloud.Member, 0, n+1)
	for _, m := range machines {
		members = append(members, cloud.Member{Addr: m.Addr})
	}
	members = append(members, cloud.Member{Addr: "driver", Client: true})
	g, gctx = errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		g.Go(func() error {
			req := joinRequest{Version: 1, Self: m.Addr, Members: members}
			return m.Call(gctx, machineService+".Join", req, nil)
		})
	}
	if err := g.Wait(); err != nil {
		b.Shutdown()
		return nil, errors.E("bigcloud: join", err)
	}

	transport := rpc.NewBigmachine(b, machineService)
	for _, m := range machines {
		transport.Add(m)
	}
	nodeCtx, cancel := context.WithCancel(context.Background())
	driver := newNode(NewRegistry(), transport, cloud.NewView(1, "driver", members...), uuid.New().String(), o)
	go driver.Go(nodeCtx)
	return &Cloud{
		Nodes:  []*Node{driver},
		b:      b,
		cancel: cancel,
	}, nil
}
