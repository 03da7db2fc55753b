// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
)

// A Transport delivers encoded requests to nodes and returns their
// encoded responses. Transports report delivery failures as errors of
// kind errors.Net; such failures may be retried.
type Transport interface {
	// Send delivers a small, fully materialized request.
	Send(ctx context.Context, addr string, msg []byte) ([]byte, error)
	// SendStream delivers a request that is read incrementally from
	// the provided reader.
	SendStream(ctx context.Context, addr string, msg io.Reader) ([]byte, error)
}

// A Handler serves requests delivered by a transport. Server
// implements Handler.
type Handler interface {
	Handle(ctx context.Context, msg []byte) []byte
	HandleStream(ctx context.Context, msg io.Reader) []byte
}

// Network is an in-process transport connecting handlers by
// address. It is used to run whole clouds inside a single process,
// and can simulate failures: killed nodes are unreachable, and
// replies can be dropped after the request was handled.
type Network struct {
	mu       sync.Mutex
	handlers map[string]Handler
	dead     map[string]bool
	drops    map[string]int
}

// NewNetwork returns a new, empty network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		dead:     make(map[string]bool),
		drops:    make(map[string]int),
	}
}

// Attach connects a handler to the network at the provided address,
// replacing any previous handler. An attached address is live.
func (n *Network) Attach(addr string, h Handler) {
	n.mu.Lock()
	n.handlers[addr] = h
	delete(n.dead, addr)
	n.mu.Unlock()
}

// Kill makes addr unreachable until it is attached again.
func (n *Network) Kill(addr string) {
	n.mu.Lock()
	n.dead[addr] = true
	n.mu.Unlock()
}

// DropReplies causes the replies of the next count requests handled
// at addr to be lost, as if the connection failed after the request
// was executed.
func (n *Network) DropReplies(addr string, count int) {
	n.mu.Lock()
	n.drops[addr] += count
	n.mu.Unlock()
}

func (n *Network) handler(addr string) (Handler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[addr]
	if !ok || n.dead[addr] {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: node %s unreachable", addr))
	}
	return h, nil
}

func (n *Network) deliver(addr string, reply []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead[addr] {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: node %s died during call", addr))
	}
	if n.drops[addr] > 0 {
		n.drops[addr]--
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: reply from %s lost", addr))
	}
	return reply, nil
}

// Send implements Transport.
func (n *Network) Send(ctx context.Context, addr string, msg []byte) ([]byte, error) {
	h, err := n.handler(addr)
	if err != nil {
		return nil, err
	}
	// Handlers must not share memory with the sender.
	msg = append([]byte(nil), msg...)
	return n.deliver(addr, h.Handle(ctx, msg))
}

// SendStream implements Transport.
func (n *Network) SendStream(ctx context.Context, addr string, msg io.Reader) ([]byte, error) {
	h, err := n.handler(addr)
	if err != nil {
		return nil, err
	}
	return n.deliver(addr, h.HandleStream(ctx, msg))
}
