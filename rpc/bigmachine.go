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
	"github.com/grailbio/bigmachine"
)

// Bigmachine is a transport that delivers requests to nodes running
// as bigmachine machines. Each node runs a bigmachine service (named
// by Service) with methods Exec and ExecStream:
//
//	func (s *svc) Exec(ctx context.Context, msg []byte, reply *[]byte) error
//	func (s *svc) ExecStream(ctx context.Context, msg io.Reader, reply *[]byte) error
//
// which hand the request to a Handler.
type Bigmachine struct {
	B       *bigmachine.B
	Service string

	mu       sync.Mutex
	machines map[string]*bigmachine.Machine
}

// NewBigmachine returns a transport that reaches the named service
// through b. Machines started by the caller may be registered with
// Add; other addresses are dialed on first use.
func NewBigmachine(b *bigmachine.B, service string) *Bigmachine {
	return &Bigmachine{B: b, Service: service, machines: make(map[string]*bigmachine.Machine)}
}

// Add registers a machine with the transport.
func (t *Bigmachine) Add(m *bigmachine.Machine) {
	t.mu.Lock()
	t.machines[m.Addr] = m
	t.mu.Unlock()
}

func (t *Bigmachine) machine(ctx context.Context, addr string) (*bigmachine.Machine, error) {
	t.mu.Lock()
	m := t.machines[addr]
	t.mu.Unlock()
	if m != nil {
		return m, nil
	}
	m, err := t.B.Dial(ctx, addr)
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: dial %s", addr), err)
	}
	t.Add(m)
	return m, nil
}

// Send implements Transport.
func (t *Bigmachine) Send(ctx context.Context, addr string, msg []byte) ([]byte, error) {
	m, err := t.machine(ctx, addr)
	if err != nil {
		return nil, err
	}
	var reply []byte
	if err := m.Call(ctx, t.Service+".Exec", msg, &reply); err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: %s.Exec on %s", t.Service, addr), err)
	}
	return reply, nil
}

// SendStream implements Transport.
func (t *Bigmachine) SendStream(ctx context.Context, addr string, msg io.Reader) ([]byte, error) {
	m, err := t.machine(ctx, addr)
	if err != nil {
		return nil, err
	}
	var reply []byte
	if err := m.Call(ctx, t.Service+".ExecStream", msg, &reply); err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: %s.ExecStream on %s", t.Service, addr), err)
	}
	return reply, nil
}
