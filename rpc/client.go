// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
)

// DefaultSmall is the default capacity of the small message path.
const DefaultSmall = 64 << 10

// DefaultRetries is the default number of times a call is
// retransmitted before it fails.
const DefaultRetries = 8

// DefaultRetryPolicy is the default backoff between
// retransmissions.
var DefaultRetryPolicy = retry.Backoff(50*time.Millisecond, 2*time.Second, 2)

// A Client issues calls to other nodes of the cloud.
type Client struct {
	reg       *wire.Registry
	transport Transport
	small     int
	retries   int
	policy    retry.Policy

	mu      sync.Mutex
	self    cloud.Heartbeat
	targets map[string]*target

	calls, retransmits, streams *stats.Int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// SmallMessage sets the capacity of the small message path. Requests
// that do not fit are streamed.
func SmallMessage(n int) ClientOption {
	return func(c *Client) { c.small = n }
}

// Retries sets the retransmission policy of the client.
func Retries(n int, policy retry.Policy) ClientOption {
	return func(c *Client) {
		c.retries = n
		c.policy = policy
	}
}

// Stats sets the map to which the client's counters are added.
func Stats(m *stats.Map) ClientOption {
	return func(c *Client) {
		c.calls = m.Int("rpc.calls")
		c.retransmits = m.Int("rpc.retransmits")
		c.streams = m.Int("rpc.streams")
	}
}

// NewClient returns a client that sends calls over the provided
// transport. Self identifies the client in every request.
func NewClient(reg *wire.Registry, transport Transport, self cloud.Heartbeat, opts ...ClientOption) *Client {
	c := &Client{
		reg:       reg,
		transport: transport,
		small:     DefaultSmall,
		retries:   DefaultRetries,
		policy:    DefaultRetryPolicy,
		self:      self,
		targets:   make(map[string]*target),
	}
	c.self.Build = reg.Checksum()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCloud sets the cloud identity that is sent with each request.
func (c *Client) SetCloud(id uint32) {
	c.mu.Lock()
	c.self.Cloud = id
	c.mu.Unlock()
}

// target is the client-side state for one peer.
type target struct {
	addr string

	mu       sync.Mutex
	seq      uint64
	boot     string
	dead     bool
	inflight map[*call]struct{}
}

type call struct {
	cancel func()
	reason error
}

func (c *Client) target(addr string) *target {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.targets[addr]
	if t == nil {
		t = &target{addr: addr, inflight: make(map[*call]struct{})}
		c.targets[addr] = t
	}
	return t
}

// fail aborts the calls in flight to t with the provided reason.
func (t *target) fail(reason error) {
	for cl := range t.inflight {
		if cl.reason == nil {
			cl.reason = reason
		}
		cl.cancel()
	}
}

// observe records the boot id reported by the target, and reports
// whether the target rebooted since it was last observed.
func (t *target) observe(boot string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rebooted := t.boot != "" && t.boot != boot
	if rebooted {
		t.fail(errors.E(errors.Net, fmt.Sprintf("rpc: node %s rebooted", t.addr)))
	}
	t.boot = boot
	t.dead = false
	return rebooted
}

// MarkDead declares the node at addr failed: calls in flight fail
// with an error of kind errors.Net, as do new calls until the node is
// observed alive again.
func (c *Client) MarkDead(addr string) {
	t := c.target(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	log.Printf("rpc: node %s declared dead", addr)
	t.dead = true
	t.fail(errors.E(errors.Net, fmt.Sprintf("rpc: node %s is dead", addr)))
}

// Dead tells whether the node at addr has been declared dead.
func (c *Client) Dead(addr string) bool {
	t := c.target(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Call ships the task to the node at addr. The returned future
// completes with the task's reply or error. Canceling the future
// abandons the call; the task may or may not have run.
func (c *Client) Call(ctx context.Context, addr string, task Task) *Future {
	ctx, cancel := context.WithCancel(ctx)
	f := NewFuture(cancel)
	go func() {
		reply, err := c.call(ctx, addr, task)
		cancel()
		f.Complete(reply, err)
	}()
	return f
}

// CallWait ships the task to the node at addr and waits for its
// reply.
func (c *Client) CallWait(ctx context.Context, addr string, task Task) (wire.Value, error) {
	return c.call(ctx, addr, task)
}

// Ping sends a heartbeat to the node at addr, and reports whether the
// node rebooted since it was last contacted.
func (c *Client) Ping(ctx context.Context, addr string) (rebooted bool, err error) {
	t := c.target(addr)
	msg, err := c.encode(0, nil, 0)
	if err != nil {
		return false, err
	}
	reply, err := c.transport.Send(ctx, addr, msg)
	if err != nil {
		return false, err
	}
	var resp response
	if err := resp.decode(wire.NewDecoder(c.reg, bytes.NewReader(reply))); err != nil {
		return false, errors.E(errors.Net, fmt.Sprintf("rpc: bad reply from %s", addr), err)
	}
	if err := resp.err(addr); err != nil {
		return false, err
	}
	return t.observe(resp.Boot), nil
}

func (c *Client) encode(seq uint64, task Task, max int) ([]byte, error) {
	c.mu.Lock()
	req := request{From: c.self, Seq: seq, Task: task}
	c.mu.Unlock()
	buf := wire.NewBuffer(max)
	if max == 0 {
		buf = wire.NewBuffer(DefaultSmall)
	}
	enc := wire.NewEncoder(c.reg, buf)
	req.encode(enc)
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) stream(seq uint64, task Task) io.ReadCloser {
	c.mu.Lock()
	req := request{From: c.self, Seq: seq, Task: task}
	c.mu.Unlock()
	r, w := io.Pipe()
	go func() {
		enc := wire.NewEncoder(c.reg, w)
		req.encode(enc)
		w.CloseWithError(enc.Flush())
	}()
	return r
}

func (c *Client) call(ctx context.Context, addr string, task Task) (wire.Value, error) {
	c.calls.Inc()
	t := c.target(addr)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := &call{cancel: cancel}
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: node %s is dead", addr))
	}
	t.seq++
	seq := t.seq
	t.inflight[cl] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, cl)
		t.mu.Unlock()
	}()
	// reason returns the error recorded by a failure detector, if
	// any, once the call's context is done.
	reason := func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		return cl.reason
	}

	msg, err := c.encode(seq, task, c.small)
	streaming := err == wire.ErrTooLarge
	if err != nil && !streaming {
		return nil, err
	}
	if streaming {
		c.streams.Inc()
	}
	var reply []byte
	for retries := 0; ; retries++ {
		if streaming {
			r := c.stream(seq, task)
			reply, err = c.transport.SendStream(ctx, addr, r)
			r.Close()
		} else {
			reply, err = c.transport.Send(ctx, addr, msg)
		}
		if err == nil {
			break
		}
		if why := reason(); why != nil {
			return nil, why
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(errors.Net, err) {
			return nil, errors.E(errors.Net, fmt.Sprintf("rpc: call %T to %s", task, addr), err)
		}
		if retries >= c.retries {
			return nil, errors.E(errors.Net, fmt.Sprintf("rpc: call %T to %s failed after %d retransmissions", task, addr, retries), err)
		}
		c.retransmits.Inc()
		log.Debug.Printf("rpc: retransmitting %T (seq %d) to %s: %v", task, seq, addr, err)
		if err := retry.Wait(ctx, c.policy, retries); err != nil {
			if why := reason(); why != nil {
				return nil, why
			}
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		if why := reason(); why != nil {
			return nil, why
		}
		return nil, err
	}
	var resp response
	if err := resp.decode(wire.NewDecoder(c.reg, bytes.NewReader(reply))); err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: bad reply from %s", addr), err)
	}
	if t.observe(resp.Boot) {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: node %s rebooted during call", addr))
	}
	if err := resp.err(addr); err != nil {
		return nil, err
	}
	return resp.Reply, nil
}
