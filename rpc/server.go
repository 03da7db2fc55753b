// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
)

// Window is the number of recent sequence numbers per sender for
// which a server remembers results. Retransmissions of older
// sequence numbers are refused rather than executed again.
const Window = 4096

// A Server runs tasks received from peers against its registered
// services. Each (sender, sequence number) is executed at most once;
// retransmissions receive the result of the original execution.
type Server struct {
	reg   *wire.Registry
	addr  string
	boot  string
	build uint32
	cloud uint32 // accessed atomically

	mu       sync.Mutex
	services map[string]interface{}
	peers    map[string]*peer

	served, dedups, rejected *stats.Int
}

// NewServer returns a server for the node with the provided address
// and boot id. The server's build identity is the registry checksum.
// Stats, if not nil, receives the server's counters.
func NewServer(reg *wire.Registry, addr, boot string, m *stats.Map) *Server {
	s := &Server{
		reg:      reg,
		addr:     addr,
		boot:     boot,
		build:    reg.Checksum(),
		services: make(map[string]interface{}),
		peers:    make(map[string]*peer),
	}
	if m != nil {
		s.served = m.Int("rpc.served")
		s.dedups = m.Int("rpc.dedup")
		s.rejected = m.Int("rpc.rejected")
	}
	return s
}

// Register registers a service under the provided name. Tasks whose
// Service method returns name are run against svc.
func (s *Server) Register(name string, svc interface{}) {
	s.mu.Lock()
	s.services[name] = svc
	s.mu.Unlock()
}

// SetCloud sets the cloud identity the server accepts requests
// from.
func (s *Server) SetCloud(id uint32) {
	atomic.StoreUint32(&s.cloud, id)
}

// Handle implements Handler.
func (s *Server) Handle(ctx context.Context, msg []byte) []byte {
	return s.HandleStream(ctx, bytes.NewReader(msg))
}

// HandleStream implements Handler.
func (s *Server) HandleStream(ctx context.Context, msg io.Reader) []byte {
	var (
		req  request
		resp = response{Boot: s.boot}
	)
	if err := req.decode(wire.NewDecoder(s.reg, msg)); err != nil {
		log.Error.Printf("rpc %s: bad request: %v", s.addr, err)
		resp.setError(err)
		return s.encode(&resp)
	}
	if err := req.From.Check(atomic.LoadUint32(&s.cloud), s.build); err != nil {
		log.Error.Printf("rpc %s: %v", s.addr, err)
		s.rejected.Inc()
		resp.Rejected = true
		resp.setError(err)
		return s.encode(&resp)
	}
	if req.Task == nil {
		// Ping.
		return s.encode(&resp)
	}
	reply, err := s.peer(req.From).do(req.Seq, s.dedups, func() (wire.Value, error) {
		s.served.Inc()
		return s.run(ctx, req.Task)
	})
	if err != nil {
		resp.setError(err)
	} else {
		resp.Reply = reply
	}
	return s.encode(&resp)
}

func (s *Server) run(ctx context.Context, task Task) (reply wire.Value, err error) {
	s.mu.Lock()
	svc, ok := s.services[task.Service()]
	s.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("rpc: no service %q on node %s", task.Service(), s.addr))
	}
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic while running %T: %v\n%s", task, e, string(debug.Stack())))
		}
	}()
	return task.Run(ctx, svc)
}

func (s *Server) encode(resp *response) []byte {
	var b bytes.Buffer
	enc := wire.NewEncoder(s.reg, &b)
	resp.encode(enc)
	if err := enc.Flush(); err != nil {
		// The reply could not be encoded; report that instead.
		log.Error.Printf("rpc %s: encode reply: %v", s.addr, err)
		b.Reset()
		enc = wire.NewEncoder(s.reg, &b)
		fail := response{Boot: s.boot}
		fail.setError(err)
		fail.encode(enc)
		if err := enc.Flush(); err != nil {
			log.Panicf("rpc %s: encode error reply: %v", s.addr, err)
		}
	}
	return b.Bytes()
}

func (s *Server) peer(hb cloud.Heartbeat) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[hb.Addr]
	if p == nil || p.boot != hb.Boot {
		if p != nil {
			log.Printf("rpc %s: peer %s restarted", s.addr, hb.Addr)
		}
		p = &peer{boot: hb.Boot, low: 1, results: make(map[uint64]result)}
		s.peers[hb.Addr] = p
	}
	return p
}

type result struct {
	reply wire.Value
	err   error
}

// peer holds the deduplication state for one sender process.
type peer struct {
	boot string
	once once.Map

	mu      sync.Mutex
	results map[uint64]result
	low     uint64
	high    uint64
}

func (p *peer) do(seq uint64, dedups *stats.Int, fn func() (wire.Value, error)) (wire.Value, error) {
	if p.expired(seq) {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: sequence number %d is outside the retransmission window", seq))
	}
	var (
		ran bool
		r   result
	)
	_ = p.once.Do(seq, func() error {
		// The window may have passed seq since it was checked.
		if p.expired(seq) {
			p.once.Forget(seq)
			return nil
		}
		ran = true
		r.reply, r.err = fn()
		p.mu.Lock()
		defer p.mu.Unlock()
		if seq < p.low {
			// The window passed seq while it ran.
			p.once.Forget(seq)
			return nil
		}
		p.results[seq] = r
		if seq > p.high {
			p.high = seq
		}
		for ; p.low+Window <= p.high; p.low++ {
			// Requests still running are forgotten when they complete.
			if _, ok := p.results[p.low]; ok {
				delete(p.results, p.low)
				p.once.Forget(p.low)
			}
		}
		return nil
	})
	if ran {
		return r.reply, r.err
	}
	dedups.Inc()
	log.Debug.Printf("rpc: duplicate request %d", seq)
	p.mu.Lock()
	r, ok := p.results[seq]
	p.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.Net, fmt.Sprintf("rpc: result of request %d expired", seq))
	}
	return r.reply, r.err
}

func (p *peer) expired(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return seq < p.low
}
