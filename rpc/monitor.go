// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// DefaultMissed is the default number of consecutive heartbeats a
// peer may miss before it is declared dead.
const DefaultMissed = 3

// A Monitor periodically pings a set of peers. Peers that miss
// MaxMissed consecutive heartbeats are declared dead in the client,
// which fails the calls in flight to them. A dead peer that answers
// again is revived.
type Monitor struct {
	Client    *Client
	Period    time.Duration
	MaxMissed int

	mu     sync.Mutex
	peers  []string
	missed map[string]int
}

// SetPeers sets the addresses monitored.
func (m *Monitor) SetPeers(addrs []string) {
	m.mu.Lock()
	m.peers = append([]string(nil), addrs...)
	m.missed = make(map[string]int)
	m.mu.Unlock()
}

// Go runs the monitor until the context is done.
func (m *Monitor) Go(ctx context.Context) {
	period := m.Period
	if period <= 0 {
		period = time.Second
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		m.Beat(ctx, period)
	}
}

// Beat pings every peer once, waiting at most timeout for each
// reply.
func (m *Monitor) Beat(ctx context.Context, timeout time.Duration) {
	m.mu.Lock()
	peers := m.peers
	m.mu.Unlock()
	max := m.MaxMissed
	if max <= 0 {
		max = DefaultMissed
	}
	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			rebooted, err := m.Client.Ping(pctx, addr)
			cancel()
			m.mu.Lock()
			defer m.mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.missed[addr]++
				log.Debug.Printf("heartbeat to %s missed (%d): %v", addr, m.missed[addr], err)
				if m.missed[addr] >= max {
					m.Client.MarkDead(addr)
				}
				return
			}
			if rebooted {
				log.Printf("node %s rebooted", addr)
			}
			m.missed[addr] = 0
		}(addr)
	}
	wg.Wait()
}
