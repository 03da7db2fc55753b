// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package reclaimer

import (
	"context"
	"expvar"
	"runtime"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcloud/stats"
)

// DefaultPeriod is the period with which memory is polled to see if
// the reclaimer needs to release values.
const DefaultPeriod = 10 * time.Second

var (
	vars            = expvar.NewMap("reclaimer")
	pendingv, needv expvar.Int
)

func init() {
	vars.Set("pending", &pendingv)
	vars.Set("need", &needv)
}

// A Reclaimer releases values from a store under memory pressure.
// Lo, Mid, and Hi define watermarks for reclamation: if memory usage
// exceeds the middle watermark, reclamation begins and does not end
// until usage falls below the low watermark. Reclamation releases the
// least recently touched values in rounds, doubling the number of
// values released in each round. If usage exceeds the high watermark,
// every eligible value is released at once.
type Reclaimer struct {
	Store       Store
	Lo, Mid, Hi uint64
	// Period is the polling period of Go. DefaultPeriod is used if
	// it is zero.
	Period time.Duration
	// Usage returns the current memory usage. By default, the heap
	// allocation reported by the Go runtime is used.
	Usage func() uint64
	// GC runs a garbage collection. By default, runtime.GC is used.
	GC func()

	spilled, bytes *stats.Int
}

// New returns a reclaimer for store with the provided watermarks.
// Counters are added to m, if not nil.
func New(store Store, lo, mid, hi uint64, m *stats.Map) *Reclaimer {
	if m == nil {
		m = stats.NewMap()
	}
	return &Reclaimer{
		Store:   store,
		Lo:      lo,
		Mid:     mid,
		Hi:      hi,
		spilled: m.Int("reclaimer.released"),
		bytes:   m.Int("reclaimer.bytes"),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

func (r *Reclaimer) usage() uint64 {
	if r.Usage != nil {
		return r.Usage()
	}
	return heapAlloc()
}

func (r *Reclaimer) gc() {
	if r.GC != nil {
		r.GC()
	} else {
		runtime.GC()
	}
}

// Go polls memory usage and reclaims as needed until ctx is done.
func (r *Reclaimer) Go(ctx context.Context) {
	period := r.Period
	if period == 0 {
		period = DefaultPeriod
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if _, err := r.ReclaimOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error.Printf("memory reclaimer: %v", err)
		}
	}
}

// ReclaimOnce performs a single reclamation pass, returning the
// number of values released.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) (int, error) {
	needv.Set(0)
	alloc := r.usage()
	if alloc < r.Mid {
		log.Debug.Printf("memory reclaimer: no need to reclaim: alloc:%s mid:%s",
			data.Size(alloc), data.Size(r.Mid))
		return 0, nil
	}
	// Perform a single GC first to see if this brings us down to where
	// we need to be without releasing values. To avoid too much
	// thrashing, we apply the mid watermark again and not the low.
	r.gc()
	if alloc = r.usage(); alloc < r.Mid {
		log.Printf("memory reclaimer: skipping reclamation after GC: alloc:%s mid:%s",
			data.Size(alloc), data.Size(r.Mid))
		return 0, nil
	}
	var (
		orig     = alloc
		q        = newCandidates(r.Store.Residents())
		need     = 1
		nreclaim int
		released int64
	)
	for alloc > r.Lo && q.Len() > 0 {
		if alloc > r.Hi {
			log.Printf("memory reclaimer: emergency reclamation: alloc:%s hi:%s",
				data.Size(alloc), data.Size(r.Hi))
			need = q.Len()
		}
		needv.Set(int64(need))
		for i := 0; i < need; i++ {
			res, ok := q.pop()
			if !ok {
				break
			}
			pendingv.Add(1)
			n, err := r.Store.Spill(ctx, res.Key, res.Version)
			pendingv.Add(-1)
			if err != nil {
				return nreclaim, err
			}
			if n > 0 {
				nreclaim++
				released += int64(n)
				r.spilled.Inc()
				r.bytes.Add(int64(n))
			}
		}
		// Perform another GC after each round; there usually is
		// memory for the GC to reap in these cases.
		r.gc()
		alloc = r.usage()
		log.Printf("memory reclaimer: reclaiming alloc:%s (diff):%s lo:%s mid:%s hi:%s need:%d",
			data.Size(alloc), data.Size(int64(alloc)-int64(orig)),
			data.Size(r.Lo), data.Size(r.Mid), data.Size(r.Hi), need)
		need *= 2
	}
	log.Printf("memory reclaimer: completed reclamation: reclamations:%d released:%s alloc:%s",
		nreclaim, data.Size(released), data.Size(alloc))
	return nreclaim, nil
}
