// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reclaimer relieves memory pressure on a node by releasing
// the least recently touched values held by its store: cached copies
// are dropped and owned values are spilled to the persistence tier,
// from which they are reloaded on demand. The reclaimer is idle while
// memory usage is below its watermarks.
package reclaimer

import (
	"container/heap"
	"context"

	"github.com/grailbio/bigcloud/dkv"
)

// Store is the store from which memory is reclaimed.
type Store interface {
	// Residents returns the values that may be released.
	Residents() []dkv.Resident
	// Spill releases the value of key, provided it still has the
	// provided version, and returns the number of bytes released.
	Spill(ctx context.Context, key dkv.Key, version uint64) (int, error)
}

// candidates is a heap of residents, ordered by touch time.
type candidates []dkv.Resident

func (q candidates) Len() int           { return len(q) }
func (q candidates) Less(i, j int) bool { return q[i].Touched.Before(q[j].Touched) }
func (q candidates) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *candidates) Push(x interface{}) {
	*q = append(*q, x.(dkv.Resident))
}

func (q *candidates) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

func newCandidates(rs []dkv.Resident) *candidates {
	q := candidates(rs)
	heap.Init(&q)
	return &q
}

// pop returns the least recently touched resident.
func (q *candidates) pop() (dkv.Resident, bool) {
	if q.Len() == 0 {
		return dkv.Resident{}, false
	}
	return heap.Pop(q).(dkv.Resident), true
}
