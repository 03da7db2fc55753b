// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigcloud/wire"
)

// A Future is the completion handle of an asynchronous operation.
// It is completed exactly once, with a reply or an error. Callers may
// block on the result (Get) or attach continuations (Then).
type Future struct {
	done     chan struct{}
	cancel   func()
	canceled int32

	mu    sync.Mutex
	reply wire.Value
	err   error
	thens []func(wire.Value, error)
}

// NewFuture returns a new, incomplete future. Cancel, if not nil, is
// invoked when the future is canceled.
func NewFuture(cancel func()) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

// Completed returns a future that is already complete.
func Completed(reply wire.Value, err error) *Future {
	f := NewFuture(nil)
	f.Complete(reply, err)
	return f
}

// Complete completes the future. Only the first completion takes
// effect; Complete reports whether this call completed the future.
func (f *Future) Complete(reply wire.Value, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.reply, f.err = reply, err
	thens := f.thens
	f.thens = nil
	close(f.done)
	f.mu.Unlock()
	for _, fn := range thens {
		fn(reply, err)
	}
	return true
}

// Done returns a channel that is closed when the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get blocks until the future completes or the context is done, and
// returns the future's result.
func (f *Future) Get(ctx context.Context) (wire.Value, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

// Then returns a future that is completed with the result of fn,
// applied to this future's result once it completes. Fn runs on the
// goroutine that completes f, or immediately if f is already
// complete; it should not block. Canceling the returned future cancels
// f.
func (f *Future) Then(fn func(wire.Value, error) (wire.Value, error)) *Future {
	next := NewFuture(f.Cancel)
	run := func(reply wire.Value, err error) {
		next.Complete(fn(reply, err))
	}
	f.mu.Lock()
	select {
	case <-f.done:
		reply, err := f.reply, f.err
		f.mu.Unlock()
		run(reply, err)
	default:
		f.thens = append(f.thens, run)
		f.mu.Unlock()
	}
	return next
}

// Cancel requests cooperative cancellation of the operation behind
// the future. Work that observes cancellation completes the future
// with a cancellation error.
func (f *Future) Cancel() {
	if !atomic.CompareAndSwapInt32(&f.canceled, 0, 1) {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
}

// Canceled tells whether Cancel was called.
func (f *Future) Canceled() bool {
	return atomic.LoadInt32(&f.canceled) == 1
}

// A Group tracks a set of outstanding futures. It counts the futures
// that are pending, and records the first error among them. A Group's
// zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	cond    *ctxsync.Cond
	pending int
	err     error
}

func (g *Group) init() {
	if g.cond == nil {
		g.cond = ctxsync.NewCond(&g.mu)
	}
}

// Add adds a future to the group.
func (g *Group) Add(f *Future) {
	g.mu.Lock()
	g.init()
	g.pending++
	g.mu.Unlock()
	go func() {
		_, err := f.Get(context.Background())
		g.mu.Lock()
		g.pending--
		if err != nil && g.err == nil {
			g.err = err
		}
		g.cond.Broadcast()
		g.mu.Unlock()
	}()
}

// Pending returns the number of futures in the group that have not
// yet completed.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Wait blocks until every future added to the group has completed,
// or until any of them fails. It returns the first error among the
// group's futures. Futures that are still pending when Wait returns
// an error keep running; their results are discarded.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	for g.pending > 0 && g.err == nil {
		if err := g.cond.Wait(ctx); err != nil {
			return errors.E(errors.Canceled, "rpc: wait", err)
		}
	}
	return g.err
}
