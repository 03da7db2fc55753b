// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mr implements a MapReduce engine over datasets stored in
// the cloud.
//
// A job is dispatched to every node that owns at least one of its
// dataset's chunks. Each node maps its chunks in parallel across its
// cores, splitting the chunk range recursively down to a minimum
// leaf size, and combines sibling results bottom-up. The node results
// are then collected and combined by the submitting node. Reductions
// must be associative; the order in which results are combined is
// unspecified unless the job is deterministic.
//
// The first error returned by a map or reduce aborts the job. Errors
// are reported by Job.Wait, tagged with the node where they occurred.
package mr

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/rpc"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
	"golang.org/x/sync/errgroup"
)

// Service is the name under which an Engine is registered with its
// node's rpc server.
const Service = "mr"

// DefaultMinLeaf is the default number of chunks below which local
// fan-out stops splitting.
const DefaultMinLeaf = 1

// A Mapper defines a MapReduce computation. Mappers are shipped to
// the nodes that run them, and so must be registered wire types.
type Mapper interface {
	wire.Value
	// Map computes the partial result of a single chunk. Long-running
	// maps should return when ctx is done.
	Map(ctx context.Context, chunk Chunk) (wire.Value, error)
	// Reduce combines two partial results. Reduce must be
	// associative. Nil results are never passed to Reduce.
	Reduce(a, b wire.Value) (wire.Value, error)
}

// Register registers the engine's message types. Every node must call
// Register at the same point of its registration sequence.
func Register(reg *wire.Registry) {
	reg.Register(new(Dataset))
	reg.Register(new(mapTask))
	reg.Register(new(cancelTask))
}

// An Option configures a job.
type Option func(*options)

type options struct {
	deterministic bool
	minLeaf       int
}

// Deterministic requests that chunk ranges are split at fixed points
// and results combined in chunk order, so that repeated runs of a
// job produce identical results even when Reduce is not commutative
// or is sensitive to rounding. Deterministic jobs may be slower.
func Deterministic(o *options) { o.deterministic = true }

// MinLeaf sets the number of chunks below which local fan-out stops
// splitting.
func MinLeaf(n int) Option {
	return func(o *options) { o.minLeaf = n }
}

// An Engine runs MapReduce jobs on behalf of a node: it submits jobs,
// and it runs the parts of jobs that are dispatched to the node.
type Engine struct {
	store  *dkv.Store
	client *rpc.Client
	procs  int
	// limiter bounds the number of maps running concurrently on the
	// node.
	limiter *limiter.Limiter

	status *status.Group

	mu    sync.Mutex
	parts map[string]*part

	jobs, failures, maps *stats.Int
}

// NewEngine returns an engine for the node of store that runs at most
// procs maps concurrently. If procs is not positive, GOMAXPROCS is
// used.
func NewEngine(store *dkv.Store, client *rpc.Client, procs int, m *stats.Map) *Engine {
	if procs <= 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	if m == nil {
		m = stats.NewMap()
	}
	e := &Engine{
		store:    store,
		client:   client,
		procs:    procs,
		limiter:  limiter.New(),
		parts:    make(map[string]*part),
		jobs:     m.Int("mr.jobs"),
		failures: m.Int("mr.failures"),
		maps:     m.Int("mr.maps"),
	}
	e.limiter.Release(procs)
	return e
}

// SetStatus reports job status to s.
func (e *Engine) SetStatus(s *status.Status) {
	e.status = s.Group("mr jobs")
}

// Submit starts a job that maps every chunk of ds with mapper and
// reduces the results. The job runs until it completes, fails, ctx
// is done, or it is canceled.
func (e *Engine) Submit(ctx context.Context, ds *Dataset, mapper Mapper, opts ...Option) *Job {
	o := options{minLeaf: DefaultMinLeaf}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	job := &Job{
		ID:      uuid.New().String(),
		Dataset: ds,
		engine:  e,
		cancel:  cancel,
	}
	if e.status != nil {
		job.Status = e.status.Startf("%s %T", ds.Name, mapper)
	}
	e.jobs.Inc()
	go func() {
		defer cancel()
		result, err := e.run(ctx, job, mapper, o)
		switch {
		case err == nil:
			job.set(Done, result, nil)
		case ctx.Err() != nil:
			job.set(Canceled, nil, errors.E(errors.Canceled, fmt.Sprintf("mr: job %s canceled", job.ID), err))
		default:
			e.failures.Inc()
			log.Error.Printf("mr: job %s failed: %v", job.ID, err)
			job.mu.Lock()
			nodes := job.nodes
			job.mu.Unlock()
			// Stop the parts still running elsewhere.
			e.cancelRemote(job.ID, nodes)
			job.set(Failed, nil, err)
		}
	}()
	return job
}

// Run submits a job and waits for its result.
func (e *Engine) Run(ctx context.Context, ds *Dataset, mapper Mapper, opts ...Option) (wire.Value, error) {
	return e.Submit(ctx, ds, mapper, opts...).Wait(ctx)
}

func (e *Engine) run(ctx context.Context, job *Job, mapper Mapper, o options) (wire.Value, error) {
	ds := job.Dataset
	if ds.NumChunks() == 0 {
		return nil, nil
	}
	byNode := make(map[string][]int)
	for i := 0; i < ds.NumChunks(); i++ {
		own, err := e.store.Owner(ds.ChunkKey(i))
		if err != nil {
			return nil, err
		}
		byNode[own.Addr] = append(byNode[own.Addr], i)
	}
	nodes := make([]string, 0, len(byNode))
	for addr := range byNode {
		nodes = append(nodes, addr)
	}
	// Order nodes by their first chunk so that deterministic jobs
	// combine in chunk order.
	sort.Slice(nodes, func(i, j int) bool { return byNode[nodes[i]][0] < byNode[nodes[j]][0] })

	futures := make([]*rpc.Future, len(nodes))
	for i, addr := range nodes {
		task := &mapTask{
			Job:           job.ID,
			Dataset:       ds,
			Chunks:        byNode[addr],
			Mapper:        mapper,
			Deterministic: o.deterministic,
			MinLeaf:       o.minLeaf,
		}
		if addr == e.store.Addr() {
			futures[i] = e.runLocal(ctx, task)
		} else {
			futures[i] = e.client.Call(ctx, addr, task)
		}
	}
	job.mu.Lock()
	job.nodes = nodes
	job.mu.Unlock()
	job.set(Dispatched, nil, nil)
	log.Debug.Printf("mr: job %s: dispatched %d chunks to %d nodes", job.ID, ds.NumChunks(), len(nodes))

	job.set(ClusterReduce, nil, nil)
	if o.deterministic {
		results := make([]wire.Value, len(futures))
		for i, f := range futures {
			r, err := f.Get(ctx)
			if err != nil {
				cancelAll(futures)
				return nil, err
			}
			results[i] = r
		}
		return reduceAll(mapper, results)
	}
	// Combine results as they arrive.
	type result struct {
		val wire.Value
		err error
	}
	resultc := make(chan result, len(futures))
	for _, f := range futures {
		go func(f *rpc.Future) {
			r, err := f.Get(ctx)
			resultc <- result{r, err}
		}(f)
	}
	var acc wire.Value
	for range futures {
		r := <-resultc
		if r.err != nil {
			cancelAll(futures)
			return nil, r.err
		}
		var err error
		if acc, err = reduce(mapper, acc, r.val); err != nil {
			cancelAll(futures)
			return nil, errors.E(fmt.Sprintf("mr: job %s: cluster reduce", job.ID), err)
		}
	}
	return acc, nil
}

func cancelAll(futures []*rpc.Future) {
	for _, f := range futures {
		f.Cancel()
	}
}

// runLocal runs a part on this node without a round trip. Errors are
// tagged with the node, as they would be by the rpc layer.
func (e *Engine) runLocal(ctx context.Context, task *mapTask) *rpc.Future {
	ctx, cancel := context.WithCancel(ctx)
	f := rpc.NewFuture(cancel)
	go func() {
		defer cancel()
		r, err := e.runPart(ctx, task)
		if err != nil {
			err = rpc.OnNode(e.store.Addr(), err)
		}
		f.Complete(r, err)
	}()
	return f
}

func (e *Engine) cancelRemote(id string, nodes []string) {
	for _, addr := range nodes {
		if addr == e.store.Addr() {
			e.cancelPart(id)
			continue
		}
		e.client.Call(context.Background(), addr, &cancelTask{Job: id}).Then(func(_ wire.Value, err error) (wire.Value, error) {
			if err != nil {
				log.Debug.Printf("mr: cancel job %s: %v", id, err)
			}
			return nil, nil
		})
	}
}

// A part is the portion of a job that runs on one node.
type part struct {
	id     string
	cancel func()

	mu    sync.Mutex
	state State
}

func (p *part) set(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// State returns the part's state.
func (p *part) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Parts returns the states of the job parts currently running on this
// node, keyed by job id.
func (e *Engine) Parts() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := make(map[string]State, len(e.parts))
	for id, p := range e.parts {
		m[id] = p.State()
	}
	return m
}

func (e *Engine) cancelPart(id string) {
	e.mu.Lock()
	p := e.parts[id]
	e.mu.Unlock()
	if p != nil {
		p.cancel()
	}
}

func (e *Engine) runPart(ctx context.Context, task *mapTask) (wire.Value, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &part{id: task.Job, cancel: cancel, state: LocalFanout}
	e.mu.Lock()
	e.parts[p.id] = p
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.parts, p.id)
		e.mu.Unlock()
	}()
	f := &fanout{
		engine:        e,
		task:          task,
		part:          p,
		deterministic: task.Deterministic,
		minLeaf:       task.MinLeaf,
	}
	if f.minLeaf < 1 {
		f.minLeaf = 1
	}
	if !f.deterministic {
		f.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return f.split(ctx, 0, len(task.Chunks))
}

// fanout maps a range of a part's chunks, splitting it recursively.
type fanout struct {
	engine        *Engine
	task          *mapTask
	part          *part
	deterministic bool
	minLeaf       int

	mu   sync.Mutex
	rand *rand.Rand
}

// splitPoint returns the index at which the range [lo, hi) is split.
// Deterministic jobs split in the middle; others pick a point at
// random in the middle half of the range.
func (f *fanout) splitPoint(lo, hi int) int {
	n := hi - lo
	if f.deterministic || n < 4 {
		return lo + n/2
	}
	f.mu.Lock()
	off := f.rand.Intn(n / 2)
	f.mu.Unlock()
	return lo + n/4 + off
}

func (f *fanout) split(ctx context.Context, lo, hi int) (wire.Value, error) {
	if hi-lo <= f.minLeaf {
		return f.leaf(ctx, lo, hi)
	}
	mid := f.splitPoint(lo, hi)
	var (
		g           errgroup.Group
		left, right wire.Value
	)
	g.Go(func() (err error) {
		left, err = f.split(ctx, lo, mid)
		return
	})
	g.Go(func() (err error) {
		right, err = f.split(ctx, mid, hi)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	f.part.set(LocalReduce)
	return reduce(f.task.Mapper, left, right)
}

// leaf maps the chunks in [lo, hi) sequentially and combines their
// results in order.
func (f *fanout) leaf(ctx context.Context, lo, hi int) (wire.Value, error) {
	e := f.engine
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.limiter.Release(1)
	var acc wire.Value
	for _, index := range f.task.Chunks[lo:hi] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := f.task.Dataset.ChunkKey(index)
		obj, err := e.store.Load(ctx, key)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("mr: load chunk %d of %s", index, f.task.Dataset.Name), err)
		}
		r, err := protect(func() (wire.Value, error) {
			return f.task.Mapper.Map(ctx, Chunk{Index: index, Key: key, Value: obj})
		})
		e.maps.Inc()
		if err != nil {
			return nil, errors.E(fmt.Sprintf("mr: map chunk %d of %s", index, f.task.Dataset.Name), err)
		}
		if acc, err = reduce(f.task.Mapper, acc, r); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// reduce combines a and b, treating nil as the identity.
func reduce(m Mapper, a, b wire.Value) (wire.Value, error) {
	switch {
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	}
	r, err := protect(func() (wire.Value, error) { return m.Reduce(a, b) })
	if err != nil {
		return nil, errors.E("mr: reduce", err)
	}
	return r, nil
}

// protect calls fn, which runs user code, and returns a panic in fn
// as an error.
func protect(fn func() (wire.Value, error)) (v wire.Value, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic: %v\n%s", e, string(debug.Stack())))
		}
	}()
	return fn()
}

func reduceAll(m Mapper, vals []wire.Value) (wire.Value, error) {
	var acc wire.Value
	for _, v := range vals {
		var err error
		if acc, err = reduce(m, acc, v); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
