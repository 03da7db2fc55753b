// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mr

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/cloudtest"
	"github.com/grailbio/bigcloud/wire"
)

// sum adds up the integers of every chunk.
type sum struct {
	// FailAt, if nonnegative, is a chunk on which Map fails.
	FailAt int
}

func (s *sum) MarshalWire(e *wire.Encoder)   { e.Int(s.FailAt) }
func (s *sum) UnmarshalWire(d *wire.Decoder) { s.FailAt = d.Int() }

func (s *sum) Map(ctx context.Context, chunk Chunk) (wire.Value, error) {
	if chunk.Index == s.FailAt {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bad chunk %d", chunk.Index))
	}
	var total wire.Int64
	for _, v := range *chunk.Value.(*wire.Int64s) {
		total += wire.Int64(v)
	}
	return &total, nil
}

func (*sum) Reduce(a, b wire.Value) (wire.Value, error) {
	total := *a.(*wire.Int64) + *b.(*wire.Int64)
	return &total, nil
}

// fsum adds up floats of widely varying magnitude, so that its result
// depends on the order of reduction.
type fsum struct{}

func (*fsum) MarshalWire(*wire.Encoder)   {}
func (*fsum) UnmarshalWire(*wire.Decoder) {}

func (*fsum) Map(ctx context.Context, chunk Chunk) (wire.Value, error) {
	x := wire.Float64(math.Pow(10, float64(chunk.Index%17)) / float64(chunk.Index+3))
	return &x, nil
}

func (*fsum) Reduce(a, b wire.Value) (wire.Value, error) {
	x := *a.(*wire.Float64) + *b.(*wire.Float64)
	return &x, nil
}

// crash panics when mapping chunk At, or in Reduce if InReduce is set.
type crash struct {
	At       int
	InReduce bool
}

func (c *crash) MarshalWire(e *wire.Encoder) {
	e.Int(c.At)
	e.Bool(c.InReduce)
}

func (c *crash) UnmarshalWire(d *wire.Decoder) {
	c.At = d.Int()
	c.InReduce = d.Bool()
}

func (c *crash) Map(ctx context.Context, chunk Chunk) (wire.Value, error) {
	if !c.InReduce && chunk.Index == c.At {
		var m map[int]int
		m[chunk.Index]++
	}
	n := wire.Int64(len(*chunk.Value.(*wire.Int64s)))
	return &n, nil
}

func (c *crash) Reduce(a, b wire.Value) (wire.Value, error) {
	if c.InReduce {
		panic("crash in reduce")
	}
	n := *a.(*wire.Int64) + *b.(*wire.Int64)
	return &n, nil
}

// block waits for cancellation.
type block struct{}

func (*block) MarshalWire(*wire.Encoder)   {}
func (*block) UnmarshalWire(*wire.Decoder) {}

func (*block) Map(ctx context.Context, chunk Chunk) (wire.Value, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (*block) Reduce(a, b wire.Value) (wire.Value, error) { return a, nil }

func registerTest(reg *wire.Registry) {
	reg.Register(new(sum))
	reg.Register(new(fsum))
	reg.Register(new(crash))
	reg.Register(new(block))
}

func newTestCloud(t *testing.T, n, nclient int) (*cloudtest.Cloud, []*Engine) {
	t.Helper()
	c := cloudtest.New(t, n, nclient, Register, registerTest)
	engines := make([]*Engine, len(c.Stores))
	for i := range engines {
		engines[i] = NewEngine(c.Stores[i], c.Clients[i], 4, c.Stats[i])
	}
	c.Serve(Service, func(i int) interface{} { return engines[i] })
	return c, engines
}

// makeChunks returns nchunk chunks holding the integers [0, n), and
// their sum.
func makeChunks(nchunk, n int) ([]wire.Value, int64) {
	chunks := make([]wire.Value, nchunk)
	for i := range chunks {
		chunks[i] = new(wire.Int64s)
	}
	var total int64
	for i := 0; i < n; i++ {
		c := chunks[i%nchunk].(*wire.Int64s)
		*c = append(*c, int64(i))
		total += int64(i)
	}
	return chunks, total
}

func TestSum(t *testing.T) {
	for _, nchunk := range []int{1, 7, 3000} {
		for _, nnode := range []int{1, 4} {
			t.Run(fmt.Sprintf("chunks=%d,nodes=%d", nchunk, nnode), func(t *testing.T) {
				c, engines := newTestCloud(t, nnode, 1)
				ctx := context.Background()
				driver := len(c.Stores) - 1
				chunks, want := makeChunks(nchunk, 10000)
				ds, err := Create(ctx, c.Stores[driver], fmt.Sprintf("ints%d", nchunk), chunks)
				if err != nil {
					t.Fatal(err)
				}
				job := engines[driver].Submit(ctx, ds, &sum{FailAt: -1}, MinLeaf(3))
				result, err := job.Wait(ctx)
				if err != nil {
					t.Fatal(err)
				}
				if got := int64(*result.(*wire.Int64)); got != want {
					t.Errorf("got %v, want %v", got, want)
				}
				if got, want := job.State(), Done; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
				// The same job may be submitted from a server.
				result, err = engines[0].Run(ctx, ds, &sum{FailAt: -1})
				if err != nil {
					t.Fatal(err)
				}
				if got := int64(*result.(*wire.Int64)); got != want {
					t.Errorf("got %v, want %v", got, want)
				}
			})
		}
	}
}

func TestRoundRobin(t *testing.T) {
	c, _ := newTestCloud(t, 3, 0)
	chunks, _ := makeChunks(9, 9)
	ds, err := Create(context.Background(), c.Stores[1], "rr", chunks)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < ds.NumChunks(); i++ {
		own, err := c.Stores[0].Owner(ds.ChunkKey(i))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := own.Addr, c.Members[i%3].Addr; got != want {
			t.Errorf("chunk %d: got %v, want %v", i, got, want)
		}
	}
	opened, err := Open(context.Background(), c.Stores[2], "rr")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := opened.NumChunks(), 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFailure(t *testing.T) {
	c, engines := newTestCloud(t, 3, 0)
	ctx := context.Background()
	chunks, _ := makeChunks(30, 300)
	ds, err := Create(ctx, c.Stores[0], "fail", chunks)
	if err != nil {
		t.Fatal(err)
	}
	// Chunk 13 lives on node1.
	job := engines[0].Submit(ctx, ds, &sum{FailAt: 13})
	result, err := job.Wait(ctx)
	if err == nil {
		t.Fatalf("got %v, want error", result)
	}
	if result != nil {
		t.Errorf("got partial result %v", result)
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if !strings.Contains(err.Error(), "node node1") {
		t.Errorf("error %v does not name the failed node", err)
	}
	if !strings.Contains(err.Error(), "bad chunk 13") {
		t.Errorf("error %v does not mention the failed chunk", err)
	}
	if got, want := job.State(), Failed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Failures on the submitting node are tagged the same way.
	_, err = engines[0].Run(ctx, ds, &sum{FailAt: 0})
	if !errors.Is(errors.Invalid, err) || !strings.Contains(err.Error(), "node node0") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestPanic(t *testing.T) {
	for _, reduce := range []bool{false, true} {
		t.Run(fmt.Sprintf("reduce=%v", reduce), func(t *testing.T) {
			c, engines := newTestCloud(t, 1, 1)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			driver := len(c.Stores) - 1
			chunks, want := makeChunks(8, 800)
			ds, err := Create(ctx, c.Stores[driver], "panic", chunks)
			if err != nil {
				t.Fatal(err)
			}
			// Every chunk lives on node0; the job is submitted from the client.
			job := engines[driver].Submit(ctx, ds, &crash{At: 4, InReduce: reduce})
			result, err := job.Wait(ctx)
			if err == nil {
				t.Fatalf("got %v, want error", result)
			}
			if ctx.Err() != nil {
				t.Fatal(ctx.Err())
			}
			if !strings.Contains(err.Error(), "panic") || !strings.Contains(err.Error(), "node node0") {
				t.Errorf("unexpected error %v", err)
			}
			if got, want := job.State(), Failed; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			// The node survives and runs later jobs.
			result, err = engines[driver].Run(ctx, ds, &sum{FailAt: -1})
			if err != nil {
				t.Fatal(err)
			}
			if got := int64(*result.(*wire.Int64)); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestDeterministic(t *testing.T) {
	c, engines := newTestCloud(t, 3, 0)
	ctx := context.Background()
	chunks := make([]wire.Value, 500)
	for i := range chunks {
		chunks[i] = new(wire.Int64s)
	}
	ds, err := Create(ctx, c.Stores[0], "floats", chunks)
	if err != nil {
		t.Fatal(err)
	}
	var first float64
	for i := 0; i < 5; i++ {
		result, err := engines[0].Run(ctx, ds, new(fsum), Deterministic)
		if err != nil {
			t.Fatal(err)
		}
		x := float64(*result.(*wire.Float64))
		if i == 0 {
			first = x
		} else if math.Float64bits(x) != math.Float64bits(first) {
			t.Errorf("run %d: got %v, want %v", i, x, first)
		}
	}
}

func TestCancel(t *testing.T) {
	c, engines := newTestCloud(t, 2, 0)
	ctx := context.Background()
	chunks, _ := makeChunks(4, 4)
	ds, err := Create(ctx, c.Stores[0], "block", chunks)
	if err != nil {
		t.Fatal(err)
	}
	job := engines[0].Submit(ctx, ds, new(block))
	if _, err := job.WaitState(ctx, ClusterReduce); err != nil {
		t.Fatal(err)
	}
	// Wait for the remote part to start.
	for len(engines[1].Parts()) == 0 {
		time.Sleep(time.Millisecond)
	}
	job.Cancel()
	if _, err := job.Wait(ctx); !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want Canceled", err)
	}
	if got, want := job.State(), Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for len(engines[1].Parts()) > 0 {
		time.Sleep(time.Millisecond)
	}
}

func TestEmptyDataset(t *testing.T) {
	c, engines := newTestCloud(t, 2, 0)
	ctx := context.Background()
	ds, err := Create(ctx, c.Stores[0], "empty", nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := engines[1].Run(ctx, ds, &sum{FailAt: -1})
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("got %v, want nil", result)
	}
	if err := ds.Remove(ctx, c.Stores[1]); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ctx, c.Stores[0], "empty"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestStateString(t *testing.T) {
	if got, want := LocalFanout.String(), "LOCAL_FANOUT"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := State(100).String(), "State(100)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
