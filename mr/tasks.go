// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mr

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/wire"
)

// mapTask runs a job's part on the node that owns Chunks.
type mapTask struct {
	Job           string
	Dataset       *Dataset
	Chunks        []int
	Mapper        Mapper
	Deterministic bool
	MinLeaf       int

	// err is set when the task's mapper could not be decoded.
	err error
}

func (t *mapTask) MarshalWire(e *wire.Encoder) {
	e.String(t.Job)
	t.Dataset.MarshalWire(e)
	e.Int(len(t.Chunks))
	for _, c := range t.Chunks {
		e.Int(c)
	}
	e.Value(t.Mapper)
	e.Bool(t.Deterministic)
	e.Int(t.MinLeaf)
}

func (t *mapTask) UnmarshalWire(d *wire.Decoder) {
	t.Job = d.String()
	t.Dataset = new(Dataset)
	t.Dataset.UnmarshalWire(d)
	n := d.Int()
	if n < 0 || n > len(t.Dataset.Homes) {
		t.err = errors.E(errors.Invalid, fmt.Sprintf("mr: bad chunk count %d", n))
		return
	}
	t.Chunks = make([]int, n)
	for i := range t.Chunks {
		t.Chunks[i] = d.Int()
	}
	v := d.Value()
	if m, ok := v.(Mapper); ok {
		t.Mapper = m
	} else if v != nil {
		t.err = errors.E(errors.NotAllowed, fmt.Sprintf("mr: %T is not a mapper", v))
	}
	t.Deterministic = d.Bool()
	t.MinLeaf = d.Int()
}

func (*mapTask) Service() string { return Service }

func (t *mapTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.Mapper == nil {
		return nil, errors.E(errors.Invalid, "mr: nil mapper")
	}
	for _, c := range t.Chunks {
		if c < 0 || c >= t.Dataset.NumChunks() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("mr: chunk %d out of range", c))
		}
	}
	return svc.(*Engine).runPart(ctx, t)
}

// cancelTask cancels the part of job Job running on a node.
type cancelTask struct {
	Job string
}

func (t *cancelTask) MarshalWire(e *wire.Encoder)   { e.String(t.Job) }
func (t *cancelTask) UnmarshalWire(d *wire.Decoder) { t.Job = d.String() }
func (*cancelTask) Service() string                 { return Service }

func (t *cancelTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	svc.(*Engine).cancelPart(t.Job)
	return nil, nil
}
