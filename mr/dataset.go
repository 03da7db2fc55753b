// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mr

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

// A Dataset is a named collection of chunks stored in the cloud. Each
// chunk is pinned to a server, chosen round-robin when the dataset is
// created, so that work on the chunk runs where the chunk lives.
//
// The dataset's header, stored under a system key derived from its
// name, is the Dataset itself.
type Dataset struct {
	Name string
	// Homes holds the address of the node each chunk is pinned to.
	Homes []string
}

func (d *Dataset) MarshalWire(e *wire.Encoder) {
	e.String(d.Name)
	e.Strings(d.Homes)
}

func (d *Dataset) UnmarshalWire(dec *wire.Decoder) {
	d.Name = dec.String()
	d.Homes = dec.Strings()
}

// NumChunks returns the number of chunks in the dataset.
func (d *Dataset) NumChunks() int { return len(d.Homes) }

// Key returns the key of the dataset's header.
func (d *Dataset) Key() dkv.Key { return headerKey(d.Name) }

// ChunkKey returns the key of the i'th chunk.
func (d *Dataset) ChunkKey(i int) dkv.Key {
	return dkv.Pinned(dkv.Chunk, fmt.Sprintf("%s/%d", d.Name, i), d.Homes[i])
}

func (d *Dataset) String() string {
	return fmt.Sprintf("dataset %s (%d chunks)", d.Name, len(d.Homes))
}

func headerKey(name string) dkv.Key {
	return dkv.MakeSystem(dkv.System, "dataset/"+name)
}

// A Chunk is a partition of a dataset, as presented to a Mapper.
type Chunk struct {
	Index int
	Key   dkv.Key
	Value wire.Value
}

// Create stores a new dataset with the provided chunks. Chunks are
// pinned to the cloud's servers round-robin. Create returns once the
// dataset is visible to every node.
func Create(ctx context.Context, store *dkv.Store, name string, chunks []wire.Value) (*Dataset, error) {
	if name == "" {
		return nil, errors.E(errors.Invalid, "mr: empty dataset name")
	}
	servers := store.View().Servers()
	if len(servers) == 0 {
		return nil, errors.E(errors.Unavailable, "mr: cloud has no servers")
	}
	ds := &Dataset{Name: name, Homes: make([]string, len(chunks))}
	for i := range chunks {
		ds.Homes[i] = servers[i%len(servers)].Addr
	}
	err := traverse.Limit(32).Each(len(chunks), func(i int) error {
		return store.Put(ctx, ds.ChunkKey(i), chunks[i])
	})
	if err != nil {
		return nil, errors.E(fmt.Sprintf("mr: create %s", name), err)
	}
	if err := store.Put(ctx, ds.Key(), ds); err != nil {
		return nil, err
	}
	if err := store.WriteBarrier(ctx); err != nil {
		return nil, err
	}
	return ds, nil
}

// Open returns the dataset with the provided name. Open returns an
// error of kind errors.NotExist if no such dataset exists.
func Open(ctx context.Context, store *dkv.Store, name string) (*Dataset, error) {
	obj, err := store.Load(ctx, headerKey(name))
	if err != nil {
		return nil, err
	}
	ds, ok := obj.(*Dataset)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("mr: %s holds a %T, not a dataset", name, obj))
	}
	return ds, nil
}

// Remove removes the dataset's chunks and header from the store.
func (d *Dataset) Remove(ctx context.Context, store *dkv.Store) error {
	err := traverse.Limit(32).Each(len(d.Homes), func(i int) error {
		return store.Remove(ctx, d.ChunkKey(i))
	})
	if err != nil {
		return err
	}
	if err := store.Remove(ctx, d.Key()); err != nil {
		return err
	}
	return store.WriteBarrier(ctx)
}
