// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"context"

	"github.com/grailbio/bigcloud/wire"
)

// Service is the name under which a Store is registered with its
// node's rpc server.
const Service = "dkv"

// Register registers the store's message types. Every node must call
// Register at the same point of its registration sequence.
func Register(reg *wire.Registry) {
	reg.Register(new(putTask))
	reg.Register(new(getTask))
	reg.Register(new(removeTask))
	reg.Register(new(casTask))
	reg.Register(new(invalidateTask))
	reg.Register(new(cacheTask))
	reg.Register(new(flushTask))
	reg.Register(new(lookup))
	reg.Register(new(commit))
}

// putTask commits a value at its owner. From, if not empty, is the
// node that issued the put; it caches the committed value and is
// registered as a replica.
type putTask struct {
	From     string
	Key      Key
	Type     wire.TypeID
	Data     []byte
	Replicas int
	Resident bool
	// MinVersion, if nonzero, is a lower bound for the committed
	// version. It is used when values migrate between owners.
	MinVersion uint64
}

func (t *putTask) MarshalWire(e *wire.Encoder) {
	e.String(t.From)
	t.Key.MarshalWire(e)
	e.Uvarint(uint64(t.Type))
	e.Bytes(t.Data)
	e.Int(t.Replicas)
	e.Bool(t.Resident)
	e.Uvarint(t.MinVersion)
}

func (t *putTask) UnmarshalWire(d *wire.Decoder) {
	t.From = d.String()
	t.Key.UnmarshalWire(d)
	t.Type = wire.TypeID(d.Uvarint())
	t.Data = d.Bytes()
	t.Replicas = d.Int()
	t.Resident = d.Bool()
	t.MinVersion = d.Uvarint()
}

func (*putTask) Service() string { return Service }

func (t *putTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	s := svc.(*Store)
	opts := putOptions{replicas: t.Replicas, resident: t.Resident}
	version := s.commit(ctx, t.Key, newValue(t.Type, t.Data, 0, opts), t.From, t.MinVersion)
	return &commit{OK: true, Version: version}, nil
}

// getTask reads a value from its owner. From, if not empty, is
// registered as a replica.
type getTask struct {
	From string
	Key  Key
}

func (t *getTask) MarshalWire(e *wire.Encoder) {
	e.String(t.From)
	t.Key.MarshalWire(e)
}

func (t *getTask) UnmarshalWire(d *wire.Decoder) {
	t.From = d.String()
	t.Key.UnmarshalWire(d)
}

func (*getTask) Service() string { return Service }

func (t *getTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	return svc.(*Store).serveGet(ctx, t.Key, t.From)
}

// removeTask removes a value at its owner.
type removeTask struct {
	From string
	Key  Key
}

func (t *removeTask) MarshalWire(e *wire.Encoder) {
	e.String(t.From)
	t.Key.MarshalWire(e)
}

func (t *removeTask) UnmarshalWire(d *wire.Decoder) {
	t.From = d.String()
	t.Key.UnmarshalWire(d)
}

func (*removeTask) Service() string { return Service }

func (t *removeTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	version := svc.(*Store).removeLocal(ctx, t.Key, t.From)
	return &commit{OK: true, Version: version}, nil
}

// casTask commits a value, or removes the key, only if the key's
// version is still Expect.
type casTask struct {
	putTask
	Expect uint64
	Remove bool
}

func (t *casTask) MarshalWire(e *wire.Encoder) {
	t.putTask.MarshalWire(e)
	e.Uvarint(t.Expect)
	e.Bool(t.Remove)
}

func (t *casTask) UnmarshalWire(d *wire.Decoder) {
	t.putTask.UnmarshalWire(d)
	t.Expect = d.Uvarint()
	t.Remove = d.Bool()
}

func (t *casTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	s := svc.(*Store)
	var val *Value
	if !t.Remove {
		val = newValue(t.Type, t.Data, 0, putOptions{replicas: t.Replicas, resident: t.Resident})
	}
	ok, version := s.compareAndCommit(ctx, t.Key, t.Expect, val, t.From)
	return &commit{OK: ok, Version: version}, nil
}

// invalidateTask tells a caching node that the key has been
// committed under Version, so older cached copies must be dropped.
type invalidateTask struct {
	Key     Key
	Version uint64
}

func (t *invalidateTask) MarshalWire(e *wire.Encoder) {
	t.Key.MarshalWire(e)
	e.Uvarint(t.Version)
}

func (t *invalidateTask) UnmarshalWire(d *wire.Decoder) {
	t.Key.UnmarshalWire(d)
	t.Version = d.Uvarint()
}

func (*invalidateTask) Service() string { return Service }

func (t *invalidateTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	svc.(*Store).invalidateLocal(t.Key, t.Version)
	return nil, nil
}

// cacheTask pushes a committed value to a replica site.
type cacheTask struct {
	Key      Key
	Type     wire.TypeID
	Data     []byte
	Version  uint64
	Replicas int
}

func (t *cacheTask) MarshalWire(e *wire.Encoder) {
	t.Key.MarshalWire(e)
	e.Uvarint(uint64(t.Type))
	e.Bytes(t.Data)
	e.Uvarint(t.Version)
	e.Int(t.Replicas)
}

func (t *cacheTask) UnmarshalWire(d *wire.Decoder) {
	t.Key.UnmarshalWire(d)
	t.Type = wire.TypeID(d.Uvarint())
	t.Data = d.Bytes()
	t.Version = d.Uvarint()
	t.Replicas = d.Int()
}

func (*cacheTask) Service() string { return Service }

func (t *cacheTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	svc.(*Store).cacheLocal(t.Key, newValue(t.Type, t.Data, t.Version, putOptions{replicas: t.Replicas}))
	return nil, nil
}

// flushTask waits for the owner's pending invalidations and
// redelivers those that failed.
type flushTask struct{}

func (*flushTask) MarshalWire(*wire.Encoder)   {}
func (*flushTask) UnmarshalWire(*wire.Decoder) {}
func (*flushTask) Service() string             { return Service }

func (*flushTask) Run(ctx context.Context, svc interface{}) (wire.Value, error) {
	return nil, svc.(*Store).flush(ctx)
}

// lookup is the reply to a getTask. Version is the key's current
// version whether or not it is present.
type lookup struct {
	Found    bool
	Type     wire.TypeID
	Data     []byte
	Version  uint64
	Replicas int
}

func (l *lookup) MarshalWire(e *wire.Encoder) {
	e.Bool(l.Found)
	e.Uvarint(uint64(l.Type))
	e.Bytes(l.Data)
	e.Uvarint(l.Version)
	e.Int(l.Replicas)
}

func (l *lookup) UnmarshalWire(d *wire.Decoder) {
	l.Found = d.Bool()
	l.Type = wire.TypeID(d.Uvarint())
	l.Data = d.Bytes()
	l.Version = d.Uvarint()
	l.Replicas = d.Int()
}

// commit is the reply to mutating tasks.
type commit struct {
	OK      bool
	Version uint64
}

func (c *commit) MarshalWire(e *wire.Encoder) {
	e.Bool(c.OK)
	e.Uvarint(c.Version)
}

func (c *commit) UnmarshalWire(d *wire.Decoder) {
	c.OK = d.Bool()
	c.Version = d.Uvarint()
}
