// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcloud/wire"
)

// An UpdateFunc computes the new object for a key from its current
// object, which is nil if the key is absent. The function may be
// invoked more than once, and must not have side effects outside of
// its result. Returning a nil object leaves the key unchanged;
// returning Tombstone removes it.
type UpdateFunc func(old wire.Value) (wire.Value, error)

// Atomic applies fn to the current object stored under key, and
// commits its result provided no other write to the key intervened.
// Concurrent updates from any node are serialized: no update is lost.
// Atomic returns the committed object, or the current object if fn
// returned nil. Errors returned by fn abort the update and are
// returned as is.
func (s *Store) Atomic(ctx context.Context, key Key, fn UpdateFunc, opts ...PutOption) (wire.Value, error) {
	if key.IsZero() {
		return nil, errors.E(errors.Invalid, "dkv: atomic update of zero key")
	}
	o := makePutOptions(key.kind, opts)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		own, err := s.Owner(key)
		if err != nil {
			return nil, err
		}
		local := own.Addr == s.self
		var l *lookup
		if local {
			l, err = s.serveGet(ctx, key, "")
		} else {
			l, err = s.fetch(ctx, own.Addr, key, "")
		}
		if err != nil {
			return nil, err
		}
		var old wire.Value
		if l.Found {
			if old, err = wire.Unmarshal(s.reg, l.Data); err != nil {
				return nil, errors.E(fmt.Sprintf("dkv: atomic %s", key), err)
			}
		}
		obj, err := fn(old)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return old, nil
		}
		task := &casTask{Expect: l.Version}
		task.Key = key
		if obj == Tombstone {
			task.Remove = true
		} else {
			typ, ok := s.reg.ID(obj)
			if !ok {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("dkv: atomic %s: type %T is not registered", key, obj))
			}
			if task.Data, err = wire.Marshal(s.reg, obj); err != nil {
				return nil, errors.E(fmt.Sprintf("dkv: atomic %s", key), err)
			}
			task.Type = typ
			task.Replicas = o.replicas
			task.Resident = o.resident
		}
		var c *commit
		if local {
			var val *Value
			if !task.Remove {
				val = newValue(task.Type, task.Data, 0, o)
			}
			ok, version := s.compareAndCommit(ctx, key, task.Expect, val, "")
			c = &commit{OK: ok, Version: version}
		} else {
			reply, err := s.client.CallWait(ctx, own.Addr, task)
			if err != nil {
				return nil, err
			}
			s.markDirty(own.Addr)
			c = reply.(*commit)
		}
		if !c.OK {
			s.races.Inc()
			log.Debug.Printf("dkv: atomic %s: expected version %d, found %d; retrying", key, task.Expect, c.Version)
			continue
		}
		if !local {
			s.invalidateLocal(key, c.Version)
		}
		if task.Remove {
			return nil, nil
		}
		return obj, nil
	}
}
