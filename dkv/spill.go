// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcloud/wire"
	"github.com/spaolacci/murmur3"
)

// A Resident describes a value held in memory that may be released
// under memory pressure.
type Resident struct {
	Key     Key
	Size    int
	Touched time.Time
	Version uint64
	// Owned is true if this node is the value's owner; values that
	// are not owned are cached copies and are dropped rather than
	// spilled.
	Owned bool
}

// Residents returns the values currently held in memory that may be
// released: cached copies, and owned values that are not marked
// resident.
func (s *Store) Residents() []Resident {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rs []Resident
	for key, v := range s.values {
		if v.spilled {
			continue
		}
		own, err := owner(s.view, key)
		owned := err == nil && own.Addr == s.self
		if owned && v.resident {
			continue
		}
		rs = append(rs, Resident{
			Key:     key,
			Size:    len(v.data),
			Touched: v.Touched(),
			Version: v.version,
			Owned:   owned,
		})
	}
	return rs
}

// spillPath returns the path under which node spills version of
// key. Nodes may share a backend, so paths are qualified by node.
func spillPath(node string, key Key, version uint64) string {
	h1, h2 := murmur3.Sum128(append([]byte(key.home+"\x00"), key.hashBytes()...))
	return fmt.Sprintf("spill/%08x/%016x%016x.%d", murmur3.Sum32([]byte(node)), h1, h2, version)
}

// Spill releases the memory held by key's value, provided its version
// is still version. Cached copies are dropped; owned values are
// written to the store's backend and reloaded on demand. Spill
// returns the number of bytes released.
func (s *Store) Spill(ctx context.Context, key Key, version uint64) (int, error) {
	s.mu.Lock()
	v := s.values[key]
	if v == nil || v.version != version || v.spilled {
		s.mu.Unlock()
		return 0, nil
	}
	own, err := owner(s.view, key)
	if err != nil || own.Addr != s.self {
		delete(s.values, key)
		s.mu.Unlock()
		s.drops.Inc()
		return len(v.data), nil
	}
	if v.resident {
		s.mu.Unlock()
		return 0, nil
	}
	data := v.data
	s.mu.Unlock()

	path := spillPath(s.self, key, version)
	if err := s.backend.WriteBytes(ctx, path, data); err != nil {
		return 0, errors.E(fmt.Sprintf("dkv: spill %s", key), err)
	}
	s.mu.Lock()
	if s.values[key] != v {
		s.mu.Unlock()
		// The value was replaced while it was written out.
		if err := s.backend.Delete(ctx, path); err != nil {
			log.Error.Printf("dkv: delete spilled value %s: %v", path, err)
		}
		return 0, nil
	}
	v.data = nil
	v.spilled = true
	v.path = path
	s.mu.Unlock()
	s.spills.Inc()
	log.Debug.Printf("dkv: spilled %s (%d bytes) to %s", key, len(data), path)
	return len(data), nil
}

// resident returns the data of v, reloading it from the backend if it
// has been spilled. Spilled blobs are retained until the value is
// replaced or removed.
func (s *Store) resident(ctx context.Context, key Key, v *Value) ([]byte, error) {
	s.mu.Lock()
	if !v.spilled {
		data := v.data
		s.mu.Unlock()
		return data, nil
	}
	path := v.path
	s.mu.Unlock()
	data, err := s.backend.ReadBytes(ctx, path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("dkv: reload %s", key), err)
	}
	s.mu.Lock()
	if v.spilled && v.path == path {
		v.data = data
		v.spilled = false
	}
	s.mu.Unlock()
	s.reloads.Inc()
	return data, nil
}

// Export writes the object stored under key to path in the store's
// backend.
func (s *Store) Export(ctx context.Context, key Key, path string) error {
	v, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return errors.E(errors.NotExist, fmt.Sprintf("dkv: export %s", key))
	}
	return s.backend.WriteBytes(ctx, path, v.data)
}

// Import reads an object exported to path in the store's backend and
// puts it under key.
func (s *Store) Import(ctx context.Context, path string, key Key, opts ...PutOption) error {
	p, err := s.backend.ReadBytes(ctx, path)
	if err != nil {
		return err
	}
	obj, err := wire.Unmarshal(s.reg, p)
	if err != nil {
		return errors.E(fmt.Sprintf("dkv: import %s", path), err)
	}
	return s.Put(ctx, key, obj, opts...)
}
