// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dkv implements the distributed key-value store of a cloud.
//
// Every key has exactly one owner among the cloud's servers, computed
// from the key and the current membership view. The owner holds the
// authoritative value and a version counter for the key; every other
// copy of the value is a cache. Owners track which nodes cache each
// key, and every commit or removal sends those nodes an invalidation
// carrying the new version. Caching nodes keep the highest version
// they have been told about, so that a reply overtaken by an
// invalidation is never cached.
//
// Puts return once the owner has committed the value; invalidations
// are delivered asynchronously. WriteBarrier waits until every
// invalidation caused by the node's writes has been acknowledged.
package dkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/persist"
	"github.com/grailbio/bigcloud/rpc"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
)

// fetchPolicy governs the retries of reads against a key's owner.
var fetchPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 2*time.Second, 2), 3)

// forgetAfter is the age after which the version records of removed
// keys, and the invalidation floors of cached keys, are discarded.
// Messages older than this are presumed to have been delivered.
var forgetAfter = 5 * time.Minute

// floor is the highest version of a key owned elsewhere that this
// node has been told about.
type floor struct {
	version uint64
	at      time.Time
}

// A Store is one node's part of the distributed key-value store.
type Store struct {
	reg     *wire.Registry
	client  *rpc.Client
	backend persist.Backend
	self    string

	// pending tracks the invalidations and replica pushes issued by
	// this node as an owner.
	pending rpc.Group

	mu   sync.Mutex
	view *cloud.View
	// values holds the values owned by this node as well as cached
	// copies of values owned by others.
	values map[Key]*Value
	// clock is the highest version issued by this node as an owner.
	// Versions are drawn from it so that a key committed again after
	// its record was forgotten still moves forward.
	clock uint64
	// versions holds the last committed version of each owned key,
	// including keys removed less than forgetAfter ago.
	versions map[Key]uint64
	// removed holds the removal times of the keys in versions that
	// have no value.
	removed map[Key]time.Time
	// replicas holds, for each owned key, the nodes that may cache it.
	replicas map[Key]map[string]bool
	// floors holds, for keys owned elsewhere, the highest version
	// this node has been told about.
	floors map[Key]floor
	// swept is the time at which removed and floors were last pruned.
	swept time.Time
	// owed holds, for each caching node, the invalidations that could
	// not be delivered to it.
	owed map[string]map[Key]uint64
	// dirty holds the owners written to since the last write barrier.
	dirty map[string]bool

	puts, gets, hits, misses, removes, invalidations, races *stats.Int
	spills, drops, reloads, migrations                    *stats.Int
}

// New returns a store for the local node of view, which communicates
// with its peers through client. Values spilled under memory pressure
// are written to backend; if backend is nil, an in-memory backend is
// used. Counters are added to m, if not nil.
func New(reg *wire.Registry, client *rpc.Client, view *cloud.View, backend persist.Backend, m *stats.Map) *Store {
	if backend == nil {
		backend = persist.NewMemory()
	}
	if m == nil {
		m = stats.NewMap()
	}
	return &Store{
		reg:           reg,
		client:        client,
		backend:       backend,
		self:          view.Self().Addr,
		view:          view,
		values:        make(map[Key]*Value),
		versions:      make(map[Key]uint64),
		removed:       make(map[Key]time.Time),
		replicas:      make(map[Key]map[string]bool),
		floors:        make(map[Key]floor),
		owed:          make(map[string]map[Key]uint64),
		swept:         time.Now(),
		dirty:         make(map[string]bool),
		puts:          m.Int("dkv.puts"),
		gets:          m.Int("dkv.gets"),
		hits:          m.Int("dkv.hits"),
		misses:        m.Int("dkv.misses"),
		removes:       m.Int("dkv.removes"),
		invalidations: m.Int("dkv.invalidations"),
		races:         m.Int("dkv.atomic.races"),
		spills:        m.Int("dkv.spills"),
		drops:         m.Int("dkv.drops"),
		reloads:       m.Int("dkv.reloads"),
		migrations:    m.Int("dkv.migrations"),
	}
}

// Registry returns the store's type registry.
func (s *Store) Registry() *wire.Registry { return s.reg }

// Addr returns the address of the store's node.
func (s *Store) Addr() string { return s.self }

// View returns the store's current membership view.
func (s *Store) View() *cloud.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Owner returns the member that owns key in the current view.
func (s *Store) Owner(key Key) (cloud.Member, error) {
	return owner(s.View(), key)
}

func owner(view *cloud.View, key Key) (cloud.Member, error) {
	if key.home != "" {
		if m, ok := view.Member(key.home); ok && !m.Client {
			return m, nil
		}
	}
	if m, ok := view.Owner(key.hashBytes()); ok {
		return m, nil
	}
	return cloud.Member{}, errors.E(errors.Unavailable, "dkv: cloud has no servers")
}

// client nodes never cache, and are never registered as replicas:
// owners cannot always reach them.
func (s *Store) isClient() bool {
	return s.View().Self().Client
}

// from returns the address under which this node registers as a
// replica, or the empty string if it does not cache.
func (s *Store) from() string {
	if s.isClient() {
		return ""
	}
	return s.self
}

func (s *Store) markDirty(addr string) {
	s.mu.Lock()
	s.dirty[addr] = true
	s.mu.Unlock()
}

// Put commits obj under key. The object's type must be registered.
// Put returns once the key's owner has committed the value; caches
// on other nodes are invalidated asynchronously (see WriteBarrier).
// A failed put leaves the previously committed value intact.
func (s *Store) Put(ctx context.Context, key Key, obj wire.Value, opts ...PutOption) error {
	if key.IsZero() {
		return errors.E(errors.Invalid, "dkv: put of zero key")
	}
	if obj == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("dkv: put of nil value to %s", key))
	}
	typ, ok := s.reg.ID(obj)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("dkv: put %s: type %T is not registered", key, obj))
	}
	data, err := wire.Marshal(s.reg, obj)
	if err != nil {
		return errors.E(fmt.Sprintf("dkv: put %s", key), err)
	}
	return s.putBytes(ctx, key, typ, data, makePutOptions(key.kind, opts))
}

func (s *Store) putBytes(ctx context.Context, key Key, typ wire.TypeID, data []byte, o putOptions) error {
	s.puts.Inc()
	own, err := s.Owner(key)
	if err != nil {
		return err
	}
	if own.Addr == s.self {
		s.commit(ctx, key, newValue(typ, data, 0, o), "", 0)
		return nil
	}
	reply, err := s.client.CallWait(ctx, own.Addr, &putTask{
		From:     s.from(),
		Key:      key,
		Type:     typ,
		Data:     data,
		Replicas: o.replicas,
		Resident: o.resident,
	})
	if err != nil {
		return err
	}
	s.markDirty(own.Addr)
	s.cacheLocal(key, newValue(typ, data, reply.(*commit).Version, o))
	return nil
}

// Get returns the value stored under key, or nil if the key is
// absent. Values owned elsewhere are served from the local cache if
// present, and otherwise fetched from their owner and cached.
func (s *Store) Get(ctx context.Context, key Key) (*Value, error) {
	if key.IsZero() {
		return nil, errors.E(errors.Invalid, "dkv: get of zero key")
	}
	s.gets.Inc()
	own, err := s.Owner(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	v := s.values[key]
	s.mu.Unlock()
	if v != nil {
		data, err := s.resident(ctx, key, v)
		if err != nil {
			return nil, err
		}
		v.touch()
		s.hits.Inc()
		return v.snapshot(data), nil
	}
	if own.Addr == s.self {
		return nil, nil
	}
	s.misses.Inc()
	l, err := s.fetch(ctx, own.Addr, key, s.from())
	if err != nil {
		return nil, err
	}
	if !l.Found {
		return nil, nil
	}
	val := newValue(l.Type, l.Data, l.Version, putOptions{replicas: l.Replicas})
	s.cacheLocal(key, val)
	return val.snapshot(l.Data), nil
}

// Load returns the object stored under key. Load returns an error
// of kind errors.NotExist if the key is absent.
func (s *Store) Load(ctx context.Context, key Key) (wire.Value, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("dkv: key %s", key))
	}
	return v.Object(s.reg)
}

// Prefetch warms the local cache with the value of key without
// blocking the caller. The returned future completes when the value
// has been fetched.
func (s *Store) Prefetch(ctx context.Context, key Key) *rpc.Future {
	ctx, cancel := context.WithCancel(ctx)
	f := rpc.NewFuture(cancel)
	go func() {
		_, err := s.Get(ctx, key)
		cancel()
		f.Complete(nil, err)
	}()
	return f
}

// Remove removes key from the store. Cached copies are invalidated
// asynchronously (see WriteBarrier).
func (s *Store) Remove(ctx context.Context, key Key) error {
	if key.IsZero() {
		return errors.E(errors.Invalid, "dkv: remove of zero key")
	}
	s.removes.Inc()
	own, err := s.Owner(key)
	if err != nil {
		return err
	}
	if own.Addr == s.self {
		s.removeLocal(ctx, key, "")
		return nil
	}
	reply, err := s.client.CallWait(ctx, own.Addr, &removeTask{From: s.from(), Key: key})
	if err != nil {
		return err
	}
	s.markDirty(own.Addr)
	s.invalidateLocal(key, reply.(*commit).Version)
	return nil
}

// WriteBarrier blocks until every cached copy made stale by this
// node's puts and removes has been invalidated. After WriteBarrier
// returns, a get of any of these keys from any node returns the
// written value. WriteBarrier fails with an error of kind
// errors.Unavailable if a node that may hold a stale copy cannot be
// reached; the invalidations are redelivered by the next barrier.
func (s *Store) WriteBarrier(ctx context.Context) error {
	if err := s.flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	owners := make([]string, 0, len(s.dirty))
	for addr := range s.dirty {
		owners = append(owners, addr)
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()
	return traverse.Each(len(owners), func(i int) error {
		if _, err := s.client.CallWait(ctx, owners[i], new(flushTask)); err != nil {
			s.markDirty(owners[i])
			return err
		}
		return nil
	})
}

// flush waits for the invalidations issued by this node as an owner
// and redelivers those that failed. Invalidations that still cannot
// be delivered stay owed.
func (s *Store) flush(ctx context.Context) error {
	if err := s.pending.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	owed := s.owed
	s.owed = make(map[string]map[Key]uint64)
	s.mu.Unlock()
	addrs := make([]string, 0, len(owed))
	for addr := range owed {
		addrs = append(addrs, addr)
	}
	return traverse.Each(len(addrs), func(i int) error {
		addr := addrs[i]
		var err error
		for key, version := range owed[addr] {
			if err == nil {
				s.invalidations.Inc()
				_, err = s.client.CallWait(ctx, addr, &invalidateTask{Key: key, Version: version})
				if err == nil {
					continue
				}
			}
			s.owe(addr, key, version)
		}
		if err != nil {
			return errors.E(errors.Unavailable, fmt.Sprintf("dkv: node %s may hold stale values", addr), err)
		}
		return nil
	})
}

// owe records an invalidation that could not be delivered to addr.
func (s *Store) owe(addr string, key Key, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.owed[addr]
	if m == nil {
		m = make(map[Key]uint64)
		s.owed[addr] = m
	}
	if version > m[key] {
		m[key] = version
	}
}

// Keys returns the keys of the values owned by this node.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for key := range s.values {
		if own, err := owner(s.view, key); err == nil && own.Addr == s.self {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of values, owned or cached, held by this
// node.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Cached tells whether this node holds a copy of key.
func (s *Store) Cached(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

func (s *Store) fetch(ctx context.Context, addr string, key Key, from string) (*lookup, error) {
	for retries := 0; ; retries++ {
		reply, err := s.client.CallWait(ctx, addr, &getTask{From: from, Key: key})
		if err == nil {
			return reply.(*lookup), nil
		}
		if !errors.Is(errors.Net, err) {
			return nil, err
		}
		log.Debug.Printf("dkv: get %s from %s: %v", key, addr, err)
		if werr := retry.Wait(ctx, fetchPolicy, retries); werr != nil {
			return nil, err
		}
	}
}

// effects are the messages owed to other nodes after a change to an
// owned key. They are sent after the store's lock is released.
type effects struct {
	key     Key
	version uint64
	// stale are the replicas that must be invalidated.
	stale []string
	// push are the replica sites that receive the new value.
	push []string
	val  *Value
	data []byte
	old  *Value
}

func (s *Store) addReplica(key Key, addr string) {
	if m, ok := s.view.Member(addr); !ok || m.Client {
		return
	}
	set := s.replicas[key]
	if set == nil {
		set = make(map[string]bool)
		s.replicas[key] = set
	}
	set[addr] = true
}

// commitLocked installs val as the owned value of key. It must be
// called with s.mu held.
func (s *Store) commitLocked(key Key, val *Value, from string, minVersion uint64) effects {
	version := s.tick(minVersion)
	s.versions[key] = version
	delete(s.removed, key)
	val.version = version
	e := effects{key: key, version: version, val: val, data: val.data, old: s.values[key]}
	s.values[key] = val
	for addr := range s.replicas[key] {
		if addr != from {
			e.stale = append(e.stale, addr)
		}
	}
	delete(s.replicas, key)
	if from != "" && from != s.self {
		s.addReplica(key, from)
	}
	if val.replicas > 1 {
		for _, m := range s.view.Ranked(key.hashBytes(), val.replicas) {
			if m.Addr != s.self && m.Addr != from {
				e.push = append(e.push, m.Addr)
				s.addReplica(key, m.Addr)
			}
		}
	}
	return e
}

// removeLocked removes the owned value of key. It must be called
// with s.mu held.
func (s *Store) removeLocked(key Key, from string) effects {
	version := s.tick(0)
	s.versions[key] = version
	s.removed[key] = time.Now()
	s.sweepLocked()
	e := effects{key: key, version: version, old: s.values[key]}
	delete(s.values, key)
	for addr := range s.replicas[key] {
		if addr != from {
			e.stale = append(e.stale, addr)
		}
	}
	delete(s.replicas, key)
	return e
}

// tick returns a new version, greater than every version issued by
// this node and no less than least. It must be called with s.mu held.
func (s *Store) tick(least uint64) uint64 {
	if least > s.clock {
		s.clock = least
	} else {
		s.clock++
	}
	return s.clock
}

// sweepLocked forgets removed keys and floors older than forgetAfter.
// It must be called with s.mu held.
func (s *Store) sweepLocked() {
	now := time.Now()
	if now.Sub(s.swept) < forgetAfter/2 {
		return
	}
	s.swept = now
	for key, at := range s.removed {
		if now.Sub(at) >= forgetAfter {
			delete(s.removed, key)
			delete(s.versions, key)
		}
	}
	for key, f := range s.floors {
		if now.Sub(f.at) >= forgetAfter {
			delete(s.floors, key)
		}
	}
}

func (s *Store) apply(e effects) {
	if e.old != nil && e.old.path != "" {
		path := e.old.path
		go func() {
			if err := s.backend.Delete(context.Background(), path); err != nil {
				log.Error.Printf("dkv: delete spilled value %s: %v", path, err)
			}
		}()
	}
	for _, addr := range e.stale {
		s.invalidate(addr, e.key, e.version)
	}
	for _, addr := range e.push {
		s.async(addr, &cacheTask{
			Key:      e.key,
			Type:     e.val.typ,
			Data:     e.data,
			Version:  e.version,
			Replicas: e.val.replicas,
		})
	}
}

// invalidate tells addr that key was committed under version. An
// invalidation that fails is owed to addr until a write barrier
// delivers it.
func (s *Store) invalidate(addr string, key Key, version uint64) {
	s.invalidations.Inc()
	f := s.client.Call(context.Background(), addr, &invalidateTask{Key: key, Version: version}).Then(func(_ wire.Value, err error) (wire.Value, error) {
		if err != nil {
			log.Error.Printf("dkv: invalidate %s on %s: %v", key, addr, err)
			s.owe(addr, key, version)
		}
		return nil, nil
	})
	s.pending.Add(f)
}

// async sends a task on behalf of the owner and tracks it until it
// is acknowledged. Failures are logged: a replica push that is lost
// only costs the replica a fetch.
func (s *Store) async(addr string, task rpc.Task) {
	f := s.client.Call(context.Background(), addr, task).Then(func(_ wire.Value, err error) (wire.Value, error) {
		if err != nil {
			log.Error.Printf("dkv: %T to %s: %v", task, addr, err)
		}
		return nil, nil
	})
	s.pending.Add(f)
}

func (s *Store) commit(ctx context.Context, key Key, val *Value, from string, minVersion uint64) uint64 {
	s.mu.Lock()
	e := s.commitLocked(key, val, from, minVersion)
	s.mu.Unlock()
	s.apply(e)
	return e.version
}

func (s *Store) removeLocal(ctx context.Context, key Key, from string) uint64 {
	s.mu.Lock()
	e := s.removeLocked(key, from)
	s.mu.Unlock()
	s.apply(e)
	return e.version
}

// compareAndCommit commits val (or removes key, if val is nil) only
// if the key's version is expect. It returns whether the commit took
// place, and the key's current version.
func (s *Store) compareAndCommit(ctx context.Context, key Key, expect uint64, val *Value, from string) (bool, uint64) {
	s.mu.Lock()
	if current := s.versions[key]; current != expect {
		s.mu.Unlock()
		return false, current
	}
	var e effects
	if val == nil {
		e = s.removeLocked(key, from)
	} else {
		e = s.commitLocked(key, val, from, 0)
	}
	s.mu.Unlock()
	s.apply(e)
	return true, e.version
}

func (s *Store) serveGet(ctx context.Context, key Key, from string) (*lookup, error) {
	s.mu.Lock()
	v := s.values[key]
	version := s.versions[key]
	if v == nil {
		s.mu.Unlock()
		return &lookup{Version: version}, nil
	}
	if from != "" && from != s.self {
		s.addReplica(key, from)
	}
	s.mu.Unlock()
	data, err := s.resident(ctx, key, v)
	if err != nil {
		return nil, err
	}
	v.touch()
	return &lookup{
		Found:    true,
		Type:     v.typ,
		Data:     data,
		Version:  v.version,
		Replicas: v.replicas,
	}, nil
}

// cacheLocal installs a copy of a value owned by another node,
// unless an invalidation for the same or a newer version has been
// received.
func (s *Store) cacheLocal(key Key, val *Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Self().Client {
		return
	}
	if own, err := owner(s.view, key); err != nil || own.Addr == s.self {
		return
	}
	if val.version < s.floors[key].version {
		return
	}
	if cur := s.values[key]; cur != nil && cur.version >= val.version {
		return
	}
	s.values[key] = val
}

func (s *Store) invalidateLocal(key Key, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.floors[key].version {
		s.floors[key] = floor{version, time.Now()}
	}
	s.sweepLocked()
	if v := s.values[key]; v != nil && v.version < version {
		delete(s.values, key)
	}
}
