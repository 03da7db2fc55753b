// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scope tracks the keys created by a computation so that they
// are removed from the store when the computation is done.
//
// A Scope is a stack of frames. Keys tracked while a frame is open
// are removed when the frame exits, unless they are kept explicitly
// or protected by an enclosing frame. A protected key survives the
// exit of inner frames and is removed when the protecting frame
// exits.
//
//	sc := scope.New(store)
//	sc.Enter()
//	defer sc.Exit(ctx, result)
package scope

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

// A Scope is a stack of key-tracking frames. Scopes are safe for
// concurrent use.
type Scope struct {
	store *dkv.Store

	mu     sync.Mutex
	frames []*frame
}

type frame struct {
	keys      map[dkv.Key]bool
	protected map[dkv.Key]bool
}

func newFrame() *frame {
	return &frame{keys: make(map[dkv.Key]bool), protected: make(map[dkv.Key]bool)}
}

// New returns a new scope, with no open frames, that removes keys
// from store.
func New(store *dkv.Store) *Scope {
	return &Scope{store: store}
}

// Enter opens a new frame.
func (s *Scope) Enter() {
	s.mu.Lock()
	s.frames = append(s.frames, newFrame())
	s.mu.Unlock()
}

// Depth returns the number of open frames.
func (s *Scope) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Track records keys in the innermost frame. Track is a no-op if no
// frame is open.
func (s *Scope) Track(keys ...dkv.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return
	}
	f := s.frames[len(s.frames)-1]
	for _, key := range keys {
		f.keys[key] = true
	}
}

// Protect marks keys as protected by the innermost frame: they
// survive the exit of frames nested within it.
func (s *Scope) Protect(keys ...dkv.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return
	}
	f := s.frames[len(s.frames)-1]
	for _, key := range keys {
		f.protected[key] = true
	}
}

// Put puts obj in the store and tracks its key.
func (s *Scope) Put(ctx context.Context, key dkv.Key, obj wire.Value, opts ...dkv.PutOption) error {
	if err := s.store.Put(ctx, key, obj, opts...); err != nil {
		return err
	}
	s.Track(key)
	return nil
}

// Exit closes the innermost frame, removing every key tracked by it
// except those in keep and those protected by an enclosing frame.
// Protected keys are handed to the protecting frame. Exit returns
// once the removals are visible to every node.
func (s *Scope) Exit(ctx context.Context, keep ...dkv.Key) error {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		return errors.E(errors.Precondition, "scope: exit without matching enter")
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	for _, key := range keep {
		delete(f.keys, key)
	}
	var remove []dkv.Key
	for key := range f.keys {
		if g := s.protector(key); g != nil {
			g.keys[key] = true
			continue
		}
		remove = append(remove, key)
	}
	s.mu.Unlock()

	if len(remove) == 0 {
		return nil
	}
	log.Debug.Printf("scope: removing %d keys at depth %d", len(remove), s.Depth()+1)
	err := traverse.Limit(16).Each(len(remove), func(i int) error {
		return s.store.Remove(ctx, remove[i])
	})
	if err != nil {
		return errors.E(fmt.Sprintf("scope: exit: removing %d keys", len(remove)), err)
	}
	return s.store.WriteBarrier(ctx)
}

// protector returns the innermost open frame protecting key, if any.
// It must be called with s.mu held.
func (s *Scope) protector(key dkv.Key) *frame {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].protected[key] {
			return s.frames[i]
		}
	}
	return nil
}
