// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lockable implements distributed read/write locks over
// values in the store. A locked value records, alongside its payload,
// the job that holds its write lock or the set of jobs that hold read
// locks. Every lock transition is an atomic update of the value at
// its owner, so locks are exclusive across the cloud.
//
// A write lock excludes every other lock. It may be downgraded to a
// read lock, but a read lock can never be upgraded. Values that are
// locked by other jobs cannot be deleted.
package lockable

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/wire"
)

// Register registers the Lockable type with reg.
func Register(reg *wire.Registry) {
	reg.Register(new(Lockable))
}

// NewJob returns a fresh job identifier.
func NewJob() string {
	return uuid.New().String()
}

// Lockable is the stored form of a lockable value.
type Lockable struct {
	// Writer is the job holding the write lock, if any.
	Writer string
	// Readers are the jobs holding read locks, sorted.
	Readers []string
	// Payload is the value protected by the lock.
	Payload wire.Value
}

func (l *Lockable) MarshalWire(e *wire.Encoder) {
	e.String(l.Writer)
	e.Strings(l.Readers)
	e.Value(l.Payload)
}

func (l *Lockable) UnmarshalWire(d *wire.Decoder) {
	l.Writer = d.String()
	l.Readers = d.Strings()
	l.Payload = d.Value()
}

// Locked tells whether any job holds a lock on l.
func (l *Lockable) Locked() bool {
	return l.Writer != "" || len(l.Readers) > 0
}

// Reader tells whether job holds a read lock on l.
func (l *Lockable) Reader(job string) bool {
	i := sort.SearchStrings(l.Readers, job)
	return i < len(l.Readers) && l.Readers[i] == job
}

func (l *Lockable) String() string {
	switch {
	case l.Writer != "":
		return fmt.Sprintf("write-locked by %s", l.Writer)
	case len(l.Readers) > 0:
		return fmt.Sprintf("read-locked by %v", l.Readers)
	default:
		return "unlocked"
	}
}

func (l *Lockable) copy() *Lockable {
	c := *l
	c.Readers = append([]string(nil), l.Readers...)
	return &c
}

func inUse(key dkv.Key, l *Lockable, op string) error {
	return errors.E(errors.Precondition, fmt.Sprintf("lockable: cannot %s %s: in use, %s", op, key, l))
}

// update applies fn to the lockable stored under key. Absent keys are
// presented to fn as nil.
func update(ctx context.Context, store *dkv.Store, key dkv.Key, fn func(l *Lockable) (wire.Value, error)) (*Lockable, error) {
	obj, err := store.Atomic(ctx, key, func(old wire.Value) (wire.Value, error) {
		if old == nil {
			return fn(nil)
		}
		l, ok := old.(*Lockable)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("lockable: %s holds a %T, not a lockable value", key, old))
		}
		return fn(l.copy())
	}, dkv.KeepResident())
	if err != nil || obj == nil {
		return nil, err
	}
	l, _ := obj.(*Lockable)
	return l, nil
}

// WriteLock acquires the write lock on key for job. If key is absent,
// an empty locked value is created. WriteLock fails if any other lock
// is held, including a read lock by job itself.
func WriteLock(ctx context.Context, store *dkv.Store, key dkv.Key, job string) (*Lockable, error) {
	return update(ctx, store, key, func(l *Lockable) (wire.Value, error) {
		if l == nil {
			return &Lockable{Writer: job}, nil
		}
		if l.Writer == job {
			return nil, nil
		}
		if l.Reader(job) && l.Writer == "" && len(l.Readers) == 1 {
			return nil, errors.E(errors.Precondition, fmt.Sprintf("lockable: cannot upgrade read lock on %s held by %s", key, job))
		}
		if l.Locked() {
			return nil, inUse(key, l, "write-lock")
		}
		l.Writer = job
		return l, nil
	})
}

// ReadLock acquires a read lock on key for job. ReadLock fails if the
// value is absent or write-locked.
func ReadLock(ctx context.Context, store *dkv.Store, key dkv.Key, job string) (*Lockable, error) {
	return update(ctx, store, key, func(l *Lockable) (wire.Value, error) {
		if l == nil {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("lockable: read-lock %s", key))
		}
		if l.Writer != "" {
			return nil, inUse(key, l, "read-lock")
		}
		if l.Reader(job) {
			return nil, nil
		}
		l.Readers = append(l.Readers, job)
		sort.Strings(l.Readers)
		return l, nil
	})
}

// Unlock releases the lock held by job on key.
func Unlock(ctx context.Context, store *dkv.Store, key dkv.Key, job string) error {
	_, err := update(ctx, store, key, func(l *Lockable) (wire.Value, error) {
		switch {
		case l == nil:
			return nil, errors.E(errors.NotExist, fmt.Sprintf("lockable: unlock %s", key))
		case l.Writer == job:
			l.Writer = ""
		case l.Reader(job):
			i := sort.SearchStrings(l.Readers, job)
			l.Readers = append(l.Readers[:i], l.Readers[i+1:]...)
		default:
			return nil, errors.E(errors.Precondition, fmt.Sprintf("lockable: %s is not locked by %s", key, job))
		}
		return l, nil
	})
	return err
}

// Downgrade converts the write lock held by job on key into a read
// lock.
func Downgrade(ctx context.Context, store *dkv.Store, key dkv.Key, job string) error {
	_, err := update(ctx, store, key, func(l *Lockable) (wire.Value, error) {
		if l == nil || l.Writer != job {
			return nil, errors.E(errors.Precondition, fmt.Sprintf("lockable: %s is not write-locked by %s", key, job))
		}
		l.Writer = ""
		l.Readers = []string{job}
		return l, nil
	})
	return err
}

// Update replaces the payload of key, which must be write-locked by
// job.
func Update(ctx context.Context, store *dkv.Store, key dkv.Key, job string, payload wire.Value) error {
	_, err := update(ctx, store, key, func(l *Lockable) (wire.Value, error) {
		if l == nil || l.Writer != job {
			return nil, errors.E(errors.Precondition, fmt.Sprintf("lockable: update of %s requires its write lock", key))
		}
		l.Payload = payload
		return l, nil
	})
	return err
}

// Delete removes key. Delete fails with an "in use" error if any job
// other than job holds a lock on it.
func Delete(ctx context.Context, store *dkv.Store, key dkv.Key, job string) error {
	_, err := update(ctx, store, key, func(l *Lockable) (wire.Value, error) {
		if l == nil {
			return nil, nil
		}
		if (l.Writer != "" && l.Writer != job) || len(l.Readers) > 1 || (len(l.Readers) == 1 && l.Readers[0] != job) {
			return nil, inUse(key, l, "delete")
		}
		return dkv.Tombstone, nil
	})
	return err
}

// Read returns the current state of key. Read returns an error of
// kind errors.NotExist if the key is absent.
func Read(ctx context.Context, store *dkv.Store, key dkv.Key) (*Lockable, error) {
	obj, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	l, ok := obj.(*Lockable)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lockable: %s holds a %T, not a lockable value", key, obj))
	}
	return l, nil
}
