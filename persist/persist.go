// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package persist implements the persistence tier of a node: a
// byte-addressable backend into which cold values are spilled and
// from which they are reloaded, and to which values may be exported
// explicitly.
package persist

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// A Backend stores blobs by path. Reading a path that was never
// written (or was deleted) returns an error of kind errors.NotExist.
type Backend interface {
	WriteBytes(ctx context.Context, path string, p []byte) error
	ReadBytes(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Memory is an in-memory backend, used in tests and by nodes that
// are configured without a persistence tier.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory returns a new, empty memory backend.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// WriteBytes implements Backend.
func (m *Memory) WriteBytes(_ context.Context, path string, p []byte) error {
	m.mu.Lock()
	m.blobs[path] = append([]byte(nil), p...)
	m.mu.Unlock()
	return nil
}

// ReadBytes implements Backend.
func (m *Memory) ReadBytes(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	p, ok := m.blobs[path]
	m.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("persist: read %s", path))
	}
	return append([]byte(nil), p...), nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.blobs, path)
	m.mu.Unlock()
	return nil
}

// Len returns the number of blobs stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// File is a backend that stores blobs as files, using
// github.com/grailbio/base/file. Blobs may thus be stored at any
// URL supported by the file package (e.g., S3). Each blob is
// followed by a 4-byte checksum that is verified on read.
type File struct {
	// Prefix is the URL prefix under which blobs are stored. A blob
	// with path p is stored at "{Prefix}/{hash(p)%256}/{p}".
	Prefix string
}

func (f *File) path(path string) string {
	h := murmur3.Sum32([]byte(path))
	return file.Join(f.Prefix, strconv.FormatInt(int64(h&0xff), 16), path)
}

// WriteBytes implements Backend.
func (f *File) WriteBytes(ctx context.Context, path string, p []byte) (err error) {
	out, err := file.Create(ctx, f.path(path))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Discard(ctx)
			return
		}
		err = out.Close(ctx)
	}()
	w := out.Writer(ctx)
	if _, err = w.Write(p); err != nil {
		return err
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], murmur3.Sum32(p))
	_, err = w.Write(sum[:])
	return err
}

// ReadBytes implements Backend.
func (f *File) ReadBytes(ctx context.Context, path string) ([]byte, error) {
	in, err := file.Open(ctx, f.path(path))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(errors.NotExist, err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("persist: read %s", path), err)
		}
		return nil, err
	}
	p, err := ioutil.ReadAll(in.Reader(ctx))
	if closeErr := in.Close(ctx); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	if len(p) < 4 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("persist: %s: truncated blob", path))
	}
	p, sum := p[:len(p)-4], p[len(p)-4:]
	if !bytes.Equal(sum, checksum(p)) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("persist: %s: checksum mismatch", path))
	}
	return p, nil
}

func checksum(p []byte) []byte {
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], murmur3.Sum32(p))
	return sum[:]
}

// Delete implements Backend. Deleting a blob that does not exist is
// not an error.
func (f *File) Delete(ctx context.Context, path string) error {
	err := file.Remove(ctx, f.path(path))
	if err != nil && (os.IsNotExist(err) || errors.Is(errors.NotExist, err)) {
		return nil
	}
	return err
}
