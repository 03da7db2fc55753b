// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcloud

import (
	"sync/atomic"

	"github.com/grailbio/bigcloud/dkv"
	"github.com/grailbio/bigcloud/lockable"
	"github.com/grailbio/bigcloud/mr"
	"github.com/grailbio/bigcloud/stats"
	"github.com/grailbio/bigcloud/wire"
)

var (
	// types is the global list of type registrations. Every node
	// applies them in order, so nodes running the same binary assign
	// the same type ids. We rely on deterministic registration order,
	// which is guaranteed by Go's package initialization.
	types []wire.Value
	// typesBusy is used to detect data races in registration.
	typesBusy int32
)

// Register registers the types of values that are stored in the cloud
// or shipped between its nodes, such as mappers. Register should be
// called during package initialization:
//
//	func init() {
//		bigcloud.Register(new(myMapper), new(myValue))
//	}
//
// All types must be registered before a cloud is started.
func Register(protos ...wire.Value) {
	if atomic.AddInt32(&typesBusy, 1) != 1 {
		panic("bigcloud.Register: types registered concurrently")
	}
	types = append(types, protos...)
	if atomic.AddInt32(&typesBusy, -1) != 0 {
		panic("bigcloud.Register: types registered concurrently")
	}
}

// NewRegistry returns a frozen registry with the system's types
// followed by the globally registered types and then extra.
func NewRegistry(extra ...wire.Value) *wire.Registry {
	reg := wire.NewRegistry()
	reg.Register(new(stats.Values))
	reg.Register(new(statsTask))
	dkv.Register(reg)
	lockable.Register(reg)
	mr.Register(reg)
	for _, proto := range types {
		reg.Register(proto)
	}
	for _, proto := range extra {
		reg.Register(proto)
	}
	reg.Freeze()
	return reg
}
