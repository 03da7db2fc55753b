// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigcloud implements a cloud of cooperating nodes that
// together present a single distributed key-value store, and run
// MapReduce jobs over the datasets kept in it.
//
// A cloud is started by Local, which runs every node within the
// process, or by StartBigmachine, which runs each server on its own
// bigmachine. In both cases, the caller interacts with the cloud
// through its driver, a client node that owns no keys:
//
//	func init() {
//		bigcloud.Register(new(mySum))
//	}
//
//	func main() {
//		c, err := bigcloud.Local(4)
//		...
//		defer c.Shutdown()
//		ds, err := mr.Create(ctx, c.Driver().Store, "ints", chunks)
//		...
//		total, err := c.Driver().Engine.Run(ctx, ds, new(mySum))
//	}
//
// Every node must register the same types in the same order; types
// are thus registered during package initialization.
package bigcloud
