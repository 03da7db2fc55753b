// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cloud

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/wire"
)

// A Heartbeat identifies the sender of a message. It accompanies
// every request so that the receiver can reject peers that belong to a
// different cloud or run a different build, and so that callers can
// detect that a peer rebooted.
type Heartbeat struct {
	// Addr is the sender's address.
	Addr string
	// Cloud identifies the sender's cloud. It is a hash of the cloud's
	// name, and so stays fixed as the membership view changes.
	Cloud uint32
	// Build is the sender's build identity (wire.Registry.Checksum).
	Build uint32
	// Boot is unique to each process instance.
	Boot string
	// Client is set if the sender never owns keys.
	Client bool
}

func (h *Heartbeat) MarshalWire(e *wire.Encoder) {
	e.String(h.Addr)
	e.Uvarint(uint64(h.Cloud))
	e.Uvarint(uint64(h.Build))
	e.String(h.Boot)
	e.Bool(h.Client)
}

func (h *Heartbeat) UnmarshalWire(d *wire.Decoder) {
	h.Addr = d.String()
	h.Cloud = uint32(d.Uvarint())
	h.Build = uint32(d.Uvarint())
	h.Boot = d.String()
	h.Client = d.Bool()
}

// Check verifies that a peer's heartbeat is compatible with the
// local cloud and build identities. Mismatches are errors of kind
// errors.Invalid.
func (h *Heartbeat) Check(cloud, build uint32) error {
	if h.Build != build {
		return errors.E(errors.Invalid, fmt.Sprintf("cloud: peer %s runs build %08x, local build is %08x", h.Addr, h.Build, build))
	}
	if h.Cloud != cloud {
		return errors.E(errors.Invalid, fmt.Sprintf("cloud: peer %s belongs to cloud %08x, local cloud is %08x", h.Addr, h.Cloud, cloud))
	}
	return nil
}
