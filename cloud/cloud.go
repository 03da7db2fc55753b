// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cloud represents the membership of a cloud: the ordered set
// of nodes that together serve the key space, and the heartbeat that
// nodes exchange to verify that they belong to the same cloud and run
// the same build.
//
// Membership is an input to this package. Views are produced by
// whatever forms the cloud (a bigmachine session, or an in-process
// test harness) and are immutable once made.
package cloud

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/spaolacci/murmur3"
)

// A Member is a node of the cloud, identified by its address.
// Client members may issue operations but never own keys.
type Member struct {
	Addr   string
	Client bool
}

// Hash returns the member's stable hash, derived from its address.
func (m Member) Hash() uint32 {
	return murmur3.Sum32([]byte(m.Addr))
}

func (m Member) String() string {
	if m.Client {
		return m.Addr + "(client)"
	}
	return m.Addr
}

// A View is an agreed, ordered list of members together with the
// identity of the local node. The order of members defines their
// rank; it must be the same on every node.
type View struct {
	version int
	members []Member
	servers []Member
	self    string
	index   map[string]int
}

// NewView returns a view of the given members as seen by the node
// with address self. NewView panics if member addresses are not
// distinct or self is not a member.
func NewView(version int, self string, members ...Member) *View {
	v := &View{
		version: version,
		members: append([]Member(nil), members...),
		self:    self,
		index:   make(map[string]int, len(members)),
	}
	for i, m := range v.members {
		_, dup := v.index[m.Addr]
		must.Truef(!dup, "cloud.NewView: duplicate member %s", m.Addr)
		v.index[m.Addr] = i
		if !m.Client {
			v.servers = append(v.servers, m)
		}
	}
	_, ok := v.index[self]
	must.Truef(ok, "cloud.NewView: self %s is not a member", self)
	return v
}

// Version returns the view's version. Later views have larger
// versions.
func (v *View) Version() int { return v.version }

// Members returns the view's members in rank order. The returned
// slice must not be modified.
func (v *View) Members() []Member { return v.members }

// Servers returns the non-client members in rank order. The returned
// slice must not be modified.
func (v *View) Servers() []Member { return v.servers }

// Len returns the number of members in the view.
func (v *View) Len() int { return len(v.members) }

// Self returns the local member.
func (v *View) Self() Member { return v.members[v.index[v.self]] }

// IsSelf tells whether addr is the local node.
func (v *View) IsSelf(addr string) bool { return addr == v.self }

// Rank returns the rank of the member with the given address, or -1
// if it is not a member.
func (v *View) Rank(addr string) int {
	i, ok := v.index[addr]
	if !ok {
		return -1
	}
	return i
}

// Member returns the member with the provided address.
func (v *View) Member(addr string) (Member, bool) {
	i, ok := v.index[addr]
	if !ok {
		return Member{}, false
	}
	return v.members[i], true
}

// Owner returns the server that owns the provided key bytes. Owners
// are chosen by rendezvous hashing: each server is weighted by a hash
// of the key seeded with the server's own hash, and the heaviest
// server wins. Ownership depends only on the key and the set of
// servers, so removing a server moves only the keys it owned.
// Owner returns false if the view has no servers.
func (v *View) Owner(key []byte) (Member, bool) {
	if len(v.servers) == 0 {
		return Member{}, false
	}
	var (
		best   = -1
		weight uint32
	)
	for i, m := range v.servers {
		w := murmur3.Sum32WithSeed(key, m.Hash())
		if best < 0 || w > weight {
			best, weight = i, w
		}
	}
	return v.servers[best], true
}

// Ranked returns up to n servers in descending rendezvous weight for
// the key. The first member is the key's owner; the rest are its
// preferred replica sites.
func (v *View) Ranked(key []byte, n int) []Member {
	type weighted struct {
		Member
		w    uint32
		rank int
	}
	ws := make([]weighted, len(v.servers))
	for i, m := range v.servers {
		ws[i] = weighted{m, murmur3.Sum32WithSeed(key, m.Hash()), i}
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].w == ws[j].w {
			return ws[i].rank < ws[j].rank
		}
		return ws[i].w > ws[j].w
	})
	if n > len(ws) {
		n = len(ws)
	}
	out := make([]Member, n)
	for i := range out {
		out[i] = ws[i].Member
	}
	return out
}

// Identity returns the cloud hash: a hash over the ordered list of
// member addresses. Nodes of the same cloud agree on the identity.
func (v *View) Identity() uint32 {
	h := murmur3.New32()
	for _, m := range v.members {
		h.Write([]byte(m.Addr))
		if m.Client {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return h.Sum32()
}

func (v *View) String() string {
	return fmt.Sprintf("view(v%d self=%s members=%v)", v.version, v.self, v.members)
}

// Rehome returns a copy of the view as seen from another member. It
// is used to construct the per-node views of an in-process cloud.
func (v *View) Rehome(self string) (*View, error) {
	if _, ok := v.index[self]; !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cloud: %s is not a member of %s", self, v))
	}
	return NewView(v.version, self, v.members...), nil
}
