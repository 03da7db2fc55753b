// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/wire"
)

// Kind distinguishes user keys from the keys used internally by the
// system.
type Kind byte

const (
	// System keys hold structural metadata, such as dataset headers.
	System Kind = 2
	// Job keys hold the state of running jobs and locks.
	Job Kind = 3
	// Chunk keys address the chunks of a dataset.
	Chunk Kind = 4
	// Hidden keys are user keys that are not listed.
	Hidden Kind = 31
	// User keys are created by users of the store.
	User Kind = 32
)

func (k Kind) String() string {
	switch k {
	case System:
		return "system"
	case Job:
		return "job"
	case Chunk:
		return "chunk"
	case Hidden:
		return "hidden"
	case User:
		return "user"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// MaxKeyLen is the maximum length of a key's name.
const MaxKeyLen = 512

// A Key is the immutable address of a value. Keys are comparable;
// two keys are equal if they have the same kind, home and name.
//
// A key's owner is normally derived from a hash of the key. Keys
// with a home are pinned: they are owned by their home node for as
// long as it is a server of the cloud.
type Key struct {
	kind Kind
	home string
	name string
}

// Make returns a user key with the provided name. Names must be
// non-empty printable UTF-8 strings of at most MaxKeyLen bytes.
func Make(name string) (Key, error) {
	if name == "" {
		return Key{}, errors.E(errors.Invalid, "dkv: empty key name")
	}
	if len(name) > MaxKeyLen {
		return Key{}, errors.E(errors.Invalid, fmt.Sprintf("dkv: key name of %d bytes exceeds maximum of %d", len(name), MaxKeyLen))
	}
	if !utf8.ValidString(name) {
		return Key{}, errors.E(errors.Invalid, fmt.Sprintf("dkv: key name %q is not valid UTF-8", name))
	}
	if i := strings.IndexFunc(name, func(r rune) bool { return !unicode.IsPrint(r) }); i >= 0 {
		return Key{}, errors.E(errors.Invalid, fmt.Sprintf("dkv: key name %q has an unprintable character at offset %d", name, i))
	}
	return Key{kind: User, name: name}, nil
}

// MustMake is like Make, but panics on error.
func MustMake(name string) Key {
	k, err := Make(name)
	if err != nil {
		panic(err)
	}
	return k
}

// MakeSystem returns a key of the provided kind. System keys are not
// subject to the naming restrictions of user keys.
func MakeSystem(kind Kind, name string) Key {
	if len(name) > MaxKeyLen {
		panic(fmt.Sprintf("dkv.MakeSystem: key name of %d bytes is too long", len(name)))
	}
	return Key{kind: kind, name: name}
}

// Pinned returns a key that is owned by the node with address home.
func Pinned(kind Kind, name, home string) Key {
	k := MakeSystem(kind, name)
	k.home = home
	return k
}

// Rand returns a fresh key of the provided kind with a random name.
func Rand(kind Kind) Key {
	return Key{kind: kind, name: uuid.New().String()}
}

// Kind returns the key's kind.
func (k Key) Kind() Kind { return k.kind }

// Name returns the key's name.
func (k Key) Name() string { return k.name }

// Home returns the address of the node the key is pinned to, or the
// empty string if the key is not pinned.
func (k Key) Home() string { return k.home }

// IsZero tells whether k is the zero key.
func (k Key) IsZero() bool { return k == Key{} }

// IsUser tells whether the key was created by a user.
func (k Key) IsUser() bool { return k.kind == User || k.kind == Hidden }

func (k Key) String() string {
	if k.home != "" {
		return fmt.Sprintf("%s:%s@%s", k.kind, k.name, k.home)
	}
	if k.kind == User {
		return k.name
	}
	return fmt.Sprintf("%s:%s", k.kind, k.name)
}

// hashBytes returns the bytes from which the key's owner is
// derived.
func (k Key) hashBytes() []byte {
	b := make([]byte, 0, 1+len(k.name))
	b = append(b, byte(k.kind))
	return append(b, k.name...)
}

// MarshalWire encodes the key.
func (k *Key) MarshalWire(e *wire.Encoder) {
	e.Uvarint(uint64(k.kind))
	e.String(k.home)
	e.String(k.name)
}

// UnmarshalWire decodes a key.
func (k *Key) UnmarshalWire(d *wire.Decoder) {
	k.kind = Kind(d.Uvarint())
	k.home = d.String()
	k.name = d.String()
	if len(k.name) > MaxKeyLen {
		*k = Key{}
	}
}
