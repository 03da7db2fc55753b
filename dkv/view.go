// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dkv

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcloud/cloud"
)

// SetView installs a new membership view. Cached copies and replica
// registrations are discarded, since ownership may have moved. Values
// owned by this node that are owned by another node under the new
// view are migrated to their new owner, which never lowers their
// versions; SetView returns once they have been committed there.
//
// Views must be installed on all nodes before the store is used
// again.
func (s *Store) SetView(ctx context.Context, view *cloud.View) error {
	if view.Self().Addr != s.self {
		return errors.E(errors.Invalid, fmt.Sprintf("dkv: view %s is not for node %s", view, s.self))
	}
	type move struct {
		key     Key
		val     *Value
		version uint64
		to      string
	}
	var moves []move
	s.mu.Lock()
	for key, v := range s.values {
		// Owned values carry a version record; everything else is a
		// cached copy.
		if s.versions[key] == 0 {
			delete(s.values, key)
			continue
		}
		now, err := owner(view, key)
		if err != nil || now.Addr == s.self {
			continue
		}
		moves = append(moves, move{key, v, s.versions[key], now.Addr})
	}
	s.view = view
	s.replicas = make(map[Key]map[string]bool)
	s.floors = make(map[Key]floor)
	// Every node drops its cached copies with the new view.
	s.owed = make(map[string]map[Key]uint64)
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	if len(moves) > 0 {
		log.Printf("dkv: %s: migrating %d values for view %s", s.self, len(moves), view)
	}
	return traverse.Limit(8).Each(len(moves), func(i int) error {
		m := moves[i]
		data, err := s.resident(ctx, m.key, m.val)
		if err != nil {
			return err
		}
		_, err = s.client.CallWait(ctx, m.to, &putTask{
			Key:        m.key,
			Type:       m.val.typ,
			Data:       data,
			Replicas:   m.val.replicas,
			Resident:   m.val.resident,
			MinVersion: m.version,
		})
		if err != nil {
			return errors.E(fmt.Sprintf("dkv: migrate %s to %s", m.key, m.to), err)
		}
		s.mu.Lock()
		path := m.val.path
		if s.values[m.key] == m.val {
			delete(s.values, m.key)
			delete(s.versions, m.key)
		}
		s.mu.Unlock()
		if path != "" {
			if err := s.backend.Delete(ctx, path); err != nil {
				log.Error.Printf("dkv: delete spilled value %s: %v", path, err)
			}
		}
		s.migrations.Inc()
		return nil
	})
}
