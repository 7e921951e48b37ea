// Package memstore is a reference, in-memory implementation of one store
// node's group-scoped record map. It backs the httptransport reference
// server and integration tests so the whole iterate/sort/diff/merge/recover
// pipeline can be exercised without a real cluster.
//
// The WAL and snapshot machinery a real store would need is dropped here:
// recovery reads replicas, it doesn't need to survive its own crash, since
// the source of truth's replicas already carry that durability. The
// locking discipline — copy the map under RLock, work on the copy outside
// the lock — is kept.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"dc-recover/internal/record"
)

// entry is one stored record, keyed by its content-addressed key within one
// replication group.
type entry struct {
	Timestamp uint64
	UserFlags uint32
	Data      []byte
}

// Store holds every group's records in memory. It is safe for concurrent
// use.
type Store struct {
	mu     sync.RWMutex
	groups map[uint32]map[record.Key]entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{groups: make(map[uint32]map[record.Key]entry)}
}

// Put writes (or overwrites) one record in groupID. There is no vector
// clock here: recovery's last-writer-wins semantics are resolved upstream,
// in internal/iterresult.Merge, by comparing timestamps before a write
// ever reaches the store.
func (s *Store) Put(groupID uint32, key record.Key, timestamp uint64, userFlags uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		g = make(map[record.Key]entry)
		s.groups[groupID] = g
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	g[key] = entry{Timestamp: timestamp, UserFlags: userFlags, Data: buf}
}

// ErrNotFound is returned by Get when the key is absent from the group.
var ErrNotFound = fmt.Errorf("memstore: key not found")

// Get reads one record back out of groupID.
func (s *Store) Get(groupID uint32, key record.Key) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return record.Record{}, ErrNotFound
	}
	e, ok := g[key]
	if !ok {
		return record.Record{}, ErrNotFound
	}
	buf := make([]byte, len(e.Data))
	copy(buf, e.Data)
	return record.Record{
		Key:       key,
		Timestamp: e.Timestamp,
		UserFlags: e.UserFlags,
		Size:      uint32(len(buf)),
		Data:      buf,
		GroupID:   groupID,
	}, nil
}

// Iterate returns every record in groupID whose key falls in
// [keyRange.Lo, keyRange.Hi) and whose timestamp is >= sinceTimestamp,
// sorted by key. This is the store-side half of what an IteratorClient
// drives: filter and copy the matching entries under RLock, then sort
// outside the lock.
func (s *Store) Iterate(groupID uint32, keyRange record.KeyRange, sinceTimestamp uint64) []record.Record {
	s.mu.RLock()
	g := s.groups[groupID]
	matches := make([]record.Record, 0, len(g))
	for k, e := range g {
		if !keyRange.Contains(k) || e.Timestamp < sinceTimestamp {
			continue
		}
		buf := make([]byte, len(e.Data))
		copy(buf, e.Data)
		matches = append(matches, record.Record{
			Key:       k,
			Timestamp: e.Timestamp,
			UserFlags: e.UserFlags,
			Size:      uint32(len(buf)),
			Data:      buf,
			GroupID:   groupID,
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Key.Less(matches[j].Key) })
	return matches
}
