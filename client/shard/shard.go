// Package shard holds the client's view of a key-range shard: its
// identity, its epoch, and the replicas currently believed to serve it.
package shard

import (
	"fmt"
)

// NoLeaderStoreID is reported by a server that currently has no leader
// for the shard.
const NoLeaderStoreID = 0

// Epoch versions a shard's membership and key-range boundaries. ConfVer
// advances on replica-set changes, Ver advances on splits and merges.
// Both counters are monotonically non-decreasing.
type Epoch struct {
	ConfVer uint64
	Ver     uint64
}

// IsBehind returns true if e is strictly behind other, i.e. either
// counter is smaller. A correctly maintained cache entry is never behind
// any epoch the server has acknowledged serving.
func (e Epoch) IsBehind(other Epoch) bool {
	return e.ConfVer < other.ConfVer || e.Ver < other.Ver
}

func (e Epoch) Equal(other Epoch) bool {
	return e.ConfVer == other.ConfVer && e.Ver == other.Ver
}

func (e Epoch) String() string {
	return fmt.Sprintf("{confVer:%d ver:%d}", e.ConfVer, e.Ver)
}

// A Replica is one peer of a shard's raft group, identified by the store
// (node) it lives on.
type Replica struct {
	StoreID uint64
	PeerID  uint64
}

// VerID identifies one exact incarnation of a shard: the same shard id
// at a different epoch is a different VerID.
type VerID struct {
	ID    uint64
	Epoch Epoch
}

func (v VerID) String() string {
	return fmt.Sprintf("shard %d %s", v.ID, v.Epoch)
}

// Descriptor is the server-reported wire metadata for a shard, before
// the placement codec has decoded its key range and the peers have been
// re-resolved. Servers return these alongside stale-epoch errors.
type Descriptor struct {
	ID       uint64
	Epoch    Epoch
	StartKey []byte
	EndKey   []byte
	Peers    []Replica
}

// Shard is a cached routing entry: a decoded descriptor plus the replica
// currently believed to be leader.
type Shard struct {
	ID       uint64
	Epoch    Epoch
	StartKey []byte
	EndKey   []byte
	Peers    []Replica
	Leader   Replica
}

func (s *Shard) VerID() VerID {
	return VerID{ID: s.ID, Epoch: s.Epoch}
}

// Contains reports whether key falls inside the shard's range. An empty
// EndKey means the range is unbounded on the right.
func (s *Shard) Contains(key []byte) bool {
	if string(key) < string(s.StartKey) {
		return false
	}
	return len(s.EndKey) == 0 || string(key) < string(s.EndKey)
}

// ReplicaOnStore returns the shard's replica living on the given store,
// if any.
func (s *Shard) ReplicaOnStore(storeID uint64) (Replica, bool) {
	for _, p := range s.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Replica{}, false
}

// WithLeader returns a copy of s whose leader is the replica on the
// given store. ok is false if no such replica exists.
func (s *Shard) WithLeader(storeID uint64) (*Shard, bool) {
	r, ok := s.ReplicaOnStore(storeID)
	if !ok {
		return nil, false
	}
	clone := *s
	clone.Peers = append([]Replica(nil), s.Peers...)
	clone.Leader = r
	return &clone, true
}

func (s *Shard) String() string {
	return fmt.Sprintf("{%s leaderStore:%d peers:%d [%q, %q)}",
		s.VerID(), s.Leader.StoreID, len(s.Peers), s.StartKey, s.EndKey)
}
