// Package event describes cache-invalidation events fanned out to
// observers when the client discards or refreshes routing state.
package event

import (
	"fmt"
)

type Kind int

const (
	// The shard's cache entry was invalidated.
	KindShard Kind = iota
	// Both the shard's entry and a store's entry were invalidated.
	KindShardAndStore
	// The shard's leader is unknown or could not be confirmed.
	KindLeader
	// A request against the shard failed at the transport level.
	KindRequestFailed
)

func (k Kind) String() string {
	switch k {
	case KindShard:
		return "shard"
	case KindShardAndStore:
		return "shard-and-store"
	case KindLeader:
		return "leader"
	case KindRequestFailed:
		return "request-failed"
	default:
		return fmt.Sprintf("unknown event kind: %d", int(k))
	}
}

// A CacheInvalidateEvent tells observers which cached routing entries
// became unreliable and why. A zero ShardID or StoreID means the event
// was not caused by that shard or store. Events are delivered
// asynchronously and carry no delivery feedback.
type CacheInvalidateEvent struct {
	ShardID         uint64
	StoreID         uint64
	InvalidateShard bool
	InvalidateStore bool
	Kind            Kind
}

// ForShard describes an invalidated shard entry.
func ForShard(shardID uint64) CacheInvalidateEvent {
	return CacheInvalidateEvent{
		ShardID:         shardID,
		InvalidateShard: true,
		Kind:            KindShard,
	}
}

// ForShardAndStore describes an invalidated shard entry plus the store
// entry the request was addressed to.
func ForShardAndStore(shardID, storeID uint64) CacheInvalidateEvent {
	return CacheInvalidateEvent{
		ShardID:         shardID,
		StoreID:         storeID,
		InvalidateShard: true,
		InvalidateStore: true,
		Kind:            KindShardAndStore,
	}
}

// ForLeader describes a shard whose leader is gone or unconfirmed.
func ForLeader(shardID uint64) CacheInvalidateEvent {
	return CacheInvalidateEvent{
		ShardID:         shardID,
		InvalidateShard: true,
		Kind:            KindLeader,
	}
}

// ForRequestFailed describes a definitively failed request. It names no
// shard or store: the failure was not attributable to either.
func ForRequestFailed() CacheInvalidateEvent {
	return CacheInvalidateEvent{
		Kind: KindRequestFailed,
	}
}

func (e CacheInvalidateEvent) String() string {
	switch e.Kind {
	case KindShard, KindLeader:
		return fmt.Sprintf("%s invalidation for shard %d", e.Kind, e.ShardID)
	case KindShardAndStore:
		return fmt.Sprintf("%s invalidation for shard %d store %d", e.Kind, e.ShardID, e.StoreID)
	case KindRequestFailed:
		return e.Kind.String()
	default:
		return fmt.Sprintf("unknown event kind: %d", int(e.Kind))
	}
}
