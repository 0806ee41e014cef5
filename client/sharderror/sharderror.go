// Package sharderror defines the structured shard-level error a server
// can attach to an otherwise successful RPC response, and the extractor
// capability used to pull it out of an arbitrary response payload.
package sharderror

import (
	"fmt"

	"github.com/qidi1/client-go/client/shard"
)

// NotLeader reports that the replica that served the request is not the
// shard's leader. LeaderStoreID carries the server's best guess for the
// current leader; shard.NoLeaderStoreID if it has none.
type NotLeader struct {
	LeaderStoreID uint64
}

// StoreMismatch reports that the request named a store id the receiving
// node does not have.
type StoreMismatch struct {
	RequestStoreID uint64
	ActualStoreID  uint64
}

// EpochStale reports that the request's shard epoch no longer matches
// the server's. CurrentShards lists the shard descriptors the server
// currently considers valid for the overlapping range; it may be empty
// if the shard was merged away.
type EpochStale struct {
	CurrentShards []*shard.Descriptor
}

// ServerBusy asks the client to back off and retry later.
type ServerBusy struct {
	Reason string
}

// StaleCommand reports that the raft command was superseded before it
// applied; the request may simply be re-sent.
type StaleCommand struct{}

// EntryTooLarge reports that the proposal exceeded the raft entry size
// limit. Retrying cannot help.
type EntryTooLarge struct {
	EntrySize uint64
}

// KeyOutOfRange reports that the request's key is not inside the shard
// it was sent to. Under correct routing this never happens.
type KeyOutOfRange struct {
	Key []byte
}

// Error is the tagged variant carried in a response. At most one of the
// variant pointers is set; Message is always populated by the server and
// is the only field for errors the client has no structure for.
type Error struct {
	Message       string
	NotLeader     *NotLeader
	StoreMismatch *StoreMismatch
	EpochStale    *EpochStale
	ServerBusy    *ServerBusy
	StaleCommand  *StaleCommand
	EntryTooLarge *EntryTooLarge
	KeyOutOfRange *KeyOutOfRange
}

func (e *Error) String() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.NotLeader != nil:
		return fmt.Sprintf("not leader, new leader store %d", e.NotLeader.LeaderStoreID)
	case e.StoreMismatch != nil:
		return fmt.Sprintf("store mismatch, requested %d actual %d", e.StoreMismatch.RequestStoreID, e.StoreMismatch.ActualStoreID)
	case e.EpochStale != nil:
		return fmt.Sprintf("epoch stale, %d current shards", len(e.EpochStale.CurrentShards))
	case e.ServerBusy != nil:
		return fmt.Sprintf("server busy: %s", e.ServerBusy.Reason)
	case e.StaleCommand != nil:
		return "stale command"
	case e.EntryTooLarge != nil:
		return fmt.Sprintf("raft entry too large (%d bytes)", e.EntryTooLarge.EntrySize)
	case e.KeyOutOfRange != nil:
		return fmt.Sprintf("key %q out of range", e.KeyOutOfRange.Key)
	default:
		return e.Message
	}
}

// ExtractFunc pulls the structured shard error out of a response
// payload, or returns nil if the response carries none. It must be pure:
// the handler may call it at any point and ignores side effects.
type ExtractFunc[R any] func(resp *R) *Error
