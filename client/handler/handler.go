// Package handler classifies failed RPC attempts against a shard and
// decides whether the request-execution loop should retry, against
// whom, and what cached routing state must be discarded first.
package handler

import (
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"

	"github.com/qidi1/client-go/client/backoff"
	"github.com/qidi1/client-go/client/directory"
	"github.com/qidi1/client-go/client/event"
	"github.com/qidi1/client-go/client/shard"
	"github.com/qidi1/client-go/client/sharderror"
	"github.com/qidi1/client-go/metrics"
	"github.com/qidi1/client-go/util/log"
	"github.com/qidi1/client-go/util/status"
)

// A server drops a write proposal mid-transition with only this message
// text to go on. Fragile, but it is the only signal the wire carries;
// keep the substring in sync with the server's raftstore.
const proposalDroppedMsg = "Raft ProposalDropped"

// Receiver is the capability the request-execution loop hands to the
// handler: it knows which shard the in-flight request targets and
// reacts to leader-change and store-unreachable signals (e.g. by
// re-pointing its connection).
type Receiver interface {
	CurrentShard() *shard.Shard

	// OnLeaderConfirmed is called after the directory confirmed a new
	// leader. Returning false means the receiver could not switch to
	// it and the request must be re-resolved at a higher level.
	OnLeaderConfirmed(newShard *shard.Shard, b *backoff.Backoffer) bool

	// OnStoreUnreachable is called on a transport-level failure.
	// Returning true means the receiver handled it (e.g. switched to
	// another peer) and the request may be retried in place.
	OnStoreUnreachable(b *backoff.Backoffer) bool
}

// ShardErrorHandler turns one failed attempt into a retry verdict plus
// the cache mutations and notifications that must accompany it. It is
// parameterized over the RPC response payload via the extractor given
// at construction and holds no mutable state of its own: one handler
// may serve concurrent requests, or each request may build its own.
type ShardErrorHandler[R any] struct {
	dir     directory.Directory
	recv    Receiver
	extract sharderror.ExtractFunc[R]
}

func New[R any](dir directory.Directory, recv Receiver, extract sharderror.ExtractFunc[R]) *ShardErrorHandler[R] {
	return &ShardErrorHandler[R]{
		dir:     dir,
		recv:    recv,
		extract: extract,
	}
}

// CurrentShard returns the shard the in-flight request targets.
func (h *ShardErrorHandler[R]) CurrentShard() *shard.Shard {
	return h.recv.CurrentShard()
}

// ExtractShardError pulls the structured shard error out of resp, or
// returns nil if resp carries none.
func (h *ShardErrorHandler[R]) ExtractShardError(resp *R) *sharderror.Error {
	if h.extract == nil {
		return nil
	}
	return h.extract(resp)
}

// HandleResponse classifies one completed attempt. A nil response is
// treated as a transport failure. The bool is the retry verdict for the
// recoverable paths; a non-nil error is fatal and aborts the request.
func (h *ShardErrorHandler[R]) HandleResponse(b *backoff.Backoffer, resp *R) (bool, error) {
	if resp == nil {
		return h.HandleRequestFailure(b, status.UnavailableErrorf(
			"request failed with unknown reason for %s", h.recv.CurrentShard()))
	}
	if shardErr := h.ExtractShardError(resp); shardErr != nil {
		return h.HandleShardError(b, shardErr)
	}
	return false, nil
}

// HandleShardError dispatches a structured shard error to its rule.
// Exactly one rule fires per error.
func (h *ShardErrorHandler[R]) HandleShardError(b *backoff.Backoffer, shardErr *sharderror.Error) (bool, error) {
	cur := h.recv.CurrentShard()
	switch {
	case shardErr.NotLeader != nil:
		return h.onNotLeader(b, cur, shardErr)

	case shardErr.StoreMismatch != nil:
		metrics.ShardErrorCount.WithLabelValues("store_mismatch").Inc()
		mismatch := shardErr.StoreMismatch
		log.Warningf("store mismatch for %s: requested store %d, actual store %d",
			cur.VerID(), mismatch.RequestStoreID, mismatch.ActualStoreID)
		// The request may have named a store that is not the leader.
		// Low probability; no backoff, the upper level re-splits and
		// re-issues.
		h.invalidateShardAndStore(cur, mismatch.RequestStoreID)
		return false, nil

	case shardErr.EpochStale != nil:
		metrics.ShardErrorCount.WithLabelValues("epoch_stale").Inc()
		log.Warningf("stale epoch reported for %s, reconciling", cur.VerID())
		return h.reconcileEpoch(b, cur, shardErr.EpochStale.CurrentShards)

	case shardErr.ServerBusy != nil:
		metrics.ShardErrorCount.WithLabelValues("server_busy").Inc()
		log.Warningf("server busy for %s, reason: %s", cur.VerID(), shardErr.ServerBusy.Reason)
		if err := b.Backoff(backoff.ServerBusy, status.UnavailableErrorf("server busy: %s", shardErr.ServerBusy.Reason)); err != nil {
			return false, err
		}
		return true, nil

	case shardErr.StaleCommand != nil:
		metrics.ShardErrorCount.WithLabelValues("stale_command").Inc()
		log.Warningf("stale command for %s", cur.VerID())
		if err := b.Backoff(backoff.ShardMiss, status.UnavailableErrorf("stale command: %s", shardErr.Message)); err != nil {
			return false, err
		}
		return true, nil

	case shardErr.EntryTooLarge != nil:
		metrics.ShardErrorCount.WithLabelValues("entry_too_large").Inc()
		log.Warningf("raft entry too large for %s", cur.VerID())
		// No retry at this layer can shrink the entry.
		return false, status.WithDetails(
			status.UnavailableErrorf("%s: %s", shardErr, shardErr.Message),
			fatalErrorInfo("RAFT_ENTRY_TOO_LARGE", cur.ID))

	case shardErr.KeyOutOfRange != nil:
		metrics.ShardErrorCount.WithLabelValues("key_out_of_range").Inc()
		// Unreachable under correct routing: a targeted invalidation
		// cannot fix whatever produced it.
		log.Errorf("key %q not in %s, this error should not happen here",
			shardErr.KeyOutOfRange.Key, cur.VerID())
		h.dir.DropAll()
		return false, status.WithDetails(
			status.UnknownErrorf("%s", shardErr),
			fatalErrorInfo("KEY_OUT_OF_RANGE", cur.ID))

	default:
		metrics.ShardErrorCount.WithLabelValues("other").Inc()
		log.Warningf("unknown error %q for %s", shardErr.Message, cur.VerID())
		// Only drop cache here; the upper level may split this task.
		h.invalidateShardAndStore(cur, cur.Leader.StoreID)
		if strings.Contains(shardErr.Message, proposalDroppedMsg) {
			// The store is in the middle of a transition; worth a retry.
			if err := b.Backoff(backoff.ShardMiss, status.UnavailableErrorf("%s", shardErr.Message)); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}
}

func (h *ShardErrorHandler[R]) onNotLeader(b *backoff.Backoffer, cur *shard.Shard, shardErr *sharderror.Error) (bool, error) {
	metrics.ShardErrorCount.WithLabelValues("not_leader").Inc()
	newStoreID := shardErr.NotLeader.LeaderStoreID
	log.Warningf("NotLeader for shard %d (leader store %d), new store id %d",
		cur.ID, cur.Leader.StoreID, newStoreID)

	retry := false
	var category backoff.Category
	if newStoreID != shard.NoLeaderStoreID {
		// If the update fails the caller falls back to a shard-miss
		// style refetch; OnLeaderConfirmed is only consulted when the
		// directory could actually confirm the switch.
		if refreshed := h.dir.UpdateLeader(cur, newStoreID); refreshed != nil {
			retry = h.recv.OnLeaderConfirmed(refreshed, b)
		}
		category = backoff.UpdateLeader
	} else {
		log.Infof("no leader currently known for shard %d, try next time", cur.ID)
		category = backoff.ShardMiss
	}

	if !retry {
		h.dir.InvalidateShard(cur)
		h.notify(event.ForLeader(cur.ID))
	}
	if err := b.Backoff(category, status.UnavailableErrorf("%s", shardErr)); err != nil {
		return false, err
	}
	return retry, nil
}

// reconcileEpoch decides whether the client's epoch is ahead of the
// server (wait and retry) or behind (replace cached entries with the
// server's current shard set, then let the caller re-resolve).
func (h *ShardErrorHandler[R]) reconcileEpoch(b *backoff.Backoffer, cur *shard.Shard, current []*shard.Descriptor) (bool, error) {
	if len(current) == 0 {
		// The server knows nothing about this shard; it was merged
		// away or fully superseded.
		h.dir.MarkShardStale(cur)
		h.notify(event.ForShard(cur.ID))
		return false, nil
	}

	// If our epoch is ahead of the server's the server is still
	// applying the change; wait rather than mutate the cache.
	for _, desc := range current {
		if desc.ID == cur.ID && desc.Epoch.IsBehind(cur.Epoch) {
			log.Infof("shard epoch ahead of server, shard: %s, server epoch: %s", cur, desc.Epoch)
			if err := b.Backoff(backoff.ShardMiss, status.UnavailableErrorf(
				"shard %d epoch %s ahead of server epoch %s", cur.ID, cur.Epoch, desc.Epoch)); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	needInvalidateOld := true
	newShards := make([]*shard.Shard, 0, len(current))
	for _, desc := range current {
		s, err := h.dir.BuildShard(desc, b)
		if err != nil {
			return false, err
		}
		newShards = append(newShards, s)
		if cur.VerID() == s.VerID() {
			needInvalidateOld = false
		}
	}

	if needInvalidateOld {
		h.notify(event.ForShard(cur.ID))
		h.dir.MarkShardStale(cur)
	}
	for _, s := range newShards {
		h.dir.InsertShard(s)
	}
	return false, nil
}

// HandleRequestFailure classifies a transport-level failure: connection
// refused, timeout, reset. Routing-table cleanup for this path belongs
// to the directory, not the handler.
func (h *ShardErrorHandler[R]) HandleRequestFailure(b *backoff.Backoffer, cause error) (bool, error) {
	metrics.RequestFailureCount.Inc()
	if h.recv.OnStoreUnreachable(b) {
		if !b.CanRetryAfterSleep(backoff.RPC) {
			h.dir.ReportRequestFailure(h.recv.CurrentShard())
			return false, status.WithCause(codes.Unavailable, "retry is exhausted", cause)
		}
		return true, nil
	}

	log.Warningf("request failed because of: %s", cause)
	if !b.CanRetryAfterSleep(backoff.RPC) {
		h.dir.ReportRequestFailure(h.recv.CurrentShard())
		return false, status.WithCause(codes.Unavailable, "send request error, try next peer later", cause)
	}
	// The store may be down. Do not retry in place; the caller should
	// re-fetch the leader from the placement service first.
	return false, nil
}

// fatalErrorInfo annotates a fatal error with machine-readable detail
// so callers can tell these aborts apart without string matching.
func fatalErrorInfo(reason string, shardID uint64) *errdetails.ErrorInfo {
	return &errdetails.ErrorInfo{
		Reason: reason,
		Domain: "kvclient",
		Metadata: map[string]string{
			"shard_id": strconv.FormatUint(shardID, 10),
		},
	}
}

func (h *ShardErrorHandler[R]) invalidateShardAndStore(s *shard.Shard, storeID uint64) {
	h.dir.InvalidateShard(s)
	h.dir.InvalidateStore(storeID)
	h.notify(event.ForShardAndStore(s.ID, storeID))
}

// notify fans the event out to every registered observer, each as an
// independent fire-and-forget submission to the directory's dispatch
// pool. Identical events are not deduplicated.
func (h *ShardErrorHandler[R]) notify(e event.CacheInvalidateEvent) {
	metrics.CacheInvalidateEventCount.WithLabelValues(e.Kind.String()).Inc()
	pool := h.dir.DispatchPool()
	for _, o := range h.dir.Observers() {
		o := o
		pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warningf("cache invalidate observer failed: %v", r)
				}
			}()
			o(e)
		})
	}
}
