// Package directory caches shard-to-leader routing state and owns the
// observer registry and dispatch pool used to announce invalidations.
package directory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"

	"github.com/qidi1/client-go/client/backoff"
	"github.com/qidi1/client-go/client/event"
	"github.com/qidi1/client-go/client/shard"
	"github.com/qidi1/client-go/metrics"
	"github.com/qidi1/client-go/util/log"
	"github.com/qidi1/client-go/util/status"
)

// An Observer is called with every cache invalidation event. Observers
// run on the directory's dispatch pool; a slow or panicking observer
// never stalls request handling.
type Observer func(e event.CacheInvalidateEvent)

// Directory is the routing-state surface the error handler mutates.
// All methods must be safe for concurrent use from many handlers.
type Directory interface {
	// UpdateLeader points the shard's cached entry at the replica on
	// newStoreID and returns the refreshed shard, or nil if the store
	// hosts no replica of the shard (the entry is invalidated instead).
	UpdateLeader(s *shard.Shard, newStoreID uint64) *shard.Shard

	// InvalidateShard drops the cached entry for this exact shard
	// incarnation. A newer entry under the same id is left alone.
	InvalidateShard(s *shard.Shard)

	// InvalidateStore drops the cached store entry.
	InvalidateStore(storeID uint64)

	// MarkShardStale flags the shard's entry so the next lookup
	// reloads it from the placement service.
	MarkShardStale(s *shard.Shard)

	// DropAll wipes the entire cache.
	DropAll()

	// InsertShard adds the shard, overwriting an existing entry only
	// if the existing epoch is behind. Safe to call with a duplicate.
	InsertShard(s *shard.Shard)

	// BuildShard decodes a server-reported descriptor into a routing
	// entry, re-resolving its peers.
	BuildShard(d *shard.Descriptor, b *backoff.Backoffer) (*shard.Shard, error)

	// ReportRequestFailure records that a request against the shard
	// definitively failed; the directory drops whatever routing state
	// led to it.
	ReportRequestFailure(s *shard.Shard)

	// Observers returns the currently registered observers, in
	// registration order.
	Observers() []Observer

	// DispatchPool returns the pool observer invocations are
	// submitted to.
	DispatchPool() *Pool
}

// A Codec decodes placement-service shard metadata into the client's
// plain key encoding. Deployments without keyspace encoding use
// NopCodec.
type Codec interface {
	DecodeDescriptor(d *shard.Descriptor) (*shard.Descriptor, error)
}

type nopCodec struct{}

func (nopCodec) DecodeDescriptor(d *shard.Descriptor) (*shard.Descriptor, error) {
	return d, nil
}

// NopCodec passes descriptors through unchanged.
func NopCodec() Codec { return nopCodec{} }

// A PeerResolver orders a descriptor's peers best-leader-first and
// filters out peers on unreachable stores. The placement-service client
// implements this; the identity resolver trusts the descriptor.
type PeerResolver interface {
	ResolvePeers(d *shard.Descriptor, b *backoff.Backoffer) ([]shard.Replica, error)
}

type identityResolver struct{}

func (identityResolver) ResolvePeers(d *shard.Descriptor, b *backoff.Backoffer) ([]shard.Replica, error) {
	return d.Peers, nil
}

func IdentityResolver() PeerResolver { return identityResolver{} }

// A lockingShard pointer is stored in the shard map to prevent data
// races when the leader is swapped while readers hold the entry.
type lockingShard struct {
	mu    sync.Mutex
	s     *shard.Shard
	stale bool
}

func newLockingShard(s *shard.Shard) *lockingShard {
	return &lockingShard{s: s}
}

func (ls *lockingShard) Get() (*shard.Shard, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.s, ls.stale
}

func (ls *lockingShard) Update(s *shard.Shard) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.s = s
	ls.stale = false
}

func (ls *lockingShard) MarkStale() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.stale = true
}

// CachingDirectory is the production Directory: RWMutex-protected shard
// and store maps plus the observer registry and dispatch pool.
type CachingDirectory struct {
	codec    Codec
	resolver PeerResolver
	pool     *Pool

	mu     sync.RWMutex
	shards map[uint64]*lockingShard
	stores map[uint64]bool

	obsMu     sync.Mutex
	observers []*Observer
}

type CachingDirectoryOptions struct {
	Codec        Codec
	PeerResolver PeerResolver
	PoolWorkers  int
}

func NewCachingDirectory(opts *CachingDirectoryOptions) *CachingDirectory {
	if opts == nil {
		opts = &CachingDirectoryOptions{}
	}
	codec := opts.Codec
	if codec == nil {
		codec = NopCodec()
	}
	resolver := opts.PeerResolver
	if resolver == nil {
		resolver = IdentityResolver()
	}
	workers := opts.PoolWorkers
	if workers <= 0 {
		workers = 4
	}
	return &CachingDirectory{
		codec:    codec,
		resolver: resolver,
		pool:     NewPool(workers),
		shards:   make(map[uint64]*lockingShard),
		stores:   make(map[uint64]bool),
	}
}

// Get returns the cached entry for the shard id, or nil if there is
// none or it has been marked stale.
func (d *CachingDirectory) Get(shardID uint64) *shard.Shard {
	d.mu.RLock()
	ls := d.shards[shardID]
	d.mu.RUnlock()

	label := "miss"
	var result *shard.Shard
	if ls != nil {
		if s, stale := ls.Get(); !stale {
			result = s
			label = "hit"
		}
	}
	metrics.DirectoryLookups.With(prometheus.Labels{
		metrics.DirectoryEventTypeLabel: label,
	}).Inc()
	return result
}

func (d *CachingDirectory) UpdateLeader(s *shard.Shard, newStoreID uint64) *shard.Shard {
	d.mu.RLock()
	ls := d.shards[s.ID]
	d.mu.RUnlock()

	cached := s
	if ls != nil {
		if c, stale := ls.Get(); !stale && !c.Epoch.IsBehind(s.Epoch) {
			cached = c
		}
	}
	updated, ok := cached.WithLeader(newStoreID)
	if !ok {
		log.Warningf("store %d hosts no replica of %s, invalidating", newStoreID, cached.VerID())
		d.InvalidateShard(cached)
		return nil
	}
	if ls != nil {
		ls.Update(updated)
	} else {
		d.InsertShard(updated)
	}
	return updated
}

func (d *CachingDirectory) InvalidateShard(s *shard.Shard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.shards[s.ID]
	if ls == nil {
		return
	}
	cached, _ := ls.Get()
	// Only this exact incarnation is dropped; an entry that has since
	// advanced stays.
	if cached.Epoch.IsBehind(s.Epoch) || s.Epoch.IsBehind(cached.Epoch) {
		return
	}
	delete(d.shards, s.ID)
}

func (d *CachingDirectory) InvalidateStore(storeID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stores, storeID)
}

func (d *CachingDirectory) MarkShardStale(s *shard.Shard) {
	d.mu.RLock()
	ls := d.shards[s.ID]
	d.mu.RUnlock()
	if ls == nil {
		return
	}
	if cached, _ := ls.Get(); cached.Epoch.Equal(s.Epoch) {
		ls.MarkStale()
	}
}

func (d *CachingDirectory) DropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shards = make(map[uint64]*lockingShard)
	d.stores = make(map[uint64]bool)
}

func (d *CachingDirectory) InsertShard(s *shard.Shard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.shards[s.ID]
	if ls == nil {
		d.shards[s.ID] = newLockingShard(s)
		return
	}
	cached, stale := ls.Get()
	if !stale && !cached.Epoch.IsBehind(s.Epoch) && !cached.Epoch.Equal(s.Epoch) {
		log.Debugf("ignoring %s, cached entry %s is newer", s.VerID(), cached.VerID())
		return
	}
	ls.Update(s)
}

func (d *CachingDirectory) BuildShard(desc *shard.Descriptor, b *backoff.Backoffer) (*shard.Shard, error) {
	decoded, err := d.codec.DecodeDescriptor(desc)
	if err != nil {
		return nil, status.WithCause(codes.Internal, "decode shard descriptor", err)
	}
	peers, err := d.resolver.ResolvePeers(decoded, b)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, status.UnavailableErrorf("no resolvable peers for shard %d", decoded.ID)
	}
	s := &shard.Shard{
		ID:       decoded.ID,
		Epoch:    decoded.Epoch,
		StartKey: decoded.StartKey,
		EndKey:   decoded.EndKey,
		Peers:    peers,
		Leader:   peers[0],
	}
	d.mu.Lock()
	d.markStoresValidLocked(peers)
	d.mu.Unlock()
	return s, nil
}

func (d *CachingDirectory) markStoresValidLocked(peers []shard.Replica) {
	for _, p := range peers {
		d.stores[p.StoreID] = true
	}
}

// StoreValid reports whether the store's cached entry is still trusted.
func (d *CachingDirectory) StoreValid(storeID uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stores[storeID]
}

func (d *CachingDirectory) ReportRequestFailure(s *shard.Shard) {
	d.mu.Lock()
	delete(d.shards, s.ID)
	delete(d.stores, s.Leader.StoreID)
	d.mu.Unlock()
	log.Debugf("dropped routing state for %s after request failure", s.VerID())

	e := event.ForRequestFailed()
	metrics.CacheInvalidateEventCount.WithLabelValues(e.Kind.String()).Inc()
	for _, o := range d.Observers() {
		o := o
		d.pool.Submit(func() { o(e) })
	}
}

// RegisterObserver adds the observer to the registry. Registration
// order is delivery enumeration order.
func (d *CachingDirectory) RegisterObserver(o *Observer) {
	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
}

func (d *CachingDirectory) UnregisterObserver(o *Observer) {
	d.obsMu.Lock()
	for i, registered := range d.observers {
		if registered == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			break
		}
	}
	d.obsMu.Unlock()
}

func (d *CachingDirectory) Observers() []Observer {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	out := make([]Observer, 0, len(d.observers))
	for _, o := range d.observers {
		out = append(out, *o)
	}
	return out
}

func (d *CachingDirectory) DispatchPool() *Pool {
	return d.pool
}

// Stop drains the dispatch pool. The directory is unusable afterwards.
func (d *CachingDirectory) Stop() {
	d.pool.Stop()
}
