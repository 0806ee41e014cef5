package directory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qidi1/client-go/client/backoff"
	"github.com/qidi1/client-go/client/directory"
	"github.com/qidi1/client-go/client/event"
	"github.com/qidi1/client-go/client/shard"
)

func testShard(id uint64, confVer, ver uint64) *shard.Shard {
	return &shard.Shard{
		ID:    id,
		Epoch: shard.Epoch{ConfVer: confVer, Ver: ver},
		Peers: []shard.Replica{
			{StoreID: 1, PeerID: id*10 + 1},
			{StoreID: 2, PeerID: id*10 + 2},
			{StoreID: 3, PeerID: id*10 + 3},
		},
		Leader: shard.Replica{StoreID: 1, PeerID: id*10 + 1},
	}
}

func TestInsertAndGet(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	s := testShard(1, 1, 1)
	d.InsertShard(s)
	require.Equal(t, s, d.Get(1))
	require.Nil(t, d.Get(2))
}

func TestInsertKeepsNewerEpoch(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	newer := testShard(1, 3, 3)
	older := testShard(1, 2, 2)
	d.InsertShard(newer)
	d.InsertShard(older)
	require.Equal(t, newer.Epoch, d.Get(1).Epoch)

	// Re-inserting the same incarnation is idempotent.
	d.InsertShard(newer)
	require.Equal(t, newer.Epoch, d.Get(1).Epoch)

	// A later epoch overwrites.
	newest := testShard(1, 4, 3)
	d.InsertShard(newest)
	require.Equal(t, newest.Epoch, d.Get(1).Epoch)
}

func TestUpdateLeader(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	s := testShard(1, 1, 1)
	d.InsertShard(s)

	updated := d.UpdateLeader(s, 2)
	require.NotNil(t, updated)
	assert.Equal(t, uint64(2), updated.Leader.StoreID)
	assert.Equal(t, uint64(2), d.Get(1).Leader.StoreID)
}

func TestUpdateLeaderUnknownStoreInvalidates(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	s := testShard(1, 1, 1)
	d.InsertShard(s)

	require.Nil(t, d.UpdateLeader(s, 99))
	require.Nil(t, d.Get(1))
}

func TestInvalidateShardOnlyDropsSameIncarnation(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	current := testShard(1, 2, 2)
	d.InsertShard(current)

	// Invalidating an older incarnation leaves the newer entry alone.
	d.InvalidateShard(testShard(1, 1, 1))
	require.NotNil(t, d.Get(1))

	d.InvalidateShard(current)
	require.Nil(t, d.Get(1))
}

func TestMarkShardStale(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	s := testShard(1, 1, 1)
	d.InsertShard(s)
	d.MarkShardStale(s)
	require.Nil(t, d.Get(1))

	// Inserting a fresh incarnation clears staleness.
	s2 := testShard(1, 1, 2)
	d.InsertShard(s2)
	require.Equal(t, s2, d.Get(1))
}

func TestDropAll(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	d.InsertShard(testShard(1, 1, 1))
	d.InsertShard(testShard(2, 1, 1))
	d.DropAll()
	require.Nil(t, d.Get(1))
	require.Nil(t, d.Get(2))
}

func TestBuildShard(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	b := backoff.DefaultWithContext(context.Background())
	desc := &shard.Descriptor{
		ID:       5,
		Epoch:    shard.Epoch{ConfVer: 2, Ver: 3},
		StartKey: []byte("a"),
		EndKey:   []byte("b"),
		Peers: []shard.Replica{
			{StoreID: 7, PeerID: 70},
			{StoreID: 8, PeerID: 80},
		},
	}

	s, err := d.BuildShard(desc, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s.ID)
	assert.Equal(t, desc.Epoch, s.Epoch)
	assert.Equal(t, uint64(7), s.Leader.StoreID)
	assert.True(t, d.StoreValid(7))
	assert.True(t, d.StoreValid(8))
}

func TestReportRequestFailureEmitsEvent(t *testing.T) {
	d := directory.NewCachingDirectory(nil)

	var mu sync.Mutex
	var got []event.CacheInvalidateEvent
	obs := directory.Observer(func(e event.CacheInvalidateEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	d.RegisterObserver(&obs)

	s := testShard(1, 1, 1)
	d.InsertShard(s)
	d.ReportRequestFailure(s)
	require.Nil(t, d.Get(1))
	assert.False(t, d.StoreValid(1))

	d.Stop()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, event.KindRequestFailed, got[0].Kind)
}

func TestObserverRegistrationOrder(t *testing.T) {
	d := directory.NewCachingDirectory(nil)
	defer d.Stop()

	first := directory.Observer(func(event.CacheInvalidateEvent) {})
	second := directory.Observer(func(event.CacheInvalidateEvent) {})
	d.RegisterObserver(&first)
	d.RegisterObserver(&second)
	require.Len(t, d.Observers(), 2)

	d.UnregisterObserver(&first)
	require.Len(t, d.Observers(), 1)
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := directory.NewPool(2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	wg.Wait()
	p.Stop()
	require.Equal(t, 50, count)
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := directory.NewPool(1)

	p.Submit(func() { panic("observer bug") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool worker died after panicking task")
	}
	p.Stop()
}
