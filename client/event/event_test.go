package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qidi1/client-go/client/event"
)

func TestConstructors(t *testing.T) {
	e := event.ForShard(4)
	assert.Equal(t, event.KindShard, e.Kind)
	assert.True(t, e.InvalidateShard)
	assert.False(t, e.InvalidateStore)
	assert.Equal(t, uint64(0), e.StoreID)

	e = event.ForShardAndStore(4, 9)
	assert.Equal(t, event.KindShardAndStore, e.Kind)
	assert.True(t, e.InvalidateShard)
	assert.True(t, e.InvalidateStore)
	assert.Equal(t, uint64(9), e.StoreID)

	e = event.ForLeader(4)
	assert.Equal(t, event.KindLeader, e.Kind)
	assert.True(t, e.InvalidateShard)
	assert.False(t, e.InvalidateStore)

	e = event.ForRequestFailed()
	assert.Equal(t, event.KindRequestFailed, e.Kind)
	assert.False(t, e.InvalidateShard)
	assert.Equal(t, uint64(0), e.ShardID)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "leader invalidation for shard 3", event.ForLeader(3).String())
	assert.Equal(t, "shard-and-store invalidation for shard 3 store 5", event.ForShardAndStore(3, 5).String())
	assert.Equal(t, "request-failed", event.ForRequestFailed().String())
}
