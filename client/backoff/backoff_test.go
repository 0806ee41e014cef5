package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qidi1/client-go/client/backoff"
	"github.com/qidi1/client-go/util/status"
)

func fastCurves() map[backoff.Category]backoff.Curve {
	return map[backoff.Category]backoff.Curve{
		backoff.UpdateLeader: {Base: time.Microsecond, Max: 8 * time.Microsecond, Multiplier: 2},
		backoff.ShardMiss:    {Base: time.Microsecond, Max: 8 * time.Microsecond, Multiplier: 2},
		backoff.ServerBusy:   {Base: time.Microsecond, Max: 8 * time.Microsecond, Multiplier: 2},
		backoff.RPC:          {Base: time.Microsecond, Max: 8 * time.Microsecond, Multiplier: 2},
	}
}

func TestBackoffRecordsAttemptsPerCategory(t *testing.T) {
	b := backoff.New(context.Background(), &backoff.Options{
		MaxTotalSleep: time.Second,
		Curves:        fastCurves(),
	})

	cause := errors.New("boom")
	require.NoError(t, b.Backoff(backoff.ShardMiss, cause))
	require.NoError(t, b.Backoff(backoff.ShardMiss, cause))
	require.NoError(t, b.Backoff(backoff.ServerBusy, cause))

	assert.Equal(t, 2, b.Attempts(backoff.ShardMiss))
	assert.Equal(t, 1, b.Attempts(backoff.ServerBusy))
	assert.Equal(t, 0, b.Attempts(backoff.RPC))
	assert.Greater(t, b.TotalSlept(), time.Duration(0))
}

func TestBackoffBudgetExhausted(t *testing.T) {
	// The first ServerBusy delay is 2s under the default curves, far
	// beyond a 1ms budget: exhaustion without sleeping.
	b := backoff.New(context.Background(), &backoff.Options{
		MaxTotalSleep: time.Millisecond,
	})

	cause := errors.New("server busy")
	start := time.Now()
	err := b.Backoff(backoff.ServerBusy, cause)
	require.Error(t, err)
	require.True(t, errors.Is(err, cause))
	assert.True(t, status.IsDeadlineExceededError(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, b.Attempts(backoff.ServerBusy))
}

func TestCanRetryAfterSleep(t *testing.T) {
	b := backoff.New(context.Background(), &backoff.Options{
		MaxTotalSleep: 100 * time.Millisecond,
		Curves:        fastCurves(),
	})

	require.True(t, b.CanRetryAfterSleep(backoff.RPC))
	require.Equal(t, 1, b.Attempts(backoff.RPC))

	exhausted := backoff.New(context.Background(), &backoff.Options{
		MaxTotalSleep: time.Nanosecond,
		Curves:        fastCurves(),
	})
	require.False(t, exhausted.CanRetryAfterSleep(backoff.RPC))
}

func TestBackoffContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := backoff.New(ctx, &backoff.Options{
		MaxTotalSleep: time.Minute,
		Curves: map[backoff.Category]backoff.Curve{
			backoff.RPC: {Base: time.Hour, Max: time.Hour, Multiplier: 2},
		},
	})

	err := b.Backoff(backoff.RPC, errors.New("transport reset"))
	require.Error(t, err)
	assert.True(t, status.IsCanceledError(err))
}

func TestDelayGrowsAndCaps(t *testing.T) {
	b := backoff.New(context.Background(), &backoff.Options{
		MaxTotalSleep: time.Second,
		Curves: map[backoff.Category]backoff.Curve{
			backoff.ShardMiss: {Base: time.Microsecond, Max: 4 * time.Microsecond, Multiplier: 2},
		},
	})

	cause := errors.New("miss")
	// 1us + 2us + 4us + 4us (capped) ...
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Backoff(backoff.ShardMiss, cause))
	}
	assert.Equal(t, 11*time.Microsecond, b.TotalSlept())
}
