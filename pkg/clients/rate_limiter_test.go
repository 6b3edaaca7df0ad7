package clients

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

func TestTokenBucketRateLimiter_BurstBlocksLastCall(t *testing.T) {
	rl := NewTokenBucketRateLimiter(3, 150*time.Millisecond, "erp-1", nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, rl.Acquire(ctx))
	elapsed := time.Since(start)
	// one token refills after window/max = 50ms
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestTokenBucketRateLimiter_SpacedCallsDoNotBlock(t *testing.T) {
	rl := NewTokenBucketRateLimiter(2, 100*time.Millisecond, "erp-1", nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		start := time.Now()
		require.NoError(t, rl.Acquire(ctx))
		assert.Less(t, time.Since(start), 20*time.Millisecond)
		time.Sleep(55 * time.Millisecond)
	}
	assert.Zero(t, rl.Stats().QueuedRequests)
}

func TestTokenBucketRateLimiter_AcquireOrError(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 1500*time.Millisecond, "erp-1", nil)

	hits := 0
	rl.OnLimited(func() { hits++ })

	require.NoError(t, rl.AcquireOrError())
	err := rl.AcquireOrError()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))

	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, e.RetryAfter)
	assert.Equal(t, 1, hits)
	assert.Equal(t, int64(1), rl.Stats().RejectedRequests)
}

func TestTokenBucketRateLimiter_TryAcquire(t *testing.T) {
	rl := NewTokenBucketRateLimiter(2, time.Minute, "erp-1", nil)

	assert.True(t, rl.TryAcquire())
	assert.True(t, rl.TryAcquire())
	assert.False(t, rl.TryAcquire())
	assert.InDelta(t, 0, rl.Stats().CurrentTokens, 0.001)
}

func TestTokenBucketRateLimiter_FIFO(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 100*time.Millisecond, "erp-1", nil)
	ctx := context.Background()
	require.NoError(t, rl.Acquire(ctx))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := rl.Acquire(ctx); err == nil {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
			}
		}(i)
		// let each waiter enqueue before the next one
		require.Eventually(t, func() bool { return rl.Stats().QueuedRequests == int64(i+1) }, time.Second, time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Greater(t, rl.Stats().AverageWaitTime, time.Duration(0))
}

func TestTokenBucketRateLimiter_CancelledWaiterLeavesQueue(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, time.Minute, "erp-1", nil)
	require.NoError(t, rl.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, rl.Stats().QueueLength)
}

func TestTokenBucketRateLimiter_ResetReleasesWaiters(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, time.Minute, "erp-1", nil)
	require.NoError(t, rl.Acquire(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- rl.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return rl.Stats().QueueLength == 1 }, time.Second, time.Millisecond)

	rl.Reset()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.IsReason(err, errors.ReasonLimiterReset))
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Reset")
	}
	assert.InDelta(t, 1, rl.Stats().CurrentTokens, 0.001)
}
