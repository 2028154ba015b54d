package cache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkoutengine/backend/internal/domain"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "chk_1", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "chk_1", time.Second)
	require.NoError(t, err)
	defer release()

	other, err := locker.Acquire(context.Background(), "chk_2", time.Second)
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "chk_1", time.Second)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestNoopQuoteCacheMisses(t *testing.T) {
	var c QuoteCache = NoopQuoteCache{}
	require.NoError(t, c.Set(context.Background(), "k", decimal.NewFromInt(3), time.Minute))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockerAndQuoteCache(t *testing.T) {
	addr := os.Getenv("CHECKOUT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHECKOUT_TEST_REDIS_ADDR is not set")
	}
	client := NewRedisClient(addr, "", 0)
	quotes := NewRedisQuoteCache(client)
	defer quotes.Close()
	ctx := context.Background()
	require.NoError(t, quotes.Ping(ctx))

	require.NoError(t, quotes.Set(ctx, "zone/1500", decimal.RequireFromString("7.25"), time.Minute))
	got, ok, err := quotes.Get(ctx, "zone/1500")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("7.25")))

	locker := NewRedisLocker(client, 5*time.Millisecond)
	release, err := locker.Acquire(ctx, "chk_redis", time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, "chk_redis", time.Second)
	require.ErrorIs(t, err, domain.ErrConflict)

	release()
	again, err := locker.Acquire(ctx, "chk_redis", time.Second)
	require.NoError(t, err)
	again()
}
