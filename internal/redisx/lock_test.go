package redisx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLock_Exclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb, nil)
	ctx := context.Background()

	a := locker.NewLock("lock:test")
	b := locker.NewLock("lock:test")

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestLock_Reentrant(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb, nil)
	ctx := context.Background()

	a := locker.NewLock("lock:test")
	other := locker.NewLock("lock:test")

	for i := 0; i < 2; i++ {
		ok, err := a.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, a.Unlock(ctx))
	assert.True(t, a.Held())
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "one hold still outstanding")

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, a.Held())
	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock(ctx))
}

func TestLock_UnlockNotHeld(t *testing.T) {
	_, rdb := newTestRedis(t)
	lk := NewLocker(rdb, nil).NewLock("lock:test")

	err := lk.Unlock(context.Background())
	assert.ErrorIs(t, err, apperr.ErrLockNotHeld)
}

func TestLock_WaitTimesOut(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb, nil, WithRetryInterval(10*time.Millisecond))
	ctx := context.Background()

	holder := locker.NewLock("lock:test")
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Unlock(ctx)

	start := time.Now()
	ok, err = locker.NewLock("lock:test").Lock(ctx, 80*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLock_WaitAcquiresAfterRelease(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb, nil, WithRetryInterval(5*time.Millisecond))
	ctx := context.Background()

	holder := locker.NewLock("lock:test")
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Unlock(ctx)
	}()

	waiter := locker.NewLock("lock:test")
	ok, err = waiter.Lock(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, waiter.Unlock(ctx))
}

func TestLock_ExpiredLeaseFreesKey(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewLocker(rdb, nil, WithLease(30*time.Second))
	ctx := context.Background()

	crashed := locker.NewLock("lock:test")
	ok, err := crashed.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	next := locker.NewLock("lock:test")
	ok, err = next.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// the stale holder must not release someone else's lock
	assert.ErrorIs(t, crashed.Unlock(ctx), apperr.ErrLockNotHeld)
	assert.True(t, mr.Exists("lock:test"))
	require.NoError(t, next.Unlock(ctx))
	assert.False(t, mr.Exists("lock:test"))
}

func TestLock_WatchdogRenewsLease(t *testing.T) {
	mr, rdb := newTestRedis(t)
	lease := 300 * time.Millisecond
	locker := NewLocker(rdb, nil, WithLease(lease))
	ctx := context.Background()

	lk := locker.NewLock("lock:test")
	ok, err := lk.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer lk.Unlock(ctx)

	mr.FastForward(250 * time.Millisecond)
	require.Less(t, mr.TTL("lock:test"), 100*time.Millisecond)

	require.Eventually(t, func() bool {
		return mr.TTL("lock:test") > 200*time.Millisecond
	}, time.Second, 10*time.Millisecond)
}

func TestLock_MutualExclusionUnderContention(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb, nil, WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk := locker.NewLock("lock:test")
			ok, err := lk.Lock(ctx, 5*time.Second)
			if err != nil || !ok {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&done, 1)
			_ = lk.Unlock(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(20), done)
}
