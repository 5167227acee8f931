package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, locker *MemoryLocker,
	){
		"second acquire is rejected":      testExclusive,
		"expired lease can be taken over": testExpiry,
		"stale release keeps new holder":  testStaleRelease,
		"acquire waits for release":       testAcquireWaits,
		"acquire gives up after wait":     testAcquireTimeout,
		"critical sections never overlap": testNoOverlap,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, NewMemoryLocker())
		})
	}
}

func testExclusive(t *testing.T, locker *MemoryLocker) {
	ctx := context.Background()
	lease, err := locker.TryAcquire(ctx, ChannelKey("ch-1"), time.Minute)
	require.NoError(t, err)
	require.Equal(t, "channel:ch-1", lease.Key())

	_, err = locker.TryAcquire(ctx, ChannelKey("ch-1"), time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	_, err = locker.TryAcquire(ctx, ChannelKey("ch-2"), time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	require.False(t, locker.Held(ChannelKey("ch-1")))
}

func testExpiry(t *testing.T, locker *MemoryLocker) {
	now := time.Now()
	locker.now = func() time.Time { return now }
	ctx := context.Background()
	_, err := locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
}

func testStaleRelease(t *testing.T, locker *MemoryLocker) {
	now := time.Now()
	locker.now = func() time.Time { return now }
	ctx := context.Background()
	first, err := locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	second, err := locker.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.Token(), second.Token())

	require.NoError(t, first.Release(ctx))
	require.True(t, locker.Held("k"))
}

func testAcquireWaits(t *testing.T, locker *MemoryLocker) {
	ctx := context.Background()
	lease, err := locker.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lease.Release(ctx)
	}()
	next, err := Acquire(ctx, locker, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, lease.Token(), next.Token())
}

func testAcquireTimeout(t *testing.T, locker *MemoryLocker) {
	ctx := context.Background()
	_, err := locker.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = Acquire(ctx, locker, "k", time.Minute, 50*time.Millisecond)
	require.True(t, errors.Is(err, ErrNotAcquired))
	require.True(t, api.IsConflict(err))
	var conflict api.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "lease", conflict.Entity)
	require.Equal(t, "k", conflict.Id)
}

func testNoOverlap(t *testing.T, locker *MemoryLocker) {
	ctx := context.Background()
	var inside int32
	var overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := Acquire(ctx, locker, ContactKey("org", "c1"), time.Minute, 5*time.Second)
			if err != nil {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = lease.Release(ctx)
		}()
	}
	wg.Wait()
	require.Zero(t, overlaps)
}
