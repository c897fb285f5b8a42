package lock_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dlock/pkg/lock"
	"github.com/kalbasit/dlock/pkg/lock/local"
)

func TestHandle_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	h, err := m.TryAcquireOnce(ctx, "once")
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.True(t, h.Release(ctx))
	assert.False(t, h.Release(ctx))
	assert.NoError(t, h.Close())
}

func TestHandle_ConcurrentRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	h, err := m.TryAcquireOnce(ctx, "racy-release")
	require.NoError(t, err)
	require.NotNil(t, h)

	var (
		wg    sync.WaitGroup
		trues atomic.Int32
	)

	for range 16 {
		wg.Go(func() {
			if h.Release(ctx) {
				trues.Add(1)
			}
		})
	}

	wg.Wait()

	assert.Equal(t, int32(1), trues.Load())
}

func TestHandle_CloseReleases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	func() {
		h, err := m.TryAcquireOnce(ctx, "scoped")
		require.NoError(t, err)
		require.NotNil(t, h)

		defer h.Close()
	}()

	held, err := m.IsHeld(ctx, "scoped")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestHandle_RenewalKeepsLockAlive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	h, err := m.Acquire(ctx, "renewed", lock.WithLease(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	time.Sleep(5 * time.Second)

	other, err := m.TryAcquireOnce(ctx, "renewed")
	require.NoError(t, err)
	assert.Nil(t, other, "lock expired although the holder kept renewing it")
	assert.False(t, isClosed(h.Lost()))

	assert.True(t, h.Release(ctx))
}

func TestHandle_ExpiresWithoutRenewal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	h, err := m.Acquire(ctx, "expiring", lock.WithLease(time.Second), lock.WithAutoRenew(false))
	require.NoError(t, err)
	require.NotNil(t, h)

	time.Sleep(1200 * time.Millisecond)

	other, err := m.TryAcquireOnce(ctx, "expiring")
	require.NoError(t, err)
	require.NotNil(t, other)

	t.Cleanup(func() { other.Release(ctx) })

	assert.False(t, h.Release(ctx), "the expired holder must not delete the new lock")

	held, err := m.IsHeld(ctx, "expiring")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestHandle_RenewalResetsToFullLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := local.NewCache()
	m := lock.NewManager(lock.NewFallbackStore(cache))

	h, err := m.Acquire(ctx, "reset", lock.WithLease(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	t.Cleanup(func() { h.Release(ctx) })

	// The first renewal happens after one second.
	time.Sleep(1500 * time.Millisecond)

	ttl, ok := cache.TTL(h.Key())
	require.True(t, ok)
	assert.Greater(t, ttl, 2*time.Second)
}

func TestHandle_StolenLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := local.NewStore()
	m := lock.NewManager(store)

	h, err := m.TryAcquireOnce(ctx, "stolen", lock.WithAutoRenew(false))
	require.NoError(t, err)
	require.NotNil(t, h)

	require.NoError(t, steal(ctx, store, h.Key(), h.Token()))

	assert.False(t, h.Delay(ctx, time.Minute))
	assert.False(t, h.Release(ctx))

	value, found, err := store.Get(ctx, h.Key())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "someone-else", value)
}

func TestHandle_DelayResetsLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := local.NewCache()
	m := lock.NewManager(lock.NewFallbackStore(cache))

	h, err := m.TryAcquireOnce(ctx, "delay", lock.WithLease(time.Minute), lock.WithAutoRenew(false))
	require.NoError(t, err)
	require.NotNil(t, h)

	require.True(t, h.Delay(ctx, 5*time.Second))

	ttl, ok := cache.TTL(h.Key())
	require.True(t, ok)
	assert.LessOrEqual(t, ttl, 5*time.Second, "delay replaces the expiry, it does not add to it")
	assert.Greater(t, ttl, 4*time.Second)

	assert.False(t, h.Delay(ctx, 0))
	assert.False(t, h.Delay(ctx, -time.Second))
	assert.False(t, h.Delay(ctx, 500*time.Microsecond), "a sub-millisecond lease would expire the key")

	_, ok = cache.TTL(h.Key())
	assert.True(t, ok, "a rejected delay leaves the key alone")

	require.True(t, h.Release(ctx))
	assert.False(t, h.Delay(ctx, time.Minute), "delay after release must fail")
}

func TestHandle_StoreFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFaultyStore()
	m := lock.NewManager(store)

	h, err := m.TryAcquireOnce(ctx, "flaky", lock.WithAutoRenew(false))
	require.NoError(t, err)
	require.NotNil(t, h)

	store.failExtend(errStoreDown)
	assert.False(t, h.Delay(ctx, time.Minute))

	store.failDelete(errStoreDown)
	assert.False(t, h.Release(ctx))
	assert.False(t, h.Release(ctx))
}

func TestHandle_LostOnRenewalFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFaultyStore()
	m := lock.NewManager(store)

	h, err := m.TryAcquireOnce(ctx, "renew-fails", lock.WithLease(6*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	store.failExtend(errStoreDown)

	// Renewals run every two seconds for a six second lease.
	select {
	case <-h.Lost():
	case <-time.After(4 * time.Second):
		t.Fatal("lost signal was not raised")
	}

	// The renewal loop stopped after the first failure.
	extends := store.extends.Load()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, extends, store.extends.Load())

	store.failExtend(nil)
	assert.True(t, h.Release(ctx), "the key is still ours until it expires")
}

func TestHandle_LostOnTokenMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := local.NewStore()
	m := lock.NewManager(store)

	h, err := m.TryAcquireOnce(ctx, "mismatch", lock.WithLease(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	require.NoError(t, steal(ctx, store, h.Key(), h.Token()))

	select {
	case <-h.Lost():
	case <-time.After(3 * time.Second):
		t.Fatal("lost signal was not raised")
	}

	assert.False(t, h.Release(ctx))
}

func TestHandle_LostOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m := lock.NewManager(local.NewStore())

	h, err := m.TryAcquireOnce(ctx, "cancelled", lock.WithLease(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	cancel()

	select {
	case <-h.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost signal was not raised")
	}

	assert.True(t, h.Release(context.Background()), "cancellation stops renewal but keeps the key until expiry")
}

func TestHandle_ReleaseDoesNotSignalLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	h, err := m.TryAcquireOnce(ctx, "clean", lock.WithLease(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	require.True(t, h.Release(ctx))
	assert.False(t, isClosed(h.Lost()))
}

func TestHandle_ReleaseDuringRenewal(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer

	ctx := zerolog.New(&logs).WithContext(context.Background())
	store := newGatedStore()
	m := lock.NewManager(store)

	h, err := m.TryAcquireOnce(ctx, "racing", lock.WithLease(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h)

	select {
	case <-store.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("the renewal tick never reached the store")
	}

	released := make(chan bool)

	go func() { released <- h.Release(context.Background()) }()

	// the tick resumes only once the key is gone
	require.Eventually(t, func() bool {
		_, found, err := store.Get(context.Background(), h.Key())

		return err == nil && !found
	}, time.Second, 5*time.Millisecond)

	close(store.gate)

	assert.True(t, <-released)
	assert.False(t, isClosed(h.Lost()), "our own release is not a lost lock")
	assert.NotContains(t, logs.String(), "no longer owned")
}

func TestHandle_Accessors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewManager(local.NewStore())

	before := time.Now()

	h, err := m.TryAcquireOnce(ctx, "accessors", lock.WithLease(7*time.Second), lock.WithAutoRenew(false))
	require.NoError(t, err)
	require.NotNil(t, h)

	t.Cleanup(func() { h.Release(ctx) })

	assert.Equal(t, m.Key("accessors"), h.Key())
	assert.Equal(t, 7*time.Second, h.Lease())
	assert.False(t, h.AcquiredAt().Before(before))
}
