package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dlock/pkg/lock"
	"github.com/kalbasit/dlock/pkg/lock/local"
)

// failingKV fails every read.
type failingKV struct{ lock.KV }

func (failingKV) Get(context.Context, string) (string, bool, error) { return "", false, errStoreDown }

func TestFallbackStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := local.NewCache()
	s := lock.NewFallbackStore(cache)

	ok, err := s.TryCreate(ctx, "k", "owner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryCreate(ctx, "k", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("extend with the wrong token", func(t *testing.T) {
		ok, err := s.CompareExtend(ctx, "k", "other", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ttl, found := cache.TTL("k")
		require.True(t, found)
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("extend with the right token", func(t *testing.T) {
		ok, err := s.CompareExtend(ctx, "k", "owner", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ttl, found := cache.TTL("k")
		require.True(t, found)
		assert.Greater(t, ttl, time.Minute)

		v, found, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "owner", v)
	})

	t.Run("delete with the wrong token", func(t *testing.T) {
		ok, err := s.CompareDelete(ctx, "k", "other")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete with the right token", func(t *testing.T) {
		ok, err := s.CompareDelete(ctx, "k", "owner")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("compare on a missing key", func(t *testing.T) {
		ok, err := s.CompareDelete(ctx, "k", "owner")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareExtend(ctx, "k", "owner", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestFallbackStore_ReadErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := lock.NewFallbackStore(failingKV{KV: local.NewCache()})

	ok, err := s.CompareDelete(ctx, "k", "v")
	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, ok)

	ok, err = s.CompareExtend(ctx, "k", "v", time.Second)
	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, ok)
}
