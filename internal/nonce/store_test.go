package nonce_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/smallbiznis-tokens/internal/nonce"
)

func TestMemoryStoreReplay(t *testing.T) {
	ctx := context.Background()
	store := nonce.NewMemoryStore()

	fresh, err := store.CheckAndStore(ctx, "n-1", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.CheckAndStore(ctx, "n-1", time.Minute)
	require.NoError(t, err)
	require.False(t, fresh)

	fresh, err = store.CheckAndStore(ctx, "n-2", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := nonce.NewMemoryStore()

	fresh, err := store.CheckAndStore(ctx, "n-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, fresh)

	time.Sleep(25 * time.Millisecond)

	fresh, err = store.CheckAndStore(ctx, "n-1", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
}

func TestRedisStoreReplay(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := nonce.NewRedisStore(client)

	fresh, err := store.CheckAndStore(ctx, "n-1", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.CheckAndStore(ctx, "n-1", time.Minute)
	require.NoError(t, err)
	require.False(t, fresh)

	mr.FastForward(2 * time.Minute)

	fresh, err = store.CheckAndStore(ctx, "n-1", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
}

func TestRedisStoreBackendError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := nonce.NewRedisStore(client)
	mr.Close()

	_, err := store.CheckAndStore(context.Background(), "n-1", time.Minute)
	require.Error(t, err)
}
