package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRevocationCache(t *testing.T) (*RevocationCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := NewRevocationCache(mr.Addr(), "", 0, time.Hour)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRevocationCacheRevokeAndCheck(t *testing.T) {
	cache, _ := newTestRevocationCache(t)
	ctx := context.Background()

	require.False(t, cache.IsRevoked(ctx, "key-1"))
	require.NoError(t, cache.Revoke(ctx, "key-1"))
	require.True(t, cache.IsRevoked(ctx, "key-1"))
	require.False(t, cache.IsRevoked(ctx, "key-2"))
}

func TestRevocationCacheUnreachableTreatedAsNotRevoked(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	cache := &RevocationCache{client: client, prefix: "chimera:auth:revoked:", ttl: time.Minute}
	defer cache.Close()

	require.False(t, cache.IsRevoked(context.Background(), "key-1"))
}
