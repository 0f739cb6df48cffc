// blacklist.go caches revoked ApiKey ids in Redis so every stratumd
// replica in a pool deployment sees a revocation immediately instead of
// waiting on its own ApiKeyRepository cache to expire.
//
// Grounded on the teacher's internal/cache/redis_cache.go (RedisCache):
// same redis.NewClient option set and ctx-scoped Set/Exists calls, narrowed
// to the one key shape this package needs instead of the teacher's
// general-purpose Cache interface.
package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationCache tracks revoked api key ids with a bounded TTL, so a
// stale entry self-heals even if an explicit un-revoke is ever missed.
type RevocationCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRevocationCache dials addr. Connection failures surface on first
// use, not here, matching SessionManager's pattern of leaving the
// fast-path optional: a Redis outage degrades to a per-replica repo
// lookup on every token, not an authentication failure.
func NewRevocationCache(addr, password string, db int, ttl time.Duration) *RevocationCache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RevocationCache{client: client, prefix: "chimera:auth:revoked:", ttl: ttl}
}

// Revoke marks keyID revoked for the cache's TTL.
func (c *RevocationCache) Revoke(ctx context.Context, keyID string) error {
	return c.client.Set(ctx, c.prefix+keyID, "1", c.ttl).Err()
}

// IsRevoked reports whether keyID has a cached revocation. A Redis error
// is treated as "unknown, not revoked" — the repo lookup downstream of
// SessionManager is still authoritative.
func (c *RevocationCache) IsRevoked(ctx context.Context, keyID string) bool {
	exists, err := c.client.Exists(ctx, c.prefix+keyID).Result()
	return err == nil && exists > 0
}

// Close releases the underlying connection pool.
func (c *RevocationCache) Close() error {
	return c.client.Close()
}
