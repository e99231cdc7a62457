// Package idempotency provides a Redis fast-path cache in front of the
// Message Store's authoritative (tenantId, idempotencyKey) unique
// constraint, generalized from the teacher's internal/idempotency/store.go.
// The Postgres unique index remains the single source of truth per
// spec.md §4.1 ("the unique constraint is the authority, not only a
// prior read") — this cache only saves a round trip to Postgres on the
// common case of an immediate duplicate resubmission.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workbuffer/internal/persistence"
)

const cacheTTL = time.Hour

// Cache looks up and records tenant-scoped idempotency keys in Redis.
type Cache struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
}

// New creates a Cache. redis may be nil, in which case every method is
// a harmless no-op — callers fall back entirely to the Store's unique
// constraint.
func New(redis *persistence.RedisClient, logger *zap.Logger) *Cache {
	return &Cache{redis: redis, logger: logger}
}

// Lookup returns the cached messageID for (tenantID, key), or
// uuid.Nil if absent or uncached.
func (c *Cache) Lookup(ctx context.Context, tenantID, key string) uuid.UUID {
	if c.redis == nil || key == "" {
		return uuid.Nil
	}

	val, err := c.redis.Get(ctx, cacheKey(tenantID, key)).Result()
	if err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Store records the mapping so a near-simultaneous duplicate resolves
// without hitting Postgres. Cache write failures are logged and
// swallowed: a cache miss just means the unique constraint does the
// work instead, never silent data loss.
func (c *Cache) Store(ctx context.Context, tenantID, key string, messageID uuid.UUID) {
	if c.redis == nil || key == "" {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(tenantID, key), messageID.String(), cacheTTL).Err(); err != nil {
		c.logger.Warn("failed to cache idempotency key", zap.String("tenantId", tenantID), zap.Error(err))
	}
}

func cacheKey(tenantID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, key)
}
