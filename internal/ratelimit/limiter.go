// Package ratelimit implements a per-tenant Redis token-bucket
// admission limiter, generalized from the teacher's
// internal/rate/limiter.go (per-client SMS-send limiter) to gate
// Coordinator.Enqueue per tenantId. This supplements, and does not
// replace, the Coordinator's maxQueueSize admission cap.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workbuffer/internal/persistence"
)

// Limiter gates admission with a fixed-window token bucket keyed by
// tenant.
type Limiter struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
	rps    int
	burst  int
}

// New creates a Limiter. redis may be nil, in which case Allow always
// permits — matching Config.RateLimitEnabled=false without a separate
// code path.
func New(redis *persistence.RedisClient, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{redis: redis, logger: logger, rps: rps, burst: burst}
}

// Allow reports whether tenantID may enqueue one more message right
// now, and if not, how long until it may retry.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (bool, time.Duration, error) {
	if l.redis == nil {
		return true, 0, nil
	}

	key := fmt.Sprintf("ratelimit:enqueue:%s", tenantID)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	currentStr, err := l.redis.Get(ctx, key).Result()
	currentTokens := l.burst
	lastRefill := windowStart

	if err != redis.Nil {
		if err != nil {
			return false, 0, fmt.Errorf("rate limiter read: %w", err)
		}
		var lastRefillUnix int64
		fmt.Sscanf(currentStr, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)
	}

	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * l.rps
	currentTokens = min(currentTokens+tokensToAdd, l.burst)

	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--
	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		l.logger.Warn("failed to persist rate limiter state", zap.String("tenantId", tenantID), zap.Error(err))
	}

	return true, 0, nil
}

// Reset clears tenantID's bucket, for administrative use.
func (l *Limiter) Reset(ctx context.Context, tenantID string) error {
	if l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, fmt.Sprintf("ratelimit:enqueue:%s", tenantID)).Err()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
