// Package persistence holds thin connection-lifecycle wrappers around
// the external stores the buffer depends on beyond its primary
// Postgres store, carried over from the teacher's internal/persistence
// package of the same name.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient embeds the go-redis client so callers get the full
// command surface plus a couple of lifecycle helpers; it backs both
// the idempotency fast-path cache and the per-tenant rate limiter.
type RedisClient struct {
	*redis.Client
}

// NewRedis parses redisURL, pings it once to fail fast, and returns a
// ready client with the teacher's pool tuning.
func NewRedis(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = 1 * time.Hour

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}
