package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workbuffer/internal/persistence"
)

func newTestLimiter(t *testing.T, rps, burst int) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := &persistence.RedisClient{Client: client}
	return New(rc, zap.NewNop(), rps, burst)
}

func TestAllow_permitsWithinBurst(t *testing.T) {
	l := newTestLimiter(t, 1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("Allow() call %d denied, want permitted within burst", i)
		}
	}
}

func TestAllow_deniesOnceBurstExhausted(t *testing.T) {
	l := newTestLimiter(t, 0, 1)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "tenant-a")
	if err != nil || !ok {
		t.Fatalf("first Allow() = %v, %v, want permitted", ok, err)
	}

	ok, retryAfter, err := l.Allow(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("second Allow() error = %v", err)
	}
	if ok {
		t.Fatal("second Allow() permitted, want denied with rps=0")
	}
	if retryAfter <= 0 {
		t.Error("second Allow() expected a positive retryAfter")
	}
}

func TestAllow_tenantsAreIsolated(t *testing.T) {
	l := newTestLimiter(t, 0, 1)
	ctx := context.Background()

	if ok, _, err := l.Allow(ctx, "tenant-a"); err != nil || !ok {
		t.Fatalf("tenant-a Allow() = %v, %v", ok, err)
	}
	if ok, _, err := l.Allow(ctx, "tenant-b"); err != nil || !ok {
		t.Fatalf("tenant-b Allow() = %v, %v, want independent bucket", ok, err)
	}
}

func TestReset_restoresFullBurst(t *testing.T) {
	l := newTestLimiter(t, 0, 1)
	ctx := context.Background()

	l.Allow(ctx, "tenant-a")
	if err := l.Reset(ctx, "tenant-a"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	ok, _, err := l.Allow(ctx, "tenant-a")
	if err != nil || !ok {
		t.Fatalf("Allow() after Reset() = %v, %v, want permitted", ok, err)
	}
}

func TestAllow_nilRedisAlwaysPermits(t *testing.T) {
	l := New(nil, zap.NewNop(), 1, 1)
	ok, _, err := l.Allow(context.Background(), "tenant-a")
	if err != nil || !ok {
		t.Fatalf("Allow() with nil redis = %v, %v, want permitted", ok, err)
	}
}
