package idempotency

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workbuffer/internal/persistence"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := &persistence.RedisClient{Client: client}
	return New(rc, zap.NewNop())
}

func TestLookup_missReturnsNilUUID(t *testing.T) {
	c := newTestCache(t)
	if got := c.Lookup(context.Background(), "tenant-a", "key-1"); got != uuid.Nil {
		t.Errorf("Lookup() = %v, want uuid.Nil on miss", got)
	}
}

func TestStoreThenLookup_roundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	id := uuid.New()

	c.Store(ctx, "tenant-a", "key-1", id)

	got := c.Lookup(ctx, "tenant-a", "key-1")
	if got != id {
		t.Errorf("Lookup() = %v, want %v", got, id)
	}
}

func TestLookup_tenantsAreIsolated(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	id := uuid.New()

	c.Store(ctx, "tenant-a", "key-1", id)

	if got := c.Lookup(ctx, "tenant-b", "key-1"); got != uuid.Nil {
		t.Errorf("Lookup() cross-tenant = %v, want uuid.Nil", got)
	}
}

func TestLookup_emptyKeyIsNoop(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, "tenant-a", "", uuid.New())
	if got := c.Lookup(ctx, "tenant-a", ""); got != uuid.Nil {
		t.Errorf("Lookup() with empty key = %v, want uuid.Nil", got)
	}
}

func TestLookup_nilRedisIsNoop(t *testing.T) {
	c := New(nil, zap.NewNop())
	ctx := context.Background()
	c.Store(ctx, "tenant-a", "key-1", uuid.New())
	if got := c.Lookup(ctx, "tenant-a", "key-1"); got != uuid.Nil {
		t.Errorf("Lookup() with nil redis = %v, want uuid.Nil", got)
	}
}
