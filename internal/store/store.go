// Package store implements the Message Store (C1): durable persistence
// and the atomic claim/transition operations that preserve the work
// buffer's invariants under concurrent workers, grounded on the
// teacher's internal/queue/database.go FOR UPDATE SKIP LOCKED claim
// pattern and internal/messages/store.go's CRUD shape.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"workbuffer/internal/model"
)

// Store is the full C1 contract: durable CRUD, the atomic claim, and
// the DLQ management surface (§6's Management interface is backed by
// the same store).
type Store interface {
	Create(ctx context.Context, req model.CreateRequest) (*model.Message, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error)
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Message, error)

	ClaimNextBatch(ctx context.Context, limit int, workerID string, visibilityTimeout time.Duration) ([]*model.Message, error)

	MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (*model.Message, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errEntry model.ErrorEntry, retryDelay time.Duration, forceFail bool) (willRetry bool, msg *model.Message, err error)
	MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*model.Message, error)

	ReleaseStuckMessages(ctx context.Context, timeout time.Duration) (int, error)

	GetStats(ctx context.Context) (model.Stats, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// DLQ management (§6 Management interface).
	DLQList(ctx context.Context, limit, skip int, msgType string, since *time.Time) ([]*model.Message, error)
	DLQCount(ctx context.Context, msgType string) (int64, error)
	DLQGet(ctx context.Context, id uuid.UUID) (*model.Message, error)
	DLQRetry(ctx context.Context, id uuid.UUID, opts model.DLQRetryOptions) (*model.Message, error)
	DLQRetryBatch(ctx context.Context, ids []uuid.UUID, opts model.DLQRetryOptions) (succeeded, failed int, err error)
	DLQRetryByType(ctx context.Context, msgType string, opts model.DLQRetryOptions) (int, error)
	DLQDelete(ctx context.Context, id uuid.UUID) (bool, error)
	DLQDeleteBatch(ctx context.Context, ids []uuid.UUID) (int, error)
	DLQDeleteByType(ctx context.Context, msgType string) (int, error)
	DLQDeleteOld(ctx context.Context, olderThan time.Duration) (int, error)
	DLQStats(ctx context.Context) (model.DLQStats, error)
	DLQErrorPatterns(ctx context.Context, limit int) ([]model.ErrorPattern, error)
	Export(ctx context.Context, msgType string) ([]byte, error)
}
