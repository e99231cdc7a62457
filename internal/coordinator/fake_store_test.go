package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workbuffer/internal/clock"
	"workbuffer/internal/model"
	"workbuffer/internal/werrors"
)

// fakeStore is an in-memory store.Store double used to exercise the
// Coordinator's polling, admission and event-emission logic without a
// live Postgres instance.
type fakeStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*model.Message
	idemIdx  map[string]uuid.UUID
	clk      clock.Clock
}

func newFakeStore(clk clock.Clock) *fakeStore {
	return &fakeStore{
		messages: make(map[uuid.UUID]*model.Message),
		idemIdx:  make(map[string]uuid.UUID),
		clk:      clk,
	}
}

func (f *fakeStore) Create(ctx context.Context, req model.CreateRequest) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.IdempotencyKey != "" {
		idemKey := req.Metadata.TenantID + "\x00" + req.IdempotencyKey
		if _, exists := f.idemIdx[idemKey]; exists {
			return nil, werrors.NewNoRetry(werrors.KindDuplicateMessage, errDuplicate{})
		}
		f.idemIdx[idemKey] = uuid.Nil
	}

	now := f.clk.Now().UTC()
	msg := &model.Message{
		ID:             uuid.New(),
		Type:           req.Type,
		Priority:       req.Priority,
		State:          model.StatePending,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		MaxRetries:     req.MaxRetries,
		VisibleAt:      now.Add(time.Duration(req.VisibilityDelayMs) * time.Millisecond),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.messages[msg.ID] = msg
	if req.IdempotencyKey != "" {
		f.idemIdx[req.Metadata.TenantID+"\x00"+req.IdempotencyKey] = msg.ID
	}
	return clone(msg), nil
}

type errDuplicate struct{}

func (errDuplicate) Error() string { return "duplicate idempotency key" }

func clone(m *model.Message) *model.Message {
	c := *m
	return &c
}

func (f *fakeStore) FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		return clone(m), nil
	}
	return nil, nil
}

func (f *fakeStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.idemIdx[tenantID+"\x00"+key]
	if !ok || id == uuid.Nil {
		return nil, nil
	}
	return clone(f.messages[id]), nil
}

func (f *fakeStore) ClaimNextBatch(ctx context.Context, limit int, workerID string, visibilityTimeout time.Duration) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clk.Now().UTC()
	var candidates []*model.Message
	for _, m := range f.messages {
		if m.State == model.StatePending && !m.VisibleAt.After(now) {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var claimed []*model.Message
	for _, m := range candidates {
		m.State = model.StateProcessing
		m.WorkerID = workerID
		started := now
		m.ProcessingStartedAt = &started
		m.VisibleAt = now.Add(visibilityTimeout)
		m.AttemptCount++
		claimed = append(claimed, clone(m))
	}
	return claimed, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	now := f.clk.Now().UTC()
	m.State = model.StateCompleted
	m.Result = result
	m.CompletedAt = &now
	return clone(m), nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, errEntry model.ErrorEntry, retryDelay time.Duration, forceFail bool) (bool, *model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return false, nil, nil
	}
	now := f.clk.Now().UTC()
	errEntry.AttemptNumber = m.AttemptCount
	m.Errors = append(m.Errors, errEntry)
	m.LastError = &errEntry

	willRetry := !forceFail && m.AttemptCount < m.MaxRetries+1
	if willRetry {
		m.State = model.StatePending
		m.VisibleAt = now.Add(retryDelay)
		m.WorkerID = ""
		m.ProcessingStartedAt = nil
	} else {
		m.State = model.StateFailed
	}
	return willRetry, clone(m), nil
}

func (f *fakeStore) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	m.State = model.StateDLQ
	return clone(m), nil
}

func (f *fakeStore) ReleaseStuckMessages(ctx context.Context, timeout time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) GetStats(ctx context.Context) (model.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats model.Stats
	for _, m := range f.messages {
		stats.Total++
		switch m.State {
		case model.StatePending:
			stats.Pending++
		case model.StateProcessing:
			stats.Processing++
		case model.StateCompleted:
			stats.Completed++
		case model.StateFailed:
			stats.Failed++
		case model.StateDLQ:
			stats.DLQ++
		}
	}
	return stats, nil
}

func (f *fakeStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) { return 0, nil }

func (f *fakeStore) DLQList(ctx context.Context, limit, skip int, msgType string, since *time.Time) ([]*model.Message, error) {
	return nil, nil
}
func (f *fakeStore) DLQCount(ctx context.Context, msgType string) (int64, error) { return 0, nil }
func (f *fakeStore) DLQGet(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	return nil, nil
}
func (f *fakeStore) DLQRetry(ctx context.Context, id uuid.UUID, opts model.DLQRetryOptions) (*model.Message, error) {
	return nil, nil
}
func (f *fakeStore) DLQRetryBatch(ctx context.Context, ids []uuid.UUID, opts model.DLQRetryOptions) (int, int, error) {
	return 0, 0, nil
}
func (f *fakeStore) DLQRetryByType(ctx context.Context, msgType string, opts model.DLQRetryOptions) (int, error) {
	return 0, nil
}
func (f *fakeStore) DLQDelete(ctx context.Context, id uuid.UUID) (bool, error) { return false, nil }
func (f *fakeStore) DLQDeleteBatch(ctx context.Context, ids []uuid.UUID) (int, error) {
	return 0, nil
}
func (f *fakeStore) DLQDeleteByType(ctx context.Context, msgType string) (int, error) { return 0, nil }
func (f *fakeStore) DLQDeleteOld(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeStore) DLQStats(ctx context.Context) (model.DLQStats, error) { return model.DLQStats{}, nil }
func (f *fakeStore) DLQErrorPatterns(ctx context.Context, limit int) ([]model.ErrorPattern, error) {
	return nil, nil
}
func (f *fakeStore) Export(ctx context.Context, msgType string) ([]byte, error) { return nil, nil }
