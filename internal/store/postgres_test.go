package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"workbuffer/internal/clock"
	"workbuffer/internal/model"
	"workbuffer/internal/werrors"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *clock.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewPostgresStore(db, fake, zap.NewNop())
	return s, mock, fake
}

func TestCreate_insertsPendingMessage(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := s.Create(context.Background(), model.CreateRequest{
		Type:    "echo",
		Payload: map[string]any{"text": "hi"},
		Metadata: model.Metadata{TenantID: "tenant-a"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if msg.State != model.StatePending {
		t.Errorf("Create() state = %v, want PENDING", msg.State)
	}
	if msg.AttemptCount != 0 {
		t.Errorf("Create() attemptCount = %d, want 0", msg.AttemptCount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_uniqueViolationYieldsDuplicate(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(fakeSQLState{code: "23505", msg: "duplicate key value violates unique constraint"})

	_, err := s.Create(context.Background(), model.CreateRequest{
		Type:           "echo",
		Payload:        map[string]any{},
		Metadata:       model.Metadata{TenantID: "tenant-a"},
		IdempotencyKey: "k-1",
	})
	if err == nil {
		t.Fatal("Create() expected duplicate error")
	}
	if !werrors.Is(err, werrors.KindDuplicateMessage) {
		t.Errorf("Create() error = %v, want DUPLICATE_MESSAGE", err)
	}
}

type fakeSQLState struct {
	code string
	msg  string
}

func (e fakeSQLState) Error() string    { return e.msg }
func (e fakeSQLState) SQLState() string { return e.code }

func TestClaimNextBatch_scansClaimedRows(t *testing.T) {
	s, mock, _ := newTestStore(t)

	id := uuid.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(columnNamesForTest()).AddRow(
		id, "echo", 2, "PROCESSING", []byte(`{"text":"hi"}`),
		nil, nil, nil, "tenant-a", nil, nil,
		1, 3, now,
		now, nil, nil, "worker-1", []byte(`[]`),
		nil, nil, nil, nil, now, now,
	)
	mock.ExpectQuery("UPDATE messages").WillReturnRows(rows)

	claimed, err := s.ClaimNextBatch(context.Background(), 5, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimNextBatch() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimNextBatch() returned %d messages, want 1", len(claimed))
	}
	if claimed[0].ID != id {
		t.Errorf("ClaimNextBatch() id = %v, want %v", claimed[0].ID, id)
	}
	if claimed[0].WorkerID != "worker-1" {
		t.Errorf("ClaimNextBatch() workerId = %q, want worker-1", claimed[0].WorkerID)
	}
}

func columnNamesForTest() []string {
	return []string{
		"id", "type", "priority", "state", "payload",
		"correlation_id", "source", "user_id", "tenant_id", "trace_id", "metadata_custom",
		"attempt_count", "max_retries", "visible_at",
		"processing_started_at", "last_processed_at", "completed_at", "worker_id", "errors",
		"last_error", "idempotency_key", "result", "expires_at", "created_at", "updated_at",
	}
}
