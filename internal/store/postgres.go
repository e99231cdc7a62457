package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"go.uber.org/zap"

	"workbuffer/internal/clock"
	"workbuffer/internal/model"
	"workbuffer/internal/werrors"
)

// PostgresStore is the production Store, backed by database/sql over
// pgx/v5's stdlib driver — this keeps the hot-path query surface on
// pgx's faster wire protocol while staying on database/sql, so tests
// can run it against sqlmock (migrations use their own lib/pq
// connection, see migrate.go; DESIGN.md covers the tradeoff against a
// pgxpool-native implementation).
type PostgresStore struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
}

// Open connects to Postgres via the pgx stdlib driver and tunes the
// pool the way the teacher's internal/db/postgres.go does.
func Open(ctx context.Context, dsn string, clk clock.Clock, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStore(db, clk, logger), nil
}

// NewPostgresStore wraps an already-open *sql.DB, so tests can inject
// a sqlmock-backed connection.
func NewPostgresStore(db *sql.DB, clk clock.Clock, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, clock: clk, logger: logger}
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health pings the database; used by the admin surface's readiness
// endpoint.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying pool so other packages sharing this
// Postgres instance (e.g. internal/admin's tenant lookup) don't open a
// second connection pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(data []byte, out *map[string]any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (s *PostgresStore) Create(ctx context.Context, req model.CreateRequest) (*model.Message, error) {
	now := s.clock.Now().UTC()

	msg := &model.Message{
		ID:             uuid.New(),
		Type:           req.Type,
		Priority:       req.Priority,
		State:          model.StatePending,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		AttemptCount:   0,
		MaxRetries:     req.MaxRetries,
		VisibleAt:      now.Add(time.Duration(req.VisibilityDelayMs) * time.Millisecond),
		Errors:         []model.ErrorEntry{},
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	payloadJSON, err := marshalJSON(msg.Payload)
	if err != nil {
		return nil, werrors.New(werrors.KindInvalidMessage, err)
	}
	metadataJSON, err := marshalJSON(msg.Metadata.Custom)
	if err != nil {
		return nil, werrors.New(werrors.KindInvalidMessage, err)
	}
	errorsJSON, _ := marshalJSON(msg.Errors)

	var idemKey any
	if msg.IdempotencyKey != "" {
		idemKey = msg.IdempotencyKey
	}

	query := `
		INSERT INTO messages (
			id, type, priority, state, payload, correlation_id, source, user_id,
			tenant_id, trace_id, metadata_custom, attempt_count, max_retries,
			visible_at, errors, idempotency_key, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.Type, int(msg.Priority), msg.State, payloadJSON,
		msg.Metadata.CorrelationID, msg.Metadata.Source, msg.Metadata.UserID,
		msg.Metadata.TenantID, msg.Metadata.TraceID, metadataJSON,
		msg.AttemptCount, msg.MaxRetries, msg.VisibleAt, errorsJSON,
		idemKey, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, werrors.NewNoRetry(werrors.KindDuplicateMessage, err)
		}
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}

	return msg, nil
}

// isUniqueViolation matches the Postgres unique_violation SQLSTATE
// without depending on a driver-specific error type, so it works the
// same whether lib/pq or pgx is what raised it.
func isUniqueViolation(err error) bool {
	return containsSQLState(err, "23505")
}

func containsSQLState(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == code
	}
	// Fall back to substring match against the driver's error text —
	// both lib/pq and pgx embed the SQLSTATE in Error().
	return err != nil && containsString(err.Error(), code)
}

func containsString(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

const messageColumns = `id, type, priority, state, payload, correlation_id, source, user_id,
	tenant_id, trace_id, metadata_custom, attempt_count, max_retries, visible_at,
	processing_started_at, last_processed_at, completed_at, worker_id, errors,
	last_error, idempotency_key, result, expires_at, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var msg model.Message
	var priority int
	var payloadJSON, metadataCustomJSON, errorsJSON, lastErrorJSON, resultJSON []byte
	var correlationID, source, userID, tenantID, traceID, idemKey, workerID sql.NullString
	var processingStartedAt, lastProcessedAt, completedAt, expiresAt sql.NullTime

	err := row.Scan(
		&msg.ID, &msg.Type, &priority, &msg.State, &payloadJSON,
		&correlationID, &source, &userID, &tenantID, &traceID, &metadataCustomJSON,
		&msg.AttemptCount, &msg.MaxRetries, &msg.VisibleAt,
		&processingStartedAt, &lastProcessedAt, &completedAt, &workerID, &errorsJSON,
		&lastErrorJSON, &idemKey, &resultJSON, &expiresAt, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Priority = model.Priority(priority)
	msg.Metadata = model.Metadata{
		CorrelationID: correlationID.String,
		Source:        source.String,
		UserID:        userID.String,
		TenantID:      tenantID.String,
		TraceID:       traceID.String,
	}
	if len(metadataCustomJSON) > 0 {
		_ = unmarshalMap(metadataCustomJSON, &msg.Metadata.Custom)
	}
	if len(payloadJSON) > 0 {
		_ = unmarshalMap(payloadJSON, &msg.Payload)
	}
	if len(resultJSON) > 0 {
		_ = unmarshalMap(resultJSON, &msg.Result)
	}
	if len(errorsJSON) > 0 {
		_ = json.Unmarshal(errorsJSON, &msg.Errors)
	}
	if len(lastErrorJSON) > 0 && string(lastErrorJSON) != "null" {
		var le model.ErrorEntry
		if json.Unmarshal(lastErrorJSON, &le) == nil {
			msg.LastError = &le
		}
	}
	msg.IdempotencyKey = idemKey.String
	msg.WorkerID = workerID.String
	if processingStartedAt.Valid {
		t := processingStartedAt.Time
		msg.ProcessingStartedAt = &t
	}
	if lastProcessedAt.Valid {
		t := lastProcessedAt.Time
		msg.LastProcessedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		msg.CompletedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		msg.ExpiresAt = &t
	}

	return &msg, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return msg, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = $1 AND idempotency_key = $2
		ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, tenantID, key)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return msg, nil
}

// ClaimNextBatch atomically claims up to limit PENDING-and-visible
// messages, ordered (priority ASC, createdAt ASC), generalizing the
// teacher's internal/queue/database.go Poll's
// "UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED) RETURNING"
// pattern to arbitrary priority and visibility-timeout semantics.
func (s *PostgresStore) ClaimNextBatch(ctx context.Context, limit int, workerID string, visibilityTimeout time.Duration) ([]*model.Message, error) {
	now := s.clock.Now().UTC()
	newVisibleAt := now.Add(visibilityTimeout)

	query := `
		UPDATE messages
		SET state = 'PROCESSING',
			worker_id = $1,
			processing_started_at = $2,
			visible_at = $3,
			attempt_count = attempt_count + 1,
			updated_at = $2
		WHERE id IN (
			SELECT id FROM messages
			WHERE state = 'PENDING' AND visible_at <= $2
			ORDER BY priority ASC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns

	rows, err := s.db.QueryContext(ctx, query, workerID, now, newVisibleAt, limit)
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	defer rows.Close()

	var claimed []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, werrors.New(werrors.KindPersistenceFailure, err)
		}
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (*model.Message, error) {
	now := s.clock.Now().UTC()
	expiresAt := now.Add(24 * time.Hour)
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}

	query := `
		UPDATE messages
		SET state = 'COMPLETED', result = $2, completed_at = $3, expires_at = $4,
			last_processed_at = $3, updated_at = $3
		WHERE id = $1
		RETURNING ` + messageColumns

	row := s.db.QueryRowContext(ctx, query, id, resultJSON, now, expiresAt)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return msg, nil
}

// MarkFailed appends errEntry to the message's error log. If its
// attemptCount has exceeded maxRetries (one initial attempt plus
// maxRetries retries), or forceFail is set (a handler/processor noRetry
// advisory), the message is terminally FAILED; otherwise it returns to
// PENDING with a fresh visibleAt.
func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, errEntry model.ErrorEntry, retryDelay time.Duration, forceFail bool) (bool, *model.Message, error) {
	now := s.clock.Now().UTC()

	current, err := s.FindByID(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if current == nil {
		return false, nil, nil
	}

	errEntry.Timestamp = now
	errEntry.AttemptNumber = current.AttemptCount
	newErrors := append(append([]model.ErrorEntry{}, current.Errors...), errEntry)
	errorsJSON, _ := json.Marshal(newErrors)
	lastErrorJSON, _ := json.Marshal(errEntry)

	willRetry := !forceFail && current.AttemptCount < current.MaxRetries+1

	var query string
	var row *sql.Row
	if !willRetry {
		expiresAt := now.Add(7 * 24 * time.Hour)
		query = `
			UPDATE messages
			SET state = 'FAILED', errors = $2, last_error = $3, expires_at = $4,
				last_processed_at = $5, updated_at = $5
			WHERE id = $1
			RETURNING ` + messageColumns
		row = s.db.QueryRowContext(ctx, query, id, errorsJSON, lastErrorJSON, expiresAt, now)
	} else {
		visibleAt := now.Add(retryDelay)
		query = `
			UPDATE messages
			SET state = 'PENDING', errors = $2, last_error = $3, visible_at = $4,
				worker_id = NULL, processing_started_at = NULL,
				last_processed_at = $5, updated_at = $5
			WHERE id = $1
			RETURNING ` + messageColumns
		row = s.db.QueryRowContext(ctx, query, id, errorsJSON, lastErrorJSON, visibleAt, now)
	}

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return willRetry, msg, nil
}

func (s *PostgresStore) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*model.Message, error) {
	now := s.clock.Now().UTC()
	lastError := model.ErrorEntry{Message: reason, Code: "MOVED_TO_DLQ", Timestamp: now}
	lastErrorJSON, _ := json.Marshal(lastError)

	query := `
		UPDATE messages
		SET state = 'DLQ', last_error = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + messageColumns

	row := s.db.QueryRowContext(ctx, query, id, lastErrorJSON, now)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return msg, nil
}

// ReleaseStuckMessages finds PROCESSING messages whose
// processingStartedAt has aged past timeout and fails each one with
// MESSAGE_TIMEOUT, returning the count that elected to retry.
func (s *PostgresStore) ReleaseStuckMessages(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-timeout)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages WHERE state = 'PROCESSING' AND processing_started_at <= $1`, cutoff)
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, werrors.New(werrors.KindPersistenceFailure, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}

	retried := 0
	for _, id := range ids {
		errEntry := model.ErrorEntry{Message: "message exceeded visibility timeout", Code: "MESSAGE_TIMEOUT"}
		willRetry, _, err := s.MarkFailed(ctx, id, errEntry, 5*time.Second, false)
		if err != nil {
			s.logger.Error("stuck sweep: failed to mark message", zap.String("id", id.String()), zap.Error(err))
			continue
		}
		if willRetry {
			retried++
		}
	}
	return retried, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'PENDING'),
			COUNT(*) FILTER (WHERE state = 'PROCESSING'),
			COUNT(*) FILTER (WHERE state = 'COMPLETED'),
			COUNT(*) FILTER (WHERE state = 'FAILED'),
			COUNT(*) FILTER (WHERE state = 'DLQ'),
			COUNT(*),
			COALESCE(MIN(created_at) FILTER (WHERE state = 'PENDING'), NOW())
		FROM messages`)

	var oldestPending time.Time
	if err := row.Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.DLQ, &stats.Total, &oldestPending); err != nil {
		return stats, werrors.New(werrors.KindPersistenceFailure, err)
	}
	if stats.Pending > 0 {
		stats.OldestPendingAge = s.clock.Now().UTC().Sub(oldestPending)
	}
	return stats, nil
}

// Cleanup deletes COMPLETED/FAILED records whose completedAt has aged
// past olderThan; FAILED records carry no completedAt, so their
// lastProcessedAt (the time of the final failure) is used instead. DLQ
// rows are never touched here.
func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE state IN ('COMPLETED', 'FAILED') AND COALESCE(completed_at, last_processed_at) <= $1`, cutoff)
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
