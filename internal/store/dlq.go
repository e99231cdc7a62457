package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"workbuffer/internal/model"
	"workbuffer/internal/werrors"
)

// DLQList implements the Management interface's List operation.
func (s *PostgresStore) DLQList(ctx context.Context, limit, skip int, msgType string, since *time.Time) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE state = 'DLQ'`
	args := []any{}
	argN := 1

	if msgType != "" {
		query += " AND type = $" + itoa(argN)
		args = append(args, msgType)
		argN++
	}
	if since != nil {
		query += " AND updated_at >= $" + itoa(argN)
		args = append(args, *since)
		argN++
	}
	query += " ORDER BY updated_at DESC LIMIT $" + itoa(argN) + " OFFSET $" + itoa(argN+1)
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, werrors.New(werrors.KindPersistenceFailure, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func (s *PostgresStore) DLQCount(ctx context.Context, msgType string) (int64, error) {
	var count int64
	var err error
	if msgType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE state = 'DLQ'`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE state = 'DLQ' AND type = $1`, msgType).Scan(&count)
	}
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return count, nil
}

func (s *PostgresStore) DLQGet(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND state = 'DLQ'`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return msg, nil
}

// DLQRetry moves a DLQ message back to PENDING. This is an
// administrative operation that deliberately breaks terminal
// stability (P4) by design — see the design notes' open question on
// DLQ Retry idempotency.
func (s *PostgresStore) DLQRetry(ctx context.Context, id uuid.UUID, opts model.DLQRetryOptions) (*model.Message, error) {
	now := s.clock.Now().UTC()
	visibleAt := now.Add(time.Duration(opts.VisibilityDelayMs) * time.Millisecond)

	query := `
		UPDATE messages
		SET state = 'PENDING', visible_at = $2, worker_id = NULL,
			processing_started_at = NULL, completed_at = NULL, expires_at = NULL,
			updated_at = $3`
	args := []any{id, visibleAt, now}
	argN := 4

	if opts.ResetAttempts {
		query += ", attempt_count = 0"
	}
	if opts.MaxRetries != nil {
		query += ", max_retries = $" + itoa(argN)
		args = append(args, *opts.MaxRetries)
		argN++
	}
	query += " WHERE id = $1 AND state = 'DLQ' RETURNING " + messageColumns

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	return msg, nil
}

// DLQRetryBatch applies DLQRetry's semantics to every id in one
// statement, reporting how many rows actually transitioned (a message
// already claimed out of DLQ by a concurrent retry does not count as
// succeeded).
func (s *PostgresStore) DLQRetryBatch(ctx context.Context, ids []uuid.UUID, opts model.DLQRetryOptions) (succeeded, failed int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}

	now := s.clock.Now().UTC()
	visibleAt := now.Add(time.Duration(opts.VisibilityDelayMs) * time.Millisecond)

	query := `
		UPDATE messages
		SET state = 'PENDING', visible_at = $2, worker_id = NULL,
			processing_started_at = NULL, completed_at = NULL, expires_at = NULL,
			updated_at = $3`
	args := []any{uuidArray(ids), visibleAt, now}
	argN := 4

	if opts.ResetAttempts {
		query += ", attempt_count = 0"
	}
	if opts.MaxRetries != nil {
		query += ", max_retries = $" + itoa(argN)
		args = append(args, *opts.MaxRetries)
		argN++
	}
	query += " WHERE id = ANY($1) AND state = 'DLQ'"

	result, execErr := s.db.ExecContext(ctx, query, args...)
	if execErr != nil {
		return 0, 0, werrors.New(werrors.KindPersistenceFailure, execErr)
	}
	n, _ := result.RowsAffected()
	return int(n), len(ids) - int(n), nil
}

// DLQRetryByType applies DLQRetry's semantics to every DLQ resident of
// the given type, returning the count retried.
func (s *PostgresStore) DLQRetryByType(ctx context.Context, msgType string, opts model.DLQRetryOptions) (int, error) {
	now := s.clock.Now().UTC()
	visibleAt := now.Add(time.Duration(opts.VisibilityDelayMs) * time.Millisecond)

	query := `
		UPDATE messages
		SET state = 'PENDING', visible_at = $2, worker_id = NULL,
			processing_started_at = NULL, completed_at = NULL, expires_at = NULL,
			updated_at = $3`
	args := []any{msgType, visibleAt, now}
	argN := 4

	if opts.ResetAttempts {
		query += ", attempt_count = 0"
	}
	if opts.MaxRetries != nil {
		query += ", max_retries = $" + itoa(argN)
		args = append(args, *opts.MaxRetries)
		argN++
	}
	query += " WHERE type = $1 AND state = 'DLQ'"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DLQDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND state = 'DLQ'`, id)
	if err != nil {
		return false, werrors.New(werrors.KindPersistenceFailure, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) DLQDeleteBatch(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ANY($1) AND state = 'DLQ'`, uuidArray(ids))
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DLQDeleteByType(ctx context.Context, msgType string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE state = 'DLQ' AND type = $1`, msgType)
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DLQDeleteOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE state = 'DLQ' AND updated_at <= $1`, cutoff)
	if err != nil {
		return 0, werrors.New(werrors.KindPersistenceFailure, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DLQStats(ctx context.Context) (model.DLQStats, error) {
	var stats model.DLQStats
	stats.ByType = make(map[string]int64)

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MIN(updated_at), NOW()) FROM messages WHERE state = 'DLQ'`)
	var oldest time.Time
	if err := row.Scan(&stats.Total, &oldest); err != nil {
		return stats, werrors.New(werrors.KindPersistenceFailure, err)
	}
	if stats.Total > 0 {
		stats.OldestMessageAge = s.clock.Now().UTC().Sub(oldest)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM messages WHERE state = 'DLQ' GROUP BY type`)
	if err != nil {
		return stats, werrors.New(werrors.KindPersistenceFailure, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var c int64
		if err := rows.Scan(&t, &c); err != nil {
			return stats, werrors.New(werrors.KindPersistenceFailure, err)
		}
		stats.ByType[t] = c
	}
	return stats, rows.Err()
}

// DLQErrorPatterns groups DLQ residents by their last error's code and
// message, surfacing the most common failure signatures for
// post-mortem.
func (s *PostgresStore) DLQErrorPatterns(ctx context.Context, limit int) ([]model.ErrorPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT last_error->>'code', last_error->>'message', COUNT(*),
			   (array_agg(id))[1:5]
		FROM messages
		WHERE state = 'DLQ' AND last_error IS NOT NULL
		GROUP BY last_error->>'code', last_error->>'message'
		ORDER BY COUNT(*) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	defer rows.Close()

	var patterns []model.ErrorPattern
	for rows.Next() {
		var p model.ErrorPattern
		var sampleIDs uuidArray
		if err := rows.Scan(&p.ErrorCode, &p.ErrorMessage, &p.Count, &sampleIDs); err != nil {
			return nil, werrors.New(werrors.KindPersistenceFailure, err)
		}
		p.SampleMessageIDs = sampleIDs
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Export serializes every DLQ message of the given type (or all, if
// empty) to JSON, for the Management interface's Export operation.
func (s *PostgresStore) Export(ctx context.Context, msgType string) ([]byte, error) {
	msgs, err := s.DLQList(ctx, 1_000_000, 0, msgType, nil)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(msgs, "", "  ")
}
