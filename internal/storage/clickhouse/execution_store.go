package clickhouse

import (
	"context"
	"fmt"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

// ExecutionStore implements storage.ExecutionStore using ClickHouse.
type ExecutionStore struct {
	conn *Conn
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(conn *Conn) *ExecutionStore {
	return &ExecutionStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// Insert appends a record. MergeTree does not enforce keys, so intent_id
// uniqueness is checked with a read before the insert.
func (s *ExecutionStore) Insert(ctx context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.IntentID == "" || r.SessionID == "" {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, r.SessionID, r.IntentID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO executions (
			intent_id, session_id, user_id, pair_base, pair_quote,
			chunk_index, amount_in, amount_out, snapshot_version,
			outcome, error, route_id, time_decay_forced, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	var forced uint8
	if r.TimeDecayForced {
		forced = 1
	}
	err = batch.Append(
		r.IntentID, r.SessionID, r.UserID, r.Pair.Base, r.Pair.Quote,
		r.ChunkIndex, r.AmountIn, r.AmountOut, r.SnapshotVersion,
		string(r.Outcome), r.Error, r.RouteID, forced, r.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBySessionID retrieves history for a session, ordered by timestamp ASC.
func (s *ExecutionStore) GetBySessionID(ctx context.Context, sessionID string) ([]*domain.ExecutionRecord, error) {
	query := `
		SELECT intent_id, session_id, user_id, pair_base, pair_quote,
			chunk_index, amount_in, amount_out, snapshot_version,
			outcome, error, route_id, time_decay_forced, timestamp_ms
		FROM executions
		WHERE session_id = ?
		ORDER BY timestamp_ms ASC, intent_id ASC
	`

	rows, err := s.conn.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query by session id: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// exists checks if a record with the given intent id exists.
func (s *ExecutionStore) exists(ctx context.Context, sessionID, intentID string) (bool, error) {
	query := `
		SELECT count(*) FROM executions
		WHERE session_id = ? AND intent_id = ?
	`

	var count uint64
	if err := s.conn.QueryRow(ctx, query, sessionID, intentID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanExecutions scans multiple rows.
func scanExecutions(rows chRows) ([]*domain.ExecutionRecord, error) {
	var records []*domain.ExecutionRecord

	for rows.Next() {
		var r domain.ExecutionRecord
		var outcome string
		var forced uint8

		err := rows.Scan(
			&r.IntentID, &r.SessionID, &r.UserID, &r.Pair.Base, &r.Pair.Quote,
			&r.ChunkIndex, &r.AmountIn, &r.AmountOut, &r.SnapshotVersion,
			&outcome, &r.Error, &r.RouteID, &forced, &r.TimestampMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}

		r.Outcome = domain.ExecutionOutcome(outcome)
		r.TimeDecayForced = forced == 1
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}

	return records, nil
}
