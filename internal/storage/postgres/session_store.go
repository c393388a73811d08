package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionStore implements storage.SessionStore using PostgreSQL.
// Every mutation is a single conditional UPDATE on (id, version).
type SessionStore struct {
	pool *Pool
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SessionStore = (*SessionStore)(nil)

const sessionColumns = `
	id, user_id, pair_base, pair_quote,
	created_at_ms, expires_at_ms,
	total_amount_in, chunk_amount_in, approved_amount_in,
	executed_amount_in, executed_amount_out, remaining_amount_in,
	num_executed_chunks, last_execution_ts_ms,
	wallet_address, state, thresholds_json, version`

// Insert adds a new session. Returns ErrDuplicateKey if id exists.
func (s *SessionStore) Insert(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" || !sess.State.IsValid() {
		return storage.ErrInvalidInput
	}
	if err := sess.CheckInvariants(); err != nil {
		return storage.ErrInvalidInput
	}

	thresholds, err := json.Marshal(sess.Thresholds)
	if err != nil {
		return fmt.Errorf("encode thresholds: %w", err)
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (
		$1, $2, $3, $4,
		$5, $6,
		$7, $8, $9,
		$10, $11, $12,
		$13, $14,
		$15, $16, $17, $18
	)`

	_, err = s.pool.Exec(ctx, query,
		sess.ID, sess.UserID, sess.Pair.Base, sess.Pair.Quote,
		sess.CreatedAtMs, sess.ExpiresAtMs,
		int64(sess.TotalAmountIn), int64(sess.ChunkAmountIn), optionalInt64(sess.ApprovedAmountIn),
		int64(sess.ExecutedAmountIn), int64(sess.ExecutedAmountOut), int64(sess.RemainingAmountIn),
		int64(sess.NumExecutedChunks), sess.LastExecutionMs,
		sess.WalletAddress, string(sess.State), string(thresholds), sess.Version,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isCheckViolation(err) {
			return storage.ErrInvalidInput
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its ID. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get session by id: %w", err)
	}
	return sess, nil
}

// ListByState retrieves sessions in a state, ordered by created_at, id.
func (s *SessionStore) ListByState(ctx context.Context, state domain.SessionState) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE state = $1
		ORDER BY created_at_ms ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("list sessions by state: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListByUser retrieves all sessions of a user, ordered by created_at, id.
func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at_ms ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by user: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// UpdateState moves the session to a new state, conditioned on expectedVersion.
// The current state read here is repeated in the WHERE clause so a concurrent
// transition turns into ErrConflict.
func (s *SessionStore) UpdateState(ctx context.Context, id string, expectedVersion int64, to domain.SessionState) (*domain.Session, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	if !domain.CanTransition(current.State, to) {
		return nil, storage.ErrInvalidTransition
	}

	query := `UPDATE sessions
		SET state = $4, version = version + 1
		WHERE id = $1 AND version = $2 AND state = $3
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.pool.QueryRow(ctx, query, id, expectedVersion, string(current.State), string(to)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrConflict
		}
		return nil, fmt.Errorf("update session state: %w", err)
	}
	return sess, nil
}

// ApplyExecution folds a fill into the ledger with one conditional UPDATE.
func (s *SessionStore) ApplyExecution(ctx context.Context, id string, expectedVersion int64, fill domain.Fill) (*domain.Session, error) {
	if fill.AmountIn == 0 || fill.AmountIn > domain.MaxAmount || fill.AmountOut > domain.MaxAmount {
		return nil, storage.ErrInvalidInput
	}

	query := `UPDATE sessions SET
			executed_amount_in   = executed_amount_in + $3,
			executed_amount_out  = executed_amount_out + $4,
			remaining_amount_in  = remaining_amount_in - $3,
			num_executed_chunks  = num_executed_chunks + 1,
			last_execution_ts_ms = $5,
			state = CASE WHEN remaining_amount_in - $3 = 0 THEN 'completed' ELSE state END,
			version = version + 1
		WHERE id = $1 AND version = $2 AND state = 'active'
			AND remaining_amount_in >= $3
			AND (approved_amount_in IS NULL OR executed_amount_in + $3 <= approved_amount_in)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.pool.QueryRow(ctx, query,
		id, expectedVersion, int64(fill.AmountIn), int64(fill.AmountOut), fill.ExecutedAt,
	))
	if err == nil {
		return sess, nil
	}
	if !isNotFoundError(err) {
		if isCheckViolation(err) {
			return nil, storage.ErrInvalidInput
		}
		return nil, fmt.Errorf("apply execution: %w", err)
	}

	// No row matched: tell missing and a lost race apart from a fill the
	// current ledger cannot take.
	cur, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if cur.Version == expectedVersion && cur.State == domain.SessionActive {
		return nil, storage.ErrInvalidInput
	}
	return nil, storage.ErrConflict
}

func optionalInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	x := int64(*v)
	return &x
}

// scanSession scans a single row into a Session.
func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		sess                                     domain.Session
		total, chunk, execIn, execOut, remaining int64
		chunks                                   int64
		approved                                 *int64
		state, thresholds                        string
	)

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Pair.Base, &sess.Pair.Quote,
		&sess.CreatedAtMs, &sess.ExpiresAtMs,
		&total, &chunk, &approved,
		&execIn, &execOut, &remaining,
		&chunks, &sess.LastExecutionMs,
		&sess.WalletAddress, &state, &thresholds, &sess.Version,
	)
	if err != nil {
		return nil, err
	}

	sess.TotalAmountIn = uint64(total)
	sess.ChunkAmountIn = uint64(chunk)
	sess.ExecutedAmountIn = uint64(execIn)
	sess.ExecutedAmountOut = uint64(execOut)
	sess.RemainingAmountIn = uint64(remaining)
	sess.NumExecutedChunks = uint64(chunks)
	if approved != nil {
		v := uint64(*approved)
		sess.ApprovedAmountIn = &v
	}
	sess.State = domain.SessionState(state)
	if err := json.Unmarshal([]byte(thresholds), &sess.Thresholds); err != nil {
		return nil, fmt.Errorf("decode thresholds_json for %s: %w", sess.ID, err)
	}

	return &sess, nil
}

// scanSessions scans multiple rows into a slice of Session.
func scanSessions(rows pgx.Rows) ([]*domain.Session, error) {
	var sessions []*domain.Session

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return sessions, nil
}
