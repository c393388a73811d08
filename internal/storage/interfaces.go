package storage

import (
	"context"

	"kaskade/internal/domain"
)

// SessionStore provides access to sessions storage.
// It is the single source of truth for remaining balance and lifecycle state.
type SessionStore interface {
	// Insert adds a new session. Returns ErrDuplicateKey if id exists,
	// ErrInvalidInput if the record is malformed.
	Insert(ctx context.Context, s *domain.Session) error

	// GetByID retrieves a session by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// ListByState retrieves sessions in a state, ordered by created_at ASC, id ASC.
	ListByState(ctx context.Context, state domain.SessionState) ([]*domain.Session, error)

	// ListByUser retrieves all sessions of a user, ordered by created_at ASC, id ASC.
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)

	// UpdateState moves the session to a new state if its version still equals
	// expectedVersion. Returns ErrConflict on version mismatch,
	// ErrInvalidTransition if the move is not allowed, ErrNotFound if missing.
	UpdateState(ctx context.Context, id string, expectedVersion int64, to domain.SessionState) (*domain.Session, error)

	// ApplyExecution folds a fill into the ledger in one atomic step, conditioned
	// on expectedVersion and the Active state. Completes the session when
	// nothing remains. Returns ErrConflict if the record changed since it was read.
	ApplyExecution(ctx context.Context, id string, expectedVersion int64, fill domain.Fill) (*domain.Session, error)
}

// ExecutionStore provides access to execution history.
type ExecutionStore interface {
	// Insert appends a record. Returns ErrDuplicateKey if intent_id exists.
	Insert(ctx context.Context, r *domain.ExecutionRecord) error

	// GetBySessionID retrieves history for a session, ordered by timestamp ASC.
	GetBySessionID(ctx context.Context, sessionID string) ([]*domain.ExecutionRecord, error)
}
