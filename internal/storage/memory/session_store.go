package memory

import (
	"context"
	"sort"
	"sync"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

// SessionStore is an in-memory implementation of storage.SessionStore.
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Session // keyed by id
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]*domain.Session),
	}
}

// Insert adds a new session. Returns ErrDuplicateKey if id exists.
func (s *SessionStore) Insert(_ context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" || !sess.State.IsValid() {
		return storage.ErrInvalidInput
	}
	if err := sess.CheckInvariants(); err != nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sess.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[sess.ID] = sess.Clone()
	return nil
}

// GetByID retrieves a session by its ID. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return sess.Clone(), nil
}

// ListByState retrieves sessions in a state, ordered by created_at, id.
func (s *SessionStore) ListByState(_ context.Context, state domain.SessionState) ([]*domain.Session, error) {
	return s.list(func(sess *domain.Session) bool { return sess.State == state }), nil
}

// ListByUser retrieves all sessions of a user, ordered by created_at, id.
func (s *SessionStore) ListByUser(_ context.Context, userID string) ([]*domain.Session, error) {
	return s.list(func(sess *domain.Session) bool { return sess.UserID == userID }), nil
}

func (s *SessionStore) list(match func(*domain.Session) bool) []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Session
	for _, sess := range s.data {
		if match(sess) {
			result = append(result, sess.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAtMs != result[j].CreatedAtMs {
			return result[i].CreatedAtMs < result[j].CreatedAtMs
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// UpdateState moves the session to a new state, conditioned on expectedVersion.
func (s *SessionStore) UpdateState(_ context.Context, id string, expectedVersion int64, to domain.SessionState) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if sess.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	if !domain.CanTransition(sess.State, to) {
		return nil, storage.ErrInvalidTransition
	}

	updated := sess.Clone()
	updated.State = to
	updated.Version++
	s.data[id] = updated
	return updated.Clone(), nil
}

// ApplyExecution folds a fill into the ledger, conditioned on expectedVersion and Active state.
func (s *SessionStore) ApplyExecution(_ context.Context, id string, expectedVersion int64, fill domain.Fill) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if sess.Version != expectedVersion || sess.State != domain.SessionActive {
		return nil, storage.ErrConflict
	}

	// Mutate a copy so a rejected fill leaves the stored record untouched.
	updated := sess.Clone()
	if err := updated.ApplyFill(fill); err != nil {
		return nil, storage.ErrInvalidInput
	}
	updated.Version++
	s.data[id] = updated
	return updated.Clone(), nil
}

var _ storage.SessionStore = (*SessionStore)(nil)
