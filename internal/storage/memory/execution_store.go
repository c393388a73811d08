package memory

import (
	"context"
	"sort"
	"sync"

	"kaskade/internal/domain"
	"kaskade/internal/storage"
)

// ExecutionStore is an in-memory implementation of storage.ExecutionStore.
type ExecutionStore struct {
	mu        sync.RWMutex
	data      map[string]*domain.ExecutionRecord // keyed by intent_id
	bySession map[string][]string
}

// NewExecutionStore creates a new in-memory execution history store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		data:      make(map[string]*domain.ExecutionRecord),
		bySession: make(map[string][]string),
	}
}

// Insert appends a record. Returns ErrDuplicateKey if intent_id exists.
func (s *ExecutionStore) Insert(_ context.Context, r *domain.ExecutionRecord) error {
	if r == nil || r.IntentID == "" || r.SessionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.IntentID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *r
	s.data[r.IntentID] = &copy
	s.bySession[r.SessionID] = append(s.bySession[r.SessionID], r.IntentID)
	return nil
}

// GetBySessionID retrieves history for a session, ordered by timestamp ASC.
func (s *ExecutionStore) GetBySessionID(_ context.Context, sessionID string) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	result := make([]*domain.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		copy := *s.data[id]
		result = append(result, &copy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result, nil
}

var _ storage.ExecutionStore = (*ExecutionStore)(nil)
