package stub

import (
	"context"
	"sync"

	"kaskade/internal/domain"
	"kaskade/internal/venue"
)

// QuoteSource is a venue.QuoteSource fed by Push.
type QuoteSource struct {
	mu     sync.Mutex
	ch     chan domain.QuoteEvent
	pairs  []domain.Pair
	closed bool
}

// NewQuoteSource creates a quote source with the given buffer.
func NewQuoteSource(buffer int) *QuoteSource {
	return &QuoteSource{ch: make(chan domain.QuoteEvent, buffer)}
}

var _ venue.QuoteSource = (*QuoteSource)(nil)

// Subscribe records the pairs and returns the event channel.
func (q *QuoteSource) Subscribe(_ context.Context, pairs []domain.Pair) (<-chan domain.QuoteEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pairs = append(q.pairs, pairs...)
	return q.ch, nil
}

// Push delivers an event. It is a no-op after Close.
func (q *QuoteSource) Push(ev domain.QuoteEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.ch <- ev
	}
}

// Pairs returns the subscribed pairs.
func (q *QuoteSource) Pairs() []domain.Pair {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Pair(nil), q.pairs...)
}

// Close closes the event channel.
func (q *QuoteSource) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
