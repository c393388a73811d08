package stub

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kaskade/internal/domain"
	"kaskade/internal/venue"
)

// Feed emits deterministic synthetic quotes for dry runs without a live
// venue. Every pair starts at StartPrice and drifts up by Step per tick with
// a fixed spread and constant book sizes.
type Feed struct {
	Interval   time.Duration
	StartPrice decimal.Decimal
	Step       decimal.Decimal
	SpreadBps  decimal.Decimal
	Size       decimal.Decimal

	mu    sync.Mutex
	pairs map[string]domain.Pair
	order []domain.Pair
	out   chan domain.QuoteEvent
	done  chan struct{}
	once  sync.Once
}

// NewFeed creates a feed ticking at interval.
func NewFeed(interval time.Duration) *Feed {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Feed{
		Interval:   interval,
		StartPrice: decimal.NewFromInt(100),
		Step:       decimal.RequireFromString("0.01"),
		SpreadBps:  decimal.NewFromInt(10),
		Size:       decimal.NewFromInt(10_000),
		pairs:      make(map[string]domain.Pair),
		done:       make(chan struct{}),
	}
}

var _ venue.QuoteSource = (*Feed)(nil)

// Subscribe adds pairs to the feed and returns the shared quote channel.
// The first call starts emission, which runs until its ctx is done or Close
// is called; the channel is closed when emission stops.
func (f *Feed) Subscribe(ctx context.Context, pairs []domain.Pair) (<-chan domain.QuoteEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pairs {
		if _, ok := f.pairs[p.Key()]; !ok {
			f.pairs[p.Key()] = p
			f.order = append(f.order, p)
		}
	}
	if f.out == nil {
		f.out = make(chan domain.QuoteEvent, 64)
		go f.run(ctx)
	}
	return f.out, nil
}

func (f *Feed) snapshot() []domain.Pair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Pair(nil), f.order...)
}

// Close stops emission.
func (f *Feed) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.out)

	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	half := f.SpreadBps.Div(decimal.NewFromInt(20_000))
	px := f.StartPrice
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case ts := <-ticker.C:
			px = px.Add(f.Step)
			offset := px.Mul(half)
			for _, pair := range f.snapshot() {
				ev := domain.QuoteEvent{
					Pair:        pair,
					Bid:         px.Sub(offset),
					Ask:         px.Add(offset),
					BidSize:     f.Size,
					AskSize:     f.Size,
					TimestampMs: ts.UnixMilli(),
				}
				select {
				case f.out <- ev:
				case <-ctx.Done():
					return
				case <-f.done:
					return
				}
			}
		}
	}
}
