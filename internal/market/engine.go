// Package market turns a raw quote stream into versioned per-pair snapshots.
//
// Each pair keeps a bounded window of accepted quotes. Every accepted quote
// produces a new immutable MarketSnapshot that is published through an
// atomic pointer, so readers never block ingestion.
package market

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kaskade/internal/domain"
	"kaskade/internal/observability"
)

// Quote rejection reasons, used as metric labels.
const (
	RejectInvalidPair = "invalid_pair"
	RejectNonPositive = "non_positive"
	RejectCrossed     = "crossed"
	RejectOutOfOrder  = "out_of_order"
)

var (
	two       = decimal.NewFromInt(2)
	bpsFactor = decimal.NewFromInt(10_000)
)

// Config holds engine parameters.
type Config struct {
	MaxEvents       int           // window capacity per pair
	MaxHorizon      time.Duration // oldest retained event relative to the newest
	TrendSamples    int           // regression length; 0 uses the whole window
	TrendEpsilonBps float64       // |slope| below this is flat
	MinSamples      int           // warm-up sample count
	MinSpan         time.Duration // warm-up time span
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxEvents:       64,
		MaxHorizon:      60 * time.Second,
		TrendSamples:    0,
		TrendEpsilonBps: 0.5,
		MinSamples:      10,
		MinSpan:         5 * time.Second,
	}
}

type sample struct {
	ts    int64
	mid   float64
	depth float64 // 0 when the quote carried no sizes
}

type pairState struct {
	pair domain.Pair

	mu      sync.Mutex // serializes ingestion for the pair
	window  []sample
	version uint64

	snap atomic.Pointer[domain.MarketSnapshot]
}

// Engine computes market snapshots per pair.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	pairs sync.Map // pair key -> *pairState
}

// NewEngine creates an engine. Zero config fields fall back to defaults.
func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = def.MaxHorizon
	}
	if cfg.TrendEpsilonBps <= 0 {
		cfg.TrendEpsilonBps = def.TrendEpsilonBps
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinSpan < 0 {
		cfg.MinSpan = def.MinSpan
	}
	return &Engine{
		cfg: cfg,
		log: log.With().Str("component", "market").Logger(),
	}
}

// Ingest folds one quote into its pair window and publishes a new snapshot.
// It returns false when the event was rejected or ignored.
func (e *Engine) Ingest(ev domain.QuoteEvent) bool {
	if reason := validate(ev); reason != "" {
		e.reject(ev, reason)
		return false
	}

	ps := e.state(ev.Pair)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Re-delivered and late events are dropped so ingestion stays idempotent.
	if n := len(ps.window); n > 0 && ev.TimestampMs <= ps.window[n-1].ts {
		e.reject(ev, RejectOutOfOrder)
		return false
	}

	mid := ev.Bid.Add(ev.Ask).Div(two)
	spreadBps := ev.Ask.Sub(ev.Bid).Div(mid).Mul(bpsFactor)

	s := sample{ts: ev.TimestampMs, mid: mid.InexactFloat64()}
	if ev.BidSize.IsPositive() && ev.AskSize.IsPositive() {
		s.depth = decimal.Min(ev.BidSize, ev.AskSize).InexactFloat64()
	}
	ps.window = append(ps.window, s)
	ps.window = e.evict(ps.window)

	ps.version++
	snap := &domain.MarketSnapshot{
		Pair:        ps.pair,
		Version:     ps.version,
		TimestampMs: ev.TimestampMs,
		Bid:         ev.Bid,
		Ask:         ev.Ask,
		MidPrice:    s.mid,
		SpreadBps:   spreadBps.InexactFloat64(),
		Samples:     len(ps.window),
	}
	snap.TrendBps = e.trendBps(ps.window)
	snap.Trend = e.direction(snap.TrendBps)
	snap.DepthNow, snap.DepthBest, snap.DepthDeficitBps = depth(ps.window)

	span := time.Duration(ps.window[len(ps.window)-1].ts-ps.window[0].ts) * time.Millisecond
	snap.Warm = len(ps.window) >= e.cfg.MinSamples && span >= e.cfg.MinSpan

	if prev := ps.snap.Load(); prev != nil && prev.Slippage != nil {
		est := *prev.Slippage
		snap.Slippage = &est
	}
	ps.snap.Store(snap)

	observability.RecordQuoteIngested(ps.pair.Key(), snap.Version, snap.SpreadBps)
	return true
}

// LatestSnapshot returns the newest snapshot of pair without locking.
func (e *Engine) LatestSnapshot(pair domain.Pair) (*domain.MarketSnapshot, bool) {
	v, ok := e.pairs.Load(pair.Key())
	if !ok {
		return nil, false
	}
	snap := v.(*pairState).snap.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// AttachSlippage republishes the current snapshot of pair with est attached.
// It is a no-op when the snapshot has moved past est.Version.
func (e *Engine) AttachSlippage(pair domain.Pair, est *domain.SlippageEstimate) bool {
	v, ok := e.pairs.Load(pair.Key())
	if !ok || est == nil {
		return false
	}
	ps := v.(*pairState)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	cur := ps.snap.Load()
	if cur == nil || cur.Version != est.Version {
		return false
	}
	ps.snap.Store(cur.WithSlippage(est))
	return true
}

// Pairs lists every pair that has produced a snapshot, ordered by key.
func (e *Engine) Pairs() []domain.Pair {
	var out []domain.Pair
	e.pairs.Range(func(_, v any) bool {
		ps := v.(*pairState)
		if ps.snap.Load() != nil {
			out = append(out, ps.pair)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Run ingests events from src until it is closed or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, src <-chan domain.QuoteEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-src:
			if !ok {
				e.log.Info().Msg("quote source closed")
				return nil
			}
			e.Ingest(ev)
		}
	}
}

func (e *Engine) state(pair domain.Pair) *pairState {
	if v, ok := e.pairs.Load(pair.Key()); ok {
		return v.(*pairState)
	}
	v, _ := e.pairs.LoadOrStore(pair.Key(), &pairState{pair: pair})
	return v.(*pairState)
}

func (e *Engine) reject(ev domain.QuoteEvent, reason string) {
	observability.RecordQuoteRejected(reason)
	e.log.Debug().
		Str("pair", ev.Pair.Key()).
		Int64("ts", ev.TimestampMs).
		Str("reason", reason).
		Msg("quote rejected")
}

// evict trims w to the configured capacity and horizon. The newest sample is
// always retained.
func (e *Engine) evict(w []sample) []sample {
	drop := 0
	if len(w) > e.cfg.MaxEvents {
		drop = len(w) - e.cfg.MaxEvents
	}
	cutoff := w[len(w)-1].ts - e.cfg.MaxHorizon.Milliseconds()
	for drop < len(w)-1 && w[drop].ts < cutoff {
		drop++
	}
	if drop == 0 {
		return w
	}
	out := make([]sample, len(w)-drop, e.cfg.MaxEvents+1)
	copy(out, w[drop:])
	return out
}

// trendBps is the least-squares slope of mid over time, in bps of the latest
// mid per minute.
func (e *Engine) trendBps(w []sample) float64 {
	if e.cfg.TrendSamples > 0 && len(w) > e.cfg.TrendSamples {
		w = w[len(w)-e.cfg.TrendSamples:]
	}
	n := float64(len(w))
	if n < 2 {
		return 0
	}

	t0 := w[0].ts
	var sumX, sumY float64
	for _, s := range w {
		sumX += float64(s.ts-t0) / 60_000
		sumY += s.mid
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX float64
	for _, s := range w {
		dx := float64(s.ts-t0)/60_000 - meanX
		cov += dx * (s.mid - meanY)
		varX += dx * dx
	}
	last := w[len(w)-1].mid
	if varX == 0 || last == 0 {
		return 0
	}
	return cov / varX / last * 10_000
}

func (e *Engine) direction(bps float64) domain.TrendDirection {
	switch {
	case math.Abs(bps) < e.cfg.TrendEpsilonBps:
		return domain.TrendFlat
	case bps > 0:
		return domain.TrendUp
	default:
		return domain.TrendDown
	}
}

// depth returns the current depth, the best depth in the window and the
// deficit of the former against the latter in bps.
func depth(w []sample) (now, best, deficitBps float64) {
	now = w[len(w)-1].depth
	for _, s := range w {
		if s.depth > best {
			best = s.depth
		}
	}
	if best > 0 && now > 0 {
		deficitBps = (best - now) / best * 10_000
	}
	return now, best, deficitBps
}

func validate(ev domain.QuoteEvent) string {
	switch {
	case ev.Pair.Base == "" || ev.Pair.Quote == "":
		return RejectInvalidPair
	case !ev.Bid.IsPositive() || !ev.Ask.IsPositive():
		return RejectNonPositive
	case ev.Ask.LessThan(ev.Bid):
		return RejectCrossed
	}
	return ""
}
