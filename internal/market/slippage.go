package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"kaskade/internal/domain"
	"kaskade/internal/observability"
	"kaskade/internal/venue"
)

type estimateKey struct {
	pair    string
	amount  uint64
	version uint64
}

// SlippageOracle estimates slippage for a chunk size through the venue
// simulator. Results are cached per (pair, amount, snapshot version) and
// concurrent lookups for the same key share one simulator call.
type SlippageOracle struct {
	sim    venue.Simulator
	engine *Engine
	log    zerolog.Logger

	mu     sync.Mutex
	cache  map[estimateKey]*domain.SlippageEstimate
	latest map[string]uint64 // newest cached version per pair

	group singleflight.Group
}

// NewSlippageOracle creates an oracle. engine may be nil, in which case
// estimates are not attached to snapshots.
func NewSlippageOracle(sim venue.Simulator, engine *Engine, log zerolog.Logger) *SlippageOracle {
	return &SlippageOracle{
		sim:    sim,
		engine: engine,
		log:    log.With().Str("component", "slippage").Logger(),
		cache:  make(map[estimateKey]*domain.SlippageEstimate),
		latest: make(map[string]uint64),
	}
}

// Estimate returns the slippage estimate for amountIn on pair at version.
func (o *SlippageOracle) Estimate(ctx context.Context, pair domain.Pair, amountIn, version uint64) (*domain.SlippageEstimate, error) {
	key := estimateKey{pair: pair.Key(), amount: amountIn, version: version}

	o.mu.Lock()
	if est, ok := o.cache[key]; ok {
		o.mu.Unlock()
		observability.RecordSlippageEstimate("hit")
		c := *est
		return &c, nil
	}
	o.mu.Unlock()

	sfKey := key.pair + "|" + strconv.FormatUint(amountIn, 10) + "|" + strconv.FormatUint(version, 10)
	v, err, _ := o.group.Do(sfKey, func() (any, error) {
		sim, err := o.sim.Simulate(ctx, pair, amountIn)
		if err != nil {
			return nil, err
		}
		est := &domain.SlippageEstimate{
			AmountIn:    amountIn,
			AmountOut:   sim.AmountOut,
			SlippageBps: sim.SlippageBps,
			Version:     version,
		}
		o.store(key, est)
		return est, nil
	})
	if err != nil {
		observability.RecordSlippageEstimate("error")
		o.log.Warn().Err(err).Str("pair", key.pair).Uint64("amount_in", amountIn).Msg("simulation failed")
		return nil, fmt.Errorf("estimate slippage for %s: %w", key.pair, err)
	}
	observability.RecordSlippageEstimate("miss")

	est := v.(*domain.SlippageEstimate)
	if o.engine != nil {
		o.engine.AttachSlippage(pair, est)
	}
	c := *est
	return &c, nil
}

// store caches est and drops entries of older versions for the same pair.
func (o *SlippageOracle) store(key estimateKey, est *domain.SlippageEstimate) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cache[key] = est
	if key.version <= o.latest[key.pair] {
		return
	}
	o.latest[key.pair] = key.version
	for k := range o.cache {
		if k.pair == key.pair && k.version < key.version {
			delete(o.cache, k)
		}
	}
}

// Len returns the number of cached estimates.
func (o *SlippageOracle) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cache)
}
