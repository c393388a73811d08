package domain

import "github.com/shopspring/decimal"

// QuoteEvent is one top-of-book observation for a pair.
type QuoteEvent struct {
	Pair        Pair
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	BidSize     decimal.Decimal // zero when the feed has no sizes
	AskSize     decimal.Decimal
	TimestampMs int64
}

// TrendDirection is the sign of the mid-price slope.
type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendFlat TrendDirection = "flat"
	TrendDown TrendDirection = "down"
)

// SlippageEstimate is a simulated swap result for a given input amount.
type SlippageEstimate struct {
	AmountIn    uint64
	AmountOut   uint64
	SlippageBps float64
	Version     uint64 // snapshot version the estimate was computed at
}

// MarketSnapshot is the derived market state of a pair at one version.
// Published snapshots are never mutated; derive a copy instead.
type MarketSnapshot struct {
	Pair        Pair
	Version     uint64
	TimestampMs int64

	Bid       decimal.Decimal
	Ask       decimal.Decimal
	MidPrice  float64
	SpreadBps float64

	TrendBps float64 // slope of mid in bps of the latest mid per minute
	Trend    TrendDirection

	DepthNow        float64
	DepthBest       float64
	DepthDeficitBps float64

	Samples int
	Warm    bool

	Slippage *SlippageEstimate
}

// WithSlippage returns a copy carrying est.
func (s *MarketSnapshot) WithSlippage(est *SlippageEstimate) *MarketSnapshot {
	c := *s
	if est != nil {
		e := *est
		c.Slippage = &e
	}
	return &c
}

// AgeMs returns how old the snapshot is at nowMs.
func (s *MarketSnapshot) AgeMs(nowMs int64) int64 {
	return nowMs - s.TimestampMs
}
