// Package pulse evaluates a session's market-condition checks against a
// snapshot. Evaluation is pure: it reads its inputs and returns a verdict.
package pulse

import (
	"kaskade/internal/domain"
)

// Reasons reported when a pulse cannot be evaluated.
const (
	ReasonNoSnapshot     = "snapshot unavailable"
	ReasonNoEstimate     = "slippage estimate unavailable"
	ReasonAmountMismatch = "estimate is for a different amount"
	ReasonWarmingUp      = "market window warming up"
	ReasonNoDepth        = "no depth data"
)

type check func(t domain.PulseThresholds, s *domain.Session, snap *domain.MarketSnapshot, est *domain.SlippageEstimate) domain.PulseResult

// conditions are the AND-combined pulses. Time decay is handled separately
// because it forces eligibility instead of gating it.
var conditions = []struct {
	typ     domain.PulseType
	enabled func(domain.PulseThresholds) bool
	eval    check
}{
	{domain.PulseSpread, func(t domain.PulseThresholds) bool { return t.Spread.Enabled }, spread},
	{domain.PulseSlippage, func(t domain.PulseThresholds) bool { return t.Slippage.Enabled }, slippage},
	{domain.PulseTrend, func(t domain.PulseThresholds) bool { return t.Trend.Enabled }, trend},
	{domain.PulseDepth, func(t domain.PulseThresholds) bool { return t.Depth.Enabled }, depth},
}

// Evaluate computes the verdict for s at nowMs. est may be nil when no
// slippage estimate was requested.
func Evaluate(s *domain.Session, snap *domain.MarketSnapshot, est *domain.SlippageEstimate, nowMs int64) domain.PulseVerdict {
	t := s.Thresholds
	v := domain.PulseVerdict{
		Results: make(map[domain.PulseType]domain.PulseResult, len(conditions)+1),
		Passed:  true,
	}

	for _, c := range conditions {
		if !c.enabled(t) {
			v.Results[c.typ] = domain.PulseResult{Passed: true}
			continue
		}
		r := c.eval(t, s, snap, est)
		r.Enabled = true
		v.Results[c.typ] = r
		if !r.Passed {
			v.Passed = false
		}
	}

	v.WaitedMs = nowMs - s.WaitStartMs()
	td := domain.PulseResult{Enabled: t.TimeDecay.Enabled}
	if t.TimeDecay.Enabled {
		td.Observed = float64(v.WaitedMs)
		td.Threshold = float64(t.TimeDecay.MaxWaitMs)
		td.Passed = v.WaitedMs >= t.TimeDecay.MaxWaitMs
		v.TimeDecayForced = td.Passed
	}
	v.Results[domain.PulseTimeDecay] = td

	return v
}

// NeedsSlippage reports whether a slippage estimate would decide
// eligibility: slippage is enabled, every other enabled condition passed,
// and time decay has not already forced the session.
func NeedsSlippage(s *domain.Session, v domain.PulseVerdict) bool {
	if !s.Thresholds.Slippage.Enabled || v.TimeDecayForced {
		return false
	}
	for _, c := range conditions {
		if c.typ == domain.PulseSlippage {
			continue
		}
		if r, ok := v.Results[c.typ]; ok && r.Enabled && !r.Passed {
			return false
		}
	}
	return true
}

func spread(t domain.PulseThresholds, _ *domain.Session, snap *domain.MarketSnapshot, _ *domain.SlippageEstimate) domain.PulseResult {
	r := domain.PulseResult{Threshold: t.Spread.MaxSpreadBps}
	if snap == nil {
		r.Reason = ReasonNoSnapshot
		return r
	}
	r.Observed = snap.SpreadBps
	r.Passed = snap.SpreadBps <= t.Spread.MaxSpreadBps
	return r
}

func slippage(t domain.PulseThresholds, s *domain.Session, _ *domain.MarketSnapshot, est *domain.SlippageEstimate) domain.PulseResult {
	r := domain.PulseResult{Threshold: t.Slippage.MaxSlippageBps}
	switch {
	case est == nil:
		r.Reason = ReasonNoEstimate
		return r
	case est.AmountIn != s.NextChunkAmount():
		r.Reason = ReasonAmountMismatch
		return r
	}
	r.Observed = est.SlippageBps
	r.Passed = est.SlippageBps <= t.Slippage.MaxSlippageBps
	return r
}

func trend(t domain.PulseThresholds, _ *domain.Session, snap *domain.MarketSnapshot, _ *domain.SlippageEstimate) domain.PulseResult {
	r := domain.PulseResult{Threshold: t.Trend.MinTrendBps}
	switch {
	case snap == nil:
		r.Reason = ReasonNoSnapshot
		return r
	case !snap.Warm:
		r.Reason = ReasonWarmingUp
		return r
	}
	r.Observed = snap.TrendBps
	r.Passed = snap.TrendBps >= t.Trend.MinTrendBps
	return r
}

func depth(t domain.PulseThresholds, _ *domain.Session, snap *domain.MarketSnapshot, _ *domain.SlippageEstimate) domain.PulseResult {
	r := domain.PulseResult{Threshold: t.Depth.MaxDepthDeficitBps}
	switch {
	case snap == nil:
		r.Reason = ReasonNoSnapshot
		return r
	case !snap.Warm:
		r.Reason = ReasonWarmingUp
		return r
	case snap.DepthBest <= 0:
		r.Reason = ReasonNoDepth
		return r
	}
	r.Observed = snap.DepthDeficitBps
	r.Passed = snap.DepthDeficitBps <= t.Depth.MaxDepthDeficitBps
	return r
}
