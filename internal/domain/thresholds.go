package domain

// Default threshold values applied to new plans.
const (
	DefaultMaxSpreadBps       = 35.0
	DefaultMaxSlippageBps     = 50.0
	DefaultMinTrendBps        = 0.0
	DefaultMaxDepthDeficitBps = 2500.0
	DefaultMaxWaitMs          = int64(5 * 60 * 1000)
)

// SpreadThreshold bounds the quoted spread.
type SpreadThreshold struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	MaxSpreadBps float64 `json:"max_spread_bps" yaml:"max_spread_bps"`
}

// SlippageThreshold bounds the simulated slippage of the session's chunk.
type SlippageThreshold struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	MaxSlippageBps float64 `json:"max_slippage_bps" yaml:"max_slippage_bps"`
}

// TrendThreshold requires the mid-price slope (bps/min) to be at least MinTrendBps.
type TrendThreshold struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	MinTrendBps float64 `json:"min_trend_bps" yaml:"min_trend_bps"`
}

// DepthThreshold bounds how far top-of-book depth may sit below the window best.
type DepthThreshold struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	MaxDepthDeficitBps float64 `json:"max_depth_deficit_bps" yaml:"max_depth_deficit_bps"`
}

// TimeDecayThreshold forces execution after MaxWaitMs without a fill.
type TimeDecayThreshold struct {
	Enabled   bool  `json:"enabled" yaml:"enabled"`
	MaxWaitMs int64 `json:"max_wait_ms" yaml:"max_wait_ms"`
}

// PulseThresholds is the per-session pulse configuration.
// Persisted as a single JSON text column (thresholds_json).
type PulseThresholds struct {
	Spread    SpreadThreshold    `json:"spread" yaml:"spread"`
	Slippage  SlippageThreshold  `json:"slippage" yaml:"slippage"`
	Trend     TrendThreshold     `json:"trend" yaml:"trend"`
	Depth     DepthThreshold     `json:"depth" yaml:"depth"`
	TimeDecay TimeDecayThreshold `json:"time_decay" yaml:"time_decay"`

	// CooldownMs is the minimum gap between fills. Zero means the scheduler default.
	CooldownMs int64 `json:"cooldown_ms" yaml:"cooldown_ms"`
}

// DefaultThresholds returns spread, slippage, trend and time-decay enabled; depth disabled.
func DefaultThresholds() PulseThresholds {
	return PulseThresholds{
		Spread:    SpreadThreshold{Enabled: true, MaxSpreadBps: DefaultMaxSpreadBps},
		Slippage:  SlippageThreshold{Enabled: true, MaxSlippageBps: DefaultMaxSlippageBps},
		Trend:     TrendThreshold{Enabled: true, MinTrendBps: DefaultMinTrendBps},
		Depth:     DepthThreshold{Enabled: false, MaxDepthDeficitBps: DefaultMaxDepthDeficitBps},
		TimeDecay: TimeDecayThreshold{Enabled: true, MaxWaitMs: DefaultMaxWaitMs},
	}
}

// EnabledPulses lists enabled pulse types in evaluation order.
func (t PulseThresholds) EnabledPulses() []PulseType {
	var out []PulseType
	if t.Spread.Enabled {
		out = append(out, PulseSpread)
	}
	if t.Slippage.Enabled {
		out = append(out, PulseSlippage)
	}
	if t.Trend.Enabled {
		out = append(out, PulseTrend)
	}
	if t.Depth.Enabled {
		out = append(out, PulseDepth)
	}
	if t.TimeDecay.Enabled {
		out = append(out, PulseTimeDecay)
	}
	return out
}
