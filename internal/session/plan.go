package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"kaskade/internal/domain"
)

// PlanParams describes a new plan as given on the command line or in a
// plan file. Unset threshold fields keep their defaults.
type PlanParams struct {
	UserID           string  `yaml:"user_id"`
	Pair             string  `yaml:"pair"`
	TotalAmountIn    uint64  `yaml:"total_amount_in"`
	ChunkAmountIn    uint64  `yaml:"chunk_amount_in"`
	ApprovedAmountIn *uint64 `yaml:"approved_amount_in,omitempty"`
	Wallet           string  `yaml:"wallet,omitempty"`

	// Pulses lists the enabled pulses. Empty keeps the default set.
	Pulses []string `yaml:"pulses,omitempty"`

	MaxSpreadBps       *float64      `yaml:"max_spread_bps,omitempty"`
	MaxSlippageBps     *float64      `yaml:"max_slippage_bps,omitempty"`
	MinTrendBps        *float64      `yaml:"min_trend_bps,omitempty"`
	MaxDepthDeficitBps *float64      `yaml:"max_depth_deficit_bps,omitempty"`
	MaxWait            time.Duration `yaml:"max_wait,omitempty"`
	Cooldown           time.Duration `yaml:"cooldown,omitempty"`
	Duration           time.Duration `yaml:"duration,omitempty"`
}

// Thresholds resolves the pulse configuration of p.
func (p PlanParams) Thresholds() (domain.PulseThresholds, error) {
	t := domain.DefaultThresholds()

	if len(p.Pulses) > 0 {
		t.Spread.Enabled = false
		t.Slippage.Enabled = false
		t.Trend.Enabled = false
		t.Depth.Enabled = false
		t.TimeDecay.Enabled = false
		for _, name := range p.Pulses {
			typ, ok := domain.ParsePulseType(strings.ToLower(strings.TrimSpace(name)))
			if !ok {
				return t, fmt.Errorf("%w: unknown pulse %q", ErrInvalidPlan, name)
			}
			switch typ {
			case domain.PulseSpread:
				t.Spread.Enabled = true
			case domain.PulseSlippage:
				t.Slippage.Enabled = true
			case domain.PulseTrend:
				t.Trend.Enabled = true
			case domain.PulseDepth:
				t.Depth.Enabled = true
			case domain.PulseTimeDecay:
				t.TimeDecay.Enabled = true
			}
		}
	}

	if p.MaxSpreadBps != nil {
		t.Spread.MaxSpreadBps = *p.MaxSpreadBps
	}
	if p.MaxSlippageBps != nil {
		t.Slippage.MaxSlippageBps = *p.MaxSlippageBps
	}
	if p.MinTrendBps != nil {
		t.Trend.MinTrendBps = *p.MinTrendBps
	}
	if p.MaxDepthDeficitBps != nil {
		t.Depth.MaxDepthDeficitBps = *p.MaxDepthDeficitBps
	}
	if p.MaxWait != 0 {
		t.TimeDecay.MaxWaitMs = p.MaxWait.Milliseconds()
	}
	if p.Cooldown != 0 {
		t.CooldownMs = p.Cooldown.Milliseconds()
	}
	return t, nil
}

// NewPlan builds an Active session from p at now.
func NewPlan(p PlanParams, now time.Time) (*domain.Session, error) {
	pair, err := domain.ParsePair(p.Pair)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	thresholds, err := p.Thresholds()
	if err != nil {
		return nil, err
	}
	if p.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidPlan)
	}

	nowMs := now.UnixMilli()
	s := &domain.Session{
		ID:                uuid.NewString(),
		UserID:            p.UserID,
		Pair:              pair,
		CreatedAtMs:       nowMs,
		TotalAmountIn:     p.TotalAmountIn,
		ChunkAmountIn:     p.ChunkAmountIn,
		RemainingAmountIn: p.TotalAmountIn,
		Thresholds:        thresholds,
		State:             domain.SessionActive,
	}
	if p.ApprovedAmountIn != nil {
		v := *p.ApprovedAmountIn
		s.ApprovedAmountIn = &v
	}
	if p.Wallet != "" {
		w := p.Wallet
		s.WalletAddress = &w
	}
	if p.Duration > 0 {
		exp := nowMs + p.Duration.Milliseconds()
		s.ExpiresAtMs = &exp
	}

	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadPlanFile reads plan parameters from a YAML file.
func LoadPlanFile(path string) (*PlanParams, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)

	var p PlanParams
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidPlan, err)
	}
	return &p, nil
}

// SavePlanFile writes plan parameters as YAML.
func SavePlanFile(path string, p *PlanParams) error {
	if p == nil {
		return fmt.Errorf("nil plan")
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}
