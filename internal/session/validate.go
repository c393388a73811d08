// Package session builds, validates and moves execution plans through their
// lifecycle.
package session

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"kaskade/internal/domain"
	"kaskade/internal/wallet"
)

// ErrInvalidPlan wraps every plan validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to domain.SessionState) bool {
	return domain.CanTransition(from, to)
}

// Validate checks a session for configuration errors that make it
// impossible to run.
func Validate(s *domain.Session) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.ID == "" {
		add("id is required")
	}
	if s.UserID == "" {
		add("user id is required")
	}
	if s.Pair.Base == "" || s.Pair.Quote == "" || s.Pair.Base == s.Pair.Quote {
		add("pair %q is malformed", s.Pair.Key())
	}
	if !s.State.IsValid() {
		add("unknown state %q", s.State)
	}
	switch {
	case s.TotalAmountIn == 0:
		add("total amount must be positive")
	case s.ChunkAmountIn == 0:
		add("chunk amount must be positive")
	case s.ChunkAmountIn > s.TotalAmountIn:
		add("chunk amount %d exceeds total %d", s.ChunkAmountIn, s.TotalAmountIn)
	}
	if s.TotalAmountIn > domain.MaxAmount {
		add("total amount %d exceeds %d", s.TotalAmountIn, domain.MaxAmount)
	}
	if s.ApprovedAmountIn != nil && *s.ApprovedAmountIn > domain.MaxAmount {
		add("approved amount %d exceeds %d", *s.ApprovedAmountIn, domain.MaxAmount)
	}
	if s.ApprovedAmountIn != nil && *s.ApprovedAmountIn < s.TotalAmountIn {
		add("approved amount %d is below total %d", *s.ApprovedAmountIn, s.TotalAmountIn)
	}
	if s.ExpiresAtMs != nil && *s.ExpiresAtMs <= s.CreatedAtMs {
		add("expiry must be after creation")
	}
	switch {
	case s.WalletAddress != nil:
		if err := wallet.ValidateAddress(*s.WalletAddress); err != nil {
			add("wallet: %v", err)
		}
	case needsDestination(s.State):
		add("wallet is required for a %s session", s.State)
	}
	problems = append(problems, thresholdProblems(s.Thresholds)...)

	if len(problems) == 0 {
		if err := s.CheckInvariants(); err != nil {
			add("%v", err)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(problems, "; "))
	}
	return nil
}

// needsDestination reports whether sessions in state may be scheduled and
// therefore need a bound wallet.
func needsDestination(state domain.SessionState) bool {
	return state == domain.SessionApproved || state == domain.SessionActive || state == domain.SessionPaused
}

func thresholdProblems(t domain.PulseThresholds) []string {
	var out []string
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

	if t.Spread.Enabled && (bad(t.Spread.MaxSpreadBps) || t.Spread.MaxSpreadBps < 0) {
		out = append(out, "max spread must be a non-negative number of bps")
	}
	if t.Slippage.Enabled && (bad(t.Slippage.MaxSlippageBps) || t.Slippage.MaxSlippageBps < 0) {
		out = append(out, "max slippage must be a non-negative number of bps")
	}
	if t.Trend.Enabled && bad(t.Trend.MinTrendBps) {
		out = append(out, "min trend must be a finite number of bps")
	}
	if t.Depth.Enabled && (bad(t.Depth.MaxDepthDeficitBps) || t.Depth.MaxDepthDeficitBps < 0 || t.Depth.MaxDepthDeficitBps > 10_000) {
		out = append(out, "max depth deficit must be between 0 and 10000 bps")
	}
	if t.TimeDecay.Enabled && t.TimeDecay.MaxWaitMs <= 0 {
		out = append(out, "max wait must be positive")
	}
	if t.TimeDecay.MaxWaitMs < 0 {
		out = append(out, "max wait must not be negative")
	}
	if t.CooldownMs < 0 {
		out = append(out, "cooldown must not be negative")
	}
	return out
}
