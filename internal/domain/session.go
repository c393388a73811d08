package domain

import (
	"errors"
	"fmt"
	"math"
)

// SessionState is the lifecycle state of an execution plan.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionApproved  SessionState = "approved"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionExpired   SessionState = "expired"
	SessionCancelled SessionState = "cancelled"
)

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s SessionState) IsValid() bool {
	switch s {
	case SessionCreated, SessionApproved, SessionActive, SessionPaused,
		SessionCompleted, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionCancelled
}

// Session is one user's execution plan for a directed pair.
// Amounts are integer minor units of the respective asset.
type Session struct {
	ID     string
	UserID string
	Pair   Pair

	CreatedAtMs     int64
	ExpiresAtMs     *int64 // nullable
	LastExecutionMs *int64 // nullable until first fill

	TotalAmountIn     uint64
	ChunkAmountIn     uint64
	ApprovedAmountIn  *uint64 // nullable, bounds total spend when set
	ExecutedAmountIn  uint64
	ExecutedAmountOut uint64
	RemainingAmountIn uint64
	NumExecutedChunks uint64

	Thresholds    PulseThresholds
	WalletAddress *string // nullable until bound
	State         SessionState

	// Version increments on every persisted mutation (optimistic concurrency).
	Version int64
}

// Fill is the ledger effect of one successful chunk execution.
type Fill struct {
	AmountIn   uint64
	AmountOut  uint64
	ExecutedAt int64 // ms
}

// ErrInvariant is wrapped by every ledger invariant violation.
var ErrInvariant = errors.New("session ledger invariant violated")

// MaxAmount is the largest amount the ledger stores (signed BIGINT columns).
const MaxAmount = uint64(math.MaxInt64)

// TotalChunks returns ceil(total / chunk).
func (s *Session) TotalChunks() uint64 {
	if s.ChunkAmountIn == 0 {
		return 0
	}
	return (s.TotalAmountIn + s.ChunkAmountIn - 1) / s.ChunkAmountIn
}

// UnspentApproval returns how much of the approval is left, or remaining when no approval is set.
func (s *Session) UnspentApproval() uint64 {
	if s.ApprovedAmountIn == nil {
		return s.RemainingAmountIn
	}
	if s.ExecutedAmountIn >= *s.ApprovedAmountIn {
		return 0
	}
	return *s.ApprovedAmountIn - s.ExecutedAmountIn
}

// NextChunkAmount returns min(chunk, remaining), further capped by the unspent approval.
// The last chunk is partial when remaining is smaller than the chunk size.
func (s *Session) NextChunkAmount() uint64 {
	amount := min(s.ChunkAmountIn, s.RemainingAmountIn)
	return min(amount, s.UnspentApproval())
}

// IsExpired reports whether the plan deadline has passed at nowMs.
func (s *Session) IsExpired(nowMs int64) bool {
	return s.ExpiresAtMs != nil && nowMs >= *s.ExpiresAtMs
}

// InCooldown reports whether the last fill is closer to nowMs than the
// session cooldown, or defaultMs when the session sets none.
func (s *Session) InCooldown(nowMs, defaultMs int64) bool {
	cooldown := s.Thresholds.CooldownMs
	if cooldown <= 0 {
		cooldown = defaultMs
	}
	return s.LastExecutionMs != nil && nowMs-*s.LastExecutionMs < cooldown
}

// WaitStartMs is the reference point for waiting time: last fill, or creation.
func (s *Session) WaitStartMs() int64 {
	if s.LastExecutionMs != nil {
		return *s.LastExecutionMs
	}
	return s.CreatedAtMs
}

// CheckInvariants validates the ledger.
func (s *Session) CheckInvariants() error {
	if s.TotalAmountIn > MaxAmount || s.ExecutedAmountOut > MaxAmount ||
		(s.ApprovedAmountIn != nil && *s.ApprovedAmountIn > MaxAmount) {
		return fmt.Errorf("%w: amount above %d", ErrInvariant, MaxAmount)
	}
	if s.ExecutedAmountIn+s.RemainingAmountIn != s.TotalAmountIn || s.ExecutedAmountIn > s.TotalAmountIn {
		return fmt.Errorf("%w: executed %d + remaining %d != total %d",
			ErrInvariant, s.ExecutedAmountIn, s.RemainingAmountIn, s.TotalAmountIn)
	}
	if s.NumExecutedChunks*s.ChunkAmountIn < s.ExecutedAmountIn {
		return fmt.Errorf("%w: %d chunks of %d cannot cover executed %d",
			ErrInvariant, s.NumExecutedChunks, s.ChunkAmountIn, s.ExecutedAmountIn)
	}
	if s.ApprovedAmountIn != nil && s.ExecutedAmountIn > *s.ApprovedAmountIn {
		return fmt.Errorf("%w: executed %d exceeds approval %d",
			ErrInvariant, s.ExecutedAmountIn, *s.ApprovedAmountIn)
	}
	return nil
}

// ApplyFill folds a fill into the ledger and completes the session when nothing remains.
// It does not touch Version.
func (s *Session) ApplyFill(f Fill) error {
	if f.AmountIn == 0 {
		return fmt.Errorf("%w: empty fill", ErrInvariant)
	}
	if f.AmountIn > s.RemainingAmountIn {
		return fmt.Errorf("%w: fill %d exceeds remaining %d", ErrInvariant, f.AmountIn, s.RemainingAmountIn)
	}
	if f.AmountIn > s.UnspentApproval() {
		return fmt.Errorf("%w: fill %d exceeds unspent approval", ErrInvariant, f.AmountIn)
	}
	if f.AmountOut > MaxAmount-s.ExecutedAmountOut {
		return fmt.Errorf("%w: output %d overflows executed out", ErrInvariant, f.AmountOut)
	}

	s.ExecutedAmountIn += f.AmountIn
	s.ExecutedAmountOut += f.AmountOut
	s.RemainingAmountIn -= f.AmountIn
	s.NumExecutedChunks++
	at := f.ExecutedAt
	s.LastExecutionMs = &at
	if s.RemainingAmountIn == 0 {
		s.State = SessionCompleted
	}
	return nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.ExpiresAtMs != nil {
		v := *s.ExpiresAtMs
		c.ExpiresAtMs = &v
	}
	if s.LastExecutionMs != nil {
		v := *s.LastExecutionMs
		c.LastExecutionMs = &v
	}
	if s.ApprovedAmountIn != nil {
		v := *s.ApprovedAmountIn
		c.ApprovedAmountIn = &v
	}
	if s.WalletAddress != nil {
		v := *s.WalletAddress
		c.WalletAddress = &v
	}
	return &c
}
