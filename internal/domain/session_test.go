package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(total, chunk uint64) *Session {
	return &Session{
		ID:                "s1",
		UserID:            "u1",
		Pair:              NewPair("ton", "usdt"),
		CreatedAtMs:       1000,
		TotalAmountIn:     total,
		ChunkAmountIn:     chunk,
		RemainingAmountIn: total,
		Thresholds:        DefaultThresholds(),
		State:             SessionActive,
	}
}

func TestSession_TotalChunks(t *testing.T) {
	assert.Equal(t, uint64(10), newSession(200, 20).TotalChunks())
	assert.Equal(t, uint64(3), newSession(50, 20).TotalChunks())
	assert.Equal(t, uint64(0), newSession(50, 0).TotalChunks())
}

func TestSession_FinalPartialChunk(t *testing.T) {
	s := newSession(50, 20)

	require.NoError(t, s.ApplyFill(Fill{AmountIn: s.NextChunkAmount(), AmountOut: 40, ExecutedAt: 2000}))
	require.NoError(t, s.ApplyFill(Fill{AmountIn: s.NextChunkAmount(), AmountOut: 40, ExecutedAt: 3000}))
	assert.Equal(t, SessionActive, s.State)

	assert.Equal(t, uint64(10), s.NextChunkAmount())
	require.NoError(t, s.ApplyFill(Fill{AmountIn: 10, AmountOut: 20, ExecutedAt: 4000}))

	assert.Equal(t, SessionCompleted, s.State)
	assert.Equal(t, uint64(0), s.RemainingAmountIn)
	assert.Equal(t, uint64(50), s.ExecutedAmountIn)
	assert.Equal(t, uint64(100), s.ExecutedAmountOut)
	assert.Equal(t, uint64(3), s.NumExecutedChunks)
	assert.Equal(t, int64(4000), *s.LastExecutionMs)
	assert.NoError(t, s.CheckInvariants())
}

func TestSession_ApplyFillRejectsOverspend(t *testing.T) {
	s := newSession(100, 20)
	err := s.ApplyFill(Fill{AmountIn: 120})
	assert.True(t, errors.Is(err, ErrInvariant))

	approved := uint64(30)
	s.ApprovedAmountIn = &approved
	require.NoError(t, s.ApplyFill(Fill{AmountIn: 20}))
	assert.Equal(t, uint64(10), s.NextChunkAmount())
	assert.ErrorIs(t, s.ApplyFill(Fill{AmountIn: 20}), ErrInvariant)
	assert.Equal(t, uint64(20), s.ExecutedAmountIn)
}

func TestSession_CheckInvariants(t *testing.T) {
	s := newSession(100, 20)
	require.NoError(t, s.CheckInvariants())

	s.RemainingAmountIn = 90
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)

	s = newSession(100, 20)
	s.ExecutedAmountIn, s.RemainingAmountIn = 40, 60
	s.NumExecutedChunks = 1
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)
}

func TestSession_AmountsFitLedgerColumns(t *testing.T) {
	s := newSession(MaxAmount, MaxAmount)
	require.NoError(t, s.CheckInvariants())

	s = newSession(MaxAmount+1, 20)
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)

	s = newSession(100, 20)
	approved := MaxAmount + 1
	s.ApprovedAmountIn = &approved
	assert.ErrorIs(t, s.CheckInvariants(), ErrInvariant)

	s = newSession(100, 20)
	s.ExecutedAmountOut = MaxAmount - 5
	assert.ErrorIs(t, s.ApplyFill(Fill{AmountIn: 20, AmountOut: 6}), ErrInvariant)
	assert.Equal(t, uint64(0), s.ExecutedAmountIn)
}

func TestSession_InCooldown(t *testing.T) {
	s := newSession(100, 20)
	assert.False(t, s.InCooldown(1000, 10_000))

	last := int64(1000)
	s.LastExecutionMs = &last
	assert.True(t, s.InCooldown(10_999, 10_000))
	assert.False(t, s.InCooldown(11_000, 10_000))
	assert.False(t, s.InCooldown(1000, 0))

	s.Thresholds.CooldownMs = 500
	assert.True(t, s.InCooldown(1499, 10_000))
	assert.False(t, s.InCooldown(1500, 10_000))
}

func TestSession_WaitStartAndExpiry(t *testing.T) {
	s := newSession(100, 20)
	assert.Equal(t, int64(1000), s.WaitStartMs())
	assert.False(t, s.IsExpired(1<<40))

	exp := int64(5000)
	s.ExpiresAtMs = &exp
	assert.False(t, s.IsExpired(4999))
	assert.True(t, s.IsExpired(5000))

	last := int64(3000)
	s.LastExecutionMs = &last
	assert.Equal(t, int64(3000), s.WaitStartMs())
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := newSession(100, 20)
	addr := "wallet"
	s.WalletAddress = &addr
	c := s.Clone()
	*c.WalletAddress = "other"
	assert.Equal(t, "wallet", *s.WalletAddress)
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair("ton/usdt")
	require.NoError(t, err)
	assert.Equal(t, "TON/USDT", p.Key())

	for _, bad := range []string{"TONUSDT", "/USDT", "TON/", "TON/TON"} {
		_, err := ParsePair(bad)
		assert.Error(t, err, bad)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]SessionState{
		{SessionCreated, SessionApproved},
		{SessionApproved, SessionActive},
		{SessionActive, SessionPaused},
		{SessionPaused, SessionActive},
		{SessionActive, SessionCompleted},
		{SessionActive, SessionExpired},
		{SessionActive, SessionCancelled},
		{SessionPaused, SessionCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]SessionState{
		{SessionCompleted, SessionActive},
		{SessionCancelled, SessionActive},
		{SessionExpired, SessionActive},
		{SessionPaused, SessionExpired},
		{SessionPaused, SessionCompleted},
		{SessionCreated, SessionActive},
		{SessionActive, SessionActive},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}
