package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaskade/internal/domain"
	"kaskade/internal/idhash"
	"kaskade/internal/notify"
	"kaskade/internal/storage"
	"kaskade/internal/storage/memory"
	"kaskade/internal/venue"
	"kaskade/internal/venue/stub"
	"kaskade/internal/wallet"
)

var tonUSDT = domain.NewPair("TON", "USDT")

const nowMs = int64(1_700_000_000_000)

type fakeMarket struct {
	mu   sync.Mutex
	snap *domain.MarketSnapshot
}

func (m *fakeMarket) LatestSnapshot(domain.Pair) (*domain.MarketSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.snap != nil
}

func (m *fakeMarket) set(version uint64, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &domain.MarketSnapshot{Pair: tonUSDT, Version: version, TimestampMs: ts}
}

type fixture struct {
	store   *memory.SessionStore
	history *memory.ExecutionStore
	market  *fakeMarket
	venue   *stub.Venue
	events  *notify.Channel
	exec    *Executor
	seq     int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewSessionStore(),
		history: memory.NewExecutionStore(),
		market:  &fakeMarket{},
		venue:   stub.NewVenue(),
		events:  notify.NewChannel(256),
	}
	f.market.set(1, nowMs)
	f.exec = New(cfg, f.store, f.market, f.venue, zerolog.Nop(),
		WithHistory(f.history),
		WithNotifier(f.events),
		WithClock(func() time.Time { return time.UnixMilli(nowMs) }),
	)
	return f
}

func ownerAddress(t *testing.T) string {
	t.Helper()
	addr, err := wallet.Encode(edwards25519.NewGeneratorPoint().Bytes())
	require.NoError(t, err)
	return addr
}

func (f *fixture) addSession(t *testing.T, total, chunk uint64) *domain.Session {
	t.Helper()
	addr := ownerAddress(t)
	s := &domain.Session{
		ID:                "s1",
		UserID:            "u1",
		Pair:              tonUSDT,
		CreatedAtMs:       nowMs - 60_000,
		TotalAmountIn:     total,
		ChunkAmountIn:     chunk,
		RemainingAmountIn: total,
		Thresholds:        domain.DefaultThresholds(),
		WalletAddress:     &addr,
		State:             domain.SessionActive,
	}
	require.NoError(t, f.store.Insert(context.Background(), s))
	return s
}

func (f *fixture) intent(sessionID string) domain.ExecutionIntent {
	f.seq++
	snap, _ := f.market.LatestSnapshot(tonUSDT)
	return domain.ExecutionIntent{
		ID:              fmt.Sprintf("intent-%d", f.seq),
		SessionID:       sessionID,
		UserID:          "u1",
		Pair:            tonUSDT,
		SnapshotVersion: snap.Version,
		TickMs:          nowMs,
	}
}

func (f *fixture) session(t *testing.T) *domain.Session {
	t.Helper()
	s, err := f.store.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	return s
}

func (f *fixture) drainEvents() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-f.events.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// total=200, chunk=20, every intent succeeds: ten fills, then Completed.
func TestExecute_RunsPlanToCompletion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.venue.SlippageBps = 25
	f.addSession(t, 200, 20)
	ctx := context.Background()

	var sumOut uint64
	for i := 1; i <= 10; i++ {
		res := f.exec.Execute(ctx, f.intent("s1"))
		require.Equal(t, domain.OutcomeExecuted, res.Outcome, "chunk %d: %v", i, res.Err)
		assert.Equal(t, uint64(20), res.AmountIn)
		assert.NotEmpty(t, res.Payload)
		sumOut += res.AmountOut

		s := f.session(t)
		require.NoError(t, s.CheckInvariants())
		assert.Equal(t, uint64(i), s.NumExecutedChunks)
	}

	s := f.session(t)
	assert.Equal(t, domain.SessionCompleted, s.State)
	assert.Equal(t, uint64(200), s.ExecutedAmountIn)
	assert.Equal(t, uint64(0), s.RemainingAmountIn)
	assert.Equal(t, sumOut, s.ExecutedAmountOut)
	builds := f.venue.Builds()
	require.Len(t, builds, 10)
	assert.Equal(t, idhash.ComputeChunkKey("s1", 1, 0, 20), builds[0].IdempotencyKey)
	assert.Equal(t, idhash.ComputeChunkKey("s1", 10, 180, 20), builds[9].IdempotencyKey)

	res := f.exec.Execute(ctx, f.intent("s1"))
	assert.Equal(t, domain.OutcomeSkipped, res.Outcome)
	assert.Len(t, f.venue.Builds(), 10)

	records, err := f.history.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 11)
	assert.Equal(t, uint64(10), records[9].ChunkIndex)

	var completed int
	for _, ev := range f.drainEvents() {
		if ev.Kind == notify.KindCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestExecute_FinalPartialChunk(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 50, 20)
	ctx := context.Background()

	var amounts []uint64
	for i := 0; i < 3; i++ {
		res := f.exec.Execute(ctx, f.intent("s1"))
		require.Equal(t, domain.OutcomeExecuted, res.Outcome)
		amounts = append(amounts, res.AmountIn)
		if i < 2 {
			assert.Equal(t, domain.SessionActive, res.Session.State)
		}
	}
	assert.Equal(t, []uint64{20, 20, 10}, amounts)
	assert.Equal(t, domain.SessionCompleted, f.session(t).State)
}

// Cancelling after three of ten chunks stops further fills and keeps the
// unspent amount on the ledger.
func TestExecute_CancelledMidPlan(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, domain.OutcomeExecuted, f.exec.Execute(ctx, f.intent("s1")).Outcome)
	}
	// An intent dispatched before the cancel arrives afterwards.
	late := f.intent("s1")

	s := f.session(t)
	_, err := f.store.UpdateState(ctx, "s1", s.Version, domain.SessionCancelled)
	require.NoError(t, err)

	res := f.exec.Execute(ctx, late)
	assert.Equal(t, domain.OutcomeSkipped, res.Outcome)

	s = f.session(t)
	assert.Equal(t, domain.SessionCancelled, s.State)
	assert.Equal(t, uint64(140), s.RemainingAmountIn)
	assert.Equal(t, uint64(3), s.NumExecutedChunks)
	assert.Len(t, f.venue.Builds(), 3)
}

// A failed build leaves the ledger untouched; the next attempt applies
// exactly one chunk.
func TestExecute_TransientBuildFailureThenSuccess(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)
	ctx := context.Background()
	before := f.session(t)

	f.venue.FailNextBuild(venue.Transient("build", stub.ErrUnavailable))
	res := f.exec.Execute(ctx, f.intent("s1"))
	assert.Equal(t, domain.OutcomeFailedTransient, res.Outcome)
	assert.True(t, res.RetryHint)
	assert.ErrorIs(t, res.Err, stub.ErrUnavailable)

	after := f.session(t)
	assert.Equal(t, before, after)

	res = f.exec.Execute(ctx, f.intent("s1"))
	require.Equal(t, domain.OutcomeExecuted, res.Outcome)

	s := f.session(t)
	assert.Equal(t, uint64(1), s.NumExecutedChunks)
	assert.Equal(t, uint64(20), s.ExecutedAmountIn)
	assert.Equal(t, uint64(180), s.RemainingAmountIn)
	assert.Equal(t, domain.SessionActive, s.State)

	var failed *notify.Event
	for _, ev := range f.drainEvents() {
		if ev.Kind == notify.KindFailed {
			failed = &ev
		}
	}
	require.NotNil(t, failed)
	assert.True(t, failed.Retry)
	assert.Equal(t, uint64(1), failed.Chunk)
}

func TestExecute_PermanentBuildFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)

	f.venue.FailNextBuild(venue.Permanent("build", stub.ErrRejected))
	res := f.exec.Execute(context.Background(), f.intent("s1"))
	assert.Equal(t, domain.OutcomeFailedPermanent, res.Outcome)
	assert.False(t, res.RetryHint)

	s := f.session(t)
	assert.Equal(t, domain.SessionActive, s.State)
	assert.Equal(t, uint64(0), s.ExecutedAmountIn)
}

type blockingBuilder struct{}

func (blockingBuilder) Build(ctx context.Context, _ venue.BuildRequest) (*venue.BuildResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecute_BuildTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)

	cfg := DefaultConfig()
	cfg.BuildTimeout = 20 * time.Millisecond
	exec := New(cfg, f.store, f.market, blockingBuilder{}, zerolog.Nop(),
		WithClock(func() time.Time { return time.UnixMilli(nowMs) }))

	res := exec.Execute(context.Background(), f.intent("s1"))
	assert.Equal(t, domain.OutcomeFailedTransient, res.Outcome)
	assert.True(t, res.RetryHint)
	assert.Equal(t, uint64(0), f.session(t).ExecutedAmountIn)
}

func TestExecute_StaleSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VersionTolerance = 2
	cfg.MaxSnapshotAge = 5 * time.Second

	t.Run("version moved", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.addSession(t, 200, 20)
		in := f.intent("s1")

		f.market.set(3, nowMs)
		assert.Equal(t, domain.OutcomeExecuted, f.exec.Execute(context.Background(), in).Outcome, "within tolerance")

		in = f.intent("s1")
		f.market.set(6, nowMs)
		assert.Equal(t, domain.OutcomeStale, f.exec.Execute(context.Background(), in).Outcome)
	})

	t.Run("too old", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.addSession(t, 200, 20)
		f.market.set(1, nowMs-6_000)
		assert.Equal(t, domain.OutcomeStale, f.exec.Execute(context.Background(), f.intent("s1")).Outcome)
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.addSession(t, 200, 20)
		in := f.intent("s1")
		f.market.snap = nil
		assert.Equal(t, domain.OutcomeStale, f.exec.Execute(context.Background(), in).Outcome)
		assert.Empty(t, f.venue.Builds())
	})
}

func TestExecute_DestinationChecks(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, DefaultConfig())
	s := f.addSession(t, 200, 20)
	s.ID, s.WalletAddress = "nowallet", nil
	require.NoError(t, f.store.Insert(ctx, s))
	res := f.exec.Execute(ctx, f.intent("nowallet"))
	assert.Equal(t, domain.OutcomeFailedPermanent, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoDestination)

	bad := "not-base58-0OIl"
	s.ID, s.WalletAddress = "badwallet", &bad
	require.NoError(t, f.store.Insert(ctx, s))
	res = f.exec.Execute(ctx, f.intent("badwallet"))
	assert.Equal(t, domain.OutcomeFailedPermanent, res.Outcome)
	assert.ErrorIs(t, res.Err, wallet.ErrInvalidEncoding)
	assert.Empty(t, f.venue.Builds())
}

func TestExecute_ApprovalCapsChunk(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	addr := ownerAddress(t)
	approval := uint64(30)
	s := &domain.Session{
		ID: "s1", UserID: "u1", Pair: tonUSDT, CreatedAtMs: nowMs,
		TotalAmountIn: 100, ChunkAmountIn: 20, RemainingAmountIn: 100,
		ApprovedAmountIn: &approval, WalletAddress: &addr,
		Thresholds: domain.DefaultThresholds(), State: domain.SessionActive,
	}
	require.NoError(t, f.store.Insert(ctx, s))

	assert.Equal(t, uint64(20), f.exec.Execute(ctx, f.intent("s1")).AmountIn)
	assert.Equal(t, uint64(10), f.exec.Execute(ctx, f.intent("s1")).AmountIn)

	res := f.exec.Execute(ctx, f.intent("s1"))
	assert.Equal(t, domain.OutcomeFailedPermanent, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrApprovalExhausted)
	assert.Equal(t, uint64(30), f.session(t).ExecutedAmountIn)
}

// pausingBuilder pauses the session while the trade is being built.
type pausingBuilder struct {
	store *memory.SessionStore
	inner venue.TradeBuilder
}

func (b pausingBuilder) Build(ctx context.Context, req venue.BuildRequest) (*venue.BuildResult, error) {
	s, err := b.store.GetByID(ctx, "s1")
	if err != nil {
		return nil, err
	}
	if _, err := b.store.UpdateState(ctx, "s1", s.Version, domain.SessionPaused); err != nil {
		return nil, err
	}
	return b.inner.Build(ctx, req)
}

func TestExecute_ConflictDropsIntent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)

	exec := New(DefaultConfig(), f.store, f.market, pausingBuilder{store: f.store, inner: f.venue}, zerolog.Nop(),
		WithHistory(f.history),
		WithClock(func() time.Time { return time.UnixMilli(nowMs) }))

	res := exec.Execute(context.Background(), f.intent("s1"))
	assert.Equal(t, domain.OutcomeConflict, res.Outcome)
	assert.ErrorIs(t, res.Err, storage.ErrConflict)

	s := f.session(t)
	assert.Equal(t, domain.SessionPaused, s.State)
	assert.Equal(t, uint64(0), s.ExecutedAmountIn)

	records, err := f.history.GetBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.OutcomeConflict, records[0].Outcome)
}

// An intent arriving right after another chunk committed is dropped while
// the re-read session cools down.
func TestExecute_CooldownOnReadLedger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultCooldown = 10 * time.Second
	cfg.MaxSnapshotAge = 0
	f := newFixture(t, cfg)
	f.addSession(t, 200, 20)
	ctx := context.Background()

	require.Equal(t, domain.OutcomeExecuted, f.exec.Execute(ctx, f.intent("s1")).Outcome)

	res := f.exec.Execute(ctx, f.intent("s1"))
	assert.Equal(t, domain.OutcomeStale, res.Outcome)
	assert.Len(t, f.venue.Builds(), 1)
	assert.Equal(t, uint64(1), f.session(t).NumExecutedChunks)

	later := New(cfg, f.store, f.market, f.venue, zerolog.Nop(),
		WithClock(func() time.Time { return time.UnixMilli(nowMs + 10_000) }))
	res = later.Execute(ctx, f.intent("s1"))
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.Equal(t, uint64(2), f.session(t).NumExecutedChunks)
}

func TestExecute_SameSessionIsSerialized(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)

	intents := make([]domain.ExecutionIntent, 8)
	for i := range intents {
		intents[i] = f.intent("s1")
	}

	var wg sync.WaitGroup
	for _, in := range intents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.exec.Execute(context.Background(), in)
			assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
		}()
	}
	wg.Wait()

	s := f.session(t)
	require.NoError(t, s.CheckInvariants())
	assert.Equal(t, uint64(8), s.NumExecutedChunks)
	assert.Equal(t, uint64(160), s.ExecutedAmountIn)
	assert.Empty(t, f.exec.locks.locks)
}

type releaseRecorder struct {
	mu       sync.Mutex
	ids      []string
	failedAt []int64
}

func (r *releaseRecorder) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *releaseRecorder) RecordFailure(_ string, atMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedAt = append(r.failedAt, atMs)
}

func TestPool_ReleasesEveryIntent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)

	rel := &releaseRecorder{}
	pool := NewPool(f.exec, 3, rel, zerolog.Nop())

	var mu sync.Mutex
	outcomes := map[domain.ExecutionOutcome]int{}
	pool.OnResult(func(_ domain.ExecutionIntent, res Result) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[res.Outcome]++
	})

	ch := make(chan domain.ExecutionIntent, 12)
	for i := 0; i < 12; i++ {
		ch <- f.intent("s1")
	}
	close(ch)

	require.NoError(t, pool.Run(context.Background(), ch))
	assert.Len(t, rel.ids, 12)
	assert.Equal(t, 10, outcomes[domain.OutcomeExecuted])
	assert.Equal(t, 2, outcomes[domain.OutcomeSkipped])
	assert.Equal(t, domain.SessionCompleted, f.session(t).State)
}

func TestPool_RecordsFailures(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addSession(t, 200, 20)
	f.venue.FailNextBuild(venue.Permanent("build", stub.ErrRejected))

	rel := &releaseRecorder{}
	pool := NewPool(f.exec, 1, rel, zerolog.Nop())

	ch := make(chan domain.ExecutionIntent, 2)
	ch <- f.intent("s1")
	ch <- f.intent("s1")
	close(ch)

	require.NoError(t, pool.Run(context.Background(), ch))
	assert.Equal(t, []string{"s1", "s1"}, rel.ids)
	assert.Equal(t, []int64{nowMs}, rel.failedAt)
	assert.Equal(t, uint64(1), f.session(t).NumExecutedChunks)
}
