// Package executor turns execution intents into ledger mutations.
//
// For each intent the executor re-reads the session, checks that the market
// data it was scheduled on is still fresh, builds the trade through the
// venue and commits the fill with a version-conditioned store update.
// Failures never mutate the ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kaskade/internal/domain"
	"kaskade/internal/idhash"
	"kaskade/internal/notify"
	"kaskade/internal/observability"
	"kaskade/internal/storage"
	"kaskade/internal/venue"
	"kaskade/internal/wallet"
)

var (
	// ErrApprovalExhausted is returned when the approval leaves nothing to spend.
	ErrApprovalExhausted = errors.New("approval exhausted")
	// ErrNoDestination is returned when no wallet is bound to the session.
	ErrNoDestination = errors.New("no destination wallet bound")
)

// SnapshotSource provides the latest market snapshot of a pair.
type SnapshotSource interface {
	LatestSnapshot(pair domain.Pair) (*domain.MarketSnapshot, bool)
}

// Config holds executor parameters.
type Config struct {
	VersionTolerance uint64        // accepted snapshot versions since scheduling
	MaxSnapshotAge   time.Duration // zero disables the age check
	BuildTimeout     time.Duration
	DefaultCooldown  time.Duration // for sessions without their own cooldown
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		VersionTolerance: 5,
		MaxSnapshotAge:   10 * time.Second,
		BuildTimeout:     5 * time.Second,
	}
}

// Result is the outcome of one Execute call.
type Result struct {
	Outcome   domain.ExecutionOutcome
	Session   *domain.Session // state after the attempt, nil when unknown
	AmountIn  uint64
	AmountOut uint64
	RouteID   string
	Payload   []byte
	Err       error
	RetryHint bool // transient failure, the next tick may retry
}

// Option configures an Executor.
type Option func(*Executor)

// WithHistory records every attempt in h.
func WithHistory(h storage.ExecutionStore) Option {
	return func(e *Executor) {
		e.history = h
	}
}

// WithNotifier sets the owner notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) {
		e.notifier = n
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor runs execution intents.
type Executor struct {
	cfg      Config
	store    storage.SessionStore
	market   SnapshotSource
	builder  venue.TradeBuilder
	history  storage.ExecutionStore
	notifier notify.Notifier
	now      func() time.Time
	log      zerolog.Logger

	locks keyedMutex
}

// New creates an executor.
func New(cfg Config, store storage.SessionStore, market SnapshotSource, builder venue.TradeBuilder, log zerolog.Logger, opts ...Option) *Executor {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultConfig().BuildTimeout
	}
	e := &Executor{
		cfg:      cfg,
		store:    store,
		market:   market,
		builder:  builder,
		notifier: notify.Nop{},
		now:      time.Now,
		log:      log.With().Str("component", "executor").Logger(),
		locks:    keyedMutex{locks: make(map[string]*refLock)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one intent. Calls for the same session are serialized.
func (e *Executor) Execute(ctx context.Context, intent domain.ExecutionIntent) Result {
	unlock := e.locks.Lock(intent.SessionID)
	defer unlock()

	start := time.Now()
	res, chunk := e.execute(ctx, intent)
	e.finish(ctx, intent, res, chunk, start)
	return res
}

func (e *Executor) execute(ctx context.Context, intent domain.ExecutionIntent) (Result, uint64) {
	nowMs := e.now().UnixMilli()

	sess, err := e.store.GetByID(ctx, intent.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{Outcome: domain.OutcomeSkipped, Err: err}, 0
		}
		return Result{Outcome: domain.OutcomeFailedTransient, Err: fmt.Errorf("load session: %w", err), RetryHint: true}, 0
	}
	if sess.State != domain.SessionActive || sess.RemainingAmountIn == 0 {
		return Result{Outcome: domain.OutcomeSkipped, Session: sess}, 0
	}
	chunk := sess.NumExecutedChunks + 1

	if sess.InCooldown(nowMs, e.cfg.DefaultCooldown.Milliseconds()) {
		return Result{Outcome: domain.OutcomeStale, Session: sess, Err: fmt.Errorf("last fill %dms ago is inside the cooldown", nowMs-*sess.LastExecutionMs)}, chunk
	}
	if err := e.checkFresh(intent, nowMs); err != nil {
		return Result{Outcome: domain.OutcomeStale, Session: sess, Err: err}, chunk
	}

	amount := sess.NextChunkAmount()
	if amount == 0 {
		return Result{Outcome: domain.OutcomeFailedPermanent, Session: sess, Err: ErrApprovalExhausted}, chunk
	}

	if sess.WalletAddress == nil {
		return Result{Outcome: domain.OutcomeFailedPermanent, Session: sess, Err: ErrNoDestination}, chunk
	}
	if err := wallet.ValidateAddress(*sess.WalletAddress); err != nil {
		return Result{Outcome: domain.OutcomeFailedPermanent, Session: sess, Err: err}, chunk
	}

	ev := notify.SessionEvent(notify.KindExecuting, sess, nowMs)
	ev.Chunk = chunk
	ev.AmountIn = amount
	ev.TimeDecayForced = intent.TimeDecayForced
	e.notifier.Notify(ctx, ev)

	bctx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
	built, err := e.builder.Build(bctx, venue.BuildRequest{
		Pair:           sess.Pair,
		AmountIn:       amount,
		Destination:    *sess.WalletAddress,
		IdempotencyKey: idhash.ComputeChunkKey(sess.ID, chunk, sess.ExecutedAmountIn, amount),
	})
	cancel()
	if err != nil {
		res := Result{Session: sess, AmountIn: amount, Err: err}
		if venue.IsTransient(err) {
			res.Outcome = domain.OutcomeFailedTransient
			res.RetryHint = true
		} else {
			res.Outcome = domain.OutcomeFailedPermanent
		}
		return res, chunk
	}

	fill := domain.Fill{AmountIn: amount, AmountOut: built.AmountOut, ExecutedAt: e.now().UnixMilli()}
	updated, err := e.store.ApplyExecution(ctx, sess.ID, sess.Version, fill)
	switch {
	case err == nil:
		return Result{
			Outcome:   domain.OutcomeExecuted,
			Session:   updated,
			AmountIn:  amount,
			AmountOut: built.AmountOut,
			RouteID:   built.RouteID,
			Payload:   built.Payload,
		}, chunk
	case errors.Is(err, storage.ErrConflict):
		return Result{Outcome: domain.OutcomeConflict, Session: sess, AmountIn: amount, Err: err}, chunk
	case errors.Is(err, storage.ErrInvalidInput):
		return Result{Outcome: domain.OutcomeFailedPermanent, Session: sess, AmountIn: amount, Err: err}, chunk
	default:
		return Result{Outcome: domain.OutcomeFailedTransient, Session: sess, AmountIn: amount, Err: fmt.Errorf("apply execution: %w", err), RetryHint: true}, chunk
	}
}

func (e *Executor) checkFresh(intent domain.ExecutionIntent, nowMs int64) error {
	snap, ok := e.market.LatestSnapshot(intent.Pair)
	if !ok {
		return errors.New("market snapshot unavailable")
	}
	if snap.Version > intent.SnapshotVersion && snap.Version-intent.SnapshotVersion > e.cfg.VersionTolerance {
		return fmt.Errorf("snapshot moved from version %d to %d", intent.SnapshotVersion, snap.Version)
	}
	if e.cfg.MaxSnapshotAge > 0 && snap.AgeMs(nowMs) > e.cfg.MaxSnapshotAge.Milliseconds() {
		return fmt.Errorf("snapshot is %dms old", snap.AgeMs(nowMs))
	}
	return nil
}

// finish logs, notifies, records metrics and history for an attempt.
func (e *Executor) finish(ctx context.Context, intent domain.ExecutionIntent, res Result, chunk uint64, start time.Time) {
	nowMs := e.now().UnixMilli()
	log := e.log.With().
		Str("intent_id", intent.ID).
		Str("session_id", intent.SessionID).
		Str("outcome", res.Outcome.String()).
		Logger()

	switch res.Outcome {
	case domain.OutcomeExecuted:
		log.Info().Uint64("chunk", chunk).Uint64("amount_in", res.AmountIn).Uint64("amount_out", res.AmountOut).Msg("chunk executed")
		ev := notify.SessionEvent(notify.KindExecuted, res.Session, nowMs)
		ev.Chunk = chunk
		ev.AmountIn, ev.AmountOut = res.AmountIn, res.AmountOut
		ev.RouteID, ev.Payload = res.RouteID, res.Payload
		ev.TimeDecayForced = intent.TimeDecayForced
		e.notifier.Notify(ctx, ev)
		if res.Session.State == domain.SessionCompleted {
			e.notifier.Notify(ctx, notify.SessionEvent(notify.KindCompleted, res.Session, nowMs))
		}
	case domain.OutcomeFailedTransient, domain.OutcomeFailedPermanent:
		if res.RetryHint {
			log.Warn().Err(res.Err).Uint64("chunk", chunk).Msg("chunk failed, will retry")
		} else {
			log.Error().Err(res.Err).Uint64("chunk", chunk).Msg("chunk failed")
		}
		if res.Session != nil {
			ev := notify.SessionEvent(notify.KindFailed, res.Session, nowMs)
			ev.Chunk = chunk
			ev.AmountIn = res.AmountIn
			ev.Err, ev.Retry = res.Err, res.RetryHint
			e.notifier.Notify(ctx, ev)
		}
	default:
		log.Debug().Err(res.Err).Msg("intent dropped")
	}

	executed := uint64(0)
	if res.Outcome == domain.OutcomeExecuted {
		executed = res.AmountIn
	}
	observability.RecordExecution(res.Outcome.String(), intent.Pair.Key(), executed, time.Since(start).Seconds())

	if e.history == nil {
		return
	}
	rec := &domain.ExecutionRecord{
		IntentID:        intent.ID,
		SessionID:       intent.SessionID,
		UserID:          intent.UserID,
		Pair:            intent.Pair,
		ChunkIndex:      chunk,
		AmountIn:        res.AmountIn,
		AmountOut:       res.AmountOut,
		SnapshotVersion: intent.SnapshotVersion,
		Outcome:         res.Outcome,
		RouteID:         res.RouteID,
		TimeDecayForced: intent.TimeDecayForced,
		TimestampMs:     nowMs,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := e.history.Insert(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			log.Debug().Msg("execution already recorded")
			return
		}
		log.Warn().Err(err).Msg("record execution history")
	}
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
