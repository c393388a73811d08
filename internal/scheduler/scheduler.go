// Package scheduler decides, once per tick, which active sessions receive an
// execution intent.
//
// A tick expires overdue sessions, filters out sessions that cannot run,
// evaluates pulses per pair in a bounded worker group and then selects
// eligible sessions fairly: pairs are served round-robin from a rotating
// start, longest-waiting session first, within the per-tick budget.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kaskade/internal/domain"
	"kaskade/internal/notify"
	"kaskade/internal/observability"
	"kaskade/internal/pulse"
	"kaskade/internal/storage"
)

// Skip reasons reported in TickReport and metrics.
const (
	SkipExhausted     = "exhausted"
	SkipInFlight      = "in_flight"
	SkipCooldown      = "cooldown"
	SkipFailure       = "failure_cooldown"
	SkipNoSnapshot    = "no_snapshot"
	SkipApprovalSpent = "approval_exhausted"
	SkipNotEligible   = "not_eligible"
	SkipTickCap       = "tick_cap"
	SkipNotionalCap   = "notional_cap"
	SkipPairCap       = "pair_cap"
	SkipUserCap       = "user_cap"
	SkipQueueFull     = "queue_full"
)

// SnapshotSource provides the latest market snapshot of a pair.
type SnapshotSource interface {
	LatestSnapshot(pair domain.Pair) (*domain.MarketSnapshot, bool)
}

// SlippageEstimator estimates slippage for a chunk at a snapshot version.
type SlippageEstimator interface {
	Estimate(ctx context.Context, pair domain.Pair, amountIn, version uint64) (*domain.SlippageEstimate, error)
}

// Config holds scheduler parameters. Zero caps are unlimited and a zero
// DefaultCooldown disables the cooldown for sessions that do not set one.
// FailureCooldown holds back a session after a failed attempt; zero
// disables it.
type Config struct {
	TickInterval       time.Duration
	DefaultCooldown    time.Duration
	FailureCooldown    time.Duration
	MaxIntentsPerTick  int
	MaxNotionalPerTick uint64
	MaxPerPairPerTick  int
	MaxPerUserPerTick  int
	EvalWorkers        int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		DefaultCooldown:   10 * time.Second,
		FailureCooldown:   10 * time.Second,
		MaxIntentsPerTick: 64,
		EvalWorkers:       8,
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	AtMs      int64
	Active    int
	Evaluated int
	Eligible  int
	Expired   int
	Selected  []string // session ids in dispatch order
	Skipped   map[string]int
	Err       error
}

func (r *TickReport) skip(reason string) {
	r.Skipped[reason]++
	observability.RecordSkip(reason)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSlippageEstimator enables lazy slippage lookups.
func WithSlippageEstimator(e SlippageEstimator) Option {
	return func(s *Scheduler) {
		s.oracle = e
	}
}

// WithNotifier sets the owner notifier used for expiries.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithTickHook registers a callback invoked after every tick.
func WithTickHook(fn func(TickReport)) Option {
	return func(s *Scheduler) {
		s.onTick = fn
	}
}

// Scheduler emits execution intents for eligible sessions.
type Scheduler struct {
	cfg      Config
	store    storage.SessionStore
	market   SnapshotSource
	oracle   SlippageEstimator
	notifier notify.Notifier
	onTick   func(TickReport)
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	failedAt map[string]int64
	rotation int
}

// New creates a scheduler.
func New(cfg Config, store storage.SessionStore, market SnapshotSource, log zerolog.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.EvalWorkers <= 0 {
		cfg.EvalWorkers = def.EvalWorkers
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		market:   market,
		notifier: notify.Nop{},
		log:      log.With().Str("component", "scheduler").Logger(),
		inflight: make(map[string]struct{}),
		failedAt: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	session *domain.Session
	snap    *domain.MarketSnapshot
	amount  uint64
	order   int
	verdict domain.PulseVerdict
}

// Run ticks every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, intents chan<- domain.ExecutionIntent) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.TickInterval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now, intents)
		}
	}
}

// Tick runs one scheduling round at now and sends intents to out without
// blocking.
func (s *Scheduler) Tick(ctx context.Context, now time.Time, out chan<- domain.ExecutionIntent) TickReport {
	start := time.Now()
	nowMs := now.UnixMilli()
	report := TickReport{AtMs: nowMs, Skipped: make(map[string]int)}
	defer func() {
		observability.RecordTick(time.Since(start).Seconds(), now.Unix())
		if s.onTick != nil {
			s.onTick(report)
		}
	}()

	// Taken before the read: a session released after it may have a newer
	// ledger than the list shows.
	busy, failed := s.markers(nowMs)

	sessions, err := s.store.ListByState(ctx, domain.SessionActive)
	if err != nil {
		s.log.Error().Err(err).Msg("list active sessions")
		report.Err = err
		return report
	}
	report.Active = len(sessions)

	groups := make(map[string][]*candidate)
	var keys []string
	for i, sess := range sessions {
		if sess.IsExpired(nowMs) {
			s.expire(ctx, sess, nowMs, &report)
			continue
		}
		if reason := s.precheck(sess, nowMs, busy, failed); reason != "" {
			report.skip(reason)
			continue
		}
		snap, ok := s.market.LatestSnapshot(sess.Pair)
		if !ok {
			report.skip(SkipNoSnapshot)
			continue
		}
		amount := sess.NextChunkAmount()
		if amount == 0 {
			report.skip(SkipApprovalSpent)
			continue
		}

		key := sess.Pair.Key()
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], &candidate{session: sess, snap: snap, amount: amount, order: i})
	}
	sort.Strings(keys)

	s.evaluate(ctx, groups, keys, nowMs)

	eligible := make(map[string][]*candidate, len(keys))
	for _, key := range keys {
		for _, c := range groups[key] {
			report.Evaluated++
			observability.RecordEvaluation(c.verdict.Eligible(), c.verdict.TimeDecayForced)
			for typ, r := range c.verdict.Results {
				if r.Enabled {
					observability.RecordPulse(string(typ), r.Passed)
				}
			}
			if !c.verdict.Eligible() {
				report.skip(SkipNotEligible)
				continue
			}
			report.Eligible++
			eligible[key] = append(eligible[key], c)
		}
	}

	for _, c := range s.selectFair(eligible, keys, &report) {
		s.dispatch(c, nowMs, out, &report)
	}

	s.log.Debug().
		Int("active", report.Active).
		Int("evaluated", report.Evaluated).
		Int("eligible", report.Eligible).
		Int("selected", len(report.Selected)).
		Int("expired", report.Expired).
		Msg("tick")
	return report
}

// Release clears the in-flight marker of a session.
func (s *Scheduler) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sessionID)
}

// RecordFailure starts the failure cooldown of a session at atMs.
func (s *Scheduler) RecordFailure(sessionID string, atMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAt[sessionID] = atMs
}

// InFlight reports whether an intent for the session is outstanding.
func (s *Scheduler) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

// markers copies the in-flight set and the failure times still inside the
// failure cooldown, dropping expired ones.
func (s *Scheduler) markers(nowMs int64) (map[string]struct{}, map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[string]struct{}, len(s.inflight))
	for id := range s.inflight {
		busy[id] = struct{}{}
	}
	failed := make(map[string]int64, len(s.failedAt))
	for id, at := range s.failedAt {
		if nowMs-at >= s.cfg.FailureCooldown.Milliseconds() {
			delete(s.failedAt, id)
			continue
		}
		failed[id] = at
	}
	return busy, failed
}

func (s *Scheduler) precheck(sess *domain.Session, nowMs int64, busy map[string]struct{}, failed map[string]int64) string {
	if sess.RemainingAmountIn == 0 {
		return SkipExhausted
	}
	if _, ok := busy[sess.ID]; ok || s.InFlight(sess.ID) {
		return SkipInFlight
	}
	if _, ok := failed[sess.ID]; ok {
		return SkipFailure
	}
	if sess.InCooldown(nowMs, s.cfg.DefaultCooldown.Milliseconds()) {
		return SkipCooldown
	}
	return ""
}

func (s *Scheduler) expire(ctx context.Context, sess *domain.Session, nowMs int64, report *TickReport) {
	updated, err := s.store.UpdateState(ctx, sess.ID, sess.Version, domain.SessionExpired)
	switch {
	case err == nil:
		report.Expired++
		observability.RecordExpired()
		s.log.Info().Str("session_id", sess.ID).Uint64("remaining_amount_in", updated.RemainingAmountIn).Msg("session expired")
		s.notifier.Notify(ctx, notify.SessionEvent(notify.KindExpired, updated, nowMs))
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrInvalidTransition):
		s.log.Debug().Err(err).Str("session_id", sess.ID).Msg("expire raced with another update")
	default:
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("expire session")
	}
}

// evaluate computes verdicts with one worker per pair group.
func (s *Scheduler) evaluate(ctx context.Context, groups map[string][]*candidate, keys []string, nowMs int64) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EvalWorkers)
	for _, key := range keys {
		cands := groups[key]
		g.Go(func() error {
			for _, c := range cands {
				c.verdict = s.verdict(gctx, c, nowMs)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) verdict(ctx context.Context, c *candidate, nowMs int64) domain.PulseVerdict {
	v := pulse.Evaluate(c.session, c.snap, nil, nowMs)
	if s.oracle == nil || !pulse.NeedsSlippage(c.session, v) {
		return v
	}
	est, err := s.oracle.Estimate(ctx, c.session.Pair, c.amount, c.snap.Version)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", c.session.ID).Msg("slippage estimate unavailable")
		return v
	}
	return pulse.Evaluate(c.session, c.snap, est, nowMs)
}

type queue struct {
	key   string
	items []*candidate
	next  int
}

// selectFair picks sessions round-robin across pairs, one per pair per round.
func (s *Scheduler) selectFair(eligible map[string][]*candidate, keys []string, report *TickReport) []*candidate {
	var queues []*queue
	for _, key := range keys {
		items := eligible[key]
		if len(items) == 0 {
			continue
		}
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i].session, items[j].session
			if wa, wb := a.WaitStartMs(), b.WaitStartMs(); wa != wb {
				return wa < wb
			}
			if a.CreatedAtMs != b.CreatedAtMs {
				return a.CreatedAtMs < b.CreatedAtMs
			}
			return items[i].order < items[j].order
		})
		queues = append(queues, &queue{key: key, items: items})
	}
	if len(queues) == 0 {
		return nil
	}

	s.mu.Lock()
	start := s.rotation % len(queues)
	s.rotation++
	s.mu.Unlock()
	queues = append(queues[start:], queues[:start]...)

	budget := NewBudget(s.cfg.MaxIntentsPerTick, s.cfg.MaxNotionalPerTick, s.cfg.MaxPerPairPerTick, s.cfg.MaxPerUserPerTick)
	var selected []*candidate

	for progressed := true; progressed && !budget.Exhausted(); {
		progressed = false
		for _, q := range queues {
			if budget.Exhausted() {
				break
			}
			for q.next < len(q.items) {
				c := q.items[q.next]
				q.next++
				ok, reason := budget.Reserve(q.key, c.session.UserID, c.amount)
				if ok {
					selected = append(selected, c)
					progressed = true
					break
				}
				report.skip(reason)
				if reason == SkipPairCap || reason == SkipTickCap {
					break
				}
			}
		}
	}

	for _, q := range queues {
		reason := SkipTickCap
		if budget.PairFull(q.key) {
			reason = SkipPairCap
		}
		for ; q.next < len(q.items); q.next++ {
			report.skip(reason)
		}
	}
	return selected
}

func (s *Scheduler) dispatch(c *candidate, nowMs int64, out chan<- domain.ExecutionIntent, report *TickReport) {
	sess := c.session
	intent := domain.ExecutionIntent{
		ID:              uuid.NewString(),
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Pair:            sess.Pair,
		ChunkAmountIn:   c.amount,
		SnapshotVersion: c.snap.Version,
		TickMs:          nowMs,
		TimeDecayForced: !c.verdict.Passed && c.verdict.TimeDecayForced,
	}

	s.mu.Lock()
	s.inflight[sess.ID] = struct{}{}
	s.mu.Unlock()

	select {
	case out <- intent:
		report.Selected = append(report.Selected, sess.ID)
		observability.RecordDispatched()
	default:
		s.Release(sess.ID)
		report.skip(SkipQueueFull)
		s.log.Warn().Str("session_id", sess.ID).Msg("intent queue full")
	}
}
