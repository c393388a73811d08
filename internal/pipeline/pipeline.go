// Package pipeline assembles the market engine, scheduler and executor pool
// into one runnable unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kaskade/internal/config"
	"kaskade/internal/domain"
	"kaskade/internal/executor"
	"kaskade/internal/market"
	"kaskade/internal/notify"
	"kaskade/internal/scheduler"
	"kaskade/internal/session"
	"kaskade/internal/venue"
	"kaskade/internal/venue/stub"
)

// ErrNotRunning is reported by Ready before Run has subscribed to quotes.
var ErrNotRunning = errors.New("pipeline not running")

// Venue is the trading boundary the pipeline needs.
type Venue interface {
	venue.Simulator
	venue.TradeBuilder
}

// Options overrides parts of the pipeline. Nil fields are built from config.
type Options struct {
	Stores   *Stores
	Venue    Venue
	Quotes   venue.QuoteSource
	Notifier notify.Notifier // receives events in addition to the log
}

// Pipeline owns the running components.
type Pipeline struct {
	cfg *config.Config
	log zerolog.Logger

	Stores    *Stores
	Engine    *market.Engine
	Oracle    *market.SlippageOracle
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Pool      *executor.Pool
	Sessions  *session.Service

	venue  Venue
	quotes venue.QuoteSource

	running atomic.Bool
}

// New wires components from cfg. It does not start anything.
func New(ctx context.Context, cfg *config.Config, opts Options, log zerolog.Logger) (*Pipeline, error) {
	if opts.Stores == nil {
		return nil, errors.New("pipeline: stores are required")
	}

	var notifier notify.Notifier = notify.NewLog(log)
	if opts.Notifier != nil {
		notifier = notify.Multi{notifier, opts.Notifier}
	}

	v := opts.Venue
	if v == nil {
		v = NewVenue(cfg.Venue)
	}

	quotes := opts.Quotes
	if quotes == nil {
		q, err := NewQuoteSource(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		quotes = q
	}

	p := &Pipeline{
		cfg:    cfg,
		log:    log.With().Str("component", "pipeline").Logger(),
		Stores: opts.Stores,
		venue:  v,
		quotes: quotes,
	}

	p.Engine = market.NewEngine(market.Config{
		MaxEvents:       cfg.Market.MaxEvents,
		MaxHorizon:      cfg.Market.MaxHorizon,
		TrendSamples:    cfg.Market.TrendSamples,
		TrendEpsilonBps: cfg.Market.TrendEpsilonBps,
		MinSamples:      cfg.Market.MinSamples,
		MinSpan:         cfg.Market.MinSpan,
	}, log)
	p.Oracle = market.NewSlippageOracle(v, p.Engine, log)

	p.Scheduler = scheduler.New(scheduler.Config{
		TickInterval:       cfg.Scheduler.TickInterval,
		DefaultCooldown:    cfg.Scheduler.DefaultCooldown,
		FailureCooldown:    cfg.Scheduler.FailureCooldown,
		MaxIntentsPerTick:  cfg.Scheduler.MaxIntentsPerTick,
		MaxNotionalPerTick: cfg.Scheduler.MaxNotionalPerTick,
		MaxPerPairPerTick:  cfg.Scheduler.MaxPerPairPerTick,
		MaxPerUserPerTick:  cfg.Scheduler.MaxPerUserPerTick,
		EvalWorkers:        cfg.Scheduler.EvalWorkers,
	}, opts.Stores.Sessions, p.Engine, log,
		scheduler.WithSlippageEstimator(p.Oracle),
		scheduler.WithNotifier(notifier),
	)

	p.Executor = executor.New(executor.Config{
		VersionTolerance: cfg.Executor.VersionTolerance,
		MaxSnapshotAge:   cfg.Executor.MaxSnapshotAge,
		BuildTimeout:     cfg.Executor.BuildTimeout,
		DefaultCooldown:  cfg.Scheduler.DefaultCooldown,
	}, opts.Stores.Sessions, p.Engine, v, log,
		executor.WithHistory(opts.Stores.Executions),
		executor.WithNotifier(notifier),
	)
	p.Pool = executor.NewPool(p.Executor, cfg.Executor.Workers, p.Scheduler, log)

	p.Sessions = session.NewService(opts.Stores.Sessions, notifier, log)
	return p, nil
}

// NewVenue returns the stub venue or an HTTP client for cfg.
func NewVenue(cfg config.VenueConfig) Venue {
	if cfg.Stub {
		return stub.NewVenue()
	}
	return venue.NewHTTPClient(cfg.BaseURL,
		venue.WithTimeout(cfg.Timeout),
		venue.WithMaxRetries(cfg.MaxRetries),
		venue.WithRetryDelay(cfg.RetryDelay),
	)
}

// NewQuoteSource returns a synthetic feed when no quote endpoint is set,
// otherwise a connected WebSocket client.
func NewQuoteSource(ctx context.Context, cfg *config.Config, log zerolog.Logger) (venue.QuoteSource, error) {
	if cfg.Venue.QuotesURL == "" {
		if !cfg.Venue.Stub {
			return nil, errors.New("venue.quotes_url is required unless venue.stub is set")
		}
		return stub.NewFeed(cfg.Scheduler.TickInterval / 2), nil
	}
	ws, err := venue.NewWSQuoteClient(ctx, cfg.Venue.QuotesURL, nil, log)
	if err != nil {
		return nil, fmt.Errorf("connect quote stream: %w", err)
	}
	return ws, nil
}

// Pairs returns the configured pairs plus those of every non-terminal
// session, sorted by key.
func (p *Pipeline) Pairs(ctx context.Context) ([]domain.Pair, error) {
	seen := make(map[string]domain.Pair)
	for _, key := range p.cfg.Pairs {
		pair, err := domain.ParsePair(key)
		if err != nil {
			return nil, fmt.Errorf("configured pair: %w", err)
		}
		seen[pair.Key()] = pair
	}
	for _, state := range []domain.SessionState{
		domain.SessionCreated, domain.SessionApproved, domain.SessionActive, domain.SessionPaused,
	} {
		sessions, err := p.Stores.Sessions.ListByState(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("list %s sessions: %w", state, err)
		}
		for _, s := range sessions {
			seen[s.Pair.Key()] = s.Pair
		}
	}

	pairs := make([]domain.Pair, 0, len(seen))
	for _, pair := range seen {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs, nil
}

// Run subscribes to quotes and runs ingestion, scheduling and execution
// until ctx is cancelled or one of them fails. Pairs of sessions created
// while running are subscribed every scheduler.pair_refresh.
func (p *Pipeline) Run(ctx context.Context) error {
	pairs, err := p.Pairs(ctx)
	if err != nil {
		return err
	}

	quotes, err := p.quotes.Subscribe(ctx, pairs)
	if err != nil {
		return fmt.Errorf("subscribe quotes: %w", err)
	}
	defer p.quotes.Close()

	watched := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		watched[pair.Key()] = struct{}{}
	}
	if len(pairs) == 0 {
		p.log.Info().Msg("pipeline started, no pairs to watch yet")
	} else {
		p.log.Info().Strs("pairs", pairKeys(pairs)).Msg("pipeline started")
	}

	intents := make(chan domain.ExecutionIntent, p.cfg.Scheduler.QueueSize)

	p.running.Store(true)
	defer p.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.Engine.Run(gctx, quotes); err != nil {
			return fmt.Errorf("market engine: %w", err)
		}
		return errors.New("quote stream closed")
	})
	g.Go(func() error {
		return p.Scheduler.Run(gctx, intents)
	})
	g.Go(func() error {
		return p.Pool.Run(gctx, intents)
	})
	g.Go(func() error {
		p.watchPairs(gctx, watched)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		p.log.Info().Msg("pipeline stopped")
		return ctx.Err()
	}
	return err
}

// watchPairs subscribes newly seen pairs until ctx is done. Refresh errors
// are logged and retried on the next tick.
func (p *Pipeline) watchPairs(ctx context.Context, watched map[string]struct{}) {
	interval := p.cfg.Scheduler.PairRefresh
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refreshPairs(ctx, watched); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("pair refresh failed")
			}
		}
	}
}

func (p *Pipeline) refreshPairs(ctx context.Context, watched map[string]struct{}) error {
	pairs, err := p.Pairs(ctx)
	if err != nil {
		return err
	}
	var fresh []domain.Pair
	for _, pair := range pairs {
		if _, ok := watched[pair.Key()]; !ok {
			fresh = append(fresh, pair)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if _, err := p.quotes.Subscribe(ctx, fresh); err != nil {
		return fmt.Errorf("subscribe quotes: %w", err)
	}
	for _, pair := range fresh {
		watched[pair.Key()] = struct{}{}
	}
	p.log.Info().Strs("pairs", pairKeys(fresh)).Msg("watching new pairs")
	return nil
}

func pairKeys(pairs []domain.Pair) []string {
	keys := make([]string, len(pairs))
	for i, pair := range pairs {
		keys[i] = pair.Key()
	}
	return keys
}

// Ready reports whether Run is active.
func (p *Pipeline) Ready() error {
	if !p.running.Load() {
		return ErrNotRunning
	}
	return nil
}
