package executor

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kaskade/internal/domain"
)

// Releaser clears the scheduler's dispatch marker for a session and holds
// back sessions whose attempt failed.
type Releaser interface {
	Release(sessionID string)
	RecordFailure(sessionID string, atMs int64)
}

// Pool runs intents on a fixed number of workers.
type Pool struct {
	exec     *Executor
	workers  int
	releaser Releaser
	onResult func(domain.ExecutionIntent, Result)
	log      zerolog.Logger
}

// NewPool creates a worker pool. releaser may be nil.
func NewPool(exec *Executor, workers int, releaser Releaser, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		exec:     exec,
		workers:  workers,
		releaser: releaser,
		log:      log.With().Str("component", "executor_pool").Logger(),
	}
}

// OnResult registers a callback invoked after each intent.
func (p *Pool) OnResult(fn func(domain.ExecutionIntent, Result)) {
	p.onResult = fn
}

// Run consumes intents until the channel is closed or ctx is cancelled.
func (p *Pool) Run(ctx context.Context, intents <-chan domain.ExecutionIntent) error {
	p.log.Info().Int("workers", p.workers).Msg("executor pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case intent, ok := <-intents:
					if !ok {
						return nil
					}
					p.handle(gctx, intent)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) handle(ctx context.Context, intent domain.ExecutionIntent) {
	res := p.exec.Execute(ctx, intent)
	if p.releaser != nil {
		if res.Outcome.Failed() {
			p.releaser.RecordFailure(intent.SessionID, p.exec.now().UnixMilli())
		}
		p.releaser.Release(intent.SessionID)
	}
	if p.onResult != nil {
		p.onResult(intent, res)
	}
}
