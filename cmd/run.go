package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kaskade/internal/domain"
	"kaskade/internal/notify"
	"kaskade/internal/pipeline"
	"kaskade/internal/session"
)

type runFlags struct {
	plan     string
	savePlan string

	user     string
	pair     string
	total    uint64
	chunk    uint64
	approve  uint64
	wallet   string
	pulses   []string
	duration time.Duration

	maxSpreadBps       float64
	maxSlippageBps     float64
	minTrendBps        float64
	maxDepthDeficitBps float64
	maxWait            time.Duration
	cooldown           time.Duration
}

func newRunCmd(app *app) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a plan and execute it, printing status until it ends",
		Long: "run creates a session from flags or a plan file, executes it chunk by chunk as pulses pass, " +
			"and prints one line per event until the session completes, expires or is cancelled. " +
			"Interrupt cancels the session.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := f.params(cmd.Flags())
			if err != nil {
				return err
			}
			sess, err := session.NewPlan(params, app.now())
			if err != nil {
				return err
			}
			if f.savePlan != "" {
				if err := session.SavePlanFile(f.savePlan, &params); err != nil {
					return err
				}
			}
			return runSession(cmd, app, sess)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.plan, "plan", "", "YAML plan file; explicit flags override its values")
	fl.StringVar(&f.savePlan, "save-plan", "", "write the resolved plan to this YAML file")
	fl.StringVar(&f.user, "user", "local", "owner id")
	fl.StringVar(&f.pair, "pair", "", "directed pair BASE/QUOTE")
	fl.Uint64Var(&f.total, "total", 0, "total input amount in minor units")
	fl.Uint64Var(&f.chunk, "chunk", 0, "chunk input amount in minor units")
	fl.Uint64Var(&f.approve, "approve", 0, "approved spend cap in minor units (0 for none)")
	fl.StringVar(&f.wallet, "wallet", "", "destination wallet address")
	fl.StringSliceVar(&f.pulses, "pulses", nil, "enabled pulses: spread,slippage,trend,depth,time_decay")
	fl.DurationVar(&f.duration, "duration", 0, "plan lifetime (0 for no expiry)")
	fl.Float64Var(&f.maxSpreadBps, "max-spread-bps", domain.DefaultMaxSpreadBps, "spread pulse threshold")
	fl.Float64Var(&f.maxSlippageBps, "max-slippage-bps", domain.DefaultMaxSlippageBps, "slippage pulse threshold")
	fl.Float64Var(&f.minTrendBps, "min-trend-bps", domain.DefaultMinTrendBps, "trend pulse threshold in bps per minute")
	fl.Float64Var(&f.maxDepthDeficitBps, "max-depth-deficit-bps", domain.DefaultMaxDepthDeficitBps, "depth pulse threshold")
	fl.DurationVar(&f.maxWait, "max-wait", time.Duration(domain.DefaultMaxWaitMs)*time.Millisecond, "time decay forces a chunk after this wait")
	fl.DurationVar(&f.cooldown, "cooldown", 0, "minimum gap between chunks (0 for the configured default)")
	return cmd
}

// params resolves plan parameters: the plan file first, then every flag the
// user set explicitly. Without a plan file all flags apply.
func (f *runFlags) params(fs *pflag.FlagSet) (session.PlanParams, error) {
	var p session.PlanParams
	if f.plan != "" {
		loaded, err := session.LoadPlanFile(f.plan)
		if err != nil {
			return p, err
		}
		p = *loaded
	}
	set := func(name string) bool {
		return f.plan == "" || fs.Changed(name)
	}

	if set("user") {
		p.UserID = f.user
	}
	if set("pair") {
		p.Pair = f.pair
	}
	if set("total") {
		p.TotalAmountIn = f.total
	}
	if set("chunk") {
		p.ChunkAmountIn = f.chunk
	}
	if fs.Changed("approve") && f.approve > 0 {
		v := f.approve
		p.ApprovedAmountIn = &v
	}
	if set("wallet") {
		p.Wallet = f.wallet
	}
	if fs.Changed("pulses") {
		p.Pulses = f.pulses
	}
	if set("duration") {
		p.Duration = f.duration
	}
	if fs.Changed("max-spread-bps") {
		v := f.maxSpreadBps
		p.MaxSpreadBps = &v
	}
	if fs.Changed("max-slippage-bps") {
		v := f.maxSlippageBps
		p.MaxSlippageBps = &v
	}
	if fs.Changed("min-trend-bps") {
		v := f.minTrendBps
		p.MinTrendBps = &v
	}
	if fs.Changed("max-depth-deficit-bps") {
		v := f.maxDepthDeficitBps
		p.MaxDepthDeficitBps = &v
	}
	if fs.Changed("max-wait") {
		p.MaxWait = f.maxWait
	}
	if fs.Changed("cooldown") {
		p.Cooldown = f.cooldown
	}
	if p.Pair == "" {
		return p, fmt.Errorf("%w: --pair is required", session.ErrInvalidPlan)
	}
	return p, nil
}

// terminalWatch closes done on the first terminal event of one session.
type terminalWatch struct {
	sessionID string
	once      sync.Once
	done      chan struct{}
	kind      notify.Kind
}

func newTerminalWatch(sessionID string) *terminalWatch {
	return &terminalWatch{sessionID: sessionID, done: make(chan struct{})}
}

func (w *terminalWatch) Notify(_ context.Context, ev notify.Event) {
	if ev.SessionID != w.sessionID || !ev.Kind.Terminal() {
		return
	}
	w.once.Do(func() {
		w.kind = ev.Kind
		close(w.done)
	})
}

func runSession(cmd *cobra.Command, app *app, sess *domain.Session) error {
	log := app.logger(cmd.ErrOrStderr())
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	stores, cleanup, err := app.openStores(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	watch := newTerminalWatch(sess.ID)
	opts := app.options(stores)
	opts.Notifier = notify.Multi{notify.NewStream(out, sess.ID), watch}

	p, err := pipeline.New(ctx, app.cfg, opts, log)
	if err != nil {
		return err
	}
	if err := p.Sessions.Create(ctx, sess); err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s started: %s total=%d chunk=%d chunks=%d pulses=%v\n",
		sess.ID, sess.Pair.Key(), sess.TotalAmountIn, sess.ChunkAmountIn, sess.TotalChunks(),
		sess.Thresholds.EnabledPulses())

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-watch.done:
			cancel()
			<-runErr
			return nil
		case <-sigCh:
			// Default handling is restored so a second interrupt terminates.
			signal.Stop(sigCh)
			if _, err := p.Sessions.Cancel(context.WithoutCancel(ctx), sess.ID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "cancel session: %v\n", err)
				cancel()
			}
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}
