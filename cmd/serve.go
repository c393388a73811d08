package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kaskade/internal/api"
	"kaskade/internal/pipeline"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(app *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution pipeline and the admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = app.cfg.HTTPAddr
			}
			log := app.logger(cmd.OutOrStdout())

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stores, cleanup, err := app.openStores(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := pipeline.New(ctx, app.cfg, app.options(stores), log)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			defer close(done)
			handleShutdownSignals(cancel, done, log)

			srv := &http.Server{
				Addr: addr,
				Handler: api.SetupRoutes(&api.Dependencies{
					Sessions:   p.Sessions,
					Executions: stores.Executions,
					Market:     p.Engine,
					Log:        log,
					Ready:      p.Ready,
				}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				log.Info().Str("addr", addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server failed")
					cancel()
				}
			}()

			err = p.Run(ctx)

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)

			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config http_addr)")
	return cmd
}

// handleShutdownSignals cancels on the first SIGINT/SIGTERM and exits on a
// second signal or when graceful shutdown exceeds shutdownTimeout.
func handleShutdownSignals(cancel context.CancelFunc, done <-chan struct{}, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("received second signal, forcing exit")
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			log.Error().Dur("timeout", shutdownTimeout).Msg("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()
}
