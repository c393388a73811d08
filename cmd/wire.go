package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"kaskade/internal/config"
	"kaskade/internal/logging"
	"kaskade/internal/pipeline"
	"kaskade/internal/session"
)

type app struct {
	cfg *config.Config
	now func() time.Time

	// openStores is replaced in tests to share stores across commands.
	openStores func(ctx context.Context) (*pipeline.Stores, func(), error)
	// options returns pipeline overrides; the default builds everything from cfg.
	options func(stores *pipeline.Stores) pipeline.Options
}

func wireApp() (*app, error) {
	cfg, err := config.Load(envOrDefault("KASKADE_CONFIG", ""))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, now: time.Now}
	a.openStores = func(ctx context.Context) (*pipeline.Stores, func(), error) {
		return pipeline.OpenStores(ctx, cfg.PostgresDSN, cfg.ClickhouseDSN, cfg.UseMemory)
	}
	a.options = func(stores *pipeline.Stores) pipeline.Options {
		return pipeline.Options{Stores: stores}
	}
	return a, nil
}

func (a *app) logger(w io.Writer) zerolog.Logger {
	return logging.NewWithWriter(w, a.cfg.LogLevel, a.cfg.LogFormat)
}

// sessions opens the stores and returns a lifecycle service on them.
func (a *app) sessions(ctx context.Context, log zerolog.Logger) (*session.Service, *pipeline.Stores, func(), error) {
	stores, cleanup, err := a.openStores(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return session.NewService(stores.Sessions, nil, log), stores, cleanup, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
