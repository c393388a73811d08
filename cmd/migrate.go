package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"kaskade/internal/storage/migrations"
	pgstore "kaskade/internal/storage/postgres"
)

func newMigrateCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL and ClickHouse schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.cfg.PostgresDSN == "" || app.cfg.ClickhouseDSN == "" {
				return errors.New("postgres_dsn and clickhouse_dsn are required")
			}
			ctx := cmd.Context()
			log := app.logger(cmd.ErrOrStderr())

			pool, err := pgstore.NewPool(ctx, app.cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pool.Close()
			if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
				return fmt.Errorf("postgres migrations: %w", err)
			}

			conn, err := migrations.RunClickhouseMigrations(ctx, app.cfg.ClickhouseDSN, log)
			if err != nil {
				return fmt.Errorf("clickhouse migrations: %w", err)
			}
			defer conn.Close()

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}
