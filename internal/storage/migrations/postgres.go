package migrations

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"kaskade/internal/storage/postgres"
)

// RunPostgresMigrations applies all embedded SQL files in lexical order.
// Migrations are expected to be idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, log zerolog.Logger) error {
	files, err := load(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, m := range files {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		log.Debug().Str("db", "postgres").Str("file", m.Name).Msg("migration applied")
	}
	return nil
}
