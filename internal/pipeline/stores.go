package pipeline

import (
	"context"
	"fmt"

	"kaskade/internal/storage"
	chstore "kaskade/internal/storage/clickhouse"
	"kaskade/internal/storage/memory"
	pgstore "kaskade/internal/storage/postgres"
)

// Stores holds the storage implementations the pipeline runs on.
type Stores struct {
	Sessions   storage.SessionStore
	Executions storage.ExecutionStore
}

// MemoryStores returns empty in-memory stores.
func MemoryStores() *Stores {
	return &Stores{
		Sessions:   memory.NewSessionStore(),
		Executions: memory.NewExecutionStore(),
	}
}

// OpenStores connects to PostgreSQL (sessions) and ClickHouse (execution
// history), or returns memory stores when useMemory is set. The returned
// cleanup closes the connections.
func OpenStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*Stores, func(), error) {
	if useMemory {
		return MemoryStores(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	chConn, err := chstore.NewConn(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	stores := &Stores{
		Sessions:   pgstore.NewSessionStore(pool),
		Executions: chstore.NewExecutionStore(chConn),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}
