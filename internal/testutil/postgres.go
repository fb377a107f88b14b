// Package testutil provides shared test infrastructure for quarry,
// chiefly a throwaway PostgreSQL container with the pgvector extension
// and the full schema applied.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quarry-ai/quarry/db"
	"github.com/quarry-ai/quarry/internal/vector"
)

// SetupTestDB starts a pgvector-enabled PostgreSQL container, applies
// all migrations, and returns a connection pool with vector types
// registered. The container and pool are torn down via t.Cleanup.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg17",
		postgres.WithDatabase("quarry_test"),
		postgres.WithUsername("quarry_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("reading container connection string: %v", err)
	}

	if err := db.Migrate(connStr); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parsing pool config: %v", err)
	}
	poolCfg.AfterConnect = vector.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("creating connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("pinging test database: %v", err)
	}

	return pool
}
