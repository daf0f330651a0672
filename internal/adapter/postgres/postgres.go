// Package postgres implements the room store and sweep lock on PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/platform/retry"
)

//go:embed schemas/*.sql
var migrationFiles embed.FS

const (
	applicationName = "guesstimator"
	versionTable    = "public.schema_version"

	// migrationLockID serializes migrations across instances.
	// Value: 0x67756573736573 ("guesses" in ASCII hex)
	migrationLockID = 0x67756573736573
	unlockTimeout   = 5 * time.Second
)

// Connect opens a pool with the metrics tracer installed and waits until the
// database answers a ping. m may be nil.
func Connect(ctx context.Context, databaseURL string, m *metrics.StoreMetrics) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	if m != nil {
		poolCfg.ConnConfig.Tracer = NewMetricsTracer(m)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	policy := retry.Startup
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Database not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	if err := retry.DoVoid(ctx, policy, retry.Always, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connected", describePool(poolCfg)...)
	return pool, nil
}

// describePool lists log attributes of the pool without credentials.
func describePool(cfg *pgxpool.Config) []any {
	cc := cfg.ConnConfig
	return []any{
		"host", cc.Host,
		"port", cc.Port,
		"database", cc.Database,
		"tls", cc.TLSConfig != nil,
		"max_conns", cfg.MaxConns,
	}
}

// RunMigrationsWithLock applies the embedded schema while holding an advisory
// lock, so instances starting together migrate one after another.
func RunMigrationsWithLock(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	return withAdvisoryLock(ctx, conn.Conn(), migrationLockID, func() error {
		return runMigrations(ctx, conn.Conn())
	})
}

func runMigrations(ctx context.Context, conn *pgx.Conn) error {
	schemas, err := fs.Sub(migrationFiles, "schemas")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn, versionTable)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(schemas); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	migrator.OnStart = func(sequence int32, name, direction, _ string) {
		slog.InfoContext(ctx, "Applying migration", "sequence", sequence, "name", name, "direction", direction)
	}

	current, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	target := int32(len(migrator.Migrations))
	if current == target {
		slog.InfoContext(ctx, "Schema up to date", "version", current)
		return nil
	}

	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate from version %d to %d: %w", current, target, err)
	}
	return nil
}

// withAdvisoryLock runs fn while conn holds the session advisory lock key,
// waiting for other holders first.
func withAdvisoryLock(ctx context.Context, conn *pgx.Conn, key int64, fn func() error) error {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %#x: %w", key, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Error("Failed to release advisory lock", "key", key, "error", err)
		}
	}()
	return fn()
}
