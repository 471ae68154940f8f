package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

const (
	applicationName    = "nerimity-server"
	schemaVersionTable = "public.nerimity_schema_version"

	// schemaLockKey is the advisory lock key held while migrating. "nersrv" in ASCII.
	schemaLockKey     int64 = 0x6e6572737276
	schemaUnlockGrace       = 5 * time.Second
)

//go:embed migrations/*.sql
var migrations embed.FS

type PoolOption func(*pgxpool.Config)

// WithTracer installs tracer on every pooled connection.
func WithTracer(tracer pgx.QueryTracer) PoolOption {
	return func(cfg *pgxpool.Config) { cfg.ConnConfig.Tracer = tracer }
}

func WithMaxConns(n int32) PoolOption {
	return func(cfg *pgxpool.Config) { cfg.MaxConns = n }
}

func poolConfig(databaseURL string, opts ...PoolOption) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// Connect opens a pool and fails unless the database answers a ping.
func Connect(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, opts...)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connected",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
		"sslmode", sslMode(databaseURL),
		"max_conns", cfg.MaxConns)
	return pool, nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "unknown"
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		return strings.ToLower(mode)
	}
	return "prefer"
}

// Migrate applies the embedded migrations. Instances starting together serialize on a
// session advisory lock, so only the first one does any work.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	pooled, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	defer pooled.Release()
	conn := pooled.Conn()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("failed to take schema lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), schemaUnlockGrace)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", schemaLockKey); err != nil {
			slog.Error("Failed to release schema lock", "error", err)
		}
	}()

	return migrateSchema(ctx, conn)
}

func migrateSchema(ctx context.Context, conn *pgx.Conn) error {
	files, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn, schemaVersionTable)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(files); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	// The version table does not exist before the first migration.
	from, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		slog.Debug("No schema version recorded", "error", err)
		from = 0
	}
	target := int32(len(migrator.Migrations))
	if from == target {
		slog.Info("Database schema up to date", "version", from)
		return nil
	}

	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate from version %d: %w", from, err)
	}
	slog.Info("Database schema migrated", "from", from, "to", target)
	return nil
}
