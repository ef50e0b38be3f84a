package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Config selects and tunes the relational store
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	DialTimeout  time.Duration
}

// Open connects to the configured SQL database and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var driverName string
	switch cfg.Driver {
	case DriverPostgres:
		driverName = "pgx"
	case DriverSQLite:
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logger.Info("db.connect", "driver", cfg.Driver)

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	db, err := sqlx.ConnectContext(ctx, driverName, cfg.DSN)
	if err != nil {
		logger.Error("db.connect_failed", "driver", cfg.Driver, "error", err)
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// a single connection keeps in-memory databases shared and serializes writers
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := Migrate(ctx, db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("db.connected", "driver", cfg.Driver)
	return db, nil
}

// Migrate creates the jobs and placeholder_results tables if missing.
func Migrate(ctx context.Context, db *sqlx.DB, driver string) error {
	jsonType, timeType := "JSONB", "TIMESTAMPTZ"
	if driver == DriverSQLite {
		jsonType, timeType = "TEXT", "TIMESTAMP"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			generation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total_placeholders INTEGER NOT NULL DEFAULT 0,
			completed_placeholders INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			final_artifact_path TEXT,
			config %[1]s NOT NULL,
			created_at %[2]s NOT NULL,
			started_at %[2]s,
			completed_at %[2]s,
			claimed_at %[2]s,
			CHECK (completed_placeholders >= 0 AND completed_placeholders <= total_placeholders)
		)`, jsonType, timeType),
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_generation
			ON jobs (generation_id) WHERE status IN ('pending', 'processing')`,
		`CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS placeholder_results (
			generation_id TEXT NOT NULL,
			placeholder_id TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at %s NOT NULL,
			PRIMARY KEY (generation_id, placeholder_id)
		)`, timeType),
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
