package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	defaultSQLiteURL = "sqlite://data/cosplans.db"
	pingTimeout      = 5 * time.Second
)

// Connect opens the database named by dsn, retrying with exponential backoff until it
// answers a ping, and applies the schema. postgres:// DSNs use pgx; anything else is
// treated as a sqlite location.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver, normalizedDSN, err := normalizeDatabaseURL(dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		if err := ensureSQLiteParentDir(normalizedDSN); err != nil {
			return nil, fmt.Errorf("prepare sqlite database path: %w", err)
		}
	}

	var conn *sqlx.DB
	attempt := 0
	operation := func() error {
		attempt++
		opened, err := sqlx.Open(driver, normalizedDSN)
		if err != nil {
			return backoff.Permanent(err)
		}
		configureConnectionPool(opened, driver)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := opened.PingContext(pingCtx); err != nil {
			_ = opened.Close()
			logger.Warn("database not ready", "driver", driver, "attempt", attempt, "err", err)
			return err
		}
		conn = opened
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(retryPolicy(driver), ctx)); err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	if err := Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("connected to database", "driver", driver, "attempts", attempt)
	return conn, nil
}

func retryPolicy(driver string) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 2 * time.Minute
	if driver == "sqlite" {
		exp.MaxElapsedTime = 5 * time.Second
	}
	return exp
}

func configureConnectionPool(conn *sqlx.DB, driver string) {
	if driver == "sqlite" {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		return
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)
}

func normalizeDatabaseURL(dsn string) (string, string, error) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		raw = defaultSQLiteURL
	}

	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "pgx", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if strings.TrimSpace(path) == "" {
			return "", "", fmt.Errorf("sqlite database path is required")
		}
		return "sqlite", withForeignKeys("file:" + strings.TrimPrefix(path, "file:")), nil
	case strings.HasPrefix(raw, "file:"):
		return "sqlite", withForeignKeys(raw), nil
	case strings.HasSuffix(raw, ".db"), strings.HasSuffix(raw, ".sqlite"), strings.HasSuffix(raw, ".sqlite3"):
		return "sqlite", withForeignKeys("file:" + raw), nil
	default:
		return "pgx", raw, nil
	}
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_pragma=foreign_keys(ON)") || strings.Contains(dsn, "_pragma=foreign_keys(1)") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_pragma=foreign_keys(ON)"
	}
	return dsn + "?_pragma=foreign_keys(ON)"
}

func ensureSQLiteParentDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimSpace(path)
	if path == "" || strings.EqualFold(path, ":memory:") {
		return nil
	}

	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
