package db

import (
	"context"
	"log/slog"
	"testing"
)

func TestNormalizeDatabaseURL(t *testing.T) {
	tests := []struct {
		name       string
		dsn        string
		wantDriver string
		wantDSN    string
	}{
		{name: "postgres", dsn: "postgres://u:p@db:5432/cosplans", wantDriver: "pgx", wantDSN: "postgres://u:p@db:5432/cosplans"},
		{name: "sqlite scheme", dsn: "sqlite://data/x.db", wantDriver: "sqlite", wantDSN: "file:data/x.db?_pragma=foreign_keys(ON)"},
		{name: "file dsn with query", dsn: "file:x.db?mode=memory", wantDriver: "sqlite", wantDSN: "file:x.db?mode=memory&_pragma=foreign_keys(ON)"},
		{name: "bare sqlite file", dsn: "health.sqlite", wantDriver: "sqlite", wantDSN: "file:health.sqlite?_pragma=foreign_keys(ON)"},
		{name: "empty uses default", dsn: "", wantDriver: "sqlite", wantDSN: "file:data/cosplans.db?_pragma=foreign_keys(ON)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := normalizeDatabaseURL(tt.dsn)
			if err != nil {
				t.Fatalf("normalizeDatabaseURL() error = %v", err)
			}
			if driver != tt.wantDriver || dsn != tt.wantDSN {
				t.Fatalf("normalizeDatabaseURL() = (%q, %q), want (%q, %q)", driver, dsn, tt.wantDriver, tt.wantDSN)
			}
		})
	}

	if _, _, err := normalizeDatabaseURL("sqlite://"); err == nil {
		t.Fatal("normalizeDatabaseURL(sqlite://) error = nil, want error")
	}
}

func TestConnectMigratesSQLite(t *testing.T) {
	conn, err := Connect(context.Background(), "file:db_connect_test?mode=memory&cache=shared", slog.Default())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := Migrate(context.Background(), conn); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	var count int
	if err := conn.Get(&count, `SELECT COUNT(*) FROM health_snapshot`); err != nil {
		t.Fatalf("query health_snapshot: %v", err)
	}
}
