package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Both sqlite and postgres accept this DDL, including the partial unique indexes that
// enforce one active connection per team environment and one open incident per connection.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS service_connection (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		environment TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_service_connection_team ON service_connection (team_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_service_connection_active
		ON service_connection (team_id, environment) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS health_snapshot (
		service_connection_id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		current_status TEXT NOT NULL,
		last_heartbeat_at TIMESTAMP NOT NULL,
		last_error_code TEXT NULL,
		consecutive_passes INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS ix_health_snapshot_team ON health_snapshot (team_id)`,
	`CREATE TABLE IF NOT EXISTS incident (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		service_connection_id TEXT NOT NULL,
		status TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP NULL,
		acknowledged_by TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_incident_team ON incident (team_id, service_connection_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_incident_open
		ON incident (service_connection_id) WHERE status = 'open'`,
}

// Migrate applies the schema. It is safe to run on every start.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
