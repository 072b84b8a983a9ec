package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"cosplans/internal/types"
)

type snapshotRow struct {
	ServiceConnectionID string         `db:"service_connection_id"`
	TeamID              string         `db:"team_id"`
	CurrentStatus       string         `db:"current_status"`
	LastHeartbeatAt     time.Time      `db:"last_heartbeat_at"`
	LastErrorCode       sql.NullString `db:"last_error_code"`
	ConsecutivePasses   int            `db:"consecutive_passes"`
}

const snapshotColumns = `service_connection_id, team_id, current_status, last_heartbeat_at, last_error_code, consecutive_passes`

func (s *Store) GetSnapshot(ctx context.Context, connectionID string) (*types.HealthSnapshot, error) {
	var row snapshotRow
	query := s.db.Rebind(`SELECT ` + snapshotColumns + ` FROM health_snapshot WHERE service_connection_id = ? LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, connectionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get health snapshot: %w", err)
	}
	snap := toSnapshot(row)
	return &snap, nil
}

// UpsertSnapshot replaces the connection's snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, snap types.HealthSnapshot) error {
	query := s.db.Rebind(`
		INSERT INTO health_snapshot (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_connection_id) DO UPDATE SET
			team_id = excluded.team_id,
			current_status = excluded.current_status,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_error_code = excluded.last_error_code,
			consecutive_passes = excluded.consecutive_passes
	`)
	_, err := s.db.ExecContext(ctx, query,
		snap.ServiceConnectionID,
		snap.TeamID,
		snap.CurrentStatus,
		snap.LastHeartbeatAt.UTC(),
		nullableString(snap.LastErrorCode),
		snap.ConsecutivePasses,
	)
	if err != nil {
		return fmt.Errorf("upsert health snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots for a team, or all snapshots when teamID is empty.
func (s *Store) ListSnapshots(ctx context.Context, teamID string) ([]types.HealthSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM health_snapshot`
	args := []any{}
	if strings.TrimSpace(teamID) != "" {
		query += ` WHERE team_id = ?`
		args = append(args, strings.TrimSpace(teamID))
	}
	query += ` ORDER BY service_connection_id`

	rows := []snapshotRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list health snapshots: %w", err)
	}
	out := make([]types.HealthSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, toSnapshot(row))
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, connectionID string) error {
	return deleteSnapshot(ctx, s.db, connectionID)
}

func deleteSnapshot(ctx context.Context, e sqlx.ExtContext, connectionID string) error {
	if _, err := e.ExecContext(ctx, e.Rebind(`DELETE FROM health_snapshot WHERE service_connection_id = ?`), connectionID); err != nil {
		return fmt.Errorf("delete health snapshot: %w", err)
	}
	return nil
}

func toSnapshot(row snapshotRow) types.HealthSnapshot {
	return types.HealthSnapshot{
		ServiceConnectionID: row.ServiceConnectionID,
		TeamID:              row.TeamID,
		CurrentStatus:       row.CurrentStatus,
		LastHeartbeatAt:     row.LastHeartbeatAt.UTC(),
		LastErrorCode:       nullStringToPtr(row.LastErrorCode),
		ConsecutivePasses:   row.ConsecutivePasses,
	}
}
