package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cosplans/internal/apperrors"
	"cosplans/internal/types"
)

type connectionRow struct {
	ID           string    `db:"id"`
	TeamID       string    `db:"team_id"`
	Environment  string    `db:"environment"`
	Status       string    `db:"status"`
	MetadataJSON string    `db:"metadata_json"`
	CreatedAt    time.Time `db:"created_at"`
}

const connectionColumns = `id, team_id, environment, status, metadata_json, created_at`

// CreateConnection registers a pending connection from a validated form.
func (s *Store) CreateConnection(ctx context.Context, form types.ServiceConnectionForm) (types.ServiceConnection, error) {
	conn := newPendingConnection(form, time.Now().UTC())
	metadataJSON, err := json.Marshal(conn.ConnectionMetadata)
	if err != nil {
		return types.ServiceConnection{}, fmt.Errorf("marshal connection metadata: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO service_connection (id, team_id, environment, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, conn.ID, conn.TeamID, conn.Environment, conn.Status, string(metadataJSON), conn.CreatedAt, conn.CreatedAt); err != nil {
		return types.ServiceConnection{}, fmt.Errorf("insert service connection: %w", err)
	}
	return conn, nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*types.ServiceConnection, error) {
	return getConnection(ctx, s.db, id)
}

// ListConnections returns the team's connections, or every connection when teamID is empty.
func (s *Store) ListConnections(ctx context.Context, teamID string) ([]types.ServiceConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM service_connection`
	args := []any{}
	if strings.TrimSpace(teamID) != "" {
		query += ` WHERE team_id = ?`
		args = append(args, strings.TrimSpace(teamID))
	}
	query += ` ORDER BY created_at, id`

	rows := []connectionRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list service connections: %w", err)
	}

	out := make([]types.ServiceConnection, 0, len(rows))
	for _, row := range rows {
		conn, err := toConnection(row)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// ActivateConnection marks the connection active and deactivates whichever connection
// was active for the same team and environment.
func (s *Store) ActivateConnection(ctx context.Context, id string) (types.ServiceConnection, error) {
	var activated types.ServiceConnection
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getConnection(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
		}

		now := time.Now().UTC()
		supersede := tx.Rebind(`
			UPDATE service_connection
			SET status = ?, updated_at = ?
			WHERE team_id = ? AND environment = ? AND status = ? AND id <> ?
		`)
		if _, err := tx.ExecContext(ctx, supersede, types.ConnectionStatusInactive, now, current.TeamID, current.Environment, types.ConnectionStatusActive, id); err != nil {
			return fmt.Errorf("deactivate previous connection: %w", err)
		}

		activate := tx.Rebind(`UPDATE service_connection SET status = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, activate, types.ConnectionStatusActive, now, id); err != nil {
			return fmt.Errorf("activate connection: %w", err)
		}

		current.Status = types.ConnectionStatusActive
		activated = *current
		return nil
	})
	return activated, err
}

func (s *Store) DeactivateConnection(ctx context.Context, id string) (types.ServiceConnection, error) {
	query := s.db.Rebind(`UPDATE service_connection SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, types.ConnectionStatusInactive, time.Now().UTC(), id)
	if err != nil {
		return types.ServiceConnection{}, fmt.Errorf("deactivate connection: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ServiceConnection{}, apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
	}

	conn, err := s.GetConnection(ctx, id)
	if err != nil {
		return types.ServiceConnection{}, err
	}
	if conn == nil {
		return types.ServiceConnection{}, apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
	}
	return *conn, nil
}

// DeleteConnection removes the connection together with its health snapshot.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := deleteSnapshot(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM service_connection WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete service connection: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
		}
		return nil
	})
}

func getConnection(ctx context.Context, q sqlx.QueryerContext, id string) (*types.ServiceConnection, error) {
	var row connectionRow
	query := sqlx.Rebind(sqlx.BindType(driverName(q)), `SELECT `+connectionColumns+` FROM service_connection WHERE id = ? LIMIT 1`)
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get service connection: %w", err)
	}
	conn, err := toConnection(row)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func driverName(q sqlx.QueryerContext) string {
	switch v := q.(type) {
	case *sqlx.DB:
		return v.DriverName()
	case *sqlx.Tx:
		return v.DriverName()
	default:
		return ""
	}
}

func toConnection(row connectionRow) (types.ServiceConnection, error) {
	metadata := map[string]any{}
	if strings.TrimSpace(row.MetadataJSON) != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
			return types.ServiceConnection{}, fmt.Errorf("unmarshal metadata for %s: %w", row.ID, err)
		}
	}
	return types.ServiceConnection{
		ID:                 row.ID,
		TeamID:             row.TeamID,
		Environment:        row.Environment,
		Status:             row.Status,
		ConnectionMetadata: metadata,
		CreatedAt:          row.CreatedAt.UTC(),
	}, nil
}

func newPendingConnection(form types.ServiceConnectionForm, now time.Time) types.ServiceConnection {
	return types.ServiceConnection{
		ID:                 uuid.NewString(),
		TeamID:             strings.TrimSpace(form.TeamID),
		Environment:        strings.TrimSpace(form.Environment),
		Status:             types.ConnectionStatusPending,
		ConnectionMetadata: form.Metadata(),
		CreatedAt:          now,
	}
}
