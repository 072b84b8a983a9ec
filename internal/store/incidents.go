package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cosplans/internal/types"
)

type incidentRow struct {
	ID                  string         `db:"id"`
	TeamID              string         `db:"team_id"`
	ServiceConnectionID string         `db:"service_connection_id"`
	Status              string         `db:"status"`
	OpenedAt            time.Time      `db:"opened_at"`
	AcknowledgedAt      sql.NullTime   `db:"acknowledged_at"`
	AcknowledgedBy      sql.NullString `db:"acknowledged_by"`
}

const incidentColumns = `id, team_id, service_connection_id, status, opened_at, acknowledged_at, acknowledged_by`

// CreateOpenIncident inserts the incident unless the connection already has an open one.
// It returns the open incident and whether this call created it.
func (s *Store) CreateOpenIncident(ctx context.Context, incident types.Incident) (types.Incident, bool, error) {
	query := s.db.Rebind(`
		INSERT INTO incident (` + incidentColumns + `)
		VALUES (?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		incident.ID,
		incident.TeamID,
		incident.ServiceConnectionID,
		types.IncidentStatusOpen,
		incident.OpenedAt.UTC(),
	)
	if err != nil {
		return types.Incident{}, false, fmt.Errorf("insert incident: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		incident.Status = types.IncidentStatusOpen
		incident.OpenedAt = incident.OpenedAt.UTC()
		return incident, true, nil
	}

	existing, err := s.FindOpenIncident(ctx, incident.ServiceConnectionID)
	if err != nil {
		return types.Incident{}, false, err
	}
	if existing == nil {
		return types.Incident{}, false, fmt.Errorf("incident for %s conflicted but no open incident exists", incident.ServiceConnectionID)
	}
	return *existing, false, nil
}

func (s *Store) FindOpenIncident(ctx context.Context, connectionID string) (*types.Incident, error) {
	query := s.db.Rebind(`SELECT ` + incidentColumns + ` FROM incident WHERE service_connection_id = ? AND status = ? LIMIT 1`)
	return s.getIncident(ctx, query, connectionID, types.IncidentStatusOpen)
}

// GetIncident looks an incident up within a team. Incidents of other teams are not found.
func (s *Store) GetIncident(ctx context.Context, teamID, incidentID string) (*types.Incident, error) {
	query := s.db.Rebind(`SELECT ` + incidentColumns + ` FROM incident WHERE id = ? AND team_id = ? LIMIT 1`)
	return s.getIncident(ctx, query, incidentID, teamID)
}

// AcknowledgeIncident transitions an open incident to acknowledged. Already acknowledged
// incidents are returned unchanged; nil means the incident does not exist for the team.
func (s *Store) AcknowledgeIncident(ctx context.Context, teamID, incidentID, operatorID string, at time.Time) (*types.Incident, error) {
	query := s.db.Rebind(`
		UPDATE incident
		SET status = ?, acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND team_id = ? AND status = ?
	`)
	if _, err := s.db.ExecContext(ctx, query,
		types.IncidentStatusAcknowledged,
		at.UTC(),
		operatorID,
		incidentID,
		teamID,
		types.IncidentStatusOpen,
	); err != nil {
		return nil, fmt.Errorf("acknowledge incident: %w", err)
	}
	return s.GetIncident(ctx, teamID, incidentID)
}

func (s *Store) ListIncidents(ctx context.Context, filter types.IncidentFilter) ([]types.Incident, error) {
	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(filter.TeamID); v != "" {
		clauses = append(clauses, "team_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.ServiceConnectionID); v != "" {
		clauses = append(clauses, "service_connection_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Status); v != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, v)
	}

	query := `SELECT ` + incidentColumns + ` FROM incident`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY opened_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows := []incidentRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	out := make([]types.Incident, 0, len(rows))
	for _, row := range rows {
		out = append(out, toIncident(row))
	}
	return out, nil
}

func (s *Store) getIncident(ctx context.Context, query string, args ...any) (*types.Incident, error) {
	var row incidentRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	incident := toIncident(row)
	return &incident, nil
}

func toIncident(row incidentRow) types.Incident {
	return types.Incident{
		ID:                  row.ID,
		TeamID:              row.TeamID,
		ServiceConnectionID: row.ServiceConnectionID,
		OpenedAt:            row.OpenedAt.UTC(),
		AcknowledgedAt:      nullTimeToPtr(row.AcknowledgedAt),
		AcknowledgedBy:      nullStringToPtr(row.AcknowledgedBy),
		Status:              row.Status,
	}
}
