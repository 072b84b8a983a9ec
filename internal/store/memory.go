package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cosplans/internal/apperrors"
	"cosplans/internal/types"
)

// Memory keeps everything in maps guarded by one mutex. Records are copied on the way
// in and out so callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	connections map[string]types.ServiceConnection
	snapshots   map[string]types.HealthSnapshot
	incidents   map[string]types.Incident
	now         func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	m.init()
	return m
}

func (m *Memory) init() {
	m.connections = map[string]types.ServiceConnection{}
	m.snapshots = map[string]types.HealthSnapshot{}
	m.incidents = map[string]types.Incident{}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateConnection(_ context.Context, form types.ServiceConnectionForm) (types.ServiceConnection, error) {
	conn := newPendingConnection(form, m.now().UTC())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = cloneConnection(conn)
	return conn, nil
}

func (m *Memory) GetConnection(_ context.Context, id string) (*types.ServiceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	if !ok {
		return nil, nil
	}
	out := cloneConnection(conn)
	return &out, nil
}

func (m *Memory) ListConnections(_ context.Context, teamID string) ([]types.ServiceConnection, error) {
	teamID = strings.TrimSpace(teamID)
	m.mu.RLock()
	out := make([]types.ServiceConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		if teamID != "" && conn.TeamID != teamID {
			continue
		}
		out = append(out, cloneConnection(conn))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ActivateConnection(_ context.Context, id string) (types.ServiceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.connections[id]
	if !ok {
		return types.ServiceConnection{}, apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
	}
	for otherID, conn := range m.connections {
		if otherID != id && conn.TeamID == target.TeamID && conn.Environment == target.Environment && conn.IsActive() {
			conn.Status = types.ConnectionStatusInactive
			m.connections[otherID] = conn
		}
	}
	target.Status = types.ConnectionStatusActive
	m.connections[id] = target
	return cloneConnection(target), nil
}

func (m *Memory) DeactivateConnection(_ context.Context, id string) (types.ServiceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return types.ServiceConnection{}, apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
	}
	conn.Status = types.ConnectionStatusInactive
	m.connections[id] = conn
	return cloneConnection(conn), nil
}

func (m *Memory) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; !ok {
		return apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
	}
	delete(m.connections, id)
	delete(m.snapshots, id)
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, connectionID string) (*types.HealthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[connectionID]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (m *Memory) UpsertSnapshot(_ context.Context, snap types.HealthSnapshot) error {
	snap = cloneSnapshot(snap)
	snap.LastHeartbeatAt = snap.LastHeartbeatAt.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ServiceConnectionID] = snap
	return nil
}

func (m *Memory) ListSnapshots(_ context.Context, teamID string) ([]types.HealthSnapshot, error) {
	teamID = strings.TrimSpace(teamID)
	m.mu.RLock()
	out := make([]types.HealthSnapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		if teamID != "" && snap.TeamID != teamID {
			continue
		}
		out = append(out, cloneSnapshot(snap))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceConnectionID < out[j].ServiceConnectionID })
	return out, nil
}

func (m *Memory) DeleteSnapshot(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, connectionID)
	return nil
}

func (m *Memory) CreateOpenIncident(_ context.Context, incident types.Incident) (types.Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.incidents {
		if existing.ServiceConnectionID == incident.ServiceConnectionID && existing.IsOpen() {
			return cloneIncident(existing), false, nil
		}
	}
	incident.Status = types.IncidentStatusOpen
	incident.OpenedAt = incident.OpenedAt.UTC()
	incident.AcknowledgedAt = nil
	incident.AcknowledgedBy = nil
	m.incidents[incident.ID] = incident
	return cloneIncident(incident), true, nil
}

func (m *Memory) FindOpenIncident(_ context.Context, connectionID string) (*types.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, existing := range m.incidents {
		if existing.ServiceConnectionID == connectionID && existing.IsOpen() {
			out := cloneIncident(existing)
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetIncident(_ context.Context, teamID, incidentID string) (*types.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	incident, ok := m.incidents[incidentID]
	if !ok || incident.TeamID != teamID {
		return nil, nil
	}
	out := cloneIncident(incident)
	return &out, nil
}

func (m *Memory) AcknowledgeIncident(_ context.Context, teamID, incidentID, operatorID string, at time.Time) (*types.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	incident, ok := m.incidents[incidentID]
	if !ok || incident.TeamID != teamID {
		return nil, nil
	}
	if incident.IsOpen() {
		ackAt := at.UTC()
		ackBy := operatorID
		incident.Status = types.IncidentStatusAcknowledged
		incident.AcknowledgedAt = &ackAt
		incident.AcknowledgedBy = &ackBy
		m.incidents[incidentID] = incident
	}
	out := cloneIncident(incident)
	return &out, nil
}

func (m *Memory) ListIncidents(_ context.Context, filter types.IncidentFilter) ([]types.Incident, error) {
	m.mu.RLock()
	out := []types.Incident{}
	for _, incident := range m.incidents {
		if filter.TeamID != "" && incident.TeamID != filter.TeamID {
			continue
		}
		if filter.ServiceConnectionID != "" && incident.ServiceConnectionID != filter.ServiceConnectionID {
			continue
		}
		if filter.Status != "" && incident.Status != filter.Status {
			continue
		}
		out = append(out, cloneIncident(incident))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneConnection(conn types.ServiceConnection) types.ServiceConnection {
	metadata := make(map[string]any, len(conn.ConnectionMetadata))
	for k, v := range conn.ConnectionMetadata {
		metadata[k] = v
	}
	conn.ConnectionMetadata = metadata
	return conn
}

func cloneSnapshot(snap types.HealthSnapshot) types.HealthSnapshot {
	snap.LastErrorCode = copyString(snap.LastErrorCode)
	return snap
}

func cloneIncident(incident types.Incident) types.Incident {
	if incident.AcknowledgedAt != nil {
		at := *incident.AcknowledgedAt
		incident.AcknowledgedAt = &at
	}
	incident.AcknowledgedBy = copyString(incident.AcknowledgedBy)
	return incident
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
