// Package incidents owns the incident lifecycle: opening one per degraded connection
// and letting operators acknowledge it.
package incidents

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cosplans/internal/apperrors"
	"cosplans/internal/metrics"
	"cosplans/internal/types"
)

type Repository interface {
	CreateOpenIncident(ctx context.Context, incident types.Incident) (types.Incident, bool, error)
	GetIncident(ctx context.Context, teamID, incidentID string) (*types.Incident, error)
	AcknowledgeIncident(ctx context.Context, teamID, incidentID, operatorID string, at time.Time) (*types.Incident, error)
	ListIncidents(ctx context.Context, filter types.IncidentFilter) ([]types.Incident, error)
}

const defaultPublishTimeout = 5 * time.Second

// Sink receives incident events. Publish errors are logged and never fail the caller;
// a publish that outlives the manager's publish timeout is abandoned.
type Sink interface {
	Publish(ctx context.Context, event types.IncidentEvent) error
}

type Manager struct {
	repo           Repository
	sink           Sink
	publishTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

func NewManager(repo Repository, sink Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, sink: sink, publishTimeout: defaultPublishTimeout, now: time.Now, logger: logger}
}

// SetPublishTimeout bounds how long an incident change waits on the sink.
func (m *Manager) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		m.publishTimeout = d
	}
}

func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// OpenIncidentIfNeeded returns the connection's open incident, creating it first when
// there is none.
func (m *Manager) OpenIncidentIfNeeded(ctx context.Context, connectionID, teamID string) (types.Incident, error) {
	candidate := types.Incident{
		ID:                  uuid.NewString(),
		TeamID:              teamID,
		ServiceConnectionID: connectionID,
		OpenedAt:            m.now().UTC(),
		Status:              types.IncidentStatusOpen,
	}
	incident, created, err := m.repo.CreateOpenIncident(ctx, candidate)
	if err != nil {
		return types.Incident{}, apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "incident could not be opened", err)
	}
	if created {
		metrics.ObserveIncident(types.IncidentEventOpened)
		m.logger.Info("incident opened", "incident_id", incident.ID, "connection_id", connectionID, "team_id", teamID)
		m.publish(ctx, types.IncidentEventOpened, incident)
	}
	return incident, nil
}

// AcknowledgeIncident marks the incident acknowledged by the operator. A nil incident
// with a nil error means no such incident exists for the team. Repeating it returns the
// original acknowledgement. Health snapshots are not touched.
func (m *Manager) AcknowledgeIncident(ctx context.Context, req types.AcknowledgeIncidentRequest) (*types.Incident, error) {
	teamID := strings.TrimSpace(req.TeamID)
	incidentID := strings.TrimSpace(req.IncidentID)
	operatorID := strings.TrimSpace(req.OperatorID)
	if teamID == "" || incidentID == "" || operatorID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidPayload, "teamId, incidentId and operatorId are required")
	}

	before, err := m.repo.GetIncident(ctx, teamID, incidentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "incident could not be loaded", err)
	}
	if before == nil {
		return nil, nil
	}
	if !before.IsOpen() {
		return before, nil
	}

	incident, err := m.repo.AcknowledgeIncident(ctx, teamID, incidentID, operatorID, m.now().UTC())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "incident could not be acknowledged", err)
	}
	if incident == nil {
		return nil, nil
	}

	metrics.ObserveIncident(types.IncidentEventAcknowledged)
	m.logger.Info("incident acknowledged", "incident_id", incident.ID, "team_id", teamID, "operator_id", operatorID)
	m.publish(ctx, types.IncidentEventAcknowledged, *incident)
	return incident, nil
}

// AcknowledgementOf converts an acknowledged incident into the API response shape.
func AcknowledgementOf(incident types.Incident) types.AcknowledgeIncidentResponse {
	out := types.AcknowledgeIncidentResponse{IncidentID: incident.ID}
	if incident.AcknowledgedAt != nil {
		out.AcknowledgedAt = *incident.AcknowledgedAt
	}
	if incident.AcknowledgedBy != nil {
		out.AcknowledgedBy = *incident.AcknowledgedBy
	}
	return out
}

func (m *Manager) List(ctx context.Context, filter types.IncidentFilter) ([]types.Incident, error) {
	if strings.TrimSpace(filter.TeamID) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidPayload, "teamId is required")
	}
	incidents, err := m.repo.ListIncidents(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "incidents could not be loaded", err)
	}
	return incidents, nil
}

func (m *Manager) publish(ctx context.Context, eventType string, incident types.Incident) {
	if m.sink == nil {
		return
	}
	event := types.IncidentEvent{Type: eventType, Incident: incident, TS: m.now().UTC()}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.publishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.sink.Publish(publishCtx, event)
	}()

	var err error
	select {
	case err = <-done:
	case <-publishCtx.Done():
		err = publishCtx.Err()
	}
	if err != nil {
		m.logger.Warn("incident event publish failed", "type", eventType, "incident_id", incident.ID, "err", err)
	}
}
