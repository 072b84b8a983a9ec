package types

import "time"

type Incident struct {
	ID                  string     `json:"id"`
	TeamID              string     `json:"teamId"`
	ServiceConnectionID string     `json:"serviceConnectionId"`
	OpenedAt            time.Time  `json:"openedAt"`
	AcknowledgedAt      *time.Time `json:"acknowledgedAt"`
	AcknowledgedBy      *string    `json:"acknowledgedBy"`
	Status              string     `json:"status"`
}

func (i Incident) IsOpen() bool {
	return i.Status == IncidentStatusOpen
}

type AcknowledgeIncidentRequest struct {
	TeamID     string `json:"teamId"`
	IncidentID string `json:"incidentId"`
	OperatorID string `json:"operatorId"`
}

type AcknowledgeIncidentResponse struct {
	IncidentID     string    `json:"incidentId"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
	AcknowledgedBy string    `json:"acknowledgedBy"`
}

type IncidentFilter struct {
	TeamID              string
	ServiceConnectionID string
	Status              string
	Limit               int
}

const (
	IncidentEventOpened       = "incident_opened"
	IncidentEventAcknowledged = "incident_acknowledged"
)

// IncidentEvent is emitted to alert sinks and the message queue whenever an incident changes.
type IncidentEvent struct {
	Type     string    `json:"type"`
	Incident Incident  `json:"incident"`
	TS       time.Time `json:"ts"`
}
