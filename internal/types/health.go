package types

import "time"

type HeartbeatResult struct {
	ServiceConnectionID string    `json:"serviceConnectionId"`
	Status              string    `json:"status"`
	ErrorCode           *string   `json:"errorCode"`
	Timestamp           time.Time `json:"timestamp"`
}

func (r HeartbeatResult) Passed() bool {
	return r.Status == HeartbeatStatusPass
}

// HealthSnapshot is the latest known health of one connection. It is replaced wholesale on every heartbeat.
type HealthSnapshot struct {
	ServiceConnectionID string    `json:"serviceConnectionId" db:"service_connection_id"`
	TeamID              string    `json:"teamId" db:"team_id"`
	CurrentStatus       string    `json:"currentStatus" db:"current_status"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt" db:"last_heartbeat_at"`
	LastErrorCode       *string   `json:"lastErrorCode" db:"last_error_code"`
	ConsecutivePasses   int       `json:"consecutivePasses" db:"consecutive_passes"`
}

func (s HealthSnapshot) IsDegraded() bool {
	return s.CurrentStatus == HealthStatusDegraded
}

// HeartbeatRunSummary is the payload returned by the trigger endpoint and broadcast to dashboards.
type HeartbeatRunSummary struct {
	OK      bool              `json:"ok"`
	Count   int               `json:"count"`
	Results []HeartbeatResult `json:"results"`
	RanAt   time.Time         `json:"ranAt"`
	Partial bool              `json:"partial,omitempty"`
}
