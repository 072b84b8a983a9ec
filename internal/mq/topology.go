package mq

const (
	// IncidentEventsQueue carries types.IncidentEvent JSON from the API and worker to
	// the alert dispatcher.
	IncidentEventsQueue = "cosplans.incident.events"

	// HeartbeatSummaryExchange fans types.HeartbeatRunSummary JSON out to every API
	// instance for dashboard streaming.
	HeartbeatSummaryExchange = "cosplans.heartbeat.completed"
)
