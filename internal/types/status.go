package types

const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

const (
	ConnectionStatusPending  = "pending"
	ConnectionStatusActive   = "active"
	ConnectionStatusInactive = "inactive"
)

const (
	HealthStatusActive   = "active"
	HealthStatusDegraded = "degraded"
)

const (
	HeartbeatStatusPass = "pass"
	HeartbeatStatusFail = "fail"
)

const (
	IncidentStatusOpen         = "open"
	IncidentStatusAcknowledged = "acknowledged"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

func IsValidEnvironment(env string) bool {
	switch env {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return true
	default:
		return false
	}
}
