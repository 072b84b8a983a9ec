package types

import (
	"net/url"
	"strings"
	"time"
)

// Metadata keys understood by the engine. Anything else in ConnectionMetadata is opaque.
const (
	MetadataSupabaseURL = "supabaseUrl"
	MetadataBaseURL     = "baseUrl"
	MetadataURL         = "url"
	MetadataProjectRef  = "projectRef"
	MetadataAPIKey      = "apiKey"
)

type ServiceConnection struct {
	ID                 string         `json:"id"`
	TeamID             string         `json:"teamId"`
	Environment        string         `json:"environment"`
	Status             string         `json:"status"`
	ConnectionMetadata map[string]any `json:"connectionMetadata"`
	CreatedAt          time.Time      `json:"createdAt"`
}

func (c ServiceConnection) IsActive() bool {
	return c.Status == ConnectionStatusActive
}

// ServiceConnectionForm is the operator-submitted payload for registering or verifying a connection.
type ServiceConnectionForm struct {
	TeamID      string `json:"teamId"`
	Environment string `json:"environment"`
	SupabaseURL string `json:"supabaseUrl"`
	ServiceKey  string `json:"serviceKey"`
	ProjectRef  string `json:"projectRef,omitempty"`
}

// FieldError names the first form field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateCredentials checks the fields needed to attempt a verification.
func (f ServiceConnectionForm) ValidateCredentials() error {
	if strings.TrimSpace(f.ServiceKey) == "" {
		return &FieldError{Field: "serviceKey", Message: "service key is required"}
	}
	if strings.TrimSpace(f.SupabaseURL) == "" {
		return &FieldError{Field: "supabaseUrl", Message: "target url is required"}
	}
	parsed, err := url.Parse(strings.TrimSpace(f.SupabaseURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &FieldError{Field: "supabaseUrl", Message: "target url must be an absolute http(s) url"}
	}
	return nil
}

// Validate checks everything needed to register the connection.
func (f ServiceConnectionForm) Validate() error {
	if strings.TrimSpace(f.TeamID) == "" {
		return &FieldError{Field: "teamId", Message: "team id is required"}
	}
	if !IsValidEnvironment(strings.TrimSpace(f.Environment)) {
		return &FieldError{Field: "environment", Message: "environment must be development, staging or production"}
	}
	return f.ValidateCredentials()
}

// Metadata builds the connection metadata stored alongside a registered connection.
func (f ServiceConnectionForm) Metadata() map[string]any {
	metadata := map[string]any{
		MetadataSupabaseURL: strings.TrimRight(strings.TrimSpace(f.SupabaseURL), "/"),
		MetadataAPIKey:      strings.TrimSpace(f.ServiceKey),
	}
	if ref := strings.TrimSpace(f.ProjectRef); ref != "" {
		metadata[MetadataProjectRef] = ref
	}
	return metadata
}

// FormFromConnection rebuilds a verification form from stored metadata.
func FormFromConnection(conn ServiceConnection) ServiceConnectionForm {
	form := ServiceConnectionForm{
		TeamID:      conn.TeamID,
		Environment: conn.Environment,
	}
	if v, ok := conn.ConnectionMetadata[MetadataSupabaseURL].(string); ok {
		form.SupabaseURL = v
	}
	if v, ok := conn.ConnectionMetadata[MetadataAPIKey].(string); ok {
		form.ServiceKey = v
	}
	if v, ok := conn.ConnectionMetadata[MetadataProjectRef].(string); ok {
		form.ProjectRef = v
	}
	return form
}

// PublicMetadata returns a copy of the metadata without the stored credential.
func PublicMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if key == MetadataAPIKey {
			continue
		}
		out[key] = value
	}
	return out
}

type ConnectionVerificationResult struct {
	OK          bool      `json:"ok"`
	CheckedAt   time.Time `json:"checkedAt"`
	LatencyMs   int64     `json:"latencyMs"`
	Message     string    `json:"message"`
	Severity    string    `json:"severity"`
	FailureCode string    `json:"failureCode,omitempty"`
	Remediation string    `json:"remediation,omitempty"`
}
