package heartbeat

import (
	"net/url"
	"strings"

	"cosplans/internal/types"
)

// HealthSuffix is appended to a project's base URL to form the probe target.
const HealthSuffix = "/rest/v1/"

const projectHostSuffix = ".supabase.co"

var endpointKeys = []string{
	types.MetadataSupabaseURL,
	types.MetadataBaseURL,
	types.MetadataURL,
}

// ResolveHeartbeatEndpoint derives the probe URL from connection metadata. The first
// key holding an absolute http(s) URL wins, then a bare project ref is expanded to
// https://<ref>.supabase.co; ok is false when neither is usable.
func ResolveHeartbeatEndpoint(metadata map[string]any) (string, bool) {
	for _, key := range endpointKeys {
		raw, _ := metadata[key].(string)
		base, ok := normalizeBaseURL(raw)
		if !ok {
			continue
		}
		return base + HealthSuffix, true
	}
	if ref, _ := metadata[types.MetadataProjectRef].(string); isProjectRef(strings.TrimSpace(ref)) {
		return "https://" + strings.TrimSpace(ref) + projectHostSuffix + HealthSuffix, true
	}
	return "", false
}

func isProjectRef(ref string) bool {
	if ref == "" || len(ref) > 63 {
		return false
	}
	for _, r := range ref {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func normalizeBaseURL(raw string) (string, bool) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", false
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), true
}
