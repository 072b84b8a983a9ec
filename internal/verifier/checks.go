package verifier

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"cosplans/internal/heartbeat"
	"cosplans/internal/types"
)

const secretKeyPrefix = "sb_secret_"

// HeuristicCheck accepts keys that look like a signed project JWT or a project secret
// key. It does no network I/O and stands in for HTTPCheck where outbound calls are not allowed.
func HeuristicCheck(_ context.Context, form types.ServiceConnectionForm) error {
	if looksLikeServiceKey(strings.TrimSpace(form.ServiceKey)) {
		return nil
	}
	return ErrInvalidCredential
}

func looksLikeServiceKey(key string) bool {
	if strings.HasPrefix(key, secretKeyPrefix) {
		return len(key) > len(secretKeyPrefix)+8
	}

	parts := strings.Split(key, ".")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "eyJ") {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(part, "=")); err != nil {
			return false
		}
	}
	return true
}

// HTTPCheck performs an authenticated read against the project's REST endpoint.
func HTTPCheck(client *http.Client) CredentialCheck {
	if client == nil {
		client = heartbeat.NewHTTPClient()
	}
	return func(ctx context.Context, form types.ServiceConnectionForm) error {
		endpoint, ok := heartbeat.ResolveHeartbeatEndpoint(form.Metadata())
		if !ok {
			return fmt.Errorf("no usable url in %q", form.SupabaseURL)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		key := strings.TrimSpace(form.ServiceKey)
		req.Header.Set("apikey", key)
		req.Header.Set("Authorization", "Bearer "+key)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrInvalidCredential
		case resp.StatusCode == http.StatusForbidden:
			return ErrForbidden
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		default:
			return &UpstreamStatusError{StatusCode: resp.StatusCode}
		}
	}
}

// UpstreamStatusError reports an unexpected HTTP status from the project endpoint.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", e.StatusCode)
}

// CheckForMode picks the credential check named by configuration.
func CheckForMode(mode string, client *http.Client) CredentialCheck {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "http":
		return HTTPCheck(client)
	default:
		return HeuristicCheck
	}
}
