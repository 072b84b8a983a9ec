package heartbeat

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cosplans/internal/types"
)

const maxDrainBytes = 64 * 1024

// Prober issues one read probe and reports the HTTP status it got back.
type Prober interface {
	Probe(ctx context.Context, conn types.ServiceConnection, endpoint string) (int, error)
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context, conn types.ServiceConnection, endpoint string) (int, error)

func (f ProberFunc) Probe(ctx context.Context, conn types.ServiceConnection, endpoint string) (int, error) {
	return f(ctx, conn, endpoint)
}

// NewHTTPClient returns a client whose requests are traced. Deadlines come from the
// request context, not the client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, conn types.ServiceConnection, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if key, ok := conn.ConnectionMetadata[types.MetadataAPIKey].(string); ok && strings.TrimSpace(key) != "" {
		req.Header.Set("apikey", strings.TrimSpace(key))
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(key))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return resp.StatusCode, nil
}
