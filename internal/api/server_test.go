package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cosplans/internal/config"
	"cosplans/internal/incidents"
	"cosplans/internal/registry"
	"cosplans/internal/store"
	"cosplans/internal/types"
	"cosplans/internal/verifier"
)

const validKey = "sb_secret_abcdefghijklmnop"

type fakeTrigger struct {
	calls   int
	summary types.HeartbeatRunSummary
	err     error
}

func (f *fakeTrigger) RunAll(context.Context) (types.HeartbeatRunSummary, error) {
	f.calls++
	return f.summary, f.err
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	router    http.Handler
	repo      *store.Memory
	incidents *incidents.Manager
	trigger   *fakeTrigger
}

func newTestEnv(t *testing.T, mutate func(*config.APIConfig, *Deps)) *testEnv {
	t.Helper()

	repo := store.NewMemory()
	manager := incidents.NewManager(repo, nil, nil)
	trigger := &fakeTrigger{summary: types.HeartbeatRunSummary{OK: true}}

	cfg := config.APIConfig{
		Common:                 config.Common{AppID: "cosplans"},
		HeartbeatSecret:        "s3cret",
		DefaultTeamID:          "team-1",
		DefaultOperatorID:      "system",
		HealthLivenessEndpoint: "/healthz",
		HealthReadyEndpoint:    "/readyz",
	}
	deps := Deps{
		Connections: registry.New(repo, verifier.New(verifier.HeuristicCheck, 0, nil), nil),
		Health:      repo,
		Incidents:   manager,
		Heartbeats:  trigger,
		Ready:       repo,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	return &testEnv{
		router:    NewServer(cfg, deps, nil).Router(),
		repo:      repo,
		incidents: manager,
		trigger:   trigger,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func registerBody(team, key string) string {
	return `{"teamId":"` + team + `","environment":"production","supabaseUrl":"https://abc.supabase.co","serviceKey":"` + key + `"}`
}

func TestVerifyConnection(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		wantOK   bool
		wantCode string
	}{
		{name: "valid key", body: `{"supabaseUrl":"https://abc.supabase.co","serviceKey":"` + validKey + `"}`, wantOK: true},
		{name: "rejected key", body: `{"supabaseUrl":"https://abc.supabase.co","serviceKey":"nope"}`, wantCode: "AUTH_INVALID_SERVICE_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/connections/verify", tt.body, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			result := decodeBody[types.ConnectionVerificationResult](t, rec)
			if result.OK != tt.wantOK || result.FailureCode != tt.wantCode {
				t.Fatalf("result = %+v", result)
			}
		})
	}
}

func TestRequestValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "unknown field", path: "/connections", body: `{"teamId":"t","bogus":1}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_PAYLOAD"},
		{name: "trailing object", path: "/connections/verify", body: `{} {}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_PAYLOAD"},
		{name: "missing key", path: "/connections/verify", body: `{"supabaseUrl":"https://abc.supabase.co"}`, wantStatus: http.StatusBadRequest, wantCode: "CONNECTION_FORM_INVALID"},
		{name: "bad environment", path: "/connections", body: `{"teamId":"t","environment":"qa","supabaseUrl":"https://abc.supabase.co","serviceKey":"k"}`, wantStatus: http.StatusBadRequest, wantCode: "CONNECTION_FORM_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			envelope := decodeBody[errorEnvelope](t, rec)
			if envelope.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", envelope.Code, tt.wantCode)
			}
			if len(envelope.Error.CorrelationID) != 36 {
				t.Fatalf("correlation id = %q", envelope.Error.CorrelationID)
			}
		})
	}
}

func TestConnectionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/connections", registerBody("team-1", validKey), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[types.ServiceConnection](t, rec)
	if created.Status != types.ConnectionStatusPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if _, leaked := created.ConnectionMetadata[types.MetadataAPIKey]; leaked {
		t.Fatalf("service key returned in metadata: %+v", created.ConnectionMetadata)
	}

	rec = env.do(t, http.MethodPost, "/connections/"+created.ID+"/activate", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d body = %s", rec.Code, rec.Body.String())
	}
	activated := decodeBody[activateResponse](t, rec)
	if !activated.Connection.IsActive() || !activated.Verification.OK {
		t.Fatalf("activate = %+v", activated)
	}

	rec = env.do(t, http.MethodGet, "/teams/team-1/connections", "", nil)
	listed := decodeBody[[]types.ServiceConnection](t, rec)
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("listed = %+v", listed)
	}
	if strings.Contains(rec.Body.String(), validKey) {
		t.Fatalf("list exposes the service key: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/connections/"+created.ID+"/deactivate", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	if got := decodeBody[types.ServiceConnection](t, rec); got.Status != types.ConnectionStatusInactive {
		t.Fatalf("status = %s, want inactive", got.Status)
	}

	rec = env.do(t, http.MethodPost, "/connections/missing/activate", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown activate status = %d", rec.Code)
	}
}

func TestDeleteConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	created := decodeBody[types.ServiceConnection](t, env.do(t, http.MethodPost, "/connections", registerBody("team-1", "sb_secret_abcdefghijklmnop"), nil))
	if err := env.repo.UpsertSnapshot(ctx, types.HealthSnapshot{
		ServiceConnectionID: created.ID,
		TeamID:              "team-1",
		CurrentStatus:       types.HealthStatusActive,
		LastHeartbeatAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertSnapshot() error = %v", err)
	}

	rec := env.do(t, http.MethodDelete, "/connections/"+created.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d body = %s", rec.Code, rec.Body.String())
	}
	if snap, _ := env.repo.GetSnapshot(ctx, created.ID); snap != nil {
		t.Fatalf("snapshot survived delete: %#v", snap)
	}

	rec = env.do(t, http.MethodDelete, "/connections/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
	if envelope := decodeBody[errorEnvelope](t, rec); envelope.Code != "CONNECTION_NOT_FOUND" {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestActivateUnverifiedConnection(t *testing.T) {
	env := newTestEnv(t, nil)

	created := decodeBody[types.ServiceConnection](t, env.do(t, http.MethodPost, "/connections", registerBody("team-1", "bad-key"), nil))
	rec := env.do(t, http.MethodPost, "/connections/"+created.ID+"/activate", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeBody[errorEnvelope](t, rec)
	if envelope.Code != "CONNECTION_NOT_VERIFIED" || !envelope.Error.Retry {
		t.Fatalf("envelope = %+v", envelope)
	}
	if !strings.Contains(envelope.Error.SupportRecommendation, "Rotate") {
		t.Fatalf("recommendation = %q", envelope.Error.SupportRecommendation)
	}
}

func TestHealthAndIncidentListing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	code := "HTTP_503"
	if err := env.repo.UpsertSnapshot(ctx, types.HealthSnapshot{
		ServiceConnectionID: "conn-1",
		TeamID:              "team-1",
		CurrentStatus:       types.HealthStatusDegraded,
		LastHeartbeatAt:     time.Now().UTC(),
		LastErrorCode:       &code,
	}); err != nil {
		t.Fatalf("UpsertSnapshot() error = %v", err)
	}
	if _, err := env.incidents.OpenIncidentIfNeeded(ctx, "conn-1", "team-1"); err != nil {
		t.Fatalf("OpenIncidentIfNeeded() error = %v", err)
	}
	if _, err := env.incidents.OpenIncidentIfNeeded(ctx, "conn-2", "team-1"); err != nil {
		t.Fatalf("OpenIncidentIfNeeded() error = %v", err)
	}

	health := decodeBody[healthResponse](t, env.do(t, http.MethodGet, "/teams/team-1/health", "", nil))
	if len(health.Snapshots) != 1 || !health.Snapshots[0].IsDegraded() {
		t.Fatalf("health = %+v", health)
	}
	if other := decodeBody[healthResponse](t, env.do(t, http.MethodGet, "/teams/team-2/health", "", nil)); len(other.Snapshots) != 0 {
		t.Fatalf("foreign team sees snapshots: %+v", other)
	}

	all := decodeBody[[]types.Incident](t, env.do(t, http.MethodGet, "/teams/team-1/incidents", "", nil))
	if len(all) != 2 {
		t.Fatalf("incidents = %d, want 2", len(all))
	}
	filtered := decodeBody[[]types.Incident](t, env.do(t, http.MethodGet, "/teams/team-1/incidents?connectionId=conn-2", "", nil))
	if len(filtered) != 1 || filtered[0].ServiceConnectionID != "conn-2" {
		t.Fatalf("filtered = %+v", filtered)
	}
	if rec := env.do(t, http.MethodGet, "/teams/team-1/incidents?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestRunHeartbeatsRequiresSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	env.trigger.summary = types.HeartbeatRunSummary{
		OK:    true,
		Count: 1,
		Results: []types.HeartbeatResult{
			{ServiceConnectionID: "conn-1", Status: types.HeartbeatStatusPass, Timestamp: time.Now().UTC()},
		},
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "s3cret", wantStatus: http.StatusUnauthorized},
		{name: "valid", header: "Bearer s3cret", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			rec := env.do(t, http.MethodPost, "/heartbeats/run", "", header)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				summary := decodeBody[types.HeartbeatRunSummary](t, rec)
				if !summary.OK || summary.Count != 1 || len(summary.Results) != 1 {
					t.Fatalf("summary = %+v", summary)
				}
			}
		})
	}
	if env.trigger.calls != 1 {
		t.Fatalf("trigger calls = %d, want 1", env.trigger.calls)
	}
}

func TestRunHeartbeatsWithoutSecretConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.APIConfig, _ *Deps) { cfg.HeartbeatSecret = "" })

	rec := env.do(t, http.MethodGet, "/heartbeats/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestAcknowledgeIncident(t *testing.T) {
	env := newTestEnv(t, nil)
	incident, err := env.incidents.OpenIncidentIfNeeded(context.Background(), "conn-1", "team-1")
	if err != nil {
		t.Fatalf("OpenIncidentIfNeeded() error = %v", err)
	}

	rec := env.do(t, http.MethodPost, "/incidents/acknowledge", `{"incidentId":"`+incident.ID+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	first := decodeBody[types.AcknowledgeIncidentResponse](t, rec)
	if first.IncidentID != incident.ID || first.AcknowledgedBy != "system" || first.AcknowledgedAt.IsZero() {
		t.Fatalf("ack = %+v", first)
	}

	again := decodeBody[types.AcknowledgeIncidentResponse](t, env.do(t, http.MethodPost, "/incidents/acknowledge",
		`{"incidentId":"`+incident.ID+`","operatorId":"someone-else"}`, nil))
	if !again.AcknowledgedAt.Equal(first.AcknowledgedAt) || again.AcknowledgedBy != "system" {
		t.Fatalf("second ack = %+v, want %+v", again, first)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "unknown id", body: `{"incidentId":"missing"}`, wantStatus: http.StatusNotFound},
		{name: "other team", body: `{"incidentId":"` + incident.ID + `","teamId":"team-2"}`, wantStatus: http.StatusNotFound},
		{name: "missing id", body: `{}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/incidents/acknowledge", tt.body, nil); rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestReadiness(t *testing.T) {
	env := newTestEnv(t, func(_ *config.APIConfig, deps *Deps) {
		deps.Ready = pingerFunc(func(context.Context) error { return errors.New("db down") })
	})

	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("liveness status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness status = %d", rec.Code)
	}
	if envelope := decodeBody[errorEnvelope](t, rec); envelope.Code != "REPOSITORY_UNAVAILABLE" {
		t.Fatalf("code = %q", envelope.Code)
	}
}

func TestHubStreamsSummaries(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.PublishSummary(context.Background(), types.HeartbeatRunSummary{OK: true, Count: 3}); err != nil {
		t.Fatalf("PublishSummary() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var summary types.HeartbeatRunSummary
	if err := json.Unmarshal(msg, &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Count != 3 {
		t.Fatalf("count = %d, want 3", summary.Count)
	}
}
