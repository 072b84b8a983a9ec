package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"cosplans/internal/apperrors"
	"cosplans/internal/db"
	"cosplans/internal/types"
)

type repository interface {
	CreateConnection(ctx context.Context, form types.ServiceConnectionForm) (types.ServiceConnection, error)
	GetConnection(ctx context.Context, id string) (*types.ServiceConnection, error)
	ListConnections(ctx context.Context, teamID string) ([]types.ServiceConnection, error)
	ActivateConnection(ctx context.Context, id string) (types.ServiceConnection, error)
	DeactivateConnection(ctx context.Context, id string) (types.ServiceConnection, error)
	DeleteConnection(ctx context.Context, id string) error
	GetSnapshot(ctx context.Context, connectionID string) (*types.HealthSnapshot, error)
	UpsertSnapshot(ctx context.Context, snap types.HealthSnapshot) error
	DeleteSnapshot(ctx context.Context, connectionID string) error
	ListSnapshots(ctx context.Context, teamID string) ([]types.HealthSnapshot, error)
	CreateOpenIncident(ctx context.Context, incident types.Incident) (types.Incident, bool, error)
	GetIncident(ctx context.Context, teamID, incidentID string) (*types.Incident, error)
	AcknowledgeIncident(ctx context.Context, teamID, incidentID, operatorID string, at time.Time) (*types.Incident, error)
	ListIncidents(ctx context.Context, filter types.IncidentFilter) ([]types.Incident, error)
	Reset(ctx context.Context) error
}

func forEachRepository(t *testing.T, fn func(t *testing.T, repo repository)) {
	t.Run("sql", func(t *testing.T) {
		fn(t, New(setupTestDB(t), nil))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func testForm(team, env string) types.ServiceConnectionForm {
	return types.ServiceConnectionForm{
		TeamID:      team,
		Environment: env,
		SupabaseURL: "https://abc.supabase.co/",
		ServiceKey:  "sb_secret_abcdefghijklmnop",
		ProjectRef:  "abc",
	}
}

func TestConnectionLifecycle(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()

		first, err := repo.CreateConnection(ctx, testForm("team-1", types.EnvironmentProduction))
		if err != nil {
			t.Fatalf("CreateConnection() error = %v", err)
		}
		if first.Status != types.ConnectionStatusPending {
			t.Fatalf("status = %s, want pending", first.Status)
		}
		if first.ConnectionMetadata[types.MetadataSupabaseURL] != "https://abc.supabase.co" {
			t.Fatalf("supabaseUrl = %#v", first.ConnectionMetadata[types.MetadataSupabaseURL])
		}

		second, err := repo.CreateConnection(ctx, testForm("team-1", types.EnvironmentProduction))
		if err != nil {
			t.Fatalf("CreateConnection() error = %v", err)
		}

		if _, err := repo.ActivateConnection(ctx, first.ID); err != nil {
			t.Fatalf("ActivateConnection(first) error = %v", err)
		}
		activated, err := repo.ActivateConnection(ctx, second.ID)
		if err != nil {
			t.Fatalf("ActivateConnection(second) error = %v", err)
		}
		if !activated.IsActive() {
			t.Fatalf("activated status = %s", activated.Status)
		}

		prior, err := repo.GetConnection(ctx, first.ID)
		if err != nil || prior == nil {
			t.Fatalf("GetConnection() = %v, %v", prior, err)
		}
		if prior.Status != types.ConnectionStatusInactive {
			t.Fatalf("prior status = %s, want inactive", prior.Status)
		}
		if prior.ConnectionMetadata[types.MetadataAPIKey] != "sb_secret_abcdefghijklmnop" {
			t.Fatalf("apiKey did not round-trip: %#v", prior.ConnectionMetadata)
		}

		if _, err := repo.CreateConnection(ctx, testForm("team-2", types.EnvironmentProduction)); err != nil {
			t.Fatalf("CreateConnection(team-2) error = %v", err)
		}
		listed, err := repo.ListConnections(ctx, "team-1")
		if err != nil {
			t.Fatalf("ListConnections() error = %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("team-1 connections = %d, want 2", len(listed))
		}
		all, err := repo.ListConnections(ctx, "")
		if err != nil {
			t.Fatalf("ListConnections(all) error = %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("all connections = %d, want 3", len(all))
		}

		deactivated, err := repo.DeactivateConnection(ctx, second.ID)
		if err != nil {
			t.Fatalf("DeactivateConnection() error = %v", err)
		}
		if deactivated.Status != types.ConnectionStatusInactive {
			t.Fatalf("deactivated status = %s", deactivated.Status)
		}
	})
}

func TestActivateUnknownConnection(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		_, err := repo.ActivateConnection(context.Background(), "missing")
		if apperrors.CodeOf(err) != apperrors.CodeConnectionNotFound {
			t.Fatalf("code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeConnectionNotFound)
		}
	})
}

func TestSnapshotUpsertRoundTrip(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()
		code := "HTTP_503"
		at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

		missing, err := repo.GetSnapshot(ctx, "conn-1")
		if err != nil {
			t.Fatalf("GetSnapshot() error = %v", err)
		}
		if missing != nil {
			t.Fatalf("GetSnapshot() = %#v, want nil", missing)
		}

		snap := types.HealthSnapshot{
			ServiceConnectionID: "conn-1",
			TeamID:              "team-1",
			CurrentStatus:       types.HealthStatusDegraded,
			LastHeartbeatAt:     at,
			LastErrorCode:       &code,
		}
		if err := repo.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("UpsertSnapshot() error = %v", err)
		}

		next := snap
		next.CurrentStatus = types.HealthStatusActive
		next.LastErrorCode = nil
		next.ConsecutivePasses = 1
		next.LastHeartbeatAt = at.Add(time.Minute)
		if err := repo.UpsertSnapshot(ctx, next); err != nil {
			t.Fatalf("UpsertSnapshot(next) error = %v", err)
		}

		got, err := repo.GetSnapshot(ctx, "conn-1")
		if err != nil || got == nil {
			t.Fatalf("GetSnapshot() = %v, %v", got, err)
		}
		if got.CurrentStatus != types.HealthStatusActive || got.LastErrorCode != nil || got.ConsecutivePasses != 1 {
			t.Fatalf("snapshot = %#v", got)
		}
		if !got.LastHeartbeatAt.Equal(at.Add(time.Minute)) {
			t.Fatalf("lastHeartbeatAt = %s, want %s", got.LastHeartbeatAt, at.Add(time.Minute))
		}

		list, err := repo.ListSnapshots(ctx, "team-2")
		if err != nil {
			t.Fatalf("ListSnapshots() error = %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("team-2 snapshots = %d, want 0", len(list))
		}
	})
}

func TestDeleteConnectionRemovesSnapshot(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()
		conn, err := repo.CreateConnection(ctx, testForm("team-1", types.EnvironmentStaging))
		if err != nil {
			t.Fatalf("CreateConnection() error = %v", err)
		}
		snap := types.HealthSnapshot{
			ServiceConnectionID: conn.ID,
			TeamID:              conn.TeamID,
			CurrentStatus:       types.HealthStatusActive,
			LastHeartbeatAt:     time.Now().UTC(),
		}
		if err := repo.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("UpsertSnapshot() error = %v", err)
		}
		if err := repo.DeleteConnection(ctx, conn.ID); err != nil {
			t.Fatalf("DeleteConnection() error = %v", err)
		}
		got, err := repo.GetSnapshot(ctx, conn.ID)
		if err != nil {
			t.Fatalf("GetSnapshot() error = %v", err)
		}
		if got != nil {
			t.Fatalf("snapshot survived connection delete: %#v", got)
		}
	})
}

func TestDeleteSnapshotKeepsConnection(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()
		conn, err := repo.CreateConnection(ctx, testForm("team-1", types.EnvironmentStaging))
		if err != nil {
			t.Fatalf("CreateConnection() error = %v", err)
		}
		snap := types.HealthSnapshot{
			ServiceConnectionID: conn.ID,
			TeamID:              conn.TeamID,
			CurrentStatus:       types.HealthStatusDegraded,
			LastHeartbeatAt:     time.Now().UTC(),
		}
		if err := repo.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("UpsertSnapshot() error = %v", err)
		}
		if err := repo.DeleteSnapshot(ctx, conn.ID); err != nil {
			t.Fatalf("DeleteSnapshot() error = %v", err)
		}
		// deleting an absent snapshot is not an error
		if err := repo.DeleteSnapshot(ctx, conn.ID); err != nil {
			t.Fatalf("DeleteSnapshot(again) error = %v", err)
		}
		if got, err := repo.GetSnapshot(ctx, conn.ID); err != nil || got != nil {
			t.Fatalf("GetSnapshot() = %#v, %v, want nil", got, err)
		}
		if got, err := repo.GetConnection(ctx, conn.ID); err != nil || got == nil {
			t.Fatalf("GetConnection() = %#v, %v, want connection", got, err)
		}
	})
}

func TestCreateOpenIncidentIsUniquePerConnection(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()
		opened := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

		first, created, err := repo.CreateOpenIncident(ctx, types.Incident{ID: "inc-1", TeamID: "team-1", ServiceConnectionID: "conn-1", OpenedAt: opened})
		if err != nil || !created {
			t.Fatalf("CreateOpenIncident() = %v, %v", created, err)
		}
		again, created, err := repo.CreateOpenIncident(ctx, types.Incident{ID: "inc-2", TeamID: "team-1", ServiceConnectionID: "conn-1", OpenedAt: opened.Add(time.Minute)})
		if err != nil {
			t.Fatalf("CreateOpenIncident(again) error = %v", err)
		}
		if created || again.ID != first.ID {
			t.Fatalf("second open created=%v id=%s, want existing %s", created, again.ID, first.ID)
		}

		if _, err := repo.AcknowledgeIncident(ctx, "team-1", "inc-1", "op-1", opened.Add(2*time.Minute)); err != nil {
			t.Fatalf("AcknowledgeIncident() error = %v", err)
		}
		_, created, err = repo.CreateOpenIncident(ctx, types.Incident{ID: "inc-3", TeamID: "team-1", ServiceConnectionID: "conn-1", OpenedAt: opened.Add(3 * time.Minute)})
		if err != nil || !created {
			t.Fatalf("CreateOpenIncident after ack = %v, %v", created, err)
		}

		incidents, err := repo.ListIncidents(ctx, types.IncidentFilter{TeamID: "team-1", ServiceConnectionID: "conn-1"})
		if err != nil {
			t.Fatalf("ListIncidents() error = %v", err)
		}
		if len(incidents) != 2 {
			t.Fatalf("incidents = %d, want 2", len(incidents))
		}
		if incidents[0].ID != "inc-3" {
			t.Fatalf("newest incident = %s, want inc-3", incidents[0].ID)
		}
	})
}

func TestAcknowledgeIncident(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()
		opened := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		if _, _, err := repo.CreateOpenIncident(ctx, types.Incident{ID: "inc-1", TeamID: "team-1", ServiceConnectionID: "conn-1", OpenedAt: opened}); err != nil {
			t.Fatalf("CreateOpenIncident() error = %v", err)
		}

		otherTeam, err := repo.AcknowledgeIncident(ctx, "team-2", "inc-1", "op-2", opened)
		if err != nil {
			t.Fatalf("AcknowledgeIncident(team-2) error = %v", err)
		}
		if otherTeam != nil {
			t.Fatalf("cross-team acknowledge returned %#v", otherTeam)
		}

		ackAt := opened.Add(5 * time.Minute)
		acked, err := repo.AcknowledgeIncident(ctx, "team-1", "inc-1", "op-1", ackAt)
		if err != nil || acked == nil {
			t.Fatalf("AcknowledgeIncident() = %v, %v", acked, err)
		}
		if acked.Status != types.IncidentStatusAcknowledged || acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "op-1" {
			t.Fatalf("acknowledged incident = %#v", acked)
		}
		if acked.AcknowledgedAt == nil || !acked.AcknowledgedAt.Equal(ackAt) {
			t.Fatalf("acknowledgedAt = %v, want %s", acked.AcknowledgedAt, ackAt)
		}

		repeat, err := repo.AcknowledgeIncident(ctx, "team-1", "inc-1", "op-9", ackAt.Add(time.Hour))
		if err != nil || repeat == nil {
			t.Fatalf("repeat AcknowledgeIncident() = %v, %v", repeat, err)
		}
		if *repeat.AcknowledgedBy != "op-1" || !repeat.AcknowledgedAt.Equal(ackAt) {
			t.Fatalf("repeat acknowledge changed the record: %#v", repeat)
		}
	})
}

func TestReset(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo repository) {
		ctx := context.Background()
		if _, err := repo.CreateConnection(ctx, testForm("team-1", types.EnvironmentDevelopment)); err != nil {
			t.Fatalf("CreateConnection() error = %v", err)
		}
		if err := repo.Reset(ctx); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
		all, err := repo.ListConnections(ctx, "")
		if err != nil {
			t.Fatalf("ListConnections() error = %v", err)
		}
		if len(all) != 0 {
			t.Fatalf("connections after reset = %d", len(all))
		}
	})
}

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := sqlx.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		_ = conn.Close()
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}
