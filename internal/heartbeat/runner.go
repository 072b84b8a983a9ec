// Package heartbeat probes active service connections and folds the outcomes into
// health snapshots, opening incidents when a connection degrades.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"cosplans/internal/apperrors"
	"cosplans/internal/metrics"
	"cosplans/internal/types"
)

var tracer = otel.Tracer("cosplans/heartbeat")

const (
	defaultProbeTimeout   = 5 * time.Second
	defaultMaxConcurrency = 8
	defaultWriteTimeout   = 5 * time.Second

	ErrorCodeTimeout = "TIMEOUT"
	ErrorCodeNetwork = "NETWORK_ERROR"
)

// SnapshotStore is the slice of the health repository the runner needs.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, connectionID string) (*types.HealthSnapshot, error)
	UpsertSnapshot(ctx context.Context, snapshot types.HealthSnapshot) error
}

type IncidentOpener interface {
	OpenIncidentIfNeeded(ctx context.Context, connectionID, teamID string) (types.Incident, error)
}

type Config struct {
	ProbeTimeout   time.Duration
	MaxConcurrency int
	// RecoveryThreshold is how many consecutive passes a degraded connection needs
	// before it is reported active again.
	RecoveryThreshold int
	WriteTimeout      time.Duration
}

type Runner struct {
	store     SnapshotStore
	incidents IncidentOpener
	prober    Prober
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	locks keyedMutex
}

func NewRunner(store SnapshotStore, incidents IncidentOpener, prober Prober, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if prober == nil {
		prober = NewHTTPProber(nil)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.RecoveryThreshold < 1 {
		cfg.RecoveryThreshold = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Runner{
		store:     store,
		incidents: incidents,
		prober:    prober,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source used to stamp results.
func (r *Runner) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

type target struct {
	conn     types.ServiceConnection
	endpoint string
}

// Run probes every active connection with a usable endpoint and returns the results in
// input order. Probe failures are reported as results. Cancelling ctx abandons probes
// still in flight and yields the results resolved so far without an error. The only
// error is a failed repository write, returned as a CosplansError.
func (r *Runner) Run(ctx context.Context, connections []types.ServiceConnection) ([]types.HeartbeatResult, error) {
	results, _, err := r.run(ctx, connections)
	return results, err
}

// run also reports how many connections were probed, so callers can tell a cut-short
// run from a complete one.
func (r *Runner) run(ctx context.Context, connections []types.ServiceConnection) ([]types.HeartbeatResult, int, error) {
	ctx, span := tracer.Start(ctx, "heartbeat.run")
	defer span.End()

	targets := r.selectTargets(connections)
	span.SetAttributes(
		attribute.Int("heartbeat.candidates", len(connections)),
		attribute.Int("heartbeat.targets", len(targets)),
	)

	results := make([]types.HeartbeatResult, len(targets))
	resolved := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)
	for i, t := range targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, ok := r.probe(gctx, t)
			if !ok {
				return nil
			}
			if err := r.fold(gctx, t.conn, result); err != nil {
				return err
			}
			results[i] = result
			resolved[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveRun("error", 0)
		r.logger.Error("heartbeat run failed", "err", err)
		return nil, len(targets), apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "heartbeat results could not be stored", err)
	}

	out := make([]types.HeartbeatResult, 0, len(targets))
	degraded := 0
	for i, result := range results {
		if !resolved[i] {
			continue
		}
		if !result.Passed() {
			degraded++
		}
		out = append(out, result)
	}

	outcome := "complete"
	if len(out) < len(targets) {
		outcome = "partial"
		r.logger.Info("heartbeat run cancelled", "resolved", len(out), "targets", len(targets), "err", ctx.Err())
	}
	metrics.ObserveRun(outcome, degraded)
	span.SetAttributes(attribute.Int("heartbeat.results", len(out)), attribute.Int("heartbeat.failures", degraded))

	r.logger.Debug("heartbeat run finished", "results", len(out), "failures", degraded)
	return out, len(targets), nil
}

func (r *Runner) selectTargets(connections []types.ServiceConnection) []target {
	targets := make([]target, 0, len(connections))
	for _, conn := range connections {
		if !conn.IsActive() {
			continue
		}
		endpoint, ok := ResolveHeartbeatEndpoint(conn.ConnectionMetadata)
		if !ok {
			r.logger.Warn("skipping connection without usable url", "connection_id", conn.ID, "team_id", conn.TeamID)
			continue
		}
		targets = append(targets, target{conn: conn, endpoint: endpoint})
	}
	return targets
}

type probeOutcome struct {
	status int
	err    error
}

// probe returns ok=false when the run was cancelled before the probe resolved.
func (r *Runner) probe(ctx context.Context, t target) (types.HeartbeatResult, bool) {
	ctx, span := tracer.Start(ctx, "heartbeat.probe")
	defer span.End()
	span.SetAttributes(attribute.String("connection.id", t.conn.ID))

	if ctx.Err() != nil {
		return types.HeartbeatResult{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan probeOutcome, 1)
	go func() {
		status, err := r.prober.Probe(probeCtx, t.conn, t.endpoint)
		done <- probeOutcome{status: status, err: err}
	}()

	var out probeOutcome
	select {
	case out = <-done:
	case <-probeCtx.Done():
		out = probeOutcome{err: probeCtx.Err()}
	}

	if out.err != nil && ctx.Err() != nil {
		return types.HeartbeatResult{}, false
	}

	result := classify(t.conn.ID, out.status, out.err)
	result.Timestamp = r.now().UTC()

	errorCode := ""
	if result.ErrorCode != nil {
		errorCode = *result.ErrorCode
		span.SetStatus(codes.Error, errorCode)
	}
	metrics.ObserveProbe(result.Status, errorCode, time.Since(started))
	return result, true
}

func classify(connectionID string, status int, err error) types.HeartbeatResult {
	result := types.HeartbeatResult{ServiceConnectionID: connectionID}
	switch {
	case err != nil && isTimeout(err):
		result.Status = types.HeartbeatStatusFail
		result.ErrorCode = stringPtr(ErrorCodeTimeout)
	case err != nil:
		result.Status = types.HeartbeatStatusFail
		result.ErrorCode = stringPtr(ErrorCodeNetwork)
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		result.Status = types.HeartbeatStatusPass
	default:
		result.Status = types.HeartbeatStatusFail
		result.ErrorCode = stringPtr(fmt.Sprintf("HTTP_%d", status))
	}
	return result
}

// fold writes the snapshot for one result. Folds for the same connection are
// serialised so that the last resolved probe wins. Writes are detached from run
// cancellation so a resolved result is never lost.
func (r *Runner) fold(ctx context.Context, conn types.ServiceConnection, result types.HeartbeatResult) error {
	unlock := r.locks.lock(conn.ID)
	defer unlock()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	defer cancel()

	prev, err := r.store.GetSnapshot(writeCtx, conn.ID)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", conn.ID, err)
	}

	if !result.Passed() && (prev == nil || !prev.IsDegraded()) && r.incidents != nil {
		incident, err := r.incidents.OpenIncidentIfNeeded(writeCtx, conn.ID, conn.TeamID)
		if err != nil {
			return fmt.Errorf("open incident for %s: %w", conn.ID, err)
		}
		r.logger.Warn("connection degraded",
			"connection_id", conn.ID,
			"team_id", conn.TeamID,
			"error_code", derefString(result.ErrorCode),
			"incident_id", incident.ID,
		)
	}

	next := NextSnapshot(prev, conn, result, r.cfg.RecoveryThreshold)
	if err := r.store.UpsertSnapshot(writeCtx, next); err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", conn.ID, err)
	}
	return nil
}

// NextSnapshot computes the snapshot that replaces prev after result. A failure always
// degrades; a pass restores active once RecoveryThreshold consecutive passes are seen.
func NextSnapshot(prev *types.HealthSnapshot, conn types.ServiceConnection, result types.HeartbeatResult, recoveryThreshold int) types.HealthSnapshot {
	if recoveryThreshold < 1 {
		recoveryThreshold = 1
	}
	next := types.HealthSnapshot{
		ServiceConnectionID: conn.ID,
		TeamID:              conn.TeamID,
		LastHeartbeatAt:     result.Timestamp,
	}

	if !result.Passed() {
		next.CurrentStatus = types.HealthStatusDegraded
		next.LastErrorCode = copyStringPtr(result.ErrorCode)
		return next
	}

	passes := 1
	if prev != nil {
		passes = prev.ConsecutivePasses + 1
	}
	next.ConsecutivePasses = passes

	if prev != nil && prev.IsDegraded() && passes < recoveryThreshold {
		next.CurrentStatus = types.HealthStatusDegraded
		next.LastErrorCode = copyStringPtr(prev.LastErrorCode)
		return next
	}

	next.CurrentStatus = types.HealthStatusActive
	return next
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func stringPtr(value string) *string {
	return &value
}

func copyStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
