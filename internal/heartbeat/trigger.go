package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cosplans/internal/apperrors"
	"cosplans/internal/types"
)

type ConnectionLister interface {
	ListConnections(ctx context.Context, teamID string) ([]types.ServiceConnection, error)
}

// SummaryPublisher receives every completed run summary. Errors are logged only.
type SummaryPublisher func(ctx context.Context, summary types.HeartbeatRunSummary) error

// Trigger runs heartbeats across every registered connection under an overall deadline.
type Trigger struct {
	lister     ConnectionLister
	runner     *Runner
	runTimeout time.Duration
	publish    SummaryPublisher
	logger     *slog.Logger
}

func NewTrigger(lister ConnectionLister, runner *Runner, runTimeout time.Duration, publish SummaryPublisher, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{lister: lister, runner: runner, runTimeout: runTimeout, publish: publish, logger: logger}
}

func (t *Trigger) RunAll(ctx context.Context) (types.HeartbeatRunSummary, error) {
	connections, err := t.lister.ListConnections(ctx, "")
	if err != nil {
		return types.HeartbeatRunSummary{}, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "connections could not be loaded", fmt.Errorf("list connections: %w", err))
	}

	runCtx := ctx
	if t.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.runTimeout)
		defer cancel()
	}

	results, probed, err := t.runner.run(runCtx, connections)
	if err != nil {
		return types.HeartbeatRunSummary{}, err
	}

	summary := types.HeartbeatRunSummary{
		OK:      true,
		Count:   len(results),
		Results: results,
		RanAt:   t.runner.now().UTC(),
		Partial: len(results) < probed,
	}
	if t.publish != nil {
		if err := t.publish(context.WithoutCancel(ctx), summary); err != nil {
			t.logger.Warn("heartbeat summary publish failed", "err", err)
		}
	}
	return summary, nil
}
