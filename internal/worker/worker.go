// Package worker runs heartbeats on an interval and dispatches queued incident alerts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"cosplans/internal/config"
	"cosplans/internal/mq"
	"cosplans/internal/types"
)

type HeartbeatTrigger interface {
	RunAll(ctx context.Context) (types.HeartbeatRunSummary, error)
}

type AlertHandler interface {
	HandleMessage(ctx context.Context, body []byte) error
}

type Worker struct {
	cfg     config.WorkerConfig
	trigger HeartbeatTrigger
	mq      *mq.Client
	alerts  AlertHandler
	logger  *slog.Logger
}

// New builds a worker. mqClient may be nil, in which case no alert consumer runs.
func New(cfg config.WorkerConfig, trigger HeartbeatTrigger, mqClient *mq.Client, alerts AlertHandler, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, trigger: trigger, mq: mqClient, alerts: alerts, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.runScheduler(gctx) })
	if w.mq != nil && w.alerts != nil {
		g.Go(func() error { return w.runAlertConsumer(gctx) })
	}
	if w.cfg.MetricsAddr != "" {
		g.Go(func() error { return w.runMetricsServer(gctx) })
	}

	err := g.Wait()
	w.logger.Info("worker shutting down")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (w *Worker) runScheduler(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("heartbeat scheduler started", "interval", w.cfg.Interval)
	if w.cfg.RunOnStart {
		w.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one heartbeat round. Failures are logged; the next tick retries.
func (w *Worker) tick(ctx context.Context) {
	started := time.Now()
	summary, err := w.trigger.RunAll(ctx)
	if err != nil {
		w.logger.Error("heartbeat run failed", "err", err)
		return
	}

	failures := 0
	for _, result := range summary.Results {
		if !result.Passed() {
			failures++
		}
	}
	w.logger.Info("heartbeat run completed",
		"count", summary.Count,
		"failures", failures,
		"partial", summary.Partial,
		"duration", time.Since(started),
	)
}

func (w *Worker) runAlertConsumer(ctx context.Context) error {
	opts := mq.ConsumeOptions{
		QueueOptions:     w.cfg.IncidentQueue,
		HandlerTimeout:   w.cfg.HandlerTimeout,
		DeadLetterOnFail: true,
	}

	w.logger.Info("starting incident alert consumer", "queue", mq.IncidentEventsQueue)
	return w.mq.Consume(ctx, mq.IncidentEventsQueue, opts, func(ctx context.Context, d amqp.Delivery) error {
		return w.alerts.HandleMessage(ctx, d.Body)
	})
}

func (w *Worker) runMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              w.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	w.logger.Info("metrics server listening", "addr", w.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BroadcastSummaries returns a summary publisher that fans run summaries out over the broker.
func BroadcastSummaries(client *mq.Client) func(ctx context.Context, summary types.HeartbeatRunSummary) error {
	return func(ctx context.Context, summary types.HeartbeatRunSummary) error {
		body, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return client.Broadcast(ctx, mq.HeartbeatSummaryExchange, body)
	}
}
