package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cosplans/internal/alerts"
	"cosplans/internal/api"
	"cosplans/internal/config"
	"cosplans/internal/db"
	"cosplans/internal/heartbeat"
	"cosplans/internal/incidents"
	"cosplans/internal/logger"
	"cosplans/internal/metrics"
	"cosplans/internal/mq"
	"cosplans/internal/registry"
	"cosplans/internal/store"
	"cosplans/internal/telemetry"
	"cosplans/internal/verifier"
	"cosplans/internal/version"
	"cosplans/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logg := logger.New(cfg.LogLevel, cfg.Telemetry.ServiceName)
	logg.Info("starting", version.Get().LogAttrs()...)

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry, logg)
	if err != nil {
		logg.Error("opentelemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logg.Error("opentelemetry shutdown failed", "err", err)
		}
	}()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logg.Error("metrics registration failed", "err", err)
		os.Exit(1)
	}

	dbConn, err := db.Connect(ctx, cfg.DatabaseURL, logg)
	if err != nil {
		logg.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	st := store.New(dbConn, logg)
	hub := api.NewHub(logg)

	var (
		mqClient       *mq.Client
		sink           incidents.Sink
		publishSummary heartbeat.SummaryPublisher = hub.PublishSummary
	)
	if cfg.RabbitURL != "" {
		mqClient = mq.NewClient(cfg.RabbitURL, cfg.Telemetry.ServiceName, mq.RetryPolicy{
			Initial:    cfg.PublishRetry.Base,
			Max:        cfg.PublishRetry.Max,
			MaxElapsed: cfg.PublishRetry.MaxElapsed,
		}, logg)
		defer mqClient.Close()
		sink = alerts.NewQueueSink(mqClient, cfg.IncidentQueue)
		publishSummary = worker.BroadcastSummaries(mqClient)
	} else {
		sink = alerts.New(cfg.Alerts, nil, logg)
		logg.Warn("RABBITMQ_URL not set; dispatching alerts in-process")
	}

	check := verifier.New(verifier.CheckForMode(cfg.VerifyMode, heartbeat.NewHTTPClient()), cfg.VerifyTimeout, logg)
	manager := incidents.NewManager(st, sink, logg)
	manager.SetPublishTimeout(cfg.EventPublishTimeout)
	runner := heartbeat.NewRunner(st, manager, heartbeat.NewHTTPProber(nil), cfg.Heartbeat, logg)
	trigger := heartbeat.NewTrigger(st, runner, cfg.RunTimeout, publishSummary, logg)

	deps := api.Deps{
		Connections: registry.New(st, check, logg),
		Health:      st,
		Incidents:   manager,
		Heartbeats:  trigger,
		Ready:       st,
		Hub:         hub,
	}
	if mqClient != nil {
		deps.Summaries = mqClient
	}

	server := api.NewServer(cfg, deps, logg)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	logg.Info("shutting down")
}
