package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"cosplans/internal/alerts"
	"cosplans/internal/heartbeat"
	"cosplans/internal/mq"
	"cosplans/internal/telemetry"
)

const defaultDatabaseURL = "sqlite://data/cosplans.db"

type Common struct {
	AppID       string
	Environment string
	DatabaseURL string
	// RabbitURL is optional; without it incident events go straight to the notifier
	// and run summaries stay local.
	RabbitURL    string
	LogLevel     string
	MetricsAddr  string
	PublishRetry struct {
		Base       time.Duration
		Max        time.Duration
		MaxElapsed time.Duration
	}

	// IncidentQueue must be declared identically by the API and the worker.
	IncidentQueue mq.QueueOptions
	// EventPublishTimeout caps how long an incident change waits on its sink.
	EventPublishTimeout time.Duration

	Heartbeat     heartbeat.Config
	RunTimeout    time.Duration
	VerifyTimeout time.Duration
	VerifyMode    string

	Alerts    alerts.Config
	Telemetry telemetry.Config
}

type APIConfig struct {
	Common
	HTTPAddr               string
	HeartbeatSecret        string
	DefaultTeamID          string
	DefaultOperatorID      string
	HealthLivenessEndpoint string
	HealthReadyEndpoint    string
}

type WorkerConfig struct {
	Common
	Interval       time.Duration
	RunOnStart     bool
	HandlerTimeout time.Duration
}

func LoadAPI() (APIConfig, error) {
	common, err := loadCommon("cosplans-api")
	if err != nil {
		return APIConfig{}, err
	}

	return APIConfig{
		Common:                 common,
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		HeartbeatSecret:        strings.TrimSpace(firstNonEmpty(os.Getenv("HEARTBEAT_SECRET"), os.Getenv("CRON_SECRET"))),
		DefaultTeamID:          getEnv("DEFAULT_TEAM_ID", ""),
		DefaultOperatorID:      getEnv("DEFAULT_OPERATOR_ID", "system"),
		HealthLivenessEndpoint: getEnv("HEALTH_LIVENESS_PATH", "/healthz"),
		HealthReadyEndpoint:    getEnv("HEALTH_READY_PATH", "/readyz"),
	}, nil
}

func LoadWorker() (WorkerConfig, error) {
	common, err := loadCommon("heartbeat-worker")
	if err != nil {
		return WorkerConfig{}, err
	}

	cfg := WorkerConfig{
		Common:         common,
		Interval:       getDuration("HEARTBEAT_INTERVAL", time.Minute),
		RunOnStart:     getBool("HEARTBEAT_RUN_ON_START", true),
		HandlerTimeout: getDuration("ALERT_HANDLER_TIMEOUT", 15*time.Second),
	}
	if cfg.Interval <= 0 {
		return WorkerConfig{}, errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	return cfg, nil
}

func loadCommon(serviceName string) (Common, error) {
	appID := firstNonEmpty(os.Getenv("APP_ID"), "cosplans")

	common := Common{
		AppID:       appID,
		Environment: getEnv("APP_ENV", ""),
		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("CONNECTIONSTRINGS__DATABASE"), defaultDatabaseURL),
		RabbitURL:   firstNonEmpty(os.Getenv("RABBITMQ_URL"), os.Getenv("MESSAGE_BROKER_URL")),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		Heartbeat: heartbeat.Config{
			ProbeTimeout:      getDuration("HEARTBEAT_PROBE_TIMEOUT", 5*time.Second),
			MaxConcurrency:    getInt("HEARTBEAT_MAX_CONCURRENCY", 8),
			RecoveryThreshold: getInt("HEARTBEAT_RECOVERY_THRESHOLD", 1),
			WriteTimeout:      getDuration("HEARTBEAT_WRITE_TIMEOUT", 5*time.Second),
		},
		RunTimeout:    getDuration("HEARTBEAT_RUN_TIMEOUT", 30*time.Second),
		VerifyTimeout: getDuration("VERIFY_TIMEOUT", 4*time.Second),
		VerifyMode:    strings.ToLower(getEnv("VERIFY_MODE", "heuristic")),
		Alerts: alerts.Config{
			WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
			TelegramBotToken: getEnv("ALERT_TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:   getEnv("ALERT_TELEGRAM_CHAT_ID", ""),
			DedupeWindow:     getDuration("ALERT_DEDUPE_WINDOW", 5*time.Minute),
		},
	}
	common.IncidentQueue = mq.QueueOptions{
		Durable:    true,
		DLQEnabled: getBool("RABBIT_DLQ_ENABLED", true),
		DLQTTL:     getDuration("RABBIT_DLQ_TTL", 30*time.Second),
		Prefetch:   getInt("RABBIT_PREFETCH", 5),
	}
	common.EventPublishTimeout = getDuration("INCIDENT_PUBLISH_TIMEOUT", 5*time.Second)
	common.PublishRetry.Base = getDuration("RABBIT_RETRY_BASE", 300*time.Millisecond)
	common.PublishRetry.Max = getDuration("RABBIT_RETRY_MAX", 10*time.Second)
	common.PublishRetry.MaxElapsed = getDuration("RABBIT_RETRY_MAX_ELAPSED", 15*time.Second)

	switch common.VerifyMode {
	case "heuristic", "http":
	default:
		return Common{}, errors.New("VERIFY_MODE must be heuristic or http")
	}
	if common.Heartbeat.RecoveryThreshold < 1 {
		return Common{}, errors.New("HEARTBEAT_RECOVERY_THRESHOLD must be at least 1")
	}

	common.Telemetry = telemetry.Config{
		ServiceName:  firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), serviceName),
		AppID:        appID,
		Environment:  common.Environment,
		Version:      getEnv("APP_VERSION", ""),
		Endpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Protocol:     getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		Headers:      parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Sampler:      getEnv("OTEL_TRACES_SAMPLER", ""),
		SamplerRatio: getFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); raw != "" {
		if insecure, err := strconv.ParseBool(raw); err == nil {
			common.Telemetry.Insecure = &insecure
		}
	}

	return common, nil
}

// parseHeaders reads the OTLP "k1=v1,k2=v2" header list.
func parseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
