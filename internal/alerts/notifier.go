// Package alerts delivers incident events to operators over webhook and Telegram.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"cosplans/internal/types"
)

const (
	defaultHTTPTimeout     = 4 * time.Second
	defaultDedupeWindow    = 5 * time.Minute
	defaultTelegramAPIBase = "https://api.telegram.org"
)

type Config struct {
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIBase  string
	// DedupeWindow suppresses repeats of the same event for the same incident.
	// Zero uses the default; negative disables suppression.
	DedupeWindow time.Duration
}

type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	recentSent map[string]time.Time
}

type outboundAlert struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Timestamp string         `json:"timestamp"`
	DedupeKey string         `json:"dedupeKey,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
}

func New(cfg Config, client *http.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if strings.TrimSpace(cfg.TelegramAPIBase) == "" {
		cfg.TelegramAPIBase = defaultTelegramAPIBase
	}
	cfg.TelegramAPIBase = strings.TrimRight(cfg.TelegramAPIBase, "/")
	return &Notifier{
		cfg:        cfg,
		client:     client,
		logger:     logger,
		now:        time.Now,
		recentSent: make(map[string]time.Time),
	}
}

func (n *Notifier) telegramEnabled() bool {
	return strings.TrimSpace(n.cfg.TelegramBotToken) != "" && strings.TrimSpace(n.cfg.TelegramChatID) != ""
}

func (n *Notifier) webhookEnabled() bool {
	return strings.TrimSpace(n.cfg.WebhookURL) != ""
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	return n.telegramEnabled() || n.webhookEnabled()
}

func (n *Notifier) channels() []string {
	out := []string{}
	if n.telegramEnabled() {
		out = append(out, "telegram")
	}
	if n.webhookEnabled() {
		out = append(out, "webhook")
	}
	return out
}

// Publish lets the notifier serve directly as an incident event sink.
func (n *Notifier) Publish(ctx context.Context, event types.IncidentEvent) error {
	return n.Notify(ctx, event)
}

// Notify sends the event to every configured channel. Suppressed and unmapped events
// return nil; channel failures are joined.
func (n *Notifier) Notify(ctx context.Context, event types.IncidentEvent) error {
	if !n.Enabled() {
		return nil
	}
	alert, ok := mapIncidentEvent(event)
	if !ok {
		return nil
	}
	if n.cfg.DedupeWindow > 0 && n.shouldSuppress(alert.DedupeKey, n.cfg.DedupeWindow) {
		n.logger.Debug("alert suppressed", "event", alert.Event, "dedupe_key", alert.DedupeKey)
		return nil
	}
	alert.Channels = n.channels()

	var errs []error
	if n.telegramEnabled() {
		if err := n.sendTelegram(ctx, alert); err != nil {
			n.logger.Error("telegram alert send failed", "err", err, "event", alert.Event)
			errs = append(errs, fmt.Errorf("telegram: %w", err))
		}
	}
	if n.webhookEnabled() {
		if err := n.sendWebhook(ctx, alert); err != nil {
			n.logger.Error("webhook alert send failed", "err", err, "event", alert.Event)
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HandleMessage decodes a queued incident event and notifies on it.
func (n *Notifier) HandleMessage(ctx context.Context, body []byte) error {
	var event types.IncidentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode incident event: %w", err)
	}
	if event.Type == "" || event.Incident.ID == "" {
		return errors.New("decode incident event: type and incident id are required")
	}
	return n.Notify(ctx, event)
}

func (n *Notifier) shouldSuppress(key string, window time.Duration) bool {
	now := n.now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, ts := range n.recentSent {
		if now.Sub(ts) > window {
			delete(n.recentSent, k)
		}
	}
	if ts, ok := n.recentSent[key]; ok && now.Sub(ts) <= window {
		return true
	}
	n.recentSent[key] = now
	return false
}

func (n *Notifier) sendTelegram(ctx context.Context, alert outboundAlert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.cfg.TelegramAPIBase, n.cfg.TelegramBotToken)
	return n.postJSON(ctx, url, map[string]any{
		"chat_id": n.cfg.TelegramChatID,
		"text":    formatTelegramText(alert),
	})
}

func (n *Notifier) sendWebhook(ctx context.Context, alert outboundAlert) error {
	return n.postJSON(ctx, n.cfg.WebhookURL, map[string]any{
		"source":  "cosplans",
		"channel": "webhook",
		"alert":   alert,
	})
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func mapIncidentEvent(event types.IncidentEvent) (outboundAlert, bool) {
	incident := event.Incident
	ts := event.TS
	if ts.IsZero() {
		ts = incident.OpenedAt
	}
	details := map[string]any{
		"incidentId":          incident.ID,
		"teamId":              incident.TeamID,
		"serviceConnectionId": incident.ServiceConnectionID,
		"openedAt":            incident.OpenedAt.UTC().Format(time.RFC3339),
	}

	switch event.Type {
	case types.IncidentEventOpened:
		return outboundAlert{
			Event:     event.Type,
			Title:     "Service connection degraded",
			Message:   fmt.Sprintf("Connection %s for team %s is failing heartbeats", incident.ServiceConnectionID, incident.TeamID),
			Severity:  types.SeverityError,
			Timestamp: ts.UTC().Format(time.RFC3339),
			DedupeKey: "incident_opened:" + incident.ID,
			Details:   details,
		}, true
	case types.IncidentEventAcknowledged:
		if incident.AcknowledgedBy != nil {
			details["acknowledgedBy"] = *incident.AcknowledgedBy
		}
		return outboundAlert{
			Event:     event.Type,
			Title:     "Incident acknowledged",
			Message:   fmt.Sprintf("Incident %s on connection %s was acknowledged", incident.ID, incident.ServiceConnectionID),
			Severity:  types.SeverityInfo,
			Timestamp: ts.UTC().Format(time.RFC3339),
			DedupeKey: "incident_acknowledged:" + incident.ID,
			Details:   details,
		}, true
	default:
		return outboundAlert{}, false
	}
}

func formatTelegramText(alert outboundAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s\nevent: %s\ntime: %s", strings.ToUpper(alert.Severity), alert.Title, alert.Message, alert.Event, alert.Timestamp)
	for _, key := range []string{"teamId", "serviceConnectionId", "incidentId", "acknowledgedBy"} {
		if value, ok := alert.Details[key]; ok {
			fmt.Fprintf(&b, "\n%s: %v", key, value)
		}
	}
	return b.String()
}
