package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
)

// AlertType identifies the kind of backlog condition.
type AlertType string

const (
	AlertBlockedBacklog     AlertType = "blocked_backlog"
	AlertNeedsReviewBacklog AlertType = "needs_review_backlog"
	AlertExportBacklog      AlertType = "export_pending_backlog"
)

// Alert is one threshold breach ready to send.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and posts
// breaches to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter bound to cfg's thresholds and webhook URL.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// Evaluate returns every threshold breach in snap. now is passed in rather
// than read internally so results are reproducible in tests.
func (a *Alerter) Evaluate(snap Snapshot, now time.Time) []Alert {
	var alerts []Alert

	if a.cfg.BlockedBacklogWarn > 0 && snap.BlockedCount >= a.cfg.BlockedBacklogWarn {
		alerts = append(alerts, Alert{
			Type: AlertBlockedBacklog, Severity: "warning",
			Message:   fmt.Sprintf("%d bookings are BLOCKED", snap.BlockedCount),
			Details:   map[string]any{"count": snap.BlockedCount},
			Timestamp: now,
		})
	}
	if a.cfg.NeedsReviewBacklogWarn > 0 && snap.NeedsReviewCount >= a.cfg.NeedsReviewBacklogWarn {
		alerts = append(alerts, Alert{
			Type: AlertNeedsReviewBacklog, Severity: "warning",
			Message:   fmt.Sprintf("%d bookings are NEEDS_REVIEW", snap.NeedsReviewCount),
			Details:   map[string]any{"count": snap.NeedsReviewCount},
			Timestamp: now,
		})
	}
	if snap.ExportPending > 0 {
		alerts = append(alerts, Alert{
			Type: AlertExportBacklog, Severity: "info",
			Message:   fmt.Sprintf("%d approved bookings have a pending export retry", snap.ExportPending),
			Details:   map[string]any{"count": snap.ExportPending},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the configured webhook, returning the
// count delivered successfully. A missing webhook URL is not an error —
// alerts still land in the log via Checker.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.AlertWebhookURL == "" {
		return 0
	}
	sent := 0
	for _, al := range alerts {
		if err := a.send(ctx, al); err != nil {
			zap.L().Warn("monitoring: alert delivery failed", zap.Error(err), zap.String("type", string(al.Type)))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) send(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
