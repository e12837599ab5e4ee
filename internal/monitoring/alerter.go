package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	// AlertStuckAudit fires for each processing audit whose heartbeat
	// went stale.
	AlertStuckAudit AlertType = "stuck_audit"
	// AlertLoopDetected fires when the reprocess guard refused another
	// automatic attempt and failed the audit.
	AlertLoopDetected AlertType = "loop_detected"
	// AlertProviderFailures fires when failures dominate provider
	// traffic inside the lookback window.
	AlertProviderFailures AlertType = "provider_failures"
)

// Alert is a single alert posted to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots and delivers alerts via webhook. An empty
// webhook URL disables delivery; evaluation still runs so tests and the
// checker log what would have fired.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an Alerter posting to the given webhook URL.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate derives alerts from a snapshot.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, s := range snap.Stuck {
		alerts = append(alerts, Alert{
			Type:     AlertStuckAudit,
			Severity: "high",
			Message: fmt.Sprintf("audit %s stuck in %s, heartbeat %s old",
				s.AuditID, s.Phase, s.HeartbeatAge.Round(time.Second)),
			Details: map[string]any{
				"audit_id":      s.AuditID,
				"company_id":    s.CompanyID,
				"phase":         string(s.Phase),
				"heartbeat_age": s.HeartbeatAge.String(),
			},
			Timestamp: now,
		})
	}

	failures := snap.TransportFailures + snap.MalformedFailures + snap.TimeoutFailures
	attempts := failures + snap.ProviderSuccesses
	if attempts >= 10 && failures*2 > attempts {
		alerts = append(alerts, Alert{
			Type:     AlertProviderFailures,
			Severity: "high",
			Message: fmt.Sprintf("%d of %d provider attempts failed in last %dh",
				failures, attempts, snap.LookbackHours),
			Details: map[string]any{
				"transport": snap.TransportFailures,
				"malformed": snap.MalformedFailures,
				"timeout":   snap.TimeoutFailures,
				"successes": snap.ProviderSuccesses,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// LoopAlert builds the alert sent when the reprocess guard trips.
func LoopAlert(auditID, reason string) Alert {
	return Alert{
		Type:     AlertLoopDetected,
		Severity: "critical",
		Message:  fmt.Sprintf("audit %s failed by reprocess loop guard; manual intervention required", auditID),
		Details: map[string]any{
			"audit_id": auditID,
			"reason":   reason,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Send delivers alerts to the webhook. Delivery failures are logged,
// never propagated; returns how many alerts were accepted.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		body, err := json.Marshal(alert)
		if err != nil {
			zap.L().Error("monitoring: marshal alert", zap.Error(err))
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
		if err != nil {
			zap.L().Error("monitoring: build alert request", zap.Error(err))
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			zap.L().Warn("monitoring: deliver alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 300 {
			zap.L().Warn("monitoring: alert webhook rejected",
				zap.String("type", string(alert.Type)),
				zap.Int("status", resp.StatusCode),
			)
			continue
		}
		sent++
	}
	return sent
}
