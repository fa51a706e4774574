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

	"github.com/sells-group/collection-cli/internal/config"
	"github.com/sells-group/collection-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed         AlertType = "run_failed"
	AlertPagesExhausted    AlertType = "vendor_pages_exhausted"
	AlertNotSentRatio      AlertType = "not_sent_ratio"
	AlertDispatchConflicts AlertType = "dispatch_conflicts"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	BucketID  string         `json:"bucket_id,omitempty"`
	RunDate   string         `json:"run_date"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, b := range snap.Buckets {
		if b.State == model.RunFailed {
			alerts = append(alerts, Alert{
				Type:     AlertRunFailed,
				Severity: "high",
				BucketID: b.BucketID,
				RunDate:  snap.RunDate,
				Message: fmt.Sprintf("Bucket %s job for %s failed after %s (attempt %d): %s",
					b.BucketID, snap.RunDate, b.LastCompletedStep, b.Attempts, b.Error),
				Details: map[string]any{
					"last_completed_step": b.LastCompletedStep,
					"attempts":            b.Attempts,
				},
				Timestamp: now,
			})
			continue
		}

		if b.State == model.RunCompleted && a.cfg.NotSentRatioThreshold > 0 &&
			b.Candidates >= a.cfg.MinCandidates && b.NotSentRatio() > a.cfg.NotSentRatioThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertNotSentRatio,
				Severity: "medium",
				BucketID: b.BucketID,
				RunDate:  snap.RunDate,
				Message: fmt.Sprintf("Bucket %s recorded %.1f%% NOT_SENT (%d of %d), threshold %.1f%%",
					b.BucketID, b.NotSentRatio()*100, b.NotSent, b.Candidates, a.cfg.NotSentRatioThreshold*100),
				Details: map[string]any{
					"not_sent":   b.NotSent,
					"candidates": b.Candidates,
					"threshold":  a.cfg.NotSentRatioThreshold,
				},
				Timestamp: now,
			})
		}
	}

	failedPages := 0
	for _, b := range snap.Buckets {
		failedPages += b.FailedPages
	}
	if failedPages > 0 || (a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold) {
		alerts = append(alerts, Alert{
			Type:     AlertPagesExhausted,
			Severity: "high",
			RunDate:  snap.RunDate,
			Message: fmt.Sprintf("%d vendor page(s) exhausted their retries on %s, %d in the dead letter queue",
				failedPages, snap.RunDate, snap.DLQDepth),
			Details: map[string]any{
				"failed_pages": failedPages,
				"dlq_depth":    snap.DLQDepth,
			},
			Timestamp: now,
		})
	}

	if snap.Conflicts > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertDispatchConflicts,
			Severity:  "medium",
			RunDate:   snap.RunDate,
			Message:   fmt.Sprintf("%d conflicting dispatch write(s) rejected on %s", snap.Conflicts, snap.RunDate),
			Details:   map[string]any{"conflicts": snap.Conflicts},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("bucket", alert.BucketID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
