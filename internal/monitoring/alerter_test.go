package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/config"
	"github.com/sells-group/collection-cli/internal/model"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		NotSentRatioThreshold: 0.8,
		MinCandidates:         50,
		DLQThreshold:          5,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunDate: "2026-04-10",
		Buckets: []BucketStatus{
			{BucketID: "B1", State: model.RunCompleted, Candidates: 100, Sent: 70, NotSent: 30},
			{BucketID: "B2", State: model.RunDispatching},
		},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_RunFailed(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunDate: "2026-04-10",
		Buckets: []BucketStatus{
			{BucketID: "B3", State: model.RunFailed, LastCompletedStep: model.RunBatching, Attempts: 2, Error: "store unavailable"},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "B3", alerts[0].BucketID)
	assert.Contains(t, alerts[0].Message, "failed after batching (attempt 2)")
}

func TestAlerter_Evaluate_NotSentRatio(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunDate: "2026-04-10",
		Buckets: []BucketStatus{
			{BucketID: "B1", State: model.RunCompleted, Candidates: 100, NotSent: 90},
			// Below MinCandidates.
			{BucketID: "B4", State: model.RunCompleted, Candidates: 10, NotSent: 10},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertNotSentRatio, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "90.0% NOT_SENT")
}

func TestAlerter_Evaluate_PagesExhausted(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		RunDate: "2026-04-10",
		Buckets: []BucketStatus{{BucketID: "B2", State: model.RunCompleted, FailedPages: 2}},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPagesExhausted, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 vendor page(s)")

	// A deep dead letter queue alerts on its own.
	alerts = a.Evaluate(&MetricsSnapshot{RunDate: "2026-04-10", DLQDepth: 5})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPagesExhausted, alerts[0].Type)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunDate: "2026-04-10",
		Buckets: []BucketStatus{
			{BucketID: "B1", State: model.RunFailed},
			{BucketID: "B2", State: model.RunCompleted, Candidates: 60, NotSent: 59, FailedPages: 1},
		},
		Conflicts: 3,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 4)
	types := map[AlertType]bool{}
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertRunFailed])
	assert.True(t, types[AlertNotSentRatio])
	assert.True(t, types[AlertPagesExhausted])
	assert.True(t, types[AlertDispatchConflicts])
}

func TestAlerter_Evaluate_ZeroRatioThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{NotSentRatioThreshold: 0})

	alerts := a.Evaluate(&MetricsSnapshot{Buckets: []BucketStatus{
		{BucketID: "B1", State: model.RunCompleted, Candidates: 1000, NotSent: 1000},
	}})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertRunFailed, Severity: "high", Message: "test alert 1"},
		{Type: AlertPagesExhausted, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailed, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed, Message: "test"}})
	assert.Equal(t, 0, sent)
}
