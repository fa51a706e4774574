package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/sells-group/collection-cli/internal/model"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRun(ctx, "B2", model.RunCompleted, model.RunSummary{
		SentBy:    map[string]int{"inhouse": 3, "dialer_a": 2},
		NotSentBy: map[model.ExclusionReason]int{model.ReasonPTPFutureDate: 4},
	}, 2*time.Second)
	m.RecordPage(ctx, "dialer_a", true)
	m.RecordPage(ctx, "dialer_a", false)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, got["collection.runs"]))
	assert.Equal(t, int64(9), sumOf(t, got["collection.dispatch.records"]))
	assert.Equal(t, int64(2), sumOf(t, got["collection.vendor.pages"]))
	_, ok := got["collection.run.duration"]
	assert.True(t, ok)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun(context.Background(), "B1", model.RunFailed, model.RunSummary{}, time.Second)
	m.RecordPage(context.Background(), "v", false)
}

func TestSetupMeterProvider_Disabled(t *testing.T) {
	shutdown, err := SetupMeterProvider(context.Background(), "", false, 0)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
