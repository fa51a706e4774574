package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sells-group/collection-cli/internal/model"
)

const meterName = "github.com/sells-group/collection-cli"

// Metrics holds the engine's OpenTelemetry instruments. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	runs        metric.Int64Counter
	records     metric.Int64Counter
	pages       metric.Int64Counter
	runDuration metric.Float64Histogram
}

// NewMetrics registers instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.runs, err = meter.Int64Counter("collection.runs",
		metric.WithDescription("Bucket jobs finished, by bucket and final state")); err != nil {
		return nil, eris.Wrap(err, "monitoring: create runs counter")
	}
	if m.records, err = meter.Int64Counter("collection.dispatch.records",
		metric.WithDescription("Dispatch records per bucket run, by outcome and reason or channel")); err != nil {
		return nil, eris.Wrap(err, "monitoring: create records counter")
	}
	if m.pages, err = meter.Int64Counter("collection.vendor.pages",
		metric.WithDescription("Vendor pages settled, by vendor and result")); err != nil {
		return nil, eris.Wrap(err, "monitoring: create pages counter")
	}
	if m.runDuration, err = meter.Float64Histogram("collection.run.duration",
		metric.WithDescription("Bucket job wall time"),
		metric.WithUnit("s")); err != nil {
		return nil, eris.Wrap(err, "monitoring: create duration histogram")
	}
	return &m, nil
}

// RecordRun counts a finished bucket job and its records.
func (m *Metrics) RecordRun(ctx context.Context, bucketID string, state model.RunState, s model.RunSummary, elapsed time.Duration) {
	if m == nil {
		return
	}
	bucket := attribute.String("bucket", bucketID)
	m.runs.Add(ctx, 1, metric.WithAttributes(bucket, attribute.String("state", string(state))))
	m.runDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(bucket))
	for ch, n := range s.SentBy {
		m.records.Add(ctx, int64(n), metric.WithAttributes(bucket,
			attribute.String("outcome", string(model.OutcomeSent)),
			attribute.String("channel", ch)))
	}
	for reason, n := range s.NotSentBy {
		m.records.Add(ctx, int64(n), metric.WithAttributes(bucket,
			attribute.String("outcome", string(model.OutcomeNotSent)),
			attribute.String("reason", string(reason))))
	}
}

// RecordPage counts a settled vendor page.
func (m *Metrics) RecordPage(ctx context.Context, vendor string, sent bool) {
	if m == nil {
		return
	}
	result := "failed"
	if sent {
		result = "sent"
	}
	m.pages.Add(ctx, 1, metric.WithAttributes(attribute.String("vendor", vendor), attribute.String("result", result)))
}

// SetupMeterProvider installs a global meter provider exporting over OTLP gRPC
// and returns its shutdown function. An empty endpoint leaves the global
// no-op provider in place.
func SetupMeterProvider(ctx context.Context, endpoint string, insecure bool, interval time.Duration) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: create metric exporter")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
