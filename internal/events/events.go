// Package events publishes run lifecycle events to operators and downstream
// consumers.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
)

// Type names an event.
type Type string

const (
	RunStarted       Type = "run.started"
	RunStep          Type = "run.step"
	RunCompleted     Type = "run.completed"
	RunFailed        Type = "run.failed"
	RunFallback      Type = "run.fallback"
	PageFailed       Type = "page.failed"
	DispatchConflict Type = "dispatch.conflict"
)

// Event is one lifecycle notification. Summary is set on completion and
// failure.
type Event struct {
	Type     Type              `json:"type"`
	BucketID string            `json:"bucket_id"`
	RunDate  string            `json:"run_date"`
	State    model.RunState    `json:"state,omitempty"`
	Summary  *model.RunSummary `json:"summary,omitempty"`
	Vendor   string            `json:"vendor,omitempty"`
	Error    string            `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

// Key partitions events so one bucket's events stay ordered.
func (e Event) Key() string {
	return e.BucketID + ":" + e.RunDate
}

// Publisher delivers events. Publish failures never fail a run; callers log
// them.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the global logger.
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: zap.L().With(zap.String("component", "events"))}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("bucket", e.BucketID),
		zap.String("run_date", e.RunDate),
	}
	if e.State != "" {
		fields = append(fields, zap.String("state", string(e.State)))
	}
	if e.Vendor != "" {
		fields = append(fields, zap.String("vendor", e.Vendor))
	}
	if e.Summary != nil {
		fields = append(fields,
			zap.Int("candidates", e.Summary.Candidates),
			zap.Int("sent", e.Summary.TotalSent()),
			zap.Int("not_sent", e.Summary.TotalNotSent()),
		)
	}
	if e.Error != "" {
		p.log.Warn("run event", append(fields, zap.String("error", e.Error))...)
		return nil
	}
	p.log.Info("run event", fields...)
	return nil
}

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
