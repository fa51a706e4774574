package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/store"
)

// Store is the read side the collector and reconciler query.
type Store interface {
	ListBucketRuns(ctx context.Context, filter store.RunFilter) ([]model.BucketRun, error)
	NotSentByReason(ctx context.Context, runDate time.Time) ([]model.ReasonCount, error)
	SentByChannel(ctx context.Context, runDate time.Time) ([]model.ChannelCount, error)
	ListDispatchConflicts(ctx context.Context, runDate time.Time) ([]model.DispatchConflict, error)
	CountDLQ(ctx context.Context) (int, error)
}

// BucketStatus is one bucket job's state for a run date.
type BucketStatus struct {
	BucketID          string         `json:"bucket_id"`
	State             model.RunState `json:"state"`
	LastCompletedStep model.RunState `json:"last_completed_step"`
	Attempts          int            `json:"attempts"`
	Candidates        int            `json:"candidates"`
	Sent              int            `json:"sent"`
	NotSent           int            `json:"not_sent"`
	FailedPages       int            `json:"failed_pages"`
	InHouseOnly       bool           `json:"inhouse_only,omitempty"`
	Error             string         `json:"error,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NotSentRatio is the share of candidates recorded NOT_SENT.
func (b BucketStatus) NotSentRatio() float64 {
	if b.Candidates == 0 {
		return 0
	}
	return float64(b.NotSent) / float64(b.Candidates)
}

// MetricsSnapshot is a point-in-time view of one run date.
type MetricsSnapshot struct {
	RunDate         string               `json:"run_date"`
	Buckets         []BucketStatus       `json:"buckets"`
	NotSentByReason []model.ReasonCount  `json:"not_sent_by_reason"`
	SentByChannel   []model.ChannelCount `json:"sent_by_channel"`

	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Conflicts int `json:"conflicts"`
	DLQDepth  int `json:"dlq_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers run health from the store.
type Collector struct {
	store   Store
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Store) *Collector {
	return &Collector{store: st, nowFunc: time.Now}
}

// Collect gathers a snapshot of every bucket job for runDate.
func (c *Collector) Collect(ctx context.Context, runDate time.Time) (*MetricsSnapshot, error) {
	runDate = model.Day(runDate)
	snap := &MetricsSnapshot{
		RunDate:     model.FormatDate(runDate),
		CollectedAt: c.nowFunc().UTC(),
	}

	runs, err := c.store.ListBucketRuns(ctx, store.RunFilter{RunDate: runDate, Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list bucket runs")
	}
	for _, r := range runs {
		snap.Buckets = append(snap.Buckets, BucketStatus{
			BucketID:          r.BucketID,
			State:             r.State,
			LastCompletedStep: r.LastCompletedStep,
			Attempts:          r.Attempts,
			Candidates:        r.Summary.Candidates,
			Sent:              r.Summary.TotalSent(),
			NotSent:           r.Summary.TotalNotSent(),
			FailedPages:       r.Summary.FailedPages,
			InHouseOnly:       r.Summary.InHouseOnly,
			Error:             r.Error,
			UpdatedAt:         r.UpdatedAt,
		})
		switch r.State {
		case model.RunCompleted:
			snap.Completed++
		case model.RunFailed:
			snap.Failed++
		default:
			snap.Running++
		}
	}
	sort.Slice(snap.Buckets, func(i, j int) bool { return snap.Buckets[i].BucketID < snap.Buckets[j].BucketID })

	if snap.NotSentByReason, err = c.store.NotSentByReason(ctx, runDate); err != nil {
		return nil, eris.Wrap(err, "monitoring: not-sent breakdown")
	}
	if snap.SentByChannel, err = c.store.SentByChannel(ctx, runDate); err != nil {
		return nil, eris.Wrap(err, "monitoring: sent breakdown")
	}
	conflicts, err := c.store.ListDispatchConflicts(ctx, runDate)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list conflicts")
	}
	snap.Conflicts = len(conflicts)

	if snap.DLQDepth, err = c.store.CountDLQ(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	return snap, nil
}
