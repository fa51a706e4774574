package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/store"
)

var runDate = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

// fakeStore implements Store for testing.
type fakeStore struct {
	runs      []model.BucketRun
	notSent   []model.ReasonCount
	sent      []model.ChannelCount
	conflicts []model.DispatchConflict
	dlqCount  int
	listErr   error
	dlqErr    error
}

func (f *fakeStore) ListBucketRuns(_ context.Context, filter store.RunFilter) ([]model.BucketRun, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.BucketRun
	for _, r := range f.runs {
		if !filter.RunDate.IsZero() && !r.RunDate.Equal(filter.RunDate) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) NotSentByReason(context.Context, time.Time) ([]model.ReasonCount, error) {
	return f.notSent, nil
}

func (f *fakeStore) SentByChannel(context.Context, time.Time) ([]model.ChannelCount, error) {
	return f.sent, nil
}

func (f *fakeStore) ListDispatchConflicts(context.Context, time.Time) ([]model.DispatchConflict, error) {
	return f.conflicts, nil
}

func (f *fakeStore) CountDLQ(context.Context) (int, error) {
	return f.dlqCount, f.dlqErr
}

func TestCollector_Collect(t *testing.T) {
	st := &fakeStore{
		runs: []model.BucketRun{
			{BucketID: "B2", RunDate: runDate, State: model.RunFailed, LastCompletedStep: model.RunBatching, Attempts: 1, Error: "boom"},
			{BucketID: "B1", RunDate: runDate, State: model.RunCompleted, LastCompletedStep: model.RunCompleted, Attempts: 1, Summary: model.RunSummary{
				Candidates: 10,
				SentBy:     map[string]int{"robocall": 6, "inhouse": 1},
				NotSentBy:  map[model.ExclusionReason]int{model.ReasonPTPFutureDate: 3},
			}},
			{BucketID: "B3", RunDate: runDate, State: model.RunDispatching},
			{BucketID: "B1", RunDate: runDate.AddDate(0, 0, -1), State: model.RunFailed},
		},
		notSent:   []model.ReasonCount{{BucketID: "B1", Reason: model.ReasonPTPFutureDate, Count: 3}},
		sent:      []model.ChannelCount{{BucketID: "B1", Channel: "robocall", Count: 6}},
		conflicts: []model.DispatchConflict{{ObligationID: 1}},
		dlqCount:  2,
	}

	snap, err := NewCollector(st).Collect(context.Background(), runDate)
	require.NoError(t, err)

	assert.Equal(t, "2026-04-10", snap.RunDate)
	require.Len(t, snap.Buckets, 3)
	assert.Equal(t, "B1", snap.Buckets[0].BucketID)
	assert.Equal(t, 7, snap.Buckets[0].Sent)
	assert.Equal(t, 3, snap.Buckets[0].NotSent)
	assert.InDelta(t, 0.3, snap.Buckets[0].NotSentRatio(), 0.0001)
	assert.Equal(t, "boom", snap.Buckets[1].Error)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Conflicts)
	assert.Equal(t, 2, snap.DLQDepth)
	assert.Len(t, snap.NotSentByReason, 1)
	assert.Len(t, snap.SentByChannel, 1)
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(&fakeStore{listErr: errors.New("db down")}).Collect(context.Background(), runDate)
	assert.ErrorContains(t, err, "monitoring: list bucket runs")

	_, err = NewCollector(&fakeStore{dlqErr: errors.New("db down")}).Collect(context.Background(), runDate)
	assert.ErrorContains(t, err, "monitoring: count dlq")
}

func TestBucketStatus_NotSentRatioEmpty(t *testing.T) {
	assert.Zero(t, BucketStatus{}.NotSentRatio())
}
