package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

func TestReconcile_MatchesAndFoldsSubBuckets(t *testing.T) {
	st := &fakeStore{
		runs: []model.BucketRun{{
			BucketID: "B1", RunDate: runDate, State: model.RunCompleted,
			Summary: model.RunSummary{NotSentBy: map[model.ExclusionReason]int{
				model.ReasonPTPFutureDate:      4,
				model.ReasonExcludedFromBucket: 2,
			}},
		}},
		notSent: []model.ReasonCount{
			{BucketID: "B1", Reason: model.ReasonPTPFutureDate, Count: 3},
			{BucketID: "B1_NC", Reason: model.ReasonPTPFutureDate, Count: 1},
			{BucketID: "B1", Reason: model.ReasonExcludedFromBucket, Count: 2},
		},
	}

	rec, err := NewReconciler(st, snapshot.Default()).Reconcile(context.Background(), runDate)
	require.NoError(t, err)
	assert.True(t, rec.OK())
	require.Len(t, rec.Rows, 2)
	assert.Equal(t, ReconcileRow{BucketID: "B1", Reason: model.ReasonExcludedFromBucket, Recorded: 2, Summarized: 2}, rec.Rows[0])
	assert.Equal(t, 4, rec.Rows[1].Recorded)
}

func TestReconcile_ReportsMismatchAndUnfinished(t *testing.T) {
	st := &fakeStore{
		runs: []model.BucketRun{
			{BucketID: "B1", RunDate: runDate, State: model.RunCompleted, Summary: model.RunSummary{
				NotSentBy: map[model.ExclusionReason]int{model.ReasonVendorBlacklist: 5},
			}},
			{BucketID: "B2", RunDate: runDate, State: model.RunFailed},
		},
		notSent: []model.ReasonCount{
			{BucketID: "B1", Reason: model.ReasonVendorBlacklist, Count: 4},
			{BucketID: "B2", Reason: model.ReasonVendorUnavailable, Count: 7},
		},
	}

	rec, err := NewReconciler(st, snapshot.Default()).Reconcile(context.Background(), runDate)
	require.NoError(t, err)
	assert.False(t, rec.OK())
	assert.Equal(t, 1, rec.Mismatches)
	assert.Equal(t, []string{"B2"}, rec.Unfinished)
}
