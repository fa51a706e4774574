package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

var runDate = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

func testClassifier(t *testing.T) *Classifier {
	t.Helper()
	snap := snapshot.Default()
	require.NoError(t, snap.Finalize(runDate))
	return NewClassifier(snap)
}

func dueDaysAgo(days int) *time.Time {
	d := runDate.AddDate(0, 0, -days)
	return &d
}

func TestClassify_DPD15InB2(t *testing.T) {
	c := testClassifier(t)

	cl, ok, err := c.Classify(model.Obligation{ID: 1, AccountID: 17, DueDate: dueDaysAgo(15)}, runDate)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B2", cl.BucketID)
	assert.Equal(t, 15, cl.DPD)
	assert.False(t, cl.WrittenOff())
}

func TestClassify_Boundaries(t *testing.T) {
	c := testClassifier(t)

	tests := []struct {
		dpd    int
		bucket string
	}{
		{-5, "T0"},
		{0, "T0"},
		{1, "B1"},
		{10, "B1"},
		{11, "B2"},
		{39, "B2"},
		{40, "B3"},
		{89, "B4"},
		{90, "B5"},
		{179, "B5"},
		{180, "B6"},
		{2000, "B6"},
	}
	for _, tt := range tests {
		cl, ok, err := c.Classify(model.Obligation{ID: 1, DueDate: dueDaysAgo(tt.dpd)}, runDate)
		require.NoError(t, err)
		require.True(t, ok, "dpd %d", tt.dpd)
		assert.Equal(t, tt.bucket, cl.BucketID, "dpd %d", tt.dpd)
	}
}

func TestClassify_BelowLowestBound(t *testing.T) {
	c := testClassifier(t)

	cl, ok, err := c.Classify(model.Obligation{ID: 1, DueDate: dueDaysAgo(-6)}, runDate)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, -6, cl.DPD)
	assert.Empty(t, cl.BucketID)
}

func TestClassify_MissingDueDate(t *testing.T) {
	c := testClassifier(t)

	cl, ok, err := c.Classify(model.Obligation{ID: 9}, runDate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDueDate)
	assert.False(t, ok)
	assert.Equal(t, model.UnclassifiedBucket, cl.BucketID)
}

func TestClassify_WriteOff(t *testing.T) {
	snap := snapshot.Default()
	snap.WriteOff = snapshot.WriteOffConfig{EarlyWriteOffDPD: 150, Mark180: true, ManualAccounts: []int64{42}}
	snap.Buckets = []model.Bucket{
		{ID: "B1", From: model.IntPtr(1), To: model.IntPtr(100)},
		{ID: "B2", From: model.IntPtr(100), Terminal: true},
	}
	snap.Channels = nil
	snap.NonContact.FirstBucket = "B1"
	require.NoError(t, snap.Finalize(runDate))
	c := NewClassifier(snap)

	cl, _, err := c.Classify(model.Obligation{ID: 1, AccountID: 42, DueDate: dueDaysAgo(101)}, runDate)
	require.NoError(t, err)
	assert.Equal(t, model.WriteOffManual, cl.WriteOff)

	cl, _, err = c.Classify(model.Obligation{ID: 2, AccountID: 1, DueDate: dueDaysAgo(120)}, runDate)
	require.NoError(t, err)
	assert.False(t, cl.WrittenOff())

	cl, _, err = c.Classify(model.Obligation{ID: 3, AccountID: 1, DueDate: dueDaysAgo(160)}, runDate)
	require.NoError(t, err)
	assert.Equal(t, model.WriteOffEarly, cl.WriteOff)

	cl, _, err = c.Classify(model.Obligation{ID: 4, AccountID: 1, DueDate: dueDaysAgo(50)}, runDate)
	require.NoError(t, err)
	assert.Equal(t, "B1", cl.BucketID)
	assert.False(t, cl.WrittenOff())
}

func TestClassify_TimeOfDayIgnored(t *testing.T) {
	c := testClassifier(t)
	due := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)
	late := runDate.Add(22 * time.Hour)

	cl, ok, err := c.Classify(model.Obligation{ID: 1, DueDate: &due}, late)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15, cl.DPD)
}
