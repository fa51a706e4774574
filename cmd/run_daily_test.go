package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/orchestrator"
)

type mockRunner struct {
	mock.Mock
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *mockRunner) RunBucket(ctx context.Context, bucketID string, runDate time.Time, opts orchestrator.RunOptions) (*model.BucketRun, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	args := m.Called(ctx, bucketID, runDate, opts)
	run, _ := args.Get(0).(*model.BucketRun)
	return run, args.Error(1)
}

func TestRunDaily_FailureIsolated(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunBucket", mock.Anything, "B1", reportDate, orchestrator.RunOptions{}).
		Return(&model.BucketRun{BucketID: "B1", State: model.RunCompleted}, nil)
	runner.On("RunBucket", mock.Anything, "B2", reportDate, orchestrator.RunOptions{}).
		Return(&model.BucketRun{BucketID: "B2", State: model.RunFailed}, eris.New("vendor down"))
	runner.On("RunBucket", mock.Anything, "B3", reportDate, orchestrator.RunOptions{}).
		Return(&model.BucketRun{BucketID: "B3", State: model.RunCompleted}, nil)

	results := runDaily(context.Background(), runner, []string{"B1", "B2", "B3"}, reportDate, false, 2)

	require.Len(t, results, 3)
	assert.Equal(t, "B1", results[0].BucketID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "B2", results[1].BucketID)
	assert.Error(t, results[1].Err)
	assert.Equal(t, model.RunCompleted, results[2].Run.State)
	runner.AssertNumberOfCalls(t, "RunBucket", 3)
}

func TestRunDaily_RespectsLimit(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunBucket", mock.Anything, mock.Anything, reportDate, orchestrator.RunOptions{Force: true}).
		Return(&model.BucketRun{State: model.RunCompleted}, nil)

	buckets := []string{"T0", "B1", "B2", "B3", "B4", "B5", "B6", model.UnclassifiedBucket}
	results := runDaily(context.Background(), runner, buckets, reportDate, true, 2)

	assert.Len(t, results, len(buckets))
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}
