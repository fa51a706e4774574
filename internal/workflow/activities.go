package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/orchestrator"
)

// ErrTypeInvalidBucket marks activity failures no retry can fix.
const ErrTypeInvalidBucket = "InvalidBucket"

// Runner runs bucket jobs.
type Runner interface {
	RunBucket(ctx context.Context, bucketID string, runDate time.Time, opts orchestrator.RunOptions) (*model.BucketRun, error)
}

// Activities are the Temporal activities backed by the orchestrator.
type Activities struct {
	runner    Runner
	snapshots orchestrator.SnapshotSource
	heartbeat time.Duration
	log       *zap.Logger
}

// NewActivities creates the activity set.
func NewActivities(runner Runner, snapshots orchestrator.SnapshotSource) *Activities {
	return &Activities{
		runner:    runner,
		snapshots: snapshots,
		heartbeat: 30 * time.Second,
		log:       zap.L().With(zap.String("component", "workflow")),
	}
}

// ListBuckets returns the buckets a daily run schedules.
func (a *Activities) ListBuckets(ctx context.Context, runDate string) ([]string, error) {
	snap, err := a.snapshots.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: load snapshot")
	}
	return snap.RunnableBuckets(), nil
}

// RunBucket runs one bucket job, heartbeating while it works.
func (a *Activities) RunBucket(ctx context.Context, p BucketParams) (*BucketResult, error) {
	runDate, err := model.ParseRunDate(p.RunDate)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid run date "+p.RunDate, ErrTypeInvalidBucket, err)
	}

	stop := a.keepAlive(ctx)
	defer stop()

	run, err := a.runner.RunBucket(ctx, p.BucketID, runDate, orchestrator.RunOptions{Force: p.Force})
	if err != nil {
		a.log.Error("workflow: bucket job failed",
			zap.String("bucket", p.BucketID),
			zap.String("run_date", p.RunDate),
			zap.Error(err),
		)
		if eris.Is(err, model.ErrUnknownBucket) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidBucket, err)
		}
		return nil, err
	}
	return &BucketResult{BucketID: run.BucketID, State: run.State, Summary: run.Summary, Error: run.Error}, nil
}

// keepAlive heartbeats until the returned func is called. It is a no-op
// outside an activity context.
func (a *Activities) keepAlive(ctx context.Context) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(a.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
