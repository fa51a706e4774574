// Package workflow schedules bucket jobs on Temporal: a daily workflow fans
// out one child workflow per bucket, each running the bucket job as a single
// retried activity.
package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/collection-cli/internal/model"
)

// Policy bounds the bucket activity.
type Policy struct {
	ActivityTimeoutSecs int `json:"activity_timeout_secs"`
	MaxAttempts         int `json:"max_attempts"`
}

func (p Policy) activityOptions() workflow.ActivityOptions {
	timeout := time.Duration(p.ActivityTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        int32(attempts),
			NonRetryableErrorTypes: []string{ErrTypeInvalidBucket},
		},
	}
}

// DailyParams starts a daily run. Empty Buckets runs every runnable bucket of
// the snapshot.
type DailyParams struct {
	RunDate string   `json:"run_date"`
	Buckets []string `json:"buckets,omitempty"`
	Force   bool     `json:"force,omitempty"`
	Policy  Policy   `json:"policy"`
}

// DailyResult collects every bucket's outcome.
type DailyResult struct {
	RunDate string         `json:"run_date"`
	Buckets []BucketResult `json:"buckets"`
	Failed  int            `json:"failed"`
}

// BucketParams runs one bucket job.
type BucketParams struct {
	BucketID string `json:"bucket_id"`
	RunDate  string `json:"run_date"`
	Force    bool   `json:"force,omitempty"`
	Policy   Policy `json:"policy"`
}

// BucketResult is a bucket job's final state.
type BucketResult struct {
	BucketID string           `json:"bucket_id"`
	State    model.RunState   `json:"state"`
	Summary  model.RunSummary `json:"summary"`
	Error    string           `json:"error,omitempty"`
}

// DailyWorkflowID is the workflow id of a date's daily run, so a date is
// started at most once at a time.
func DailyWorkflowID(runDate string) string { return "collection-daily-" + runDate }

// BucketWorkflowID is the child workflow id of one bucket job.
func BucketWorkflowID(bucketID, runDate string) string {
	return fmt.Sprintf("collection-bucket-%s-%s", bucketID, runDate)
}

// DailyWorkflow runs every bucket for a date in parallel. A failed bucket is
// reported in the result and never fails the others.
func DailyWorkflow(ctx workflow.Context, p DailyParams) (*DailyResult, error) {
	log := workflow.GetLogger(ctx)

	buckets := p.Buckets
	if len(buckets) == 0 {
		actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: time.Minute,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
		})
		var a *Activities
		if err := workflow.ExecuteActivity(actx, a.ListBuckets, p.RunDate).Get(ctx, &buckets); err != nil {
			return nil, err
		}
	}
	log.Info("daily run starting", "run_date", p.RunDate, "buckets", len(buckets))

	futures := make([]workflow.ChildWorkflowFuture, len(buckets))
	for i, id := range buckets {
		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: BucketWorkflowID(id, p.RunDate),
		})
		futures[i] = workflow.ExecuteChildWorkflow(cctx, BucketWorkflow, BucketParams{
			BucketID: id,
			RunDate:  p.RunDate,
			Force:    p.Force,
			Policy:   p.Policy,
		})
	}

	res := &DailyResult{RunDate: p.RunDate}
	for i, f := range futures {
		var br BucketResult
		if err := f.Get(ctx, &br); err != nil {
			log.Error("bucket workflow failed", "bucket", buckets[i], "error", err)
			br = BucketResult{BucketID: buckets[i], State: model.RunFailed, Error: err.Error()}
		}
		if br.State != model.RunCompleted {
			res.Failed++
		}
		res.Buckets = append(res.Buckets, br)
	}
	log.Info("daily run finished", "run_date", p.RunDate, "failed", res.Failed)
	return res, nil
}

// BucketWorkflow runs one bucket job with the configured retry policy.
func BucketWorkflow(ctx workflow.Context, p BucketParams) (*BucketResult, error) {
	ctx = workflow.WithActivityOptions(ctx, p.Policy.activityOptions())
	var a *Activities
	var res BucketResult
	if err := workflow.ExecuteActivity(ctx, a.RunBucket, p).Get(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
