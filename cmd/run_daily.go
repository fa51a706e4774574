package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/orchestrator"
	"github.com/sells-group/collection-cli/internal/workflow"
)

// bucketRunner is the slice of the orchestrator run-daily drives.
type bucketRunner interface {
	RunBucket(ctx context.Context, bucketID string, runDate time.Time, opts orchestrator.RunOptions) (*model.BucketRun, error)
}

var runDailyCmd = &cobra.Command{
	Use:   "run-daily <date>",
	Short: "Run every bucket job for a date",
	Long:  "Runs every runnable bucket for the date in parallel, bounded by engine.max_concurrent_buckets. One bucket failing does not stop the others. With --temporal the daily workflow is started on the configured task queue instead.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runDate, err := parseRunDate(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		useTemporal, _ := cmd.Flags().GetBool("temporal")
		only, _ := cmd.Flags().GetStringSlice("buckets")

		if useTemporal {
			return startDailyWorkflow(ctx, runDate, only, force)
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		buckets := only
		if len(buckets) == 0 {
			snap, err := env.Snapshots.Load(ctx)
			if err != nil {
				return eris.Wrap(err, "run-daily: load snapshot")
			}
			buckets = snap.RunnableBuckets()
		}

		results := runDaily(ctx, env.Orchestrator, buckets, runDate, force, cfg.Engine.MaxConcurrentBuckets)
		formatDaily(os.Stdout, results)

		var failed []string
		for _, r := range results {
			if r.Err != nil {
				failed = append(failed, r.BucketID)
			}
		}
		if len(failed) > 0 {
			return eris.Errorf("run-daily %s: %d bucket(s) failed: %s", model.FormatDate(runDate), len(failed), strings.Join(failed, ", "))
		}
		return nil
	},
}

// runDaily runs each bucket with at most limit in flight. Results are in
// bucket order; a failing bucket never cancels the others.
func runDaily(ctx context.Context, runner bucketRunner, buckets []string, runDate time.Time, force bool, limit int) []dailyOutcome {
	results := make([]dailyOutcome, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, bucketID := range buckets {
		g.Go(func() error {
			start := time.Now()
			run, err := runner.RunBucket(gctx, bucketID, runDate, orchestrator.RunOptions{Force: force})
			results[i] = dailyOutcome{BucketID: bucketID, Run: run, Err: err, Elapsed: time.Since(start)}
			if err != nil {
				zap.L().Error("bucket job failed",
					zap.String("bucket", bucketID),
					zap.String("run_date", model.FormatDate(runDate)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func startDailyWorkflow(ctx context.Context, runDate time.Time, buckets []string, force bool) error {
	if err := cfg.Validate("worker"); err != nil {
		return err
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return eris.Wrap(err, "run-daily: dial temporal")
	}
	defer c.Close()

	run, err := workflow.StartDaily(ctx, c, cfg.Temporal.TaskQueue, workflow.DailyParams{
		RunDate: model.FormatDate(runDate),
		Buckets: buckets,
		Force:   force,
		Policy: workflow.Policy{
			ActivityTimeoutSecs: cfg.Temporal.ActivityTimeoutSecs,
			MaxAttempts:         cfg.Temporal.MaxAttempts,
		},
	})
	if err != nil {
		return err
	}
	zap.L().Info("daily workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

func init() {
	runDailyCmd.Flags().Bool("force", false, "re-run buckets that already completed for the date")
	runDailyCmd.Flags().Bool("temporal", false, "start the daily workflow on Temporal instead of running in-process")
	runDailyCmd.Flags().StringSlice("buckets", nil, "limit the run to these bucket ids")
	rootCmd.AddCommand(runDailyCmd)
}
