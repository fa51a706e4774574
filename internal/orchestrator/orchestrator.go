// Package orchestrator runs one bucket job for one run date as a state
// machine: Pending, Querying, Batching, Dispatching, Recorded, Completed,
// with Failed reachable from any step. A retried job starts over at Querying
// and skips obligations that already have a dispatch record.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/allocator"
	"github.com/sells-group/collection-cli/internal/dialer"
	"github.com/sells-group/collection-cli/internal/dispatch"
	"github.com/sells-group/collection-cli/internal/events"
	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/monitoring"
	"github.com/sells-group/collection-cli/internal/resilience"
	"github.com/sells-group/collection-cli/internal/resolver"
	"github.com/sells-group/collection-cli/internal/runlock"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// Store is everything a bucket job reads or writes.
type Store interface {
	resolver.Repository
	allocator.Repository
	dispatch.Store

	GetBucketRun(ctx context.Context, bucketID string, runDate time.Time) (*model.BucketRun, error)
	SaveBucketRun(ctx context.Context, run *model.BucketRun) error
	ChannelUsage(ctx context.Context, runDate time.Time) (map[string]int, error)
	ReserveChannel(ctx context.Context, runDate time.Time, channel string, capacity int, keys []model.DispatchKey) ([]model.DispatchKey, error)
	ReleaseChannel(ctx context.Context, runDate time.Time, channel string, keys []model.DispatchKey) (int, error)
	SaveVendorTask(ctx context.Context, task model.VendorTask) error
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// SnapshotSource loads the business configuration for a job.
type SnapshotSource interface {
	Load(ctx context.Context) (*snapshot.Snapshot, error)
}

// Config tunes the orchestrator.
type Config struct {
	// LockTTL bounds how long a crashed worker blocks the bucket.
	LockTTL time.Duration
	// Retry is the backoff policy for vendor pages. MaxAttempts comes from the
	// snapshot's max_page_retries.
	Retry resilience.RetryConfig
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the in-process run lock.
func WithLocker(l runlock.Locker) Option { return func(o *Orchestrator) { o.locker = l } }

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

// WithMetrics sets the OpenTelemetry instruments.
func WithMetrics(m *monitoring.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithBreakers shares vendor circuit breakers across orchestrators.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(o *Orchestrator) { o.breakers = b }
}

// WithConfig sets the tuning config.
func WithConfig(c Config) Option { return func(o *Orchestrator) { o.cfg = c } }

// Orchestrator runs bucket jobs.
type Orchestrator struct {
	store     Store
	snapshots SnapshotSource
	registry  *dialer.Registry
	breakers  *resilience.ServiceBreakers
	locker    runlock.Locker
	publisher events.Publisher
	metrics   *monitoring.Metrics
	cfg       Config
	nowFunc   func() time.Time
	log       *zap.Logger
}

// New creates an Orchestrator.
func New(st Store, snapshots SnapshotSource, registry *dialer.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		snapshots: snapshots,
		registry:  registry,
		locker:    runlock.NewMemoryLocker(),
		publisher: events.NewLogPublisher(),
		cfg:       Config{LockTTL: 30 * time.Minute, Retry: resilience.DefaultRetryConfig()},
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = dialer.NewRegistry()
	}
	if o.breakers == nil {
		o.breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if o.cfg.LockTTL <= 0 {
		o.cfg.LockTTL = 30 * time.Minute
	}
	return o
}

// RunOptions adjust a single job.
type RunOptions struct {
	// Force re-runs a bucket whose run already completed. Recorded
	// obligations are skipped either way.
	Force bool
	// InHouseOnly places every eligible obligation in-house. Fallback jobs
	// run this way.
	InHouseOnly bool

	fallbackFrom model.RunState
}

// RunBucket runs the job for bucketID on runDate. A completed run is returned
// as is unless opts.Force is set. A retry of a failed run re-runs every step
// from the snapshot load and skips obligations already recorded for the run
// date, so recovery is per record rather than per step.
//
// When the job fails after its snapshot loaded and the bucket names a
// fallback job, the in-house fallback runs under the same lock; its run is
// returned and the error is cleared if it completes.
func (o *Orchestrator) RunBucket(ctx context.Context, bucketID string, runDate time.Time, opts RunOptions) (*model.BucketRun, error) {
	runDate = model.Day(runDate)
	lock, err := o.locker.Acquire(ctx, runlock.Key(bucketID, runDate), o.cfg.LockTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: lock %s %s", bucketID, model.FormatDate(runDate))
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("orchestrator: release run lock", zap.String("bucket", bucketID), zap.Error(err))
		}
	}()

	run, def, err := o.execute(ctx, bucketID, runDate, opts)
	if err == nil || run == nil || def == nil || def.FallbackJob == "" || opts.InHouseOnly || ctx.Err() != nil {
		return run, err
	}

	failedAt := model.RunState(run.Summary.FallbackFrom)
	o.log.Warn("orchestrator: triggering fallback job",
		zap.String("bucket", bucketID),
		zap.String("fallback_job", def.FallbackJob),
		zap.Error(err),
	)
	o.emit(ctx, events.Event{Type: events.RunFallback, BucketID: bucketID, RunDate: model.FormatDate(runDate), Error: err.Error()})

	fbRun, _, fbErr := o.execute(ctx, bucketID, runDate, RunOptions{Force: true, InHouseOnly: true, fallbackFrom: failedAt})
	if fbErr != nil {
		return fbRun, errors.Join(err, eris.Wrap(fbErr, "orchestrator: fallback job"))
	}
	return fbRun, nil
}

// execute runs the state machine once. The returned bucket definition is nil
// when the snapshot could not be loaded.
func (o *Orchestrator) execute(ctx context.Context, bucketID string, runDate time.Time, opts RunOptions) (*model.BucketRun, *model.Bucket, error) {
	start := o.nowFunc()
	log := o.log.With(zap.String("bucket", bucketID), zap.String("run_date", model.FormatDate(runDate)))

	run, err := o.store.GetBucketRun(ctx, bucketID, runDate)
	if err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: load bucket run")
	}
	if run != nil && run.State == model.RunCompleted && !opts.Force {
		log.Info("orchestrator: run already completed")
		return run, nil, nil
	}
	if run == nil {
		run = &model.BucketRun{BucketID: bucketID, RunDate: runDate, LastCompletedStep: model.RunPending}
	}
	if run.State == model.RunCompleted {
		run.LastCompletedStep = model.RunPending
	}
	prevStep := run.LastCompletedStep
	run.Attempts++
	run.Error = ""
	run.State = model.RunPending
	run.Summary = model.RunSummary{InHouseOnly: opts.InHouseOnly, FallbackFrom: string(opts.fallbackFrom)}

	log.Info("orchestrator: starting bucket job",
		zap.Int("attempt", run.Attempts),
		zap.String("previous_step", string(prevStep)),
		zap.Bool("inhouse_only", opts.InHouseOnly),
	)
	o.emit(ctx, events.Event{Type: events.RunStarted, BucketID: bucketID, RunDate: model.FormatDate(runDate), State: model.RunPending})

	j := &job{o: o, run: run, opts: opts, log: log}
	jobErr := j.execute(ctx)
	if jobErr != nil {
		failedAt := run.State
		run.State = model.RunFailed
		run.Error = jobErr.Error()
		if opts.fallbackFrom == "" {
			run.Summary.FallbackFrom = string(failedAt)
		}
		if err := o.store.SaveBucketRun(context.WithoutCancel(ctx), run); err != nil {
			log.Error("orchestrator: save failed run", zap.Error(err))
		}
		log.Error("orchestrator: bucket job failed",
			zap.String("failed_at", string(failedAt)),
			zap.String("last_completed", string(run.LastCompletedStep)),
			zap.Error(jobErr),
		)
		o.emit(ctx, events.Event{Type: events.RunFailed, BucketID: bucketID, RunDate: model.FormatDate(runDate), State: failedAt, Summary: &run.Summary, Error: jobErr.Error()})
		o.metrics.RecordRun(ctx, bucketID, model.RunFailed, run.Summary, o.nowFunc().Sub(start))
		return run, j.bucket, jobErr
	}

	log.Info("orchestrator: bucket job completed",
		zap.Int("candidates", run.Summary.Candidates),
		zap.Int("sent", run.Summary.TotalSent()),
		zap.Int("not_sent", run.Summary.TotalNotSent()),
		zap.Int("failed_pages", run.Summary.FailedPages),
		zap.Int("conflicts", run.Summary.Conflicts),
		zap.Duration("elapsed", o.nowFunc().Sub(start)),
	)
	o.emit(ctx, events.Event{Type: events.RunCompleted, BucketID: bucketID, RunDate: model.FormatDate(runDate), State: model.RunCompleted, Summary: &run.Summary})
	o.metrics.RecordRun(ctx, bucketID, model.RunCompleted, run.Summary, o.nowFunc().Sub(start))
	return run, j.bucket, nil
}

func (o *Orchestrator) emit(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = o.nowFunc().UTC()
	}
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.log.Warn("orchestrator: publish event",
			zap.String("event", string(e.Type)),
			zap.String("bucket", e.BucketID),
			zap.Error(err),
		)
	}
}

// BreakerStates exposes vendor circuit states for the ops API.
func (o *Orchestrator) BreakerStates() map[string]resilience.CircuitState {
	return o.breakers.States()
}
