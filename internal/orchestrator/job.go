package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/allocator"
	"github.com/sells-group/collection-cli/internal/dialer"
	"github.com/sells-group/collection-cli/internal/dispatch"
	"github.com/sells-group/collection-cli/internal/events"
	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/resilience"
	"github.com/sells-group/collection-cli/internal/resolver"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// ErrVendorUnavailable fails a job whose vendor pages all failed when the
// bucket has a fallback job to take over.
var ErrVendorUnavailable = eris.New("orchestrator: every vendor page failed")

// partition is one bucket's share of a job: the requested bucket, or the
// non-contacted sub-bucket its demoted accounts were routed to.
type partition struct {
	res    *resolver.Resolution
	alloc  *allocator.Allocation
	direct []model.DispatchRecord
	pages  []dialer.Page
	failed []dialer.PageResult
}

type job struct {
	o    *Orchestrator
	run  *model.BucketRun
	opts RunOptions
	log  *zap.Logger

	snap       *snapshot.Snapshot
	bucket     *model.Bucket
	recorder   *dispatch.Recorder
	dispatcher *dialer.Dispatcher
	parts      []*partition
	keys       []model.DispatchKey
	sentPages  int
}

type step struct {
	state model.RunState
	fn    func(context.Context) error
}

func (j *job) execute(ctx context.Context) error {
	snap, err := j.o.snapshots.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load snapshot")
	}
	j.snap = snap
	if j.run.BucketID != model.UnclassifiedBucket {
		b, ok := snap.Bucket(j.run.BucketID)
		if !ok {
			return eris.Wrapf(model.ErrUnknownBucket, "orchestrator: bucket %s", j.run.BucketID)
		}
		if b.IsSubBucket() {
			return eris.Errorf("orchestrator: sub-bucket %s is filled by its parent %s", b.ID, b.Parent)
		}
		j.bucket = &b
	}
	j.recorder = dispatch.NewRecorder(j.o.store, snap.Dispatch.RecordBatchSize)

	retry := j.o.cfg.Retry
	retry.MaxAttempts = snap.Dispatch.MaxPageRetries
	j.dispatcher = dialer.NewDispatcher(j.o.registry, j.o.breakers, dialer.Config{
		PageSize:    snap.Dispatch.PageSize,
		Concurrency: snap.Dispatch.Concurrency,
		PageTimeout: time.Duration(snap.Dispatch.PageTimeoutSecs) * time.Second,
		Retry:       retry,
	})

	steps := []step{
		{model.RunQuerying, j.query},
		{model.RunBatching, j.batch},
		{model.RunDispatching, j.dispatch},
		{model.RunRecorded, j.record},
		{model.RunCompleted, j.complete},
	}
	for _, s := range steps {
		if err := j.enter(ctx, s.state); err != nil {
			return err
		}
		if err := s.fn(ctx); err != nil {
			return err
		}
		j.run.LastCompletedStep = s.state
	}
	return eris.Wrap(j.o.store.SaveBucketRun(ctx, j.run), "orchestrator: save completed run")
}

// enter persists the transition into state before the step does any work.
func (j *job) enter(ctx context.Context, state model.RunState) error {
	j.run.State = state
	if err := j.o.store.SaveBucketRun(ctx, j.run); err != nil {
		return eris.Wrapf(err, "orchestrator: save run entering %s", state)
	}
	j.log.Debug("orchestrator: step", zap.String("state", string(state)))
	j.o.emit(ctx, events.Event{
		Type:     events.RunStep,
		BucketID: j.run.BucketID,
		RunDate:  model.FormatDate(j.run.RunDate),
		State:    state,
	})
	return nil
}

func (j *job) query(ctx context.Context) error {
	res, err := resolver.New(j.o.store, j.snap).Resolve(ctx, j.run.BucketID, j.run.RunDate)
	if err != nil {
		return eris.Wrap(err, "orchestrator: resolve")
	}
	j.parts = []*partition{{res: res}}
	if res.Sub != nil {
		j.parts = append(j.parts, &partition{res: res.Sub})
	}

	s := &j.run.Summary
	s.Candidates = res.Candidates
	s.Eligible = len(res.Eligible)
	s.Excluded = len(res.Excluded)
	s.Demoted = len(res.Demoted)
	s.Skipped = res.Skipped
	return nil
}

// batch allocates every eligible obligation that has no record yet, reserves
// shared channel capacity and splits vendor placements into pages.
func (j *job) batch(ctx context.Context) error {
	for _, p := range j.parts {
		pending, err := j.unrecorded(ctx, p.res)
		if err != nil {
			return err
		}
		used, err := j.o.store.ChannelUsage(ctx, j.run.RunDate)
		if err != nil {
			return eris.Wrap(err, "orchestrator: load channel usage")
		}
		alloc, err := allocator.New(j.o.store, j.snap).Allocate(ctx, p.res.BucketID, j.run.RunDate, pending, allocator.Options{
			InHouseOnly: j.opts.InHouseOnly,
			Used:        used,
		})
		if err != nil {
			return eris.Wrapf(err, "orchestrator: allocate %s", p.res.BucketID)
		}
		if err := j.reserve(ctx, p.res.BucketID, alloc); err != nil {
			return err
		}
		p.alloc = alloc

		byVendor := make(map[string][]model.Candidate)
		for _, pl := range alloc.Placements {
			if pl.Channel.Kind == model.ChannelVendor {
				byVendor[pl.Channel.ID] = append(byVendor[pl.Channel.ID], pl.Candidate)
				continue
			}
			p.direct = append(p.direct, sentRecord(pl.Candidate, p.res.BucketID, pl.Channel.ID, ""))
		}
		vendors := make([]string, 0, len(byVendor))
		for v := range byVendor {
			vendors = append(vendors, v)
		}
		sort.Strings(vendors)
		for _, v := range vendors {
			p.pages = append(p.pages, j.dispatcher.Pages(v, p.res.BucketID, j.run.RunDate, byVendor[v])...)
		}

		j.log.Info("orchestrator: partition batched",
			zap.String("partition", p.res.BucketID),
			zap.Int("eligible", len(p.res.Eligible)),
			zap.Int("pending", len(pending)),
			zap.Int("direct", len(p.direct)),
			zap.Int("pages", len(p.pages)),
			zap.Int("overflow", alloc.Overflow),
		)
	}
	return nil
}

// reserve claims capacity for every placement on a capacity-bound channel.
// Usage is read before allocating, so a bucket running concurrently on the
// same channel may have taken the capacity since; placements the store
// refuses overflow to the bucket's fallback channel.
func (j *job) reserve(ctx context.Context, bucketID string, alloc *allocator.Allocation) error {
	byChannel := alloc.ByChannel()
	channels := make([]string, 0, len(byChannel))
	for id := range byChannel {
		channels = append(channels, id)
	}
	sort.Strings(channels)

	denied := make(map[int64]bool)
	for _, id := range channels {
		cfg, ok := j.snap.Channel(bucketID, id)
		if !ok || cfg.Capacity <= 0 {
			continue
		}
		keys := make([]model.DispatchKey, len(byChannel[id]))
		for i, pl := range byChannel[id] {
			keys[i] = candidateKey(pl.Candidate, bucketID)
		}
		granted, err := j.o.store.ReserveChannel(ctx, j.run.RunDate, id, cfg.Capacity, keys)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: reserve %s capacity", id)
		}
		if len(granted) == len(keys) {
			continue
		}
		held := make(map[model.DispatchKey]bool, len(granted))
		for _, k := range granted {
			held[k] = true
		}
		for _, k := range keys {
			if !held[k] {
				denied[k.ObligationID] = true
			}
		}
	}
	if len(denied) == 0 {
		return nil
	}

	fallback, _ := j.snap.Channel(bucketID, j.snap.ChannelsFor(bucketID).Fallback)
	moved := alloc.Reroute(denied, fallback.Channel())
	j.log.Warn("orchestrator: channel capacity taken by a concurrent bucket",
		zap.String("partition", bucketID),
		zap.Int("overflow", moved),
		zap.String("fallback", fallback.ID),
	)
	return nil
}

// release returns the capacity held by a page that was not sent. Failures
// are logged; a leaked reservation only lowers the day's usable capacity.
func (j *job) release(ctx context.Context, bucketID string, page dialer.Page) {
	keys := make([]model.DispatchKey, len(page.Candidates))
	for i, c := range page.Candidates {
		keys[i] = candidateKey(c, bucketID)
	}
	if _, err := j.o.store.ReleaseChannel(ctx, j.run.RunDate, page.Vendor, keys); err != nil {
		j.log.Error("orchestrator: release channel capacity", zap.String("page_key", page.Key), zap.Error(err))
	}
}

// unrecorded drops eligible obligations that already have a record for this
// run date, so a resumed or forced run never submits them twice. It also
// remembers every key of the partition for the summary.
func (j *job) unrecorded(ctx context.Context, res *resolver.Resolution) ([]model.Candidate, error) {
	keys := make([]model.DispatchKey, 0, len(res.Eligible))
	for _, c := range res.Eligible {
		keys = append(keys, candidateKey(c, res.BucketID))
	}
	j.keys = append(j.keys, keys...)
	for _, e := range res.Excluded {
		j.keys = append(j.keys, candidateKey(e.Candidate, res.BucketID))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	existing, err := j.o.store.GetDispatchRecords(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load recorded obligations")
	}
	pending := make([]model.Candidate, 0, len(res.Eligible))
	for i, c := range res.Eligible {
		if _, ok := existing[keys[i]]; ok {
			continue
		}
		pending = append(pending, c)
	}
	if skipped := len(res.Eligible) - len(pending); skipped > 0 {
		j.log.Info("orchestrator: skipping already recorded obligations",
			zap.String("partition", res.BucketID), zap.Int("count", skipped))
	}
	return pending, nil
}

func (j *job) dispatch(ctx context.Context) error {
	failed := 0
	for _, p := range j.parts {
		if len(p.pages) == 0 {
			continue
		}
		err := j.dispatcher.Dispatch(ctx, p.res.BucketID, j.run.RunDate, p.pages, func(pr dialer.PageResult) error {
			j.o.metrics.RecordPage(ctx, pr.Page.Vendor, pr.Sent())
			if !pr.Sent() {
				p.failed = append(p.failed, pr)
				return nil
			}
			j.sentPages++
			return j.recordPage(ctx, p.res.BucketID, pr)
		})
		if err != nil {
			return eris.Wrapf(err, "orchestrator: dispatch %s", p.res.BucketID)
		}
		failed += len(p.failed)
	}
	j.run.Summary.FailedPages = failed
	if failed == 0 {
		return nil
	}

	for _, p := range j.parts {
		for _, pr := range p.failed {
			j.deadLetter(ctx, p.res.BucketID, pr)
			j.release(ctx, p.res.BucketID, pr.Page)
		}
	}
	if j.sentPages == 0 && j.bucket != nil && j.bucket.FallbackJob != "" && !j.opts.InHouseOnly {
		return eris.Wrapf(ErrVendorUnavailable, "orchestrator: %d pages", failed)
	}

	for _, p := range j.parts {
		if err := j.settleFailures(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// recordPage commits a page the vendor accepted. It runs as pages settle so a
// crash mid-dispatch never loses an accepted page.
func (j *job) recordPage(ctx context.Context, bucketID string, pr dialer.PageResult) error {
	task := model.VendorTask{
		TaskID:        pr.TaskID,
		Vendor:        pr.Page.Vendor,
		BucketID:      bucketID,
		RunDate:       j.run.RunDate,
		PageKey:       pr.Page.Key,
		ObligationIDs: pr.Page.ObligationIDs(),
		Status:        model.VendorTaskSubmitted,
		CreatedAt:     j.o.nowFunc().UTC(),
	}
	recs := make([]model.DispatchRecord, len(pr.Page.Candidates))
	for i, c := range pr.Page.Candidates {
		task.AccountIDs = append(task.AccountIDs, c.AccountID())
		recs[i] = sentRecord(c, bucketID, pr.Page.Vendor, pr.TaskID)
	}
	if err := j.o.store.SaveVendorTask(ctx, task); err != nil {
		return eris.Wrapf(err, "orchestrator: save vendor task %s", pr.TaskID)
	}
	br, err := j.recorder.RecordBatch(ctx, recs)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: record page %s", pr.Page.Key)
	}
	j.run.Summary.Conflicts += br.Conflicts
	return nil
}

func (j *job) deadLetter(ctx context.Context, bucketID string, pr dialer.PageResult) {
	entry := resilience.NewDLQEntry(pr.Page.Vendor, bucketID, j.run.RunDate, pr.Page.Key, pr.Page.ObligationIDs(), pr.Err, j.snap.Dispatch.MaxPageRetries, j.o.nowFunc())
	if err := j.o.store.EnqueueDLQ(ctx, entry); err != nil {
		j.log.Error("orchestrator: enqueue dead letter", zap.String("page_key", pr.Page.Key), zap.Error(err))
	}
	j.o.emit(ctx, events.Event{
		Type:     events.PageFailed,
		BucketID: bucketID,
		RunDate:  model.FormatDate(j.run.RunDate),
		State:    model.RunDispatching,
		Vendor:   pr.Page.Vendor,
		Error:    pr.Err.Error(),
	})
}

// settleFailures records the obligations of failed pages: SENT on the
// fallback channel when the bucket redirects vendor failures, otherwise
// NOT_SENT with VENDOR_UNAVAILABLE.
func (j *job) settleFailures(ctx context.Context, p *partition) error {
	if len(p.failed) == 0 {
		return nil
	}
	policy := j.snap.ChannelsFor(p.res.BucketID)
	now := j.o.nowFunc().UTC()
	var recs []model.DispatchRecord
	for _, pr := range p.failed {
		for _, c := range pr.Page.Candidates {
			if policy.RedirectOnVendorFailure {
				recs = append(recs, sentRecord(c, p.res.BucketID, policy.Fallback, ""))
				j.run.Summary.Redirected++
				continue
			}
			ex := model.Exclusion{Candidate: c, Reason: model.ReasonVendorUnavailable, Rule: "dispatch"}
			rec := ex.NotSent(now)
			rec.BucketID = p.res.BucketID
			recs = append(recs, rec)
		}
	}
	br, err := j.recorder.RecordBatch(ctx, recs)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: record failed pages of %s", p.res.BucketID)
	}
	j.run.Summary.Conflicts += br.Conflicts
	j.log.Warn("orchestrator: vendor failures settled",
		zap.String("partition", p.res.BucketID),
		zap.Int("pages", len(p.failed)),
		zap.Int("obligations", len(recs)),
		zap.Bool("redirected", policy.RedirectOnVendorFailure),
		zap.String("fallback", policy.Fallback),
	)
	return nil
}

// record commits exclusions, direct placements, non-contact transitions and
// agency openings.
func (j *job) record(ctx context.Context) error {
	now := j.o.nowFunc().UTC()
	for _, p := range j.parts {
		recs := make([]model.DispatchRecord, 0, len(p.res.Excluded)+len(p.direct))
		for _, e := range p.res.Excluded {
			rec := e.NotSent(now)
			rec.BucketID = p.res.BucketID
			recs = append(recs, rec)
		}
		recs = append(recs, p.direct...)
		br, err := j.recorder.RecordBatch(ctx, recs)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: record %s", p.res.BucketID)
		}
		j.run.Summary.Conflicts += br.Conflicts

		stale, err := j.recorder.CommitTransitions(ctx, p.res.Transitions)
		if err != nil {
			return err
		}
		opened, err := j.recorder.OpenAssignments(ctx, p.alloc.Openings)
		if err != nil {
			return err
		}
		j.log.Info("orchestrator: partition recorded",
			zap.String("partition", p.res.BucketID),
			zap.Int("inserted", br.Inserted),
			zap.Int("duplicates", br.Duplicates),
			zap.Int("conflicts", br.Conflicts),
			zap.Int("transitions", len(p.res.Transitions)-stale),
			zap.Int("stale_transitions", stale),
			zap.Int("assignments_opened", opened),
		)
	}
	return nil
}

// complete derives the sent and not-sent breakdown from the stored records,
// so a re-run reports the same counts as the run that wrote them.
func (j *job) complete(ctx context.Context) error {
	s := &j.run.Summary
	s.SentBy = map[string]int{}
	s.NotSentBy = map[model.ExclusionReason]int{}
	if len(j.keys) == 0 {
		return nil
	}
	stored, err := j.o.store.GetDispatchRecords(ctx, j.keys)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load run records")
	}
	for _, rec := range stored {
		switch rec.Outcome {
		case model.OutcomeSent:
			s.SentBy[rec.Channel]++
		case model.OutcomeNotSent:
			s.NotSentBy[rec.Reason]++
		}
	}
	if missing := len(j.keys) - len(stored); missing > 0 {
		return eris.Errorf("orchestrator: %d candidates have no dispatch record", missing)
	}
	return nil
}

func candidateKey(c model.Candidate, bucketID string) model.DispatchKey {
	return model.DispatchKey{ObligationID: c.Obligation.ID, BucketID: bucketID, RunDate: model.FormatDate(c.RunDate)}
}

func sentRecord(c model.Candidate, bucketID, channel, taskID string) model.DispatchRecord {
	return model.DispatchRecord{
		ObligationID: c.Obligation.ID,
		AccountID:    c.Obligation.AccountID,
		BucketID:     bucketID,
		RunDate:      model.Day(c.RunDate),
		Channel:      channel,
		Outcome:      model.OutcomeSent,
		VendorTaskID: taskID,
	}
}
