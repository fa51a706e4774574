// Package contact folds vendor call outcomes into the per-account
// no-contact counter that drives non-contact demotion.
package contact

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/collection-cli/internal/dialer"
	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// Store is the slice of the collection store the tracker uses.
type Store interface {
	FindNonContactStates(ctx context.Context, accountIDs []int64) (map[int64]model.NonContactState, error)
	UpsertNonContactStates(ctx context.Context, states []model.NonContactState) ([]int64, error)
	ListVendorTasks(ctx context.Context, runDate time.Time, status model.VendorTaskStatus) ([]model.VendorTask, error)
	MarkVendorTaskSynced(ctx context.Context, taskID string) error
}

// Outcome is one account's call result for a run date.
type Outcome struct {
	AccountID int64
	// BucketID selects the demotion threshold.
	BucketID  string
	RunDate   time.Time
	Contacted bool
}

// Tracker applies outcomes last-writer-wins, ordered by run date.
type Tracker struct {
	store       Store
	snap        *snapshot.Snapshot
	registry    *dialer.Registry
	concurrency int
	log         *zap.Logger
}

// NewTracker creates a Tracker. registry is only needed by SyncOutcomes.
func NewTracker(store Store, snap *snapshot.Snapshot, registry *dialer.Registry) *Tracker {
	return &Tracker{
		store:       store,
		snap:        snap,
		registry:    registry,
		concurrency: 4,
		log:         zap.L().With(zap.String("component", "contact")),
	}
}

// Apply advances one account's counter. An outcome for the run date already
// stored is a replay and returns the stored state unchanged. An outcome older
// than the stored state returns model.ErrStaleUpdate and changes nothing.
func (t *Tracker) Apply(ctx context.Context, o Outcome) (model.NonContactState, error) {
	res, err := t.apply(ctx, []Outcome{o})
	if err != nil {
		return model.NonContactState{}, err
	}
	if len(res.stale) > 0 {
		return model.NonContactState{}, eris.Wrapf(model.ErrStaleUpdate, "contact: account %d on %s", o.AccountID, model.FormatDate(o.RunDate))
	}
	return res.states[0], nil
}

type applied struct {
	states []model.NonContactState
	stale  []int64
	// replayed counts outcomes whose run date was already applied.
	replayed int
}

func (t *Tracker) apply(ctx context.Context, outcomes []Outcome) (applied, error) {
	ids := make([]int64, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.AccountID
	}
	current, err := t.store.FindNonContactStates(ctx, ids)
	if err != nil {
		return applied{}, eris.Wrap(err, "contact: load non-contact states")
	}

	var out applied
	var replays []model.NonContactState
	for _, o := range outcomes {
		runDate := model.Day(o.RunDate)
		prev, ok := current[o.AccountID]
		if !ok {
			prev = model.NonContactState{AccountID: o.AccountID}
		}
		switch {
		case prev.LastRunDate.After(runDate):
			out.stale = append(out.stale, o.AccountID)
			continue
		case ok && prev.LastRunDate.Equal(runDate):
			replays = append(replays, prev)
			continue
		}
		out.states = append(out.states, prev.Advance(runDate, o.Contacted, t.snap.NonContactThreshold(o.BucketID)))
	}
	out.replayed = len(replays)

	rejected, err := t.store.UpsertNonContactStates(ctx, out.states)
	if err != nil {
		return applied{}, eris.Wrap(err, "contact: upsert non-contact states")
	}
	if len(rejected) > 0 {
		// Lost a race with a newer writer between the read and the upsert.
		drop := make(map[int64]bool, len(rejected))
		for _, id := range rejected {
			drop[id] = true
		}
		kept := out.states[:0]
		for _, s := range out.states {
			if !drop[s.AccountID] {
				kept = append(kept, s)
			}
		}
		out.states = kept
		out.stale = append(out.stale, rejected...)
	}
	out.states = append(out.states, replays...)
	for _, id := range out.stale {
		t.log.Warn("contact: stale outcome rejected", zap.Int64("account_id", id), zap.Error(model.ErrStaleUpdate))
	}
	return out, nil
}

// SyncResult sums a SyncOutcomes call.
type SyncResult struct {
	Tasks     int `json:"tasks"`
	Synced    int `json:"synced"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Accounts  int `json:"accounts"`
	Contacted int `json:"contacted"`
	Demoted   int `json:"demoted"`
	Stale     int `json:"stale"`
	Replayed  int `json:"replayed"`
}

type taskOutcome struct {
	task    model.VendorTask
	outcome *dialer.TaskOutcome
}

// SyncOutcomes fetches the outcomes of every submitted vendor task for
// runDate and folds completed ones into the counters. An account reached on
// any task of the day counts as contacted. Tasks still pending at the vendor
// are left for the next sync; fetch failures are logged and counted.
func (t *Tracker) SyncOutcomes(ctx context.Context, runDate time.Time) (SyncResult, error) {
	runDate = model.Day(runDate)
	tasks, err := t.store.ListVendorTasks(ctx, runDate, model.VendorTaskSubmitted)
	if err != nil {
		return SyncResult{}, eris.Wrap(err, "contact: list vendor tasks")
	}
	res := SyncResult{Tasks: len(tasks)}
	if len(tasks) == 0 {
		return res, nil
	}

	fetched := make([]taskOutcome, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			client, err := t.registry.Get(task.Vendor)
			if err != nil {
				t.log.Error("contact: no client for vendor", zap.String("vendor", task.Vendor), zap.Error(err))
				return nil
			}
			out, err := client.FetchOutcome(gctx, task.TaskID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				t.log.Warn("contact: fetch outcome", zap.String("task_id", task.TaskID), zap.String("vendor", task.Vendor), zap.Error(err))
				return nil
			}
			fetched[i] = taskOutcome{task: task, outcome: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, eris.Wrap(err, "contact: fetch outcomes")
	}

	byAccount := map[int64]*Outcome{}
	var done []string
	for _, f := range fetched {
		switch {
		case f.outcome == nil:
			res.Failed++
			continue
		case f.outcome.Status != dialer.TaskComplete:
			res.Pending++
			continue
		}
		done = append(done, f.task.TaskID)
		for _, c := range f.outcome.Contacts {
			o, ok := byAccount[c.AccountID]
			if !ok {
				o = &Outcome{AccountID: c.AccountID, BucketID: f.task.BucketID, RunDate: runDate}
				byAccount[c.AccountID] = o
			}
			o.Contacted = o.Contacted || c.Contacted
		}
	}

	outcomes := make([]Outcome, 0, len(byAccount))
	for _, o := range byAccount {
		outcomes = append(outcomes, *o)
		if o.Contacted {
			res.Contacted++
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].AccountID < outcomes[j].AccountID })
	res.Accounts = len(outcomes)

	if len(outcomes) > 0 {
		a, err := t.apply(ctx, outcomes)
		if err != nil {
			return res, err
		}
		res.Stale = len(a.stale)
		res.Replayed = a.replayed
		for _, s := range a.states {
			if s.ExcludedFromBucket {
				res.Demoted++
			}
		}
	}

	for _, id := range done {
		if err := t.store.MarkVendorTaskSynced(ctx, id); err != nil {
			return res, eris.Wrapf(err, "contact: mark task %s synced", id)
		}
		res.Synced++
	}

	t.log.Info("contact: outcomes synced",
		zap.String("run_date", model.FormatDate(runDate)),
		zap.Int("tasks", res.Tasks),
		zap.Int("synced", res.Synced),
		zap.Int("pending", res.Pending),
		zap.Int("failed", res.Failed),
		zap.Int("accounts", res.Accounts),
		zap.Int("demoted", res.Demoted),
		zap.Int("stale", res.Stale),
		zap.Int("replayed", res.Replayed),
	)
	return res, nil
}
