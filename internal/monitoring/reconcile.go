package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
	"github.com/sells-group/collection-cli/internal/store"
)

// ReconcileRow compares one (bucket, reason) count recomputed from the audit
// trail with the count in the bucket's stored run summary.
type ReconcileRow struct {
	BucketID   string                `json:"bucket_id"`
	Reason     model.ExclusionReason `json:"reason"`
	Recorded   int                   `json:"recorded"`
	Summarized int                   `json:"summarized"`
}

// Matches reports whether the two counts agree.
func (r ReconcileRow) Matches() bool { return r.Recorded == r.Summarized }

// Reconciliation is the result of reconciling a run date.
type Reconciliation struct {
	RunDate string         `json:"run_date"`
	Rows    []ReconcileRow `json:"rows"`
	// Unfinished lists buckets with records but no completed run; their
	// summaries are not compared.
	Unfinished []string `json:"unfinished,omitempty"`
	Mismatches int      `json:"mismatches"`
}

// OK reports whether every row matches.
func (r *Reconciliation) OK() bool { return r.Mismatches == 0 }

// Reconciler recomputes NOT_SENT counts for a historical date.
type Reconciler struct {
	store Store
	snap  *snapshot.Snapshot
	log   *zap.Logger
}

// NewReconciler creates a Reconciler. snap maps sub-buckets to the parent
// whose run summary includes them.
func NewReconciler(st Store, snap *snapshot.Snapshot) *Reconciler {
	return &Reconciler{store: st, snap: snap, log: zap.L().With(zap.String("component", "monitoring.reconcile"))}
}

type reconcileKey struct {
	bucket string
	reason model.ExclusionReason
}

// Reconcile recomputes per-bucket, per-reason NOT_SENT counts from
// dispatch_records and compares them with the completed runs' summaries.
func (r *Reconciler) Reconcile(ctx context.Context, runDate time.Time) (*Reconciliation, error) {
	runDate = model.Day(runDate)
	counts, err := r.store.NotSentByReason(ctx, runDate)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: recompute not-sent counts")
	}
	runs, err := r.store.ListBucketRuns(ctx, store.RunFilter{RunDate: runDate, Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list bucket runs")
	}

	completed := map[string]model.BucketRun{}
	for _, run := range runs {
		if run.State == model.RunCompleted {
			completed[run.BucketID] = run
		}
	}

	rows := map[reconcileKey]*ReconcileRow{}
	row := func(bucket string, reason model.ExclusionReason) *ReconcileRow {
		k := reconcileKey{bucket, reason}
		if rows[k] == nil {
			rows[k] = &ReconcileRow{BucketID: bucket, Reason: reason}
		}
		return rows[k]
	}

	unfinished := map[string]bool{}
	for _, c := range counts {
		owner := r.owner(c.BucketID)
		if _, ok := completed[owner]; !ok {
			unfinished[owner] = true
			continue
		}
		row(owner, c.Reason).Recorded += c.Count
	}
	for id, run := range completed {
		for reason, n := range run.Summary.NotSentBy {
			row(id, reason).Summarized += n
		}
	}

	out := &Reconciliation{RunDate: model.FormatDate(runDate)}
	for _, rr := range rows {
		out.Rows = append(out.Rows, *rr)
		if !rr.Matches() {
			out.Mismatches++
			r.log.Warn("monitoring: not-sent count mismatch",
				zap.String("bucket", rr.BucketID),
				zap.String("reason", string(rr.Reason)),
				zap.Int("recorded", rr.Recorded),
				zap.Int("summarized", rr.Summarized),
			)
		}
	}
	sort.Slice(out.Rows, func(i, j int) bool {
		if out.Rows[i].BucketID != out.Rows[j].BucketID {
			return out.Rows[i].BucketID < out.Rows[j].BucketID
		}
		return out.Rows[i].Reason < out.Rows[j].Reason
	})
	for id := range unfinished {
		out.Unfinished = append(out.Unfinished, id)
	}
	sort.Strings(out.Unfinished)
	return out, nil
}

// owner returns the bucket whose job writes records for bucketID.
func (r *Reconciler) owner(bucketID string) string {
	if r.snap == nil {
		return bucketID
	}
	if b, ok := r.snap.Bucket(bucketID); ok && b.IsSubBucket() {
		return b.Parent
	}
	return bucketID
}
