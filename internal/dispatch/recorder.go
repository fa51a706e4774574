// Package dispatch writes the audit trail of a bucket run. Every candidate
// obligation gets exactly one record per (obligation, bucket, run date).
package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
)

// Store is the write side of the audit store. Each method call is its own
// transaction.
type Store interface {
	// InsertDispatchRecords inserts the records whose key does not exist yet
	// and returns the keys it inserted.
	InsertDispatchRecords(ctx context.Context, records []model.DispatchRecord) ([]model.DispatchKey, error)
	GetDispatchRecords(ctx context.Context, keys []model.DispatchKey) (map[model.DispatchKey]model.DispatchRecord, error)
	InsertDispatchConflicts(ctx context.Context, conflicts []model.DispatchConflict) error
	// DemoteNonContacted sets ExcludedFromBucket on each state whose stored
	// LastRunDate still equals the one given and returns the account ids it
	// rejected as stale.
	DemoteNonContacted(ctx context.Context, states []model.NonContactState) ([]int64, error)
	// OpenAssignments inserts assignments, ignoring ids that already exist.
	OpenAssignments(ctx context.Context, assignments []model.Assignment) (int, error)
}

// Status is the outcome of recording one record.
type Status string

const (
	StatusInserted  Status = "inserted"
	StatusDuplicate Status = "duplicate"
	StatusConflict  Status = "conflict"
)

// Result describes a single Record call. Record is the row as stored, which
// for duplicates and conflicts is the original.
type Result struct {
	Status Status
	Record model.DispatchRecord
}

// BatchResult sums a RecordBatch call.
type BatchResult struct {
	Inserted   int
	Duplicates int
	Conflicts  int
	Batches    int
}

// Add accumulates another result.
func (b *BatchResult) Add(o BatchResult) {
	b.Inserted += o.Inserted
	b.Duplicates += o.Duplicates
	b.Conflicts += o.Conflicts
	b.Batches += o.Batches
}

// DefaultBatchSize bounds a single insert transaction.
const DefaultBatchSize = 1000

// Recorder is the only component that commits run results.
type Recorder struct {
	store     Store
	batchSize int
	nowFunc   func() time.Time
	log       *zap.Logger
}

// NewRecorder creates a Recorder. A non-positive batchSize uses
// DefaultBatchSize.
func NewRecorder(store Store, batchSize int) *Recorder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Recorder{
		store:     store,
		batchSize: batchSize,
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "dispatch")),
	}
}

// Validate rejects records the audit trail must never contain.
func Validate(rec model.DispatchRecord) error {
	switch rec.Outcome {
	case model.OutcomeNotSent:
		if rec.Reason == "" {
			return eris.Wrapf(model.ErrMissingReason, "dispatch: obligation %d bucket %s", rec.ObligationID, rec.BucketID)
		}
		if !rec.Reason.Valid() {
			return eris.Errorf("dispatch: obligation %d has unknown reason %q", rec.ObligationID, rec.Reason)
		}
	case model.OutcomeSent:
		if rec.Channel == "" {
			return eris.Errorf("dispatch: sent obligation %d has no channel", rec.ObligationID)
		}
		if rec.Reason != "" {
			return eris.Errorf("dispatch: sent obligation %d carries reason %s", rec.ObligationID, rec.Reason)
		}
	default:
		return eris.Errorf("dispatch: obligation %d has unknown outcome %q", rec.ObligationID, rec.Outcome)
	}
	if rec.BucketID == "" || rec.RunDate.IsZero() {
		return eris.Errorf("dispatch: obligation %d is missing bucket or run date", rec.ObligationID)
	}
	return nil
}

// Record writes one record. Writing the same decision twice is a no-op that
// returns the original; writing a different decision for an existing key is a
// conflict that is logged and never overwrites.
func (r *Recorder) Record(ctx context.Context, rec model.DispatchRecord) (Result, error) {
	results, _, err := r.write(ctx, []model.DispatchRecord{rec})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// RecordBatch writes records in bounded batches. Records are validated up
// front so a bad record fails the call before anything is written. Batches
// commit independently; on error the committed batches stay and a retry
// treats them as duplicates.
func (r *Recorder) RecordBatch(ctx context.Context, records []model.DispatchRecord) (BatchResult, error) {
	var total BatchResult
	for _, rec := range records {
		if err := Validate(rec); err != nil {
			return total, err
		}
	}
	for start := 0; start < len(records); start += r.batchSize {
		end := min(start+r.batchSize, len(records))
		_, br, err := r.write(ctx, records[start:end])
		if err != nil {
			return total, eris.Wrapf(err, "dispatch: batch at offset %d", start)
		}
		total.Add(br)
	}
	return total, nil
}

func (r *Recorder) write(ctx context.Context, records []model.DispatchRecord) ([]Result, BatchResult, error) {
	now := r.nowFunc().UTC()
	prepared := make([]model.DispatchRecord, len(records))
	for i, rec := range records {
		if err := Validate(rec); err != nil {
			return nil, BatchResult{}, err
		}
		rec.RunDate = model.Day(rec.RunDate)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		prepared[i] = rec
	}

	inserted, err := r.store.InsertDispatchRecords(ctx, prepared)
	if err != nil {
		return nil, BatchResult{}, eris.Wrap(err, "dispatch: insert records")
	}
	fresh := make(map[model.DispatchKey]bool, len(inserted))
	for _, k := range inserted {
		fresh[k] = true
	}

	results := make([]Result, len(prepared))
	br := BatchResult{Batches: 1}
	var existingKeys []model.DispatchKey
	for i, rec := range prepared {
		if fresh[rec.Key()] {
			results[i] = Result{Status: StatusInserted, Record: rec}
			br.Inserted++
			// A key repeated within the batch is inserted once.
			delete(fresh, rec.Key())
			continue
		}
		existingKeys = append(existingKeys, rec.Key())
	}
	if len(existingKeys) == 0 {
		return results, br, nil
	}

	existing, err := r.store.GetDispatchRecords(ctx, existingKeys)
	if err != nil {
		return nil, BatchResult{}, eris.Wrap(err, "dispatch: load existing records")
	}

	var conflicts []model.DispatchConflict
	for i, rec := range prepared {
		if results[i].Status != "" {
			continue
		}
		orig, ok := existing[rec.Key()]
		if !ok {
			return nil, BatchResult{}, eris.Errorf("dispatch: record for obligation %d was neither inserted nor found", rec.ObligationID)
		}
		if orig.SameOutcome(rec) {
			results[i] = Result{Status: StatusDuplicate, Record: orig}
			br.Duplicates++
			continue
		}
		results[i] = Result{Status: StatusConflict, Record: orig}
		br.Conflicts++
		conflicts = append(conflicts, model.DispatchConflict{
			ObligationID:     rec.ObligationID,
			BucketID:         rec.BucketID,
			RunDate:          rec.RunDate,
			ExistingOutcome:  orig.Outcome,
			ExistingReason:   orig.Reason,
			ExistingChannel:  orig.Channel,
			AttemptedOutcome: rec.Outcome,
			AttemptedReason:  rec.Reason,
			AttemptedChannel: rec.Channel,
			DetectedAt:       now,
		})
		r.log.Warn("dispatch: conflicting outcome for recorded obligation",
			zap.Int64("obligation_id", rec.ObligationID),
			zap.String("bucket", rec.BucketID),
			zap.String("run_date", model.FormatDate(rec.RunDate)),
			zap.String("existing", string(orig.Outcome)+"/"+string(orig.Reason)+"/"+orig.Channel),
			zap.String("attempted", string(rec.Outcome)+"/"+string(rec.Reason)+"/"+rec.Channel),
		)
	}

	if len(conflicts) > 0 {
		if err := r.store.InsertDispatchConflicts(ctx, conflicts); err != nil {
			return nil, BatchResult{}, eris.Wrap(err, "dispatch: insert conflicts")
		}
	}
	return results, br, nil
}

// CommitTransitions persists non-contact demotions. A demotion whose counter
// moved since the resolver read it is stale; stale updates are logged and
// counted, not fatal.
func (r *Recorder) CommitTransitions(ctx context.Context, states []model.NonContactState) (stale int, err error) {
	if len(states) == 0 {
		return 0, nil
	}
	rejected, err := r.store.DemoteNonContacted(ctx, states)
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: commit non-contact transitions")
	}
	for _, id := range rejected {
		r.log.Warn("dispatch: stale non-contact update rejected",
			zap.Int64("account_id", id),
			zap.Error(model.ErrStaleUpdate),
		)
	}
	return len(rejected), nil
}

// OpenAssignments persists agency assignments created by the allocator.
func (r *Recorder) OpenAssignments(ctx context.Context, assignments []model.Assignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	n, err := r.store.OpenAssignments(ctx, assignments)
	return n, eris.Wrap(err, "dispatch: open assignments")
}
