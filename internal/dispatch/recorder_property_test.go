package dispatch

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sells-group/collection-cli/internal/model"
)

// Replaying any sequence of records leaves the store unchanged and reports
// every record as a duplicate.
func TestRecordBatch_IdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	reasons := []model.ExclusionReason{model.ReasonPTPFutureDate, model.ReasonVendorBlacklist, model.ReasonDataIntegrity}
	properties.Property("second write is a no-op", prop.ForAll(
		func(ids []int64, kinds []int) bool {
			var recs []model.DispatchRecord
			seen := map[int64]bool{}
			for i, id := range ids {
				if seen[id] {
					continue
				}
				seen[id] = true
				k := kinds[i%len(kinds)]
				if k == 0 {
					recs = append(recs, sent(id, "inhouse"))
				} else {
					recs = append(recs, notSent(id, reasons[k%len(reasons)]))
				}
			}
			store := newMemStore()
			r := NewRecorder(store, 7)

			first, err := r.RecordBatch(context.Background(), recs)
			if err != nil || first.Inserted != len(recs) {
				return false
			}
			snapshot := make(map[model.DispatchKey]model.DispatchRecord, len(store.records))
			for k, v := range store.records {
				snapshot[k] = v
			}
			second, err := r.RecordBatch(context.Background(), recs)
			if err != nil || second.Duplicates != len(recs) || second.Inserted != 0 || second.Conflicts != 0 {
				return false
			}
			if len(store.records) != len(snapshot) {
				return false
			}
			for k, v := range snapshot {
				if store.records[k] != v {
					return false
				}
			}
			for _, rec := range store.records {
				if rec.Outcome == model.OutcomeNotSent && rec.Reason == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 500)),
		gen.SliceOfN(4, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
