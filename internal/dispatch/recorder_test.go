package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
)

var runDate = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

type memStore struct {
	records     map[model.DispatchKey]model.DispatchRecord
	conflicts   []model.DispatchConflict
	states      map[int64]model.NonContactState
	assignments map[string]model.Assignment
	inserts     int
	failAfter   int
}

func newMemStore() *memStore {
	return &memStore{
		records:     map[model.DispatchKey]model.DispatchRecord{},
		states:      map[int64]model.NonContactState{},
		assignments: map[string]model.Assignment{},
		failAfter:   -1,
	}
}

func (m *memStore) InsertDispatchRecords(_ context.Context, recs []model.DispatchRecord) ([]model.DispatchKey, error) {
	if m.failAfter >= 0 && m.inserts >= m.failAfter {
		return nil, errors.New("connection reset by peer")
	}
	m.inserts++
	var keys []model.DispatchKey
	for _, r := range recs {
		if _, ok := m.records[r.Key()]; ok {
			continue
		}
		m.records[r.Key()] = r
		keys = append(keys, r.Key())
	}
	return keys, nil
}

func (m *memStore) GetDispatchRecords(_ context.Context, keys []model.DispatchKey) (map[model.DispatchKey]model.DispatchRecord, error) {
	out := map[model.DispatchKey]model.DispatchRecord{}
	for _, k := range keys {
		if r, ok := m.records[k]; ok {
			out[k] = r
		}
	}
	return out, nil
}

func (m *memStore) InsertDispatchConflicts(_ context.Context, c []model.DispatchConflict) error {
	m.conflicts = append(m.conflicts, c...)
	return nil
}

func (m *memStore) DemoteNonContacted(_ context.Context, states []model.NonContactState) ([]int64, error) {
	var stale []int64
	for _, s := range states {
		cur, ok := m.states[s.AccountID]
		if !ok || cur.ExcludedFromBucket || !cur.LastRunDate.Equal(s.LastRunDate) {
			stale = append(stale, s.AccountID)
			continue
		}
		cur.ExcludedFromBucket = true
		m.states[s.AccountID] = cur
	}
	return stale, nil
}

func (m *memStore) OpenAssignments(_ context.Context, as []model.Assignment) (int, error) {
	n := 0
	for _, a := range as {
		if _, ok := m.assignments[a.ID]; ok {
			continue
		}
		m.assignments[a.ID] = a
		n++
	}
	return n, nil
}

func notSent(id int64, reason model.ExclusionReason) model.DispatchRecord {
	return model.DispatchRecord{ObligationID: id, AccountID: id, BucketID: "B1", RunDate: runDate, Outcome: model.OutcomeNotSent, Reason: reason}
}

func sent(id int64, channel string) model.DispatchRecord {
	return model.DispatchRecord{ObligationID: id, AccountID: id, BucketID: "B1", RunDate: runDate, Outcome: model.OutcomeSent, Channel: channel}
}

func TestRecord_InsertThenDuplicate(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, 10)

	res, err := r.Record(context.Background(), notSent(1, model.ReasonPTPFutureDate))
	require.NoError(t, err)
	assert.Equal(t, StatusInserted, res.Status)
	assert.False(t, res.Record.CreatedAt.IsZero())

	again, err := r.Record(context.Background(), notSent(1, model.ReasonPTPFutureDate))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
	assert.Equal(t, res.Record.CreatedAt, again.Record.CreatedAt, "duplicate returns the original")
	assert.Len(t, store.records, 1)
	assert.Empty(t, store.conflicts)
}

func TestRecord_ConflictKeepsOriginal(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, 10)

	_, err := r.Record(context.Background(), sent(1, "robocall"))
	require.NoError(t, err)

	res, err := r.Record(context.Background(), notSent(1, model.ReasonVendorBlacklist))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, model.OutcomeSent, res.Record.Outcome)

	stored := store.records[sent(1, "robocall").Key()]
	assert.Equal(t, model.OutcomeSent, stored.Outcome)
	require.Len(t, store.conflicts, 1)
	assert.Equal(t, model.OutcomeSent, store.conflicts[0].ExistingOutcome)
	assert.Equal(t, model.ReasonVendorBlacklist, store.conflicts[0].AttemptedReason)

	res, err = r.Record(context.Background(), sent(1, "inhouse"))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status, "different channel is a different decision")
}

func TestRecord_RejectsNotSentWithoutReason(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, 10)

	_, err := r.Record(context.Background(), notSent(1, ""))
	assert.ErrorIs(t, err, model.ErrMissingReason)

	_, err = r.RecordBatch(context.Background(), []model.DispatchRecord{sent(2, "inhouse"), notSent(3, "")})
	assert.ErrorIs(t, err, model.ErrMissingReason)
	assert.Empty(t, store.records, "validation runs before any batch is written")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		rec  model.DispatchRecord
		ok   bool
	}{
		{"sent", sent(1, "inhouse"), true},
		{"not sent", notSent(1, model.ReasonDataIntegrity), true},
		{"unknown reason", notSent(1, "BECAUSE"), false},
		{"sent without channel", sent(1, ""), false},
		{"sent with reason", func() model.DispatchRecord { r := sent(1, "x"); r.Reason = model.ReasonWrittenOff; return r }(), false},
		{"unknown outcome", model.DispatchRecord{ObligationID: 1, BucketID: "B1", RunDate: runDate, Outcome: "MAYBE"}, false},
		{"missing bucket", model.DispatchRecord{ObligationID: 1, RunDate: runDate, Outcome: model.OutcomeSent, Channel: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rec)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRecordBatch_BoundedAndResumable(t *testing.T) {
	store := newMemStore()
	store.failAfter = 2
	r := NewRecorder(store, 3)

	var recs []model.DispatchRecord
	for i := int64(1); i <= 8; i++ {
		recs = append(recs, sent(i, "inhouse"))
	}

	res, err := r.RecordBatch(context.Background(), recs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 6")
	assert.Equal(t, 6, res.Inserted)
	assert.Equal(t, 2, res.Batches)

	store.failAfter = -1
	res, err = r.RecordBatch(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 6, res.Duplicates)
	assert.Equal(t, 3, res.Batches)
	assert.Len(t, store.records, 8)
}

func TestRecordBatch_RepeatedKeyInBatch(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, 10)

	res, err := r.RecordBatch(context.Background(), []model.DispatchRecord{
		notSent(1, model.ReasonWrittenOff),
		notSent(1, model.ReasonWrittenOff),
		notSent(1, model.ReasonDataIntegrity),
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Inserted: 1, Duplicates: 1, Conflicts: 1, Batches: 1}, res)
}

func TestCommitTransitions_Stale(t *testing.T) {
	store := newMemStore()
	yesterday := runDate.AddDate(0, 0, -1)
	// Account 1 was contacted today after the resolver read yesterday's counter.
	store.states[1] = model.NonContactState{AccountID: 1, LastRunDate: runDate}
	store.states[2] = model.NonContactState{AccountID: 2, Consecutive: 5, LastRunDate: yesterday}
	r := NewRecorder(store, 0)

	stale, err := r.CommitTransitions(context.Background(), []model.NonContactState{
		{AccountID: 1, Consecutive: 5, ExcludedFromBucket: true, LastRunDate: yesterday},
		{AccountID: 2, Consecutive: 5, ExcludedFromBucket: true, LastRunDate: yesterday},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stale)
	assert.False(t, store.states[1].ExcludedFromBucket, "same-day contact reset survives")
	assert.Zero(t, store.states[1].Consecutive)
	assert.True(t, store.states[2].ExcludedFromBucket)
	assert.Equal(t, yesterday, store.states[2].LastRunDate)

	stale, err = r.CommitTransitions(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stale)
}

func TestOpenAssignments(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, 0)
	as := []model.Assignment{{ID: "a", AccountID: 1, Target: model.AgencyTarget{ID: "x"}}}

	n, err := r.OpenAssignments(context.Background(), as)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.OpenAssignments(context.Background(), as)
	require.NoError(t, err)
	assert.Zero(t, n)
}
