package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/monitoring"
	"github.com/sells-group/collection-cli/internal/orchestrator"
	"github.com/sells-group/collection-cli/internal/runlock"
	"github.com/sells-group/collection-cli/internal/snapshot"
	"github.com/sells-group/collection-cli/internal/store"
)

var runDate = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunBucket(ctx context.Context, bucketID string, d time.Time, opts orchestrator.RunOptions) (*model.BucketRun, error) {
	args := m.Called(ctx, bucketID, d, opts)
	run, _ := args.Get(0).(*model.BucketRun)
	return run, args.Error(1)
}

type staticSnapshot struct{ snap *snapshot.Snapshot }

func (s staticSnapshot) Load(context.Context) (*snapshot.Snapshot, error) { return s.snap, nil }

func setup(t *testing.T) (*store.SQLiteStore, *mockRunner, http.Handler) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "collection.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	snap := snapshot.Default()
	require.NoError(t, snap.Finalize(runDate))

	runner := &mockRunner{}
	srv := NewServer(st, runner, staticSnapshot{snap: snap})
	return st, runner, srv.Router([]string{"*"})
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedRun(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveBucketRun(ctx, &model.BucketRun{
		BucketID: "B1",
		RunDate:  runDate,
		State:    model.RunCompleted,
		Attempts: 1,
		Summary: model.RunSummary{
			Candidates: 3,
			SentBy:     map[string]int{model.InHouseChannel: 1},
			NotSentBy:  map[model.ExclusionReason]int{model.ReasonPTPFutureDate: 1, model.ReasonVendorBlacklist: 1},
		},
		StartedAt: runDate,
		UpdatedAt: runDate,
	}))
	_, err := st.InsertDispatchRecords(ctx, []model.DispatchRecord{
		{ObligationID: 100, AccountID: 1, BucketID: "B1", RunDate: runDate, Channel: model.InHouseChannel, Outcome: model.OutcomeSent},
		{ObligationID: 200, AccountID: 2, BucketID: "B1", RunDate: runDate, Outcome: model.OutcomeNotSent, Reason: model.ReasonPTPFutureDate},
		{ObligationID: 300, AccountID: 3, BucketID: "B1", RunDate: runDate, Outcome: model.OutcomeNotSent, Reason: model.ReasonVendorBlacklist},
	})
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	_, _, h := setup(t)
	rec := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListRuns(t *testing.T) {
	st, _, h := setup(t)
	seedRun(t, st)

	rec := do(t, h, http.MethodGet, "/runs?date=2026-04-10")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.BucketRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "B1", runs[0].BucketID)

	rec = do(t, h, http.MethodGet, "/runs?date=2026-04-11")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/runs?date=april")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	st, _, h := setup(t)
	seedRun(t, st)

	rec := do(t, h, http.MethodGet, "/runs/B1/2026-04-10")
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.BucketRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.RunCompleted, run.State)
	assert.Equal(t, 3, run.Summary.Candidates)

	rec = do(t, h, http.MethodGet, "/runs/B2/2026-04-10")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotSent(t *testing.T) {
	st, _, h := setup(t)
	seedRun(t, st)

	rec := do(t, h, http.MethodGet, "/runs/B1/2026-04-10/not-sent")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp notSentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 2)
	assert.Len(t, resp.ByReason, 2)

	rec = do(t, h, http.MethodGet, "/runs/B1/2026-04-10/not-sent?reason=PTP_FUTURE_DATE")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, int64(200), resp.Records[0].ObligationID)

	rec = do(t, h, http.MethodGet, "/runs/B1/2026-04-10/not-sent?reason=BOGUS")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRun_Wait(t *testing.T) {
	_, runner, h := setup(t)
	runner.On("RunBucket", mock.Anything, "B1", runDate, orchestrator.RunOptions{Force: true}).
		Return(&model.BucketRun{BucketID: "B1", RunDate: runDate, State: model.RunCompleted}, nil).Once()

	rec := do(t, h, http.MethodPost, "/runs/B1/2026-04-10?wait=true&force=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.BucketRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.RunCompleted, run.State)
	runner.AssertExpectations(t)
}

func TestTriggerRun_Errors(t *testing.T) {
	_, runner, h := setup(t)
	runner.On("RunBucket", mock.Anything, "B1", runDate, mock.Anything).
		Return(nil, eris.Wrap(runlock.ErrRunLocked, "orchestrator: lock")).Once()
	runner.On("RunBucket", mock.Anything, "B9", runDate, mock.Anything).
		Return(nil, eris.Wrap(model.ErrUnknownBucket, "orchestrator: B9")).Once()
	runner.On("RunBucket", mock.Anything, "B2", runDate, mock.Anything).
		Return(&model.BucketRun{BucketID: "B2", State: model.RunFailed, Error: "boom"}, eris.New("boom")).Once()

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/runs/B1/2026-04-10?wait=true").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/runs/B9/2026-04-10?wait=true").Code)

	rec := do(t, h, http.MethodPost, "/runs/B2/2026-04-10?wait=true")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"failed"`)
}

func TestTriggerRun_Async(t *testing.T) {
	_, runner, h := setup(t)
	done := make(chan struct{})
	runner.On("RunBucket", mock.Anything, "B1", runDate, orchestrator.RunOptions{}).
		Run(func(mock.Arguments) { close(done) }).
		Return(&model.BucketRun{State: model.RunCompleted}, nil).Once()

	rec := do(t, h, http.MethodPost, "/runs/B1/2026-04-10")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bucket job was not started")
	}
}

func TestStatus(t *testing.T) {
	st, _, h := setup(t)
	seedRun(t, st)

	rec := do(t, h, http.MethodGet, "/status/2026-04-10")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Completed)
	require.Len(t, snap.Buckets, 1)
	assert.Equal(t, 2, snap.Buckets[0].NotSent)
}

func TestReconcile(t *testing.T) {
	st, _, h := setup(t)
	seedRun(t, st)

	rec := do(t, h, http.MethodGet, "/reconcile/2026-04-10")
	require.Equal(t, http.StatusOK, rec.Code)
	var out monitoring.Reconciliation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0, out.Mismatches)
	assert.Len(t, out.Rows, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/reconcile/not-a-date").Code)
}

func TestCORSPreflight(t *testing.T) {
	_, _, h := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
