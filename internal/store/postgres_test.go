package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresFindAccounts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, status, workflow, partner, autodebet_enabled FROM accounts WHERE id = ANY`).
		WithArgs([]int64{1, 2}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "workflow", "partner", "autodebet_enabled"}).
			AddRow(int64(1), "Active", "standard", "", false).
			AddRow(int64(2), "unknown_code", "partner_a", "acme", true))

	got, err := s.FindAccounts(context.Background(), []int64{1, 2, 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.AccountStatusActive, got[1].Status)
	assert.Equal(t, model.AccountStatus(""), got[2].Status)
	assert.Equal(t, "unknown_code", got[2].RawStatus)
	assert.True(t, got[2].AutodebetEnabled)
}

func TestPostgresFindAccounts_Empty(t *testing.T) {
	s, _ := newMockStore(t)
	got, err := s.FindAccounts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresInsertDispatchRecords(t *testing.T) {
	s, mock := newMockStore(t)
	runDate := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_insert_dispatch_records"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_dispatch_records"}, dispatchCols).WillReturnResult(2)
	mock.ExpectQuery(`INSERT INTO "dispatch_records" .* ON CONFLICT .* DO NOTHING RETURNING`).
		WillReturnRows(pgxmock.NewRows([]string{"obligation_id", "bucket_id", "run_date"}).
			AddRow(int64(10), "B1", runDate))
	mock.ExpectCommit()
	mock.ExpectRollback()

	keys, err := s.InsertDispatchRecords(context.Background(), []model.DispatchRecord{
		{ObligationID: 10, AccountID: 1, BucketID: "B1", RunDate: runDate, Channel: "inhouse", Outcome: model.OutcomeSent},
		{ObligationID: 11, AccountID: 2, BucketID: "B1", RunDate: runDate, Outcome: model.OutcomeNotSent, Reason: model.ReasonPartnerAccount},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.DispatchKey{{ObligationID: 10, BucketID: "B1", RunDate: "2026-04-10"}}, keys)
}

func TestPostgresUpsertNonContactStates_Stale(t *testing.T) {
	s, mock := newMockStore(t)
	runDate := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO non_contact_states`).
		WithArgs(int64(1), 2, false, runDate).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO non_contact_states`).
		WithArgs(int64(2), 1, false, runDate).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	stale, err := s.UpsertNonContactStates(context.Background(), []model.NonContactState{
		{AccountID: 1, Consecutive: 2, LastRunDate: runDate},
		{AccountID: 2, Consecutive: 1, LastRunDate: runDate},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, stale)
}

func TestPostgresDemoteNonContacted(t *testing.T) {
	s, mock := newMockStore(t)
	lastRun := time.Date(2026, 4, 9, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE non_contact_states SET excluded_from_bucket = true`).
		WithArgs(int64(1), lastRun).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE non_contact_states SET excluded_from_bucket = true`).
		WithArgs(int64(2), lastRun).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	stale, err := s.DemoteNonContacted(context.Background(), []model.NonContactState{
		{AccountID: 1, Consecutive: 5, ExcludedFromBucket: true, LastRunDate: lastRun},
		{AccountID: 2, Consecutive: 5, ExcludedFromBucket: true, LastRunDate: lastRun},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, stale)
}

func TestPostgresReserveChannel(t *testing.T) {
	s, mock := newMockStore(t)
	runDate := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	k1 := model.DispatchKey{ObligationID: 100, BucketID: "B2", RunDate: "2026-04-10"}
	k2 := model.DispatchKey{ObligationID: 200, BucketID: "B2", RunDate: "2026-04-10"}
	k3 := model.DispatchKey{ObligationID: 300, BucketID: "B2", RunDate: "2026-04-10"}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("predictive/2026-04-10").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`INSERT INTO channel_reservations`).
		WithArgs(runDate, "predictive", "B2", int64(100), 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO channel_reservations`).
		WithArgs(runDate, "predictive", "B2", int64(200), 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(runDate, "predictive", "B2", int64(200)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO channel_reservations`).
		WithArgs(runDate, "predictive", "B2", int64(300), 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(runDate, "predictive", "B2", int64(300)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectCommit()
	mock.ExpectRollback()

	granted, err := s.ReserveChannel(context.Background(), runDate, "predictive", 2, []model.DispatchKey{k1, k2, k3})
	require.NoError(t, err)
	assert.Equal(t, []model.DispatchKey{k1, k2}, granted)
}

func TestPostgresChannelUsage(t *testing.T) {
	s, mock := newMockStore(t)
	runDate := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT channel, count\(\*\) FROM channel_reservations`).
		WithArgs(runDate).
		WillReturnRows(pgxmock.NewRows([]string{"channel", "count"}).AddRow("predictive", 3).AddRow("agency_alpha", 1))

	usage, err := s.ChannelUsage(context.Background(), runDate)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"predictive": 3, "agency_alpha": 1}, usage)
}

func TestPostgresReleaseChannel(t *testing.T) {
	s, mock := newMockStore(t)
	runDate := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM channel_reservations`).
		WithArgs(runDate, "predictive", "B2", int64(100)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := s.ReleaseChannel(context.Background(), runDate, "predictive", []model.DispatchKey{{ObligationID: 100, BucketID: "B2", RunDate: "2026-04-10"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresGetBucketRun_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM bucket_runs WHERE bucket_id = \$1`).
		WithArgs("B1", time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)).
		WillReturnError(pgx.ErrNoRows)

	run, err := s.GetBucketRun(context.Background(), "B1", time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestPostgresTransferAssignment_Stale(t *testing.T) {
	s, mock := newMockStore(t)
	on := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE assignments SET closed_on`).
		WithArgs(on, "a1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	from := &model.Assignment{ID: "a1", AccountID: 7, Target: model.AgencyTarget{ID: "x"}}
	to := model.Assignment{ID: "a2", AccountID: 7, Target: model.AgentTarget{ID: "agent_1"}, AssignedOn: on}
	err := s.TransferAssignment(context.Background(), from, to, model.AssignmentTransfer{
		ID: "t1", AccountID: 7, FromAssignment: "a1", ToAssignment: "a2", From: from.Target, To: to.Target, Reason: "manual", TransferredOn: on,
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrStaleUpdate))
}

func TestPostgresMarkVendorTaskSynced_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE vendor_tasks SET status`).
		WithArgs("synced", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkVendorTaskSynced(context.Background(), "missing")
	assert.True(t, eris.Is(err, model.ErrNotFound))
}

func TestPostgresCountDLQ(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
