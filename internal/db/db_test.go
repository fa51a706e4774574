package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestCopyFrom(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "obligations", []string{"id"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock := newMock(t)
	mock.ExpectCopyFrom(pgx.Identifier{"ledger", "obligations"}, []string{"id", "account_id"}).WillReturnResult(2)
	n, err = CopyFrom(context.Background(), mock, "ledger.obligations", []string{"id", "account_id"}, [][]any{{1, 10}, {2, 10}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectCopyFrom(pgx.Identifier{"accounts"}, []string{"id"}).WillReturnError(errors.New("permission denied"))
	_, err = CopyFrom(context.Background(), mock, "accounts", []string{"id"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO accounts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIgnore_Validation(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, InsertConfig{Table: "t"}, [][]any{{1}}, nil)
	assert.ErrorContains(t, err, "no columns")

	_, err = InsertIgnore(context.Background(), nil, InsertConfig{Table: "t", Columns: []string{"a"}}, [][]any{{1}}, nil)
	assert.ErrorContains(t, err, "no conflict keys")
}

func TestInsertIgnore_Returning(t *testing.T) {
	mock := newMock(t)
	cfg := InsertConfig{
		Table:        "dispatch_records",
		Columns:      []string{"obligation_id", "bucket_id", "run_date"},
		ConflictKeys: []string{"obligation_id", "bucket_id", "run_date"},
		Returning:    []string{"obligation_id"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_insert_dispatch_records"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_dispatch_records"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectQuery(`ON CONFLICT .* DO NOTHING RETURNING "obligation_id"`).
		WillReturnRows(pgxmock.NewRows([]string{"obligation_id"}).AddRow(int64(7)))
	mock.ExpectCommit()
	mock.ExpectRollback()

	var got []int64
	n, err := InsertIgnore(context.Background(), mock, cfg, [][]any{{7, "B1", "2024-03-01"}, {8, "B1", "2024-03-01"}}, func(r pgx.Rows) error {
		var id int64
		if err := r.Scan(&id); err != nil {
			return err
		}
		got = append(got, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []int64{7}, got)
}

func TestInsertIgnore_ExecWithoutReturning(t *testing.T) {
	mock := newMock(t)
	cfg := InsertConfig{Table: "dispatch_conflicts", Columns: []string{"a"}, ConflictKeys: []string{"a"}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_dispatch_conflicts"}, cfg.Columns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "dispatch_conflicts"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := InsertIgnore(context.Background(), mock, cfg, [][]any{{1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertIgnore_CopyError(t *testing.T) {
	mock := newMock(t)
	cfg := InsertConfig{Table: "x", Columns: []string{"a"}, ConflictKeys: []string{"a"}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_x"}, cfg.Columns).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := InsertIgnore(context.Background(), mock, cfg, [][]any{{1}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for x")
	assert.NoError(t, mock.ExpectationsWereMet())
}
