package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/resilience"
)

const sqliteRunSelect = `SELECT bucket_id, run_date, state, last_completed_step, attempts, summary, error, started_at, updated_at FROM bucket_runs`

func scanSQLiteRun(row rowScanner) (*model.BucketRun, error) {
	var r model.BucketRun
	var runDate, state, last, summary, started, updated string
	if err := row.Scan(&r.BucketID, &runDate, &state, &last, &r.Attempts, &summary, &r.Error, &started, &updated); err != nil {
		return nil, err
	}
	var err error
	if r.RunDate, err = parseDay(runDate); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTS(started); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	r.State, r.LastCompletedStep = model.RunState(state), model.RunState(last)
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
	}
	return &r, nil
}

// GetBucketRun returns nil, nil when the bucket has not run on runDate.
func (s *SQLiteStore) GetBucketRun(ctx context.Context, bucketID string, runDate time.Time) (*model.BucketRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, sqliteRunSelect+` WHERE bucket_id = ? AND run_date = ?`, bucketID, day(runDate)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get bucket run %s", bucketID)
	}
	return r, nil
}

func (s *SQLiteStore) SaveBucketRun(ctx context.Context, run *model.BucketRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bucket_runs (bucket_id, run_date, state, last_completed_step, attempts, summary, error, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_id, run_date) DO UPDATE SET
			state = excluded.state,
			last_completed_step = excluded.last_completed_step,
			attempts = excluded.attempts,
			summary = excluded.summary,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		run.BucketID, day(run.RunDate), string(run.State), string(run.LastCompletedStep), run.Attempts, string(summary), run.Error, ts(run.StartedAt), ts(run.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: save bucket run %s", run.BucketID)
}

func (s *SQLiteStore) ListBucketRuns(ctx context.Context, f RunFilter) ([]model.BucketRun, error) {
	query := sqliteRunSelect + ` WHERE 1=1`
	var args []any
	if !f.RunDate.IsZero() {
		query += ` AND run_date = ?`
		args = append(args, day(f.RunDate))
	}
	if f.BucketID != "" {
		query += ` AND bucket_id = ?`
		args = append(args, f.BucketID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY run_date DESC, bucket_id LIMIT ?`
	args = append(args, defaultLimit(f.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bucket runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BucketRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bucket run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list bucket runs iterate")
}

func (s *SQLiteStore) SaveVendorTask(ctx context.Context, t model.VendorTask) error {
	obligations, err := json.Marshal(t.ObligationIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task obligations")
	}
	accounts, err := json.Marshal(t.AccountIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task accounts")
	}
	if t.Status == "" {
		t.Status = model.VendorTaskSubmitted
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO vendor_tasks (task_id, vendor, bucket_id, run_date, page_key, obligation_ids, account_ids, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Vendor, t.BucketID, day(t.RunDate), t.PageKey, string(obligations), string(accounts), string(t.Status), ts(t.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: save vendor task %s", t.TaskID)
}

func (s *SQLiteStore) ListVendorTasks(ctx context.Context, runDate time.Time, status model.VendorTaskStatus) ([]model.VendorTask, error) {
	query := `SELECT task_id, vendor, bucket_id, run_date, page_key, obligation_ids, account_ids, status, created_at FROM vendor_tasks WHERE run_date = ?`
	args := []any{day(runDate)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vendor tasks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.VendorTask
	for rows.Next() {
		var t model.VendorTask
		var rd, obligations, accounts, st, created string
		if err := rows.Scan(&t.TaskID, &t.Vendor, &t.BucketID, &rd, &t.PageKey, &obligations, &accounts, &st, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vendor task")
		}
		if t.RunDate, err = parseDay(rd); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(obligations), &t.ObligationIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task obligations")
		}
		if err := json.Unmarshal([]byte(accounts), &t.AccountIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task accounts")
		}
		t.Status = model.VendorTaskStatus(st)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list vendor tasks iterate")
}

func (s *SQLiteStore) MarkVendorTaskSynced(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE vendor_tasks SET status = ? WHERE task_id = ?`, string(model.VendorTaskSynced), taskID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark task synced %s", taskID)
	}
	return checkRowsAffected(res, "vendor task", taskID)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	ids, err := json.Marshal(e.ObligationIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq obligations")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, vendor, bucket_id, run_date, page_key, obligation_ids, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			error = excluded.error,
			error_type = excluded.error_type,
			retry_count = dead_letter_queue.retry_count + 1,
			next_retry_at = excluded.next_retry_at,
			last_failed_at = excluded.last_failed_at`,
		e.ID, e.Vendor, e.BucketID, day(e.RunDate), e.PageKey, string(ids), e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		ts(e.NextRetryAt), ts(e.CreatedAt), ts(e.LastFailedAt),
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", e.ID)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, f resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, vendor, bucket_id, run_date, page_key, obligation_ids, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at FROM dead_letter_queue WHERE 1=1`
	var args []any
	if f.Vendor != "" {
		query += ` AND vendor = ?`
		args = append(args, f.Vendor)
	}
	if !f.RunDate.IsZero() {
		query += ` AND run_date = ?`
		args = append(args, day(f.RunDate))
	}
	if f.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, f.ErrorType)
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, defaultLimit(f.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var rd, ids, next, created, failed string
		if err := rows.Scan(&e.ID, &e.Vendor, &e.BucketID, &rd, &e.PageKey, &ids, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries, &next, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if e.RunDate, err = parseDay(rd); err != nil {
			return nil, err
		}
		if e.NextRetryAt, err = parseTS(next); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if e.LastFailedAt, err = parseTS(failed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &e.ObligationIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq obligations")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove dlq %s", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

func (s *SQLiteStore) ListFeatureSettings(ctx context.Context) ([]model.FeatureSetting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, active FROM feature_settings ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list feature settings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FeatureSetting
	for rows.Next() {
		var f model.FeatureSetting
		var value string
		if err := rows.Scan(&f.Key, &value, &f.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feature setting")
		}
		f.Value = []byte(value)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list feature settings iterate")
}

func (s *SQLiteStore) SetFeatureSetting(ctx context.Context, f model.FeatureSetting) error {
	if !json.Valid(f.Value) {
		return eris.Errorf("sqlite: feature setting %s is not valid JSON", f.Key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_settings (key, value, active, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, active = excluded.active, updated_at = excluded.updated_at`,
		f.Key, string(f.Value), f.Active, ts(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: set feature setting %s", f.Key)
}
