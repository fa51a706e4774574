package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/resilience"
)

// pgQuery builds a filtered query with positional parameters.
type pgQuery struct {
	sql  string
	args []any
}

func newPgQuery(base string) *pgQuery { return &pgQuery{sql: base} }

func (q *pgQuery) and(col string, v any) {
	q.args = append(q.args, v)
	q.sql += fmt.Sprintf(" AND %s = $%d", col, len(q.args))
}

func (q *pgQuery) page(limit, offset int) {
	q.args = append(q.args, limit)
	q.sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	if offset > 0 {
		q.args = append(q.args, offset)
		q.sql += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
}

func joinCols(cols []string) string { return strings.Join(cols, ", ") }

func scanBucketRun(row rowScanner) (*model.BucketRun, error) {
	var r model.BucketRun
	var state, last string
	var summary []byte
	if err := row.Scan(&r.BucketID, &r.RunDate, &state, &last, &r.Attempts, &summary, &r.Error, &r.StartedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State, r.LastCompletedStep = model.RunState(state), model.RunState(last)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal run summary")
		}
	}
	return &r, nil
}

// GetBucketRun returns nil, nil when the bucket has not run on runDate.
func (s *PostgresStore) GetBucketRun(ctx context.Context, bucketID string, runDate time.Time) (*model.BucketRun, error) {
	r, err := scanBucketRun(s.pool.QueryRow(ctx, sqlGetBucketRun, bucketID, model.Day(runDate)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get bucket run %s", bucketID)
	}
	return r, nil
}

func (s *PostgresStore) SaveBucketRun(ctx context.Context, run *model.BucketRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO bucket_runs (bucket_id, run_date, state, last_completed_step, attempts, summary, error, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (bucket_id, run_date) DO UPDATE SET
			state = EXCLUDED.state,
			last_completed_step = EXCLUDED.last_completed_step,
			attempts = EXCLUDED.attempts,
			summary = EXCLUDED.summary,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		run.BucketID, model.Day(run.RunDate), string(run.State), string(run.LastCompletedStep), run.Attempts, summary, run.Error, run.StartedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save bucket run %s", run.BucketID)
}

func (s *PostgresStore) ListBucketRuns(ctx context.Context, f RunFilter) ([]model.BucketRun, error) {
	q := newPgQuery(`SELECT bucket_id, run_date, state, last_completed_step, attempts, summary, error, started_at, updated_at FROM bucket_runs WHERE true`)
	if !f.RunDate.IsZero() {
		q.and("run_date", model.Day(f.RunDate))
	}
	if f.BucketID != "" {
		q.and("bucket_id", f.BucketID)
	}
	if f.State != "" {
		q.and("state", string(f.State))
	}
	q.sql += ` ORDER BY run_date DESC, bucket_id`
	q.page(defaultLimit(f.Limit, 100), 0)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bucket runs")
	}
	defer rows.Close()

	var out []model.BucketRun
	for rows.Next() {
		r, err := scanBucketRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan bucket run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list bucket runs iterate")
}

// SaveVendorTask records an accepted page. Resubmitting the same page key is a
// no-op.
func (s *PostgresStore) SaveVendorTask(ctx context.Context, t model.VendorTask) error {
	obligations, err := json.Marshal(t.ObligationIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task obligations")
	}
	accounts, err := json.Marshal(t.AccountIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task accounts")
	}
	if t.Status == "" {
		t.Status = model.VendorTaskSubmitted
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO vendor_tasks (task_id, vendor, bucket_id, run_date, page_key, obligation_ids, account_ids, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT DO NOTHING`,
		t.TaskID, t.Vendor, t.BucketID, model.Day(t.RunDate), t.PageKey, obligations, accounts, string(t.Status), t.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save vendor task %s", t.TaskID)
}

func (s *PostgresStore) ListVendorTasks(ctx context.Context, runDate time.Time, status model.VendorTaskStatus) ([]model.VendorTask, error) {
	q := newPgQuery(`SELECT task_id, vendor, bucket_id, run_date, page_key, obligation_ids, account_ids, status, created_at FROM vendor_tasks WHERE true`)
	q.and("run_date", model.Day(runDate))
	if status != "" {
		q.and("status", string(status))
	}
	q.sql += ` ORDER BY created_at, task_id`

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vendor tasks")
	}
	defer rows.Close()

	var out []model.VendorTask
	for rows.Next() {
		t, err := scanVendorTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan vendor task")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list vendor tasks iterate")
}

func scanVendorTask(row rowScanner) (model.VendorTask, error) {
	var t model.VendorTask
	var obligations, accounts []byte
	var status string
	if err := row.Scan(&t.TaskID, &t.Vendor, &t.BucketID, &t.RunDate, &t.PageKey, &obligations, &accounts, &status, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Status = model.VendorTaskStatus(status)
	if err := json.Unmarshal(obligations, &t.ObligationIDs); err != nil {
		return t, eris.Wrap(err, "unmarshal task obligations")
	}
	if err := json.Unmarshal(accounts, &t.AccountIDs); err != nil {
		return t, eris.Wrap(err, "unmarshal task accounts")
	}
	return t, nil
}

func (s *PostgresStore) MarkVendorTaskSynced(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE vendor_tasks SET status = $1 WHERE task_id = $2`, string(model.VendorTaskSynced), taskID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark task synced %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: vendor task %s", taskID)
	}
	return nil
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	ids, err := json.Marshal(e.ObligationIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq obligations")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, vendor, bucket_id, run_date, page_key, obligation_ids, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			error = EXCLUDED.error,
			error_type = EXCLUDED.error_type,
			retry_count = dead_letter_queue.retry_count + 1,
			next_retry_at = EXCLUDED.next_retry_at,
			last_failed_at = EXCLUDED.last_failed_at`,
		e.ID, e.Vendor, e.BucketID, model.Day(e.RunDate), e.PageKey, ids, e.Error, e.ErrorType, e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", e.ID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, f resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	q := newPgQuery(`SELECT id, vendor, bucket_id, run_date, page_key, obligation_ids, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at FROM dead_letter_queue WHERE true`)
	if f.Vendor != "" {
		q.and("vendor", f.Vendor)
	}
	if !f.RunDate.IsZero() {
		q.and("run_date", model.Day(f.RunDate))
	}
	if f.ErrorType != "" {
		q.and("error_type", f.ErrorType)
	}
	q.sql += ` ORDER BY created_at`
	q.page(defaultLimit(f.Limit, 100), 0)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func scanDLQ(row rowScanner) (resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	var ids []byte
	if err := row.Scan(&e.ID, &e.Vendor, &e.BucketID, &e.RunDate, &e.PageKey, &ids, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
		return e, err
	}
	return e, json.Unmarshal(ids, &e.ObligationIDs)
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove dlq %s", id)
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

func (s *PostgresStore) ListFeatureSettings(ctx context.Context) ([]model.FeatureSetting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, active FROM feature_settings ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list feature settings")
	}
	defer rows.Close()

	var out []model.FeatureSetting
	for rows.Next() {
		var f model.FeatureSetting
		if err := rows.Scan(&f.Key, &f.Value, &f.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feature setting")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list feature settings iterate")
}

func (s *PostgresStore) SetFeatureSetting(ctx context.Context, f model.FeatureSetting) error {
	if !json.Valid(f.Value) {
		return eris.Errorf("postgres: feature setting %s is not valid JSON", f.Key)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feature_settings (key, value, active, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		f.Key, f.Value, f.Active, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: set feature setting %s", f.Key)
}
