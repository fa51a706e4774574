package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/model"
)

func scanSQLiteAssignment(rows *sql.Rows) (model.Assignment, error) {
	var a model.Assignment
	var typ, id, assigned string
	var expires, closed sql.NullString
	if err := rows.Scan(&a.ID, &a.AccountID, &typ, &id, &a.BucketID, &assigned, &expires, &closed); err != nil {
		return a, err
	}
	var err error
	if a.AssignedOn, err = parseDay(assigned); err != nil {
		return a, err
	}
	if a.ExpiresOn, err = parseNullDay(expires); err != nil {
		return a, err
	}
	if a.ClosedOn, err = parseNullDay(closed); err != nil {
		return a, err
	}
	a.Target, err = scanTarget(typ, id)
	return a, err
}

func (s *SQLiteStore) FindActiveAssignments(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.Assignment, error) {
	out := make(map[int64][]model.Assignment)
	d := day(asOf)
	err := s.queryIDs(ctx,
		`SELECT id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on
		 FROM assignments
		 WHERE account_id IN %s
		   AND (closed_on IS NULL OR closed_on > ?)
		   AND (expires_on IS NULL OR expires_on > ?)
		 ORDER BY account_id, assigned_on, id`,
		accountIDs, []any{d, d}, func(rows *sql.Rows) error {
			a, err := scanSQLiteAssignment(rows)
			if err != nil {
				return err
			}
			out[a.AccountID] = append(out[a.AccountID], a)
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find active assignments")
}

func (s *SQLiteStore) OpenAssignments(ctx context.Context, assignments []model.Assignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: open assignments begin")
	}
	defer tx.Rollback() //nolint:errcheck

	opened := 0
	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx,
			`UPDATE assignments SET closed_on = expires_on
			 WHERE account_id = ? AND target_type = 'agency' AND closed_on IS NULL
			   AND expires_on IS NOT NULL AND expires_on <= ?`,
			a.AccountID, day(a.AssignedOn),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: close lapsed assignments for account %d", a.AccountID)
		}

		typ, id := targetCols(a.Target)
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO assignments (id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on)
			 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			a.ID, a.AccountID, typ, id, a.BucketID, day(a.AssignedOn), nullDay(a.ExpiresOn),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: open assignment %s", a.ID)
		}
		n, _ := res.RowsAffected()
		opened += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: open assignments commit")
	}
	return opened, nil
}

func (s *SQLiteStore) TransferAssignment(ctx context.Context, from *model.Assignment, to model.Assignment, tr model.AssignmentTransfer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: transfer begin")
	}
	defer tx.Rollback() //nolint:errcheck

	on := day(tr.TransferredOn)
	if from != nil {
		res, err := tx.ExecContext(ctx, `UPDATE assignments SET closed_on = ? WHERE id = ? AND closed_on IS NULL`, on, from.ID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: close assignment %s", from.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(model.ErrStaleUpdate, "sqlite: assignment %s already closed", from.ID)
		}
	}

	typ, id := targetCols(to.Target)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignments (id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		to.ID, to.AccountID, typ, id, to.BucketID, day(to.AssignedOn), nullDay(to.ExpiresOn),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert assignment %s", to.ID)
	}

	fromType, fromID := targetCols(tr.From)
	toType, toID := targetCols(tr.To)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignment_transfers (id, account_id, from_assignment, to_assignment, from_type, from_id, to_type, to_id, reason, transferred_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.AccountID, tr.FromAssignment, tr.ToAssignment, fromType, fromID, toType, toID, tr.Reason, on,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert transfer")
	}

	return eris.Wrap(tx.Commit(), "sqlite: transfer commit")
}

func (s *SQLiteStore) FindNonContactStates(ctx context.Context, accountIDs []int64) (map[int64]model.NonContactState, error) {
	out := make(map[int64]model.NonContactState)
	err := s.queryIDs(ctx,
		`SELECT account_id, consecutive, excluded_from_bucket, last_run_date FROM non_contact_states WHERE account_id IN %s`,
		accountIDs, nil, func(rows *sql.Rows) error {
			var n model.NonContactState
			var last string
			if err := rows.Scan(&n.AccountID, &n.Consecutive, &n.ExcludedFromBucket, &last); err != nil {
				return err
			}
			t, err := parseDay(last)
			if err != nil {
				return err
			}
			n.LastRunDate = t
			out[n.AccountID] = n
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find non-contact states")
}

func (s *SQLiteStore) UpsertNonContactStates(ctx context.Context, states []model.NonContactState) ([]int64, error) {
	if len(states) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert non-contact begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var stale []int64
	for _, n := range states {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO non_contact_states (account_id, consecutive, excluded_from_bucket, last_run_date)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (account_id) DO UPDATE SET
				consecutive = excluded.consecutive,
				excluded_from_bucket = excluded.excluded_from_bucket,
				last_run_date = excluded.last_run_date
			 WHERE non_contact_states.last_run_date < excluded.last_run_date`,
			n.AccountID, n.Consecutive, n.ExcludedFromBucket, day(n.LastRunDate),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert non-contact state %d", n.AccountID)
		}
		if c, _ := res.RowsAffected(); c == 0 {
			stale = append(stale, n.AccountID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert non-contact commit")
	}
	return stale, nil
}

func (s *SQLiteStore) DemoteNonContacted(ctx context.Context, states []model.NonContactState) ([]int64, error) {
	if len(states) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: demote non-contacted begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var stale []int64
	for _, n := range states {
		res, err := tx.ExecContext(ctx,
			`UPDATE non_contact_states SET excluded_from_bucket = 1
			 WHERE account_id = ? AND last_run_date = ? AND excluded_from_bucket = 0`,
			n.AccountID, day(n.LastRunDate),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: demote non-contacted %d", n.AccountID)
		}
		if c, _ := res.RowsAffected(); c == 0 {
			stale = append(stale, n.AccountID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: demote non-contacted commit")
	}
	return stale, nil
}

func (s *SQLiteStore) InsertDispatchRecords(ctx context.Context, records []model.DispatchRecord) ([]model.DispatchKey, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert dispatch begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dispatch_records (obligation_id, bucket_id, run_date, account_id, channel, outcome, reason, vendor_task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare dispatch insert")
	}
	defer stmt.Close() //nolint:errcheck

	var inserted []model.DispatchKey
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.ObligationID, r.BucketID, day(r.RunDate), r.AccountID, r.Channel, string(r.Outcome), string(r.Reason), r.VendorTaskID, ts(r.CreatedAt))
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert dispatch record %d", r.ObligationID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, r.Key())
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert dispatch commit")
	}
	return inserted, nil
}

const sqliteDispatchSelect = `SELECT obligation_id, account_id, bucket_id, run_date, channel, outcome, reason, vendor_task_id, created_at FROM dispatch_records`

func scanSQLiteDispatch(rows *sql.Rows) (model.DispatchRecord, error) {
	var r model.DispatchRecord
	var runDate, created, outcome, reason string
	if err := rows.Scan(&r.ObligationID, &r.AccountID, &r.BucketID, &runDate, &r.Channel, &outcome, &reason, &r.VendorTaskID, &created); err != nil {
		return r, err
	}
	var err error
	if r.RunDate, err = parseDay(runDate); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTS(created); err != nil {
		return r, err
	}
	r.Outcome, r.Reason = model.Outcome(outcome), model.ExclusionReason(reason)
	return r, nil
}

func (s *SQLiteStore) GetDispatchRecords(ctx context.Context, keys []model.DispatchKey) (map[model.DispatchKey]model.DispatchRecord, error) {
	out := make(map[model.DispatchKey]model.DispatchRecord, len(keys))
	groups, order := groupKeys(keys)
	for _, g := range order {
		err := s.queryIDs(ctx,
			sqliteDispatchSelect+` WHERE obligation_id IN %s AND bucket_id = ? AND run_date = ?`,
			groups[g], []any{g.bucketID, g.runDate}, func(rows *sql.Rows) error {
				r, err := scanSQLiteDispatch(rows)
				if err != nil {
					return err
				}
				out[r.Key()] = r
				return nil
			})
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get dispatch records")
		}
	}
	return out, nil
}

func (s *SQLiteStore) InsertDispatchConflicts(ctx context.Context, conflicts []model.DispatchConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert conflicts begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dispatch_conflicts (`+joinCols(conflictCols)+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ObligationID, c.BucketID, day(c.RunDate),
			string(c.ExistingOutcome), string(c.ExistingReason), c.ExistingChannel,
			string(c.AttemptedOutcome), string(c.AttemptedReason), c.AttemptedChannel,
			ts(c.DetectedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert conflict %d", c.ObligationID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert conflicts commit")
}

func (s *SQLiteStore) ListDispatchConflicts(ctx context.Context, runDate time.Time) ([]model.DispatchConflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+joinCols(conflictCols)+` FROM dispatch_conflicts WHERE run_date = ? ORDER BY id`, day(runDate))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dispatch conflicts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DispatchConflict
	for rows.Next() {
		var c model.DispatchConflict
		var rd, detected, eo, er, ao, ar string
		if err := rows.Scan(&c.ObligationID, &c.BucketID, &rd, &eo, &er, &c.ExistingChannel, &ao, &ar, &c.AttemptedChannel, &detected); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dispatch conflict")
		}
		if c.RunDate, err = parseDay(rd); err != nil {
			return nil, err
		}
		if c.DetectedAt, err = parseTS(detected); err != nil {
			return nil, err
		}
		c.ExistingOutcome, c.ExistingReason = model.Outcome(eo), model.ExclusionReason(er)
		c.AttemptedOutcome, c.AttemptedReason = model.Outcome(ao), model.ExclusionReason(ar)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dispatch conflicts iterate")
}

func (s *SQLiteStore) ListDispatchRecords(ctx context.Context, f DispatchFilter) ([]model.DispatchRecord, error) {
	query := sqliteDispatchSelect + ` WHERE run_date = ?`
	args := []any{day(f.RunDate)}
	if f.BucketID != "" {
		query += ` AND bucket_id = ?`
		args = append(args, f.BucketID)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(f.Outcome))
	}
	if f.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, string(f.Reason))
	}
	query += ` ORDER BY bucket_id, obligation_id LIMIT ?`
	args = append(args, defaultLimit(f.Limit, 1000))
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dispatch records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DispatchRecord
	for rows.Next() {
		r, err := scanSQLiteDispatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dispatch record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dispatch records iterate")
}

// ChannelUsage counts capacity reservations per channel for runDate.
func (s *SQLiteStore) ChannelUsage(ctx context.Context, runDate time.Time) (map[string]int, error) {
	out := make(map[string]int)
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, count(*) FROM channel_reservations WHERE run_date = ? GROUP BY channel`, day(runDate))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: channel usage")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan channel usage")
		}
		out[ch] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: channel usage iterate")
}

// ReserveChannel claims one unit of channel capacity per key, in order, until
// capacity is reached. A key already holding a reservation is granted again.
// The first statement of the transaction is a write, so SQLite takes the
// write lock before counting and concurrent reservers queue behind it.
func (s *SQLiteStore) ReserveChannel(ctx context.Context, runDate time.Time, channel string, capacity int, keys []model.DispatchKey) ([]model.DispatchKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reserve channel begin")
	}
	defer tx.Rollback() //nolint:errcheck

	d := day(runDate)
	var granted []model.DispatchKey
	for _, k := range keys {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO channel_reservations (run_date, channel, bucket_id, obligation_id)
			 SELECT ?, ?, ?, ?
			 WHERE (SELECT count(*) FROM channel_reservations WHERE run_date = ? AND channel = ?) < ?
			 ON CONFLICT DO NOTHING`,
			d, channel, k.BucketID, k.ObligationID, d, channel, capacity,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: reserve %s for obligation %d", channel, k.ObligationID)
		}
		if c, _ := res.RowsAffected(); c > 0 {
			granted = append(granted, k)
			continue
		}
		var held int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM channel_reservations WHERE run_date = ? AND channel = ? AND bucket_id = ? AND obligation_id = ?`,
			d, channel, k.BucketID, k.ObligationID,
		).Scan(&held); err != nil {
			return nil, eris.Wrapf(err, "sqlite: check reservation for obligation %d", k.ObligationID)
		}
		if held > 0 {
			granted = append(granted, k)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: reserve channel commit")
	}
	return granted, nil
}

// ReleaseChannel drops the reservations of keys and returns how many it held.
func (s *SQLiteStore) ReleaseChannel(ctx context.Context, runDate time.Time, channel string, keys []model.DispatchKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release channel begin")
	}
	defer tx.Rollback() //nolint:errcheck

	released := 0
	for _, k := range keys {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM channel_reservations WHERE run_date = ? AND channel = ? AND bucket_id = ? AND obligation_id = ?`,
			day(runDate), channel, k.BucketID, k.ObligationID,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: release %s for obligation %d", channel, k.ObligationID)
		}
		c, _ := res.RowsAffected()
		released += int(c)
	}
	return released, eris.Wrap(tx.Commit(), "sqlite: release channel commit")
}

func (s *SQLiteStore) NotSentByReason(ctx context.Context, runDate time.Time) ([]model.ReasonCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket_id, reason, count(*) FROM dispatch_records
		 WHERE run_date = ? AND outcome = 'NOT_SENT' GROUP BY bucket_id, reason ORDER BY bucket_id, reason`, day(runDate))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: not-sent by reason")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReasonCount
	for rows.Next() {
		var rc model.ReasonCount
		var reason string
		if err := rows.Scan(&rc.BucketID, &reason, &rc.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reason count")
		}
		rc.Reason = model.ExclusionReason(reason)
		out = append(out, rc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: not-sent by reason iterate")
}

func (s *SQLiteStore) SentByChannel(ctx context.Context, runDate time.Time) ([]model.ChannelCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket_id, channel, count(*) FROM dispatch_records
		 WHERE run_date = ? AND outcome = 'SENT' GROUP BY bucket_id, channel ORDER BY bucket_id, channel`, day(runDate))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sent by channel")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ChannelCount
	for rows.Next() {
		var cc model.ChannelCount
		if err := rows.Scan(&cc.BucketID, &cc.Channel, &cc.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan channel count")
		}
		out = append(out, cc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: sent by channel iterate")
}
