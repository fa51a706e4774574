package store

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/db"
	"github.com/sells-group/collection-cli/internal/model"
)

func (s *PostgresStore) FindActiveAssignments(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.Assignment, error) {
	out := make(map[int64][]model.Assignment)
	if len(accountIDs) == 0 {
		return out, nil
	}
	day := model.Day(asOf)
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on
		 FROM assignments
		 WHERE account_id = ANY($1)
		   AND (closed_on IS NULL OR closed_on > $2)
		   AND (expires_on IS NULL OR expires_on > $2)
		 ORDER BY account_id, assigned_on, id`,
		dedupe(accountIDs), day,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find active assignments")
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out[a.AccountID] = append(out[a.AccountID], a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find active assignments iterate")
}

func scanAssignment(row rowScanner) (model.Assignment, error) {
	var a model.Assignment
	var typ, id string
	if err := row.Scan(&a.ID, &a.AccountID, &typ, &id, &a.BucketID, &a.AssignedOn, &a.ExpiresOn, &a.ClosedOn); err != nil {
		return a, err
	}
	t, err := scanTarget(typ, id)
	if err != nil {
		return a, err
	}
	a.Target = t
	return a, nil
}

// OpenAssignments closes lapsed agency assignments of the same accounts, then
// inserts the new ones. Rows that collide on id or on the single active
// agency index are skipped.
func (s *PostgresStore) OpenAssignments(ctx context.Context, assignments []model.Assignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: open assignments begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	opened := 0
	for _, a := range assignments {
		if _, err := tx.Exec(ctx,
			`UPDATE assignments SET closed_on = expires_on
			 WHERE account_id = $1 AND target_type = 'agency' AND closed_on IS NULL
			   AND expires_on IS NOT NULL AND expires_on <= $2`,
			a.AccountID, model.Day(a.AssignedOn),
		); err != nil {
			return 0, eris.Wrapf(err, "postgres: close lapsed assignments for account %d", a.AccountID)
		}

		typ, id := targetCols(a.Target)
		tag, err := tx.Exec(ctx,
			`INSERT INTO assignments (id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL) ON CONFLICT DO NOTHING`,
			a.ID, a.AccountID, typ, id, a.BucketID, model.Day(a.AssignedOn), a.ExpiresOn,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: open assignment %s", a.ID)
		}
		opened += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: open assignments commit")
	}
	return opened, nil
}

func (s *PostgresStore) TransferAssignment(ctx context.Context, from *model.Assignment, to model.Assignment, tr model.AssignmentTransfer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: transfer begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	on := model.Day(tr.TransferredOn)
	if from != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE assignments SET closed_on = $1 WHERE id = $2 AND closed_on IS NULL`,
			on, from.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: close assignment %s", from.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrStaleUpdate, "postgres: assignment %s already closed", from.ID)
		}
	}

	typ, id := targetCols(to.Target)
	if _, err := tx.Exec(ctx,
		`INSERT INTO assignments (id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		to.ID, to.AccountID, typ, id, to.BucketID, model.Day(to.AssignedOn), to.ExpiresOn,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert assignment %s", to.ID)
	}

	fromType, fromID := targetCols(tr.From)
	toType, toID := targetCols(tr.To)
	if _, err := tx.Exec(ctx,
		`INSERT INTO assignment_transfers (id, account_id, from_assignment, to_assignment, from_type, from_id, to_type, to_id, reason, transferred_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.AccountID, tr.FromAssignment, tr.ToAssignment, fromType, fromID, toType, toID, tr.Reason, on,
	); err != nil {
		return eris.Wrap(err, "postgres: insert transfer")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: transfer commit")
}

func (s *PostgresStore) FindNonContactStates(ctx context.Context, accountIDs []int64) (map[int64]model.NonContactState, error) {
	out := make(map[int64]model.NonContactState)
	if len(accountIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, consecutive, excluded_from_bucket, last_run_date
		 FROM non_contact_states WHERE account_id = ANY($1)`,
		dedupe(accountIDs),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find non-contact states")
	}
	defer rows.Close()

	for rows.Next() {
		var n model.NonContactState
		if err := rows.Scan(&n.AccountID, &n.Consecutive, &n.ExcludedFromBucket, &n.LastRunDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan non-contact state")
		}
		out[n.AccountID] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: find non-contact states iterate")
}

const sqlUpsertNonContact = `INSERT INTO non_contact_states (account_id, consecutive, excluded_from_bucket, last_run_date)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (account_id) DO UPDATE SET
		consecutive = EXCLUDED.consecutive,
		excluded_from_bucket = EXCLUDED.excluded_from_bucket,
		last_run_date = EXCLUDED.last_run_date
	WHERE non_contact_states.last_run_date < EXCLUDED.last_run_date`

const sqlDemoteNonContact = `UPDATE non_contact_states SET excluded_from_bucket = true
	WHERE account_id = $1 AND last_run_date = $2 AND NOT excluded_from_bucket`

func (s *PostgresStore) UpsertNonContactStates(ctx context.Context, states []model.NonContactState) ([]int64, error) {
	if len(states) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert non-contact begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stale []int64
	for _, n := range states {
		tag, err := tx.Exec(ctx, sqlUpsertNonContact, n.AccountID, n.Consecutive, n.ExcludedFromBucket, model.Day(n.LastRunDate))
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert non-contact state %d", n.AccountID)
		}
		if tag.RowsAffected() == 0 {
			stale = append(stale, n.AccountID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: upsert non-contact commit")
	}
	return stale, nil
}

func (s *PostgresStore) DemoteNonContacted(ctx context.Context, states []model.NonContactState) ([]int64, error) {
	if len(states) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: demote non-contacted begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stale []int64
	for _, n := range states {
		tag, err := tx.Exec(ctx, sqlDemoteNonContact, n.AccountID, model.Day(n.LastRunDate))
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: demote non-contacted %d", n.AccountID)
		}
		if tag.RowsAffected() == 0 {
			stale = append(stale, n.AccountID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: demote non-contacted commit")
	}
	return stale, nil
}

var dispatchCols = []string{"obligation_id", "bucket_id", "run_date", "account_id", "channel", "outcome", "reason", "vendor_task_id", "created_at"}

// InsertDispatchRecords stages the batch with COPY and inserts it with
// ON CONFLICT DO NOTHING in one transaction.
func (s *PostgresStore) InsertDispatchRecords(ctx context.Context, records []model.DispatchRecord) ([]model.DispatchKey, error) {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.ObligationID, r.BucketID, model.Day(r.RunDate), r.AccountID, r.Channel, string(r.Outcome), string(r.Reason), r.VendorTaskID, r.CreatedAt.UTC()}
	}

	var inserted []model.DispatchKey
	_, err := db.InsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        "dispatch_records",
		Columns:      dispatchCols,
		ConflictKeys: []string{"obligation_id", "bucket_id", "run_date"},
		Returning:    []string{"obligation_id", "bucket_id", "run_date"},
	}, rows, func(r pgx.Rows) error {
		var k model.DispatchKey
		var day time.Time
		if err := r.Scan(&k.ObligationID, &k.BucketID, &day); err != nil {
			return err
		}
		k.RunDate = model.FormatDate(day)
		inserted = append(inserted, k)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert dispatch records")
	}
	return inserted, nil
}

const dispatchSelect = `SELECT obligation_id, account_id, bucket_id, run_date, channel, outcome, reason, vendor_task_id, created_at FROM dispatch_records`

func scanDispatch(row rowScanner) (model.DispatchRecord, error) {
	var r model.DispatchRecord
	var outcome, reason string
	err := row.Scan(&r.ObligationID, &r.AccountID, &r.BucketID, &r.RunDate, &r.Channel, &outcome, &reason, &r.VendorTaskID, &r.CreatedAt)
	r.Outcome = model.Outcome(outcome)
	r.Reason = model.ExclusionReason(reason)
	return r, err
}

type keyGroup struct {
	bucketID string
	runDate  string
}

func groupKeys(keys []model.DispatchKey) (map[keyGroup][]int64, []keyGroup) {
	groups := make(map[keyGroup][]int64)
	for _, k := range keys {
		g := keyGroup{k.BucketID, k.RunDate}
		groups[g] = append(groups[g], k.ObligationID)
	}
	order := make([]keyGroup, 0, len(groups))
	for g := range groups {
		order = append(order, g)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].runDate != order[j].runDate {
			return order[i].runDate < order[j].runDate
		}
		return order[i].bucketID < order[j].bucketID
	})
	return groups, order
}

func (s *PostgresStore) GetDispatchRecords(ctx context.Context, keys []model.DispatchKey) (map[model.DispatchKey]model.DispatchRecord, error) {
	out := make(map[model.DispatchKey]model.DispatchRecord, len(keys))
	groups, order := groupKeys(keys)
	for _, g := range order {
		day, err := model.ParseRunDate(g.runDate)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: get dispatch records")
		}
		rows, err := s.pool.Query(ctx,
			dispatchSelect+` WHERE bucket_id = $1 AND run_date = $2 AND obligation_id = ANY($3)`,
			g.bucketID, day, dedupe(groups[g]),
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: get dispatch records")
		}
		for rows.Next() {
			r, err := scanDispatch(rows)
			if err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan dispatch record")
			}
			out[r.Key()] = r
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "postgres: get dispatch records iterate")
		}
	}
	return out, nil
}

func (s *PostgresStore) InsertDispatchConflicts(ctx context.Context, conflicts []model.DispatchConflict) error {
	rows := make([][]any, len(conflicts))
	for i, c := range conflicts {
		rows[i] = []any{
			c.ObligationID, c.BucketID, model.Day(c.RunDate),
			string(c.ExistingOutcome), string(c.ExistingReason), c.ExistingChannel,
			string(c.AttemptedOutcome), string(c.AttemptedReason), c.AttemptedChannel,
			c.DetectedAt.UTC(),
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "dispatch_conflicts", conflictCols, rows)
	return eris.Wrap(err, "postgres: insert dispatch conflicts")
}

var conflictCols = []string{
	"obligation_id", "bucket_id", "run_date",
	"existing_outcome", "existing_reason", "existing_channel",
	"attempted_outcome", "attempted_reason", "attempted_channel",
	"detected_at",
}

func (s *PostgresStore) ListDispatchConflicts(ctx context.Context, runDate time.Time) ([]model.DispatchConflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+joinCols(conflictCols)+` FROM dispatch_conflicts WHERE run_date = $1 ORDER BY id`,
		model.Day(runDate),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dispatch conflicts")
	}
	defer rows.Close()

	var out []model.DispatchConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dispatch conflict")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dispatch conflicts iterate")
}

func scanConflict(row rowScanner) (model.DispatchConflict, error) {
	var c model.DispatchConflict
	var eo, er, ao, ar string
	err := row.Scan(&c.ObligationID, &c.BucketID, &c.RunDate, &eo, &er, &c.ExistingChannel, &ao, &ar, &c.AttemptedChannel, &c.DetectedAt)
	c.ExistingOutcome, c.ExistingReason = model.Outcome(eo), model.ExclusionReason(er)
	c.AttemptedOutcome, c.AttemptedReason = model.Outcome(ao), model.ExclusionReason(ar)
	return c, err
}

func (s *PostgresStore) ListDispatchRecords(ctx context.Context, f DispatchFilter) ([]model.DispatchRecord, error) {
	q := newPgQuery(dispatchSelect + ` WHERE run_date = $1`)
	q.args = append(q.args, model.Day(f.RunDate))
	if f.BucketID != "" {
		q.and("bucket_id", f.BucketID)
	}
	if f.Outcome != "" {
		q.and("outcome", string(f.Outcome))
	}
	if f.Reason != "" {
		q.and("reason", string(f.Reason))
	}
	q.sql += ` ORDER BY bucket_id, obligation_id`
	q.page(defaultLimit(f.Limit, 1000), f.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dispatch records")
	}
	defer rows.Close()

	var out []model.DispatchRecord
	for rows.Next() {
		r, err := scanDispatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dispatch record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dispatch records iterate")
}

func (s *PostgresStore) ChannelUsage(ctx context.Context, runDate time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, sqlChannelUsage, model.Day(runDate))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: channel usage")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan channel usage")
		}
		out[ch] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: channel usage iterate")
}

const (
	sqlLockChannel    = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqlReserveChannel = `INSERT INTO channel_reservations (run_date, channel, bucket_id, obligation_id)
	SELECT $1::date, $2::text, $3::text, $4::bigint
	WHERE (SELECT count(*) FROM channel_reservations WHERE run_date = $1 AND channel = $2) < $5
	ON CONFLICT DO NOTHING`
	sqlReservationHeld = `SELECT EXISTS (SELECT 1 FROM channel_reservations
	WHERE run_date = $1 AND channel = $2 AND bucket_id = $3 AND obligation_id = $4)`
	sqlReleaseChannel = `DELETE FROM channel_reservations
	WHERE run_date = $1 AND channel = $2 AND bucket_id = $3 AND obligation_id = $4`
)

// ReserveChannel claims one unit of channel capacity per key, in order, until
// capacity is reached. A transaction-scoped advisory lock on the channel and
// run date serializes reservers across workers.
func (s *PostgresStore) ReserveChannel(ctx context.Context, runDate time.Time, channel string, capacity int, keys []model.DispatchKey) ([]model.DispatchKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reserve channel begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	d := model.Day(runDate)
	if _, err := tx.Exec(ctx, sqlLockChannel, channel+"/"+model.FormatDate(d)); err != nil {
		return nil, eris.Wrapf(err, "postgres: lock channel %s", channel)
	}
	var granted []model.DispatchKey
	for _, k := range keys {
		tag, err := tx.Exec(ctx, sqlReserveChannel, d, channel, k.BucketID, k.ObligationID, capacity)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: reserve %s for obligation %d", channel, k.ObligationID)
		}
		if tag.RowsAffected() > 0 {
			granted = append(granted, k)
			continue
		}
		var held bool
		if err := tx.QueryRow(ctx, sqlReservationHeld, d, channel, k.BucketID, k.ObligationID).Scan(&held); err != nil {
			return nil, eris.Wrapf(err, "postgres: check reservation for obligation %d", k.ObligationID)
		}
		if held {
			granted = append(granted, k)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: reserve channel commit")
	}
	return granted, nil
}

func (s *PostgresStore) ReleaseChannel(ctx context.Context, runDate time.Time, channel string, keys []model.DispatchKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release channel begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	released := 0
	for _, k := range keys {
		tag, err := tx.Exec(ctx, sqlReleaseChannel, model.Day(runDate), channel, k.BucketID, k.ObligationID)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: release %s for obligation %d", channel, k.ObligationID)
		}
		released += int(tag.RowsAffected())
	}
	return released, eris.Wrap(tx.Commit(ctx), "postgres: release channel commit")
}

func (s *PostgresStore) NotSentByReason(ctx context.Context, runDate time.Time) ([]model.ReasonCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bucket_id, reason, count(*) FROM dispatch_records
		 WHERE run_date = $1 AND outcome = 'NOT_SENT'
		 GROUP BY bucket_id, reason ORDER BY bucket_id, reason`,
		model.Day(runDate),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: not-sent by reason")
	}
	defer rows.Close()

	var out []model.ReasonCount
	for rows.Next() {
		var rc model.ReasonCount
		var reason string
		if err := rows.Scan(&rc.BucketID, &reason, &rc.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reason count")
		}
		rc.Reason = model.ExclusionReason(reason)
		out = append(out, rc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: not-sent by reason iterate")
}

func (s *PostgresStore) SentByChannel(ctx context.Context, runDate time.Time) ([]model.ChannelCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bucket_id, channel, count(*) FROM dispatch_records
		 WHERE run_date = $1 AND outcome = 'SENT'
		 GROUP BY bucket_id, channel ORDER BY bucket_id, channel`,
		model.Day(runDate),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sent by channel")
	}
	defer rows.Close()

	var out []model.ChannelCount
	for rows.Next() {
		var cc model.ChannelCount
		if err := rows.Scan(&cc.BucketID, &cc.Channel, &cc.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan channel count")
		}
		out = append(out, cc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: sent by channel iterate")
}
