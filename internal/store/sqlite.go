package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/collection-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Dates are stored as
// YYYY-MM-DD text and timestamps as RFC 3339 text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id                INTEGER PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT '',
	workflow          TEXT NOT NULL DEFAULT 'standard',
	partner           TEXT NOT NULL DEFAULT '',
	autodebet_enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS obligations (
	id         INTEGER PRIMARY KEY,
	account_id INTEGER NOT NULL,
	due_date   TEXT,
	due_amount INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_obligations_unpaid ON obligations(status, due_date);

CREATE TABLE IF NOT EXISTS promises (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	ptp_date   TEXT NOT NULL,
	amount     INTEGER NOT NULL DEFAULT 0,
	broken     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_promises_account ON promises(account_id, ptp_date);

CREATE TABLE IF NOT EXISTS refinancing_requests (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	status     TEXT NOT NULL,
	cohort     TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vendor_blacklist (
	account_id INTEGER NOT NULL,
	vendor     TEXT NOT NULL,
	expires_on TEXT,
	PRIMARY KEY (account_id, vendor)
);

CREATE TABLE IF NOT EXISTS experiment_groups (
	account_id INTEGER NOT NULL,
	experiment TEXT NOT NULL,
	grp        TEXT NOT NULL,
	PRIMARY KEY (account_id, experiment)
);

CREATE TABLE IF NOT EXISTS assignments (
	id          TEXT PRIMARY KEY,
	account_id  INTEGER NOT NULL,
	target_type TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	bucket_id   TEXT NOT NULL DEFAULT '',
	assigned_on TEXT NOT NULL,
	expires_on  TEXT,
	closed_on   TEXT
);

CREATE INDEX IF NOT EXISTS idx_assignments_account ON assignments(account_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_one_active_agency
	ON assignments(account_id) WHERE target_type = 'agency' AND closed_on IS NULL;

CREATE TABLE IF NOT EXISTS assignment_transfers (
	id              TEXT PRIMARY KEY,
	account_id      INTEGER NOT NULL,
	from_assignment TEXT NOT NULL DEFAULT '',
	to_assignment   TEXT NOT NULL,
	from_type       TEXT NOT NULL DEFAULT '',
	from_id         TEXT NOT NULL DEFAULT '',
	to_type         TEXT NOT NULL,
	to_id           TEXT NOT NULL,
	reason          TEXT NOT NULL,
	transferred_on  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS non_contact_states (
	account_id           INTEGER PRIMARY KEY,
	consecutive          INTEGER NOT NULL DEFAULT 0,
	excluded_from_bucket INTEGER NOT NULL DEFAULT 0,
	last_run_date        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_reservations (
	run_date      TEXT NOT NULL,
	channel       TEXT NOT NULL,
	bucket_id     TEXT NOT NULL,
	obligation_id INTEGER NOT NULL,
	PRIMARY KEY (run_date, channel, bucket_id, obligation_id)
);

CREATE TABLE IF NOT EXISTS dispatch_records (
	obligation_id  INTEGER NOT NULL,
	bucket_id      TEXT NOT NULL,
	run_date       TEXT NOT NULL,
	account_id     INTEGER NOT NULL,
	channel        TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL CHECK (outcome IN ('SENT', 'NOT_SENT')),
	reason         TEXT NOT NULL DEFAULT '',
	vendor_task_id TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	PRIMARY KEY (obligation_id, bucket_id, run_date),
	CHECK (outcome = 'SENT' OR reason <> '')
);

CREATE INDEX IF NOT EXISTS idx_dispatch_run_outcome ON dispatch_records(run_date, outcome);

CREATE TABLE IF NOT EXISTS dispatch_conflicts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	obligation_id     INTEGER NOT NULL,
	bucket_id         TEXT NOT NULL,
	run_date          TEXT NOT NULL,
	existing_outcome  TEXT NOT NULL,
	existing_reason   TEXT NOT NULL DEFAULT '',
	existing_channel  TEXT NOT NULL DEFAULT '',
	attempted_outcome TEXT NOT NULL,
	attempted_reason  TEXT NOT NULL DEFAULT '',
	attempted_channel TEXT NOT NULL DEFAULT '',
	detected_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_runs (
	bucket_id           TEXT NOT NULL,
	run_date            TEXT NOT NULL,
	state               TEXT NOT NULL,
	last_completed_step TEXT NOT NULL DEFAULT '',
	attempts            INTEGER NOT NULL DEFAULT 0,
	summary             TEXT NOT NULL DEFAULT '{}',
	error               TEXT NOT NULL DEFAULT '',
	started_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	PRIMARY KEY (bucket_id, run_date)
);

CREATE TABLE IF NOT EXISTS vendor_tasks (
	task_id        TEXT PRIMARY KEY,
	vendor         TEXT NOT NULL,
	bucket_id      TEXT NOT NULL,
	run_date       TEXT NOT NULL,
	page_key       TEXT NOT NULL UNIQUE,
	obligation_ids TEXT NOT NULL,
	account_ids    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'submitted',
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	vendor         TEXT NOT NULL,
	bucket_id      TEXT NOT NULL,
	run_date       TEXT NOT NULL,
	page_key       TEXT NOT NULL,
	obligation_ids TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteMaxVars keeps IN lists well under SQLite's bound parameter limit.
const sqliteMaxVars = 500

func chunkIDs(ids []int64) [][]int64 {
	ids = dedupe(ids)
	var out [][]int64
	for start := 0; start < len(ids); start += sqliteMaxVars {
		out = append(out, ids[start:min(start+sqliteMaxVars, len(ids))])
	}
	return out
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

func day(t time.Time) string { return model.FormatDate(t) }

func nullDay(t *time.Time) any {
	if t == nil {
		return nil
	}
	return model.FormatDate(*t)
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseDay(s string) (time.Time, error) {
	t, err := model.ParseRunDate(s)
	return t, eris.Wrap(err, "sqlite: parse date")
}

func parseNullDay(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseDay(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, eris.Wrapf(err, "sqlite: parse timestamp %q", s)
}

// queryIDs runs query once per chunk of ids. query must contain a single %s
// placeholder for the IN list; extra args are appended after the ids.
func (s *SQLiteStore) queryIDs(ctx context.Context, query string, ids []int64, extra []any, each func(*sql.Rows) error) error {
	for _, chunk := range chunkIDs(ids) {
		in, args := inClause(chunk)
		rows, err := s.db.QueryContext(ctx, strings.Replace(query, "%s", in, 1), append(args, extra...)...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := each(rows); err != nil {
				rows.Close() //nolint:errcheck
				return err
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) FindUnpaidObligations(ctx context.Context, dueOnOrBefore time.Time) ([]model.Obligation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, due_date, due_amount, status, phone, name FROM obligations
		 WHERE status IN ('unpaid', 'partial_paid') AND (due_date IS NULL OR due_date <= ?)
		 ORDER BY account_id, id`,
		day(dueOnOrBefore),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find unpaid obligations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Obligation
	for rows.Next() {
		var o model.Obligation
		var due sql.NullString
		var status string
		if err := rows.Scan(&o.ID, &o.AccountID, &due, &o.DueAmount, &status, &o.Phone, &o.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan obligation")
		}
		if o.DueDate, err = parseNullDay(due); err != nil {
			return nil, err
		}
		o.Status = model.ObligationStatus(status)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find unpaid obligations iterate")
}

func (s *SQLiteStore) FindAccounts(ctx context.Context, ids []int64) (map[int64]model.Account, error) {
	out := make(map[int64]model.Account, len(ids))
	err := s.queryIDs(ctx,
		`SELECT id, status, workflow, partner, autodebet_enabled FROM accounts WHERE id IN %s`,
		ids, nil, func(rows *sql.Rows) error {
			var a model.Account
			var raw, workflow string
			if err := rows.Scan(&a.ID, &raw, &workflow, &a.Partner, &a.AutodebetEnabled); err != nil {
				return err
			}
			a.Status, a.RawStatus = parseStatus(raw)
			a.Workflow = model.Workflow(workflow)
			out[a.ID] = a
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find accounts")
}

func (s *SQLiteStore) FindActivePromises(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.PromiseToPay, error) {
	out := make(map[int64][]model.PromiseToPay)
	err := s.queryIDs(ctx,
		`SELECT account_id, ptp_date, amount, broken FROM promises
		 WHERE account_id IN %s AND broken = 0 AND ptp_date >= ? ORDER BY account_id, ptp_date`,
		accountIDs, []any{day(asOf)}, func(rows *sql.Rows) error {
			var p model.PromiseToPay
			var d string
			if err := rows.Scan(&p.AccountID, &d, &p.Amount, &p.Broken); err != nil {
				return err
			}
			t, err := parseDay(d)
			if err != nil {
				return err
			}
			p.PTPDate = t
			out[p.AccountID] = append(out[p.AccountID], p)
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find promises")
}

func (s *SQLiteStore) FindRefinancingRequests(ctx context.Context, accountIDs []int64) (map[int64][]model.RefinancingRequest, error) {
	out := make(map[int64][]model.RefinancingRequest)
	err := s.queryIDs(ctx,
		`SELECT account_id, status, cohort, updated_at FROM refinancing_requests
		 WHERE account_id IN %s ORDER BY account_id, updated_at`,
		accountIDs, nil, func(rows *sql.Rows) error {
			var r model.RefinancingRequest
			var updated string
			if err := rows.Scan(&r.AccountID, &r.Status, &r.Cohort, &updated); err != nil {
				return err
			}
			t, err := parseTS(updated)
			if err != nil {
				return err
			}
			r.UpdatedAt = t
			out[r.AccountID] = append(out[r.AccountID], r)
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find refinancing requests")
}

func (s *SQLiteStore) FindBlacklistEntries(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.BlacklistEntry, error) {
	out := make(map[int64][]model.BlacklistEntry)
	err := s.queryIDs(ctx,
		`SELECT account_id, vendor, expires_on FROM vendor_blacklist
		 WHERE account_id IN %s AND (expires_on IS NULL OR expires_on > ?) ORDER BY account_id, vendor`,
		accountIDs, []any{day(asOf)}, func(rows *sql.Rows) error {
			var b model.BlacklistEntry
			var exp sql.NullString
			if err := rows.Scan(&b.AccountID, &b.Vendor, &exp); err != nil {
				return err
			}
			var err error
			if b.ExpiresOn, err = parseNullDay(exp); err != nil {
				return err
			}
			out[b.AccountID] = append(out[b.AccountID], b)
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find blacklist")
}

func (s *SQLiteStore) FindExperimentGroups(ctx context.Context, accountIDs []int64) (map[int64][]model.ExperimentGroup, error) {
	out := make(map[int64][]model.ExperimentGroup)
	err := s.queryIDs(ctx,
		`SELECT account_id, experiment, grp FROM experiment_groups WHERE account_id IN %s ORDER BY account_id, experiment`,
		accountIDs, nil, func(rows *sql.Rows) error {
			var g model.ExperimentGroup
			if err := rows.Scan(&g.AccountID, &g.Experiment, &g.Group); err != nil {
				return err
			}
			out[g.AccountID] = append(out[g.AccountID], g)
			return nil
		})
	return out, eris.Wrap(err, "sqlite: find experiment groups")
}

// LoadLedger writes a ledger in one transaction, replacing rows with the same
// key.
func (s *SQLiteStore) LoadLedger(ctx context.Context, l *Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: load ledger begin")
	}
	defer tx.Rollback() //nolint:errcheck

	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}

	for _, a := range l.Accounts {
		raw := a.RawStatus
		if raw == "" {
			raw = string(a.Status)
		}
		if err := exec(`INSERT OR REPLACE INTO accounts (id, status, workflow, partner, autodebet_enabled) VALUES (?, ?, ?, ?, ?)`,
			a.ID, raw, string(a.Workflow), a.Partner, a.AutodebetEnabled); err != nil {
			return eris.Wrapf(err, "sqlite: load account %d", a.ID)
		}
	}
	for _, o := range l.Obligations {
		if err := exec(`INSERT OR REPLACE INTO obligations (id, account_id, due_date, due_amount, status, phone, name) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.AccountID, nullDay(o.DueDate), o.DueAmount, string(o.Status), o.Phone, o.Name); err != nil {
			return eris.Wrapf(err, "sqlite: load obligation %d", o.ID)
		}
	}
	for _, p := range l.Promises {
		if err := exec(`INSERT INTO promises (account_id, ptp_date, amount, broken) VALUES (?, ?, ?, ?)`,
			p.AccountID, day(p.PTPDate), p.Amount, p.Broken); err != nil {
			return eris.Wrapf(err, "sqlite: load promise for account %d", p.AccountID)
		}
	}
	for _, r := range l.Refinancing {
		if err := exec(`INSERT INTO refinancing_requests (account_id, status, cohort, updated_at) VALUES (?, ?, ?, ?)`,
			r.AccountID, r.Status, r.Cohort, ts(r.UpdatedAt)); err != nil {
			return eris.Wrapf(err, "sqlite: load refinancing for account %d", r.AccountID)
		}
	}
	for _, b := range l.Blacklist {
		if err := exec(`INSERT OR REPLACE INTO vendor_blacklist (account_id, vendor, expires_on) VALUES (?, ?, ?)`,
			b.AccountID, b.Vendor, nullDay(b.ExpiresOn)); err != nil {
			return eris.Wrapf(err, "sqlite: load blacklist for account %d", b.AccountID)
		}
	}
	for _, g := range l.ExperimentGroups {
		if err := exec(`INSERT OR REPLACE INTO experiment_groups (account_id, experiment, grp) VALUES (?, ?, ?)`,
			g.AccountID, g.Experiment, g.Group); err != nil {
			return eris.Wrapf(err, "sqlite: load experiment group for account %d", g.AccountID)
		}
	}
	for _, a := range l.Assignments {
		typ, id := targetCols(a.Target)
		if err := exec(`INSERT OR REPLACE INTO assignments (id, account_id, target_type, target_id, bucket_id, assigned_on, expires_on, closed_on) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.AccountID, typ, id, a.BucketID, day(a.AssignedOn), nullDay(a.ExpiresOn), nullDay(a.ClosedOn)); err != nil {
			return eris.Wrapf(err, "sqlite: load assignment %s", a.ID)
		}
	}
	for _, n := range l.NonContact {
		if err := exec(`INSERT OR REPLACE INTO non_contact_states (account_id, consecutive, excluded_from_bucket, last_run_date) VALUES (?, ?, ?, ?)`,
			n.AccountID, n.Consecutive, n.ExcludedFromBucket, day(n.LastRunDate)); err != nil {
			return eris.Wrapf(err, "sqlite: load non-contact state %d", n.AccountID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: load ledger commit")
}
