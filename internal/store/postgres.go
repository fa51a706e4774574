package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/db"
	"github.com/sells-group/collection-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on every new connection. The store passes
// the same SQL text, which pgx matches against its statement cache.
var preparedStatements = map[string]string{
	"find_accounts":  sqlFindAccounts,
	"find_unpaid":    sqlFindUnpaid,
	"get_bucket_run": sqlGetBucketRun,
	"channel_usage":  sqlChannelUsage,
}

const (
	sqlFindAccounts = `SELECT id, status, workflow, partner, autodebet_enabled FROM accounts WHERE id = ANY($1)`
	sqlFindUnpaid   = `SELECT id, account_id, due_date, due_amount, status, phone, name FROM obligations
		WHERE status IN ('unpaid', 'partial_paid') AND (due_date IS NULL OR due_date <= $1)
		ORDER BY account_id, id`
	sqlGetBucketRun = `SELECT bucket_id, run_date, state, last_completed_step, attempts, summary, error, started_at, updated_at
		FROM bucket_runs WHERE bucket_id = $1 AND run_date = $2`
	sqlChannelUsage = `SELECT channel, count(*) FROM channel_reservations
		WHERE run_date = $1 GROUP BY channel`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool for ad-hoc reporting queries.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id                BIGINT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT '',
	workflow          TEXT NOT NULL DEFAULT 'standard',
	partner           TEXT NOT NULL DEFAULT '',
	autodebet_enabled BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS obligations (
	id         BIGINT PRIMARY KEY,
	account_id BIGINT NOT NULL,
	due_date   DATE,
	due_amount BIGINT NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_obligations_unpaid ON obligations(status, due_date);
CREATE INDEX IF NOT EXISTS idx_obligations_account ON obligations(account_id);

CREATE TABLE IF NOT EXISTS promises (
	id         BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	ptp_date   DATE NOT NULL,
	amount     BIGINT NOT NULL DEFAULT 0,
	broken     BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_promises_account ON promises(account_id, ptp_date);

CREATE TABLE IF NOT EXISTS refinancing_requests (
	id         BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	status     TEXT NOT NULL,
	cohort     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refinancing_account ON refinancing_requests(account_id);

CREATE TABLE IF NOT EXISTS vendor_blacklist (
	account_id BIGINT NOT NULL,
	vendor     TEXT NOT NULL,
	expires_on DATE,
	PRIMARY KEY (account_id, vendor)
);

CREATE TABLE IF NOT EXISTS experiment_groups (
	account_id BIGINT NOT NULL,
	experiment TEXT NOT NULL,
	grp        TEXT NOT NULL,
	PRIMARY KEY (account_id, experiment)
);

CREATE TABLE IF NOT EXISTS assignments (
	id          TEXT PRIMARY KEY,
	account_id  BIGINT NOT NULL,
	target_type TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	bucket_id   TEXT NOT NULL DEFAULT '',
	assigned_on DATE NOT NULL,
	expires_on  DATE,
	closed_on   DATE
);

CREATE INDEX IF NOT EXISTS idx_assignments_account ON assignments(account_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_one_active_agency
	ON assignments(account_id) WHERE target_type = 'agency' AND closed_on IS NULL;

CREATE TABLE IF NOT EXISTS assignment_transfers (
	id              TEXT PRIMARY KEY,
	account_id      BIGINT NOT NULL,
	from_assignment TEXT NOT NULL DEFAULT '',
	to_assignment   TEXT NOT NULL,
	from_type       TEXT NOT NULL DEFAULT '',
	from_id         TEXT NOT NULL DEFAULT '',
	to_type         TEXT NOT NULL,
	to_id           TEXT NOT NULL,
	reason          TEXT NOT NULL,
	transferred_on  DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS non_contact_states (
	account_id           BIGINT PRIMARY KEY,
	consecutive          INTEGER NOT NULL DEFAULT 0,
	excluded_from_bucket BOOLEAN NOT NULL DEFAULT false,
	last_run_date        DATE NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_reservations (
	run_date      DATE NOT NULL,
	channel       TEXT NOT NULL,
	bucket_id     TEXT NOT NULL,
	obligation_id BIGINT NOT NULL,
	PRIMARY KEY (run_date, channel, bucket_id, obligation_id)
);

CREATE TABLE IF NOT EXISTS dispatch_records (
	obligation_id  BIGINT NOT NULL,
	bucket_id      TEXT NOT NULL,
	run_date       DATE NOT NULL,
	account_id     BIGINT NOT NULL,
	channel        TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	vendor_task_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (obligation_id, bucket_id, run_date),
	CHECK (outcome IN ('SENT', 'NOT_SENT')),
	CHECK (outcome = 'SENT' OR reason <> '')
);

CREATE INDEX IF NOT EXISTS idx_dispatch_run_outcome ON dispatch_records(run_date, outcome);
CREATE INDEX IF NOT EXISTS idx_dispatch_run_bucket ON dispatch_records(run_date, bucket_id);

CREATE TABLE IF NOT EXISTS dispatch_conflicts (
	id                BIGSERIAL PRIMARY KEY,
	obligation_id     BIGINT NOT NULL,
	bucket_id         TEXT NOT NULL,
	run_date          DATE NOT NULL,
	existing_outcome  TEXT NOT NULL,
	existing_reason   TEXT NOT NULL DEFAULT '',
	existing_channel  TEXT NOT NULL DEFAULT '',
	attempted_outcome TEXT NOT NULL,
	attempted_reason  TEXT NOT NULL DEFAULT '',
	attempted_channel TEXT NOT NULL DEFAULT '',
	detected_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dispatch_conflicts_run ON dispatch_conflicts(run_date);

CREATE TABLE IF NOT EXISTS bucket_runs (
	bucket_id           TEXT NOT NULL,
	run_date            DATE NOT NULL,
	state               TEXT NOT NULL,
	last_completed_step TEXT NOT NULL DEFAULT '',
	attempts            INTEGER NOT NULL DEFAULT 0,
	summary             JSONB NOT NULL DEFAULT '{}',
	error               TEXT NOT NULL DEFAULT '',
	started_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (bucket_id, run_date)
);

CREATE TABLE IF NOT EXISTS vendor_tasks (
	task_id        TEXT PRIMARY KEY,
	vendor         TEXT NOT NULL,
	bucket_id      TEXT NOT NULL,
	run_date       DATE NOT NULL,
	page_key       TEXT NOT NULL UNIQUE,
	obligation_ids JSONB NOT NULL,
	account_ids    JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'submitted',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_vendor_tasks_run ON vendor_tasks(run_date, status);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	vendor         TEXT NOT NULL,
	bucket_id      TEXT NOT NULL,
	run_date       DATE NOT NULL,
	page_key       TEXT NOT NULL,
	obligation_ids JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_vendor ON dead_letter_queue(vendor, run_date);

CREATE TABLE IF NOT EXISTS feature_settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) FindUnpaidObligations(ctx context.Context, dueOnOrBefore time.Time) ([]model.Obligation, error) {
	rows, err := s.pool.Query(ctx, sqlFindUnpaid, model.Day(dueOnOrBefore))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find unpaid obligations")
	}
	defer rows.Close()

	var out []model.Obligation
	for rows.Next() {
		var o model.Obligation
		var status string
		if err := rows.Scan(&o.ID, &o.AccountID, &o.DueDate, &o.DueAmount, &status, &o.Phone, &o.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan obligation")
		}
		o.Status = model.ObligationStatus(status)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find unpaid obligations iterate")
}

func (s *PostgresStore) FindAccounts(ctx context.Context, ids []int64) (map[int64]model.Account, error) {
	out := make(map[int64]model.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, sqlFindAccounts, dedupe(ids))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find accounts")
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Account
		var raw, workflow string
		if err := rows.Scan(&a.ID, &raw, &workflow, &a.Partner, &a.AutodebetEnabled); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		a.Status, a.RawStatus = parseStatus(raw)
		a.Workflow = model.Workflow(workflow)
		out[a.ID] = a
	}
	return out, eris.Wrap(rows.Err(), "postgres: find accounts iterate")
}

func (s *PostgresStore) FindActivePromises(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.PromiseToPay, error) {
	out := make(map[int64][]model.PromiseToPay)
	if len(accountIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, ptp_date, amount, broken FROM promises
		 WHERE account_id = ANY($1) AND NOT broken AND ptp_date >= $2
		 ORDER BY account_id, ptp_date`,
		dedupe(accountIDs), model.Day(asOf),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find promises")
	}
	defer rows.Close()

	for rows.Next() {
		var p model.PromiseToPay
		if err := rows.Scan(&p.AccountID, &p.PTPDate, &p.Amount, &p.Broken); err != nil {
			return nil, eris.Wrap(err, "postgres: scan promise")
		}
		out[p.AccountID] = append(out[p.AccountID], p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find promises iterate")
}

func (s *PostgresStore) FindRefinancingRequests(ctx context.Context, accountIDs []int64) (map[int64][]model.RefinancingRequest, error) {
	out := make(map[int64][]model.RefinancingRequest)
	if len(accountIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, status, cohort, updated_at FROM refinancing_requests
		 WHERE account_id = ANY($1) ORDER BY account_id, updated_at`,
		dedupe(accountIDs),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find refinancing requests")
	}
	defer rows.Close()

	for rows.Next() {
		var r model.RefinancingRequest
		if err := rows.Scan(&r.AccountID, &r.Status, &r.Cohort, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan refinancing request")
		}
		out[r.AccountID] = append(out[r.AccountID], r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find refinancing requests iterate")
}

func (s *PostgresStore) FindBlacklistEntries(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.BlacklistEntry, error) {
	out := make(map[int64][]model.BlacklistEntry)
	if len(accountIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, vendor, expires_on FROM vendor_blacklist
		 WHERE account_id = ANY($1) AND (expires_on IS NULL OR expires_on > $2)
		 ORDER BY account_id, vendor`,
		dedupe(accountIDs), model.Day(asOf),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find blacklist")
	}
	defer rows.Close()

	for rows.Next() {
		var b model.BlacklistEntry
		if err := rows.Scan(&b.AccountID, &b.Vendor, &b.ExpiresOn); err != nil {
			return nil, eris.Wrap(err, "postgres: scan blacklist entry")
		}
		out[b.AccountID] = append(out[b.AccountID], b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find blacklist iterate")
}

func (s *PostgresStore) FindExperimentGroups(ctx context.Context, accountIDs []int64) (map[int64][]model.ExperimentGroup, error) {
	out := make(map[int64][]model.ExperimentGroup)
	if len(accountIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, experiment, grp FROM experiment_groups
		 WHERE account_id = ANY($1) ORDER BY account_id, experiment`,
		dedupe(accountIDs),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find experiment groups")
	}
	defer rows.Close()

	for rows.Next() {
		var g model.ExperimentGroup
		if err := rows.Scan(&g.AccountID, &g.Experiment, &g.Group); err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment group")
		}
		out[g.AccountID] = append(out[g.AccountID], g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find experiment groups iterate")
}

// LoadLedger bulk-loads a ledger with COPY. Target tables are expected to be
// empty; existing keys fail the load.
func (s *PostgresStore) LoadLedger(ctx context.Context, l *Ledger) error {
	type load struct {
		table string
		cols  []string
		rows  [][]any
	}
	var loads []load

	var rows [][]any
	for _, a := range l.Accounts {
		raw := a.RawStatus
		if raw == "" {
			raw = string(a.Status)
		}
		rows = append(rows, []any{a.ID, raw, string(a.Workflow), a.Partner, a.AutodebetEnabled})
	}
	loads = append(loads, load{"accounts", []string{"id", "status", "workflow", "partner", "autodebet_enabled"}, rows})

	rows = nil
	for _, o := range l.Obligations {
		rows = append(rows, []any{o.ID, o.AccountID, o.DueDate, o.DueAmount, string(o.Status), o.Phone, o.Name})
	}
	loads = append(loads, load{"obligations", []string{"id", "account_id", "due_date", "due_amount", "status", "phone", "name"}, rows})

	rows = nil
	for _, p := range l.Promises {
		rows = append(rows, []any{p.AccountID, model.Day(p.PTPDate), p.Amount, p.Broken})
	}
	loads = append(loads, load{"promises", []string{"account_id", "ptp_date", "amount", "broken"}, rows})

	rows = nil
	for _, r := range l.Refinancing {
		rows = append(rows, []any{r.AccountID, r.Status, r.Cohort, r.UpdatedAt.UTC()})
	}
	loads = append(loads, load{"refinancing_requests", []string{"account_id", "status", "cohort", "updated_at"}, rows})

	rows = nil
	for _, b := range l.Blacklist {
		rows = append(rows, []any{b.AccountID, b.Vendor, b.ExpiresOn})
	}
	loads = append(loads, load{"vendor_blacklist", []string{"account_id", "vendor", "expires_on"}, rows})

	rows = nil
	for _, g := range l.ExperimentGroups {
		rows = append(rows, []any{g.AccountID, g.Experiment, g.Group})
	}
	loads = append(loads, load{"experiment_groups", []string{"account_id", "experiment", "grp"}, rows})

	rows = nil
	for _, a := range l.Assignments {
		typ, id := targetCols(a.Target)
		rows = append(rows, []any{a.ID, a.AccountID, typ, id, a.BucketID, model.Day(a.AssignedOn), a.ExpiresOn, a.ClosedOn})
	}
	loads = append(loads, load{"assignments", assignmentCols, rows})

	rows = nil
	for _, n := range l.NonContact {
		rows = append(rows, []any{n.AccountID, n.Consecutive, n.ExcludedFromBucket, model.Day(n.LastRunDate)})
	}
	loads = append(loads, load{"non_contact_states", []string{"account_id", "consecutive", "excluded_from_bucket", "last_run_date"}, rows})

	for _, ld := range loads {
		if _, err := db.CopyFrom(ctx, s.pool, ld.table, ld.cols, ld.rows); err != nil {
			return eris.Wrap(err, "postgres: load ledger")
		}
	}
	return nil
}

var assignmentCols = []string{"id", "account_id", "target_type", "target_id", "bucket_id", "assigned_on", "expires_on", "closed_on"}
