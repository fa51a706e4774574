// Package store persists the ledger view, audit trail and run state of the
// collection engine. PostgresStore is the production backend; SQLiteStore
// backs local runs, fixtures and tests.
package store

import (
	"context"
	"time"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/resilience"
)

// RunFilter specifies criteria for listing bucket runs.
type RunFilter struct {
	RunDate  time.Time      `json:"run_date,omitempty"`
	BucketID string         `json:"bucket_id,omitempty"`
	State    model.RunState `json:"state,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// DispatchFilter specifies criteria for listing dispatch records.
type DispatchFilter struct {
	RunDate  time.Time             `json:"run_date"`
	BucketID string                `json:"bucket_id,omitempty"`
	Outcome  model.Outcome         `json:"outcome,omitempty"`
	Reason   model.ExclusionReason `json:"reason,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Offset   int                   `json:"offset,omitempty"`
}

// Ledger is a bulk load of upstream data: the read-only view the engine
// queries plus the mutable collection state it maintains.
type Ledger struct {
	Accounts         []model.Account            `json:"accounts"`
	Obligations      []model.Obligation         `json:"obligations"`
	Promises         []model.PromiseToPay       `json:"promises"`
	Refinancing      []model.RefinancingRequest `json:"refinancing"`
	Blacklist        []model.BlacklistEntry     `json:"blacklist"`
	ExperimentGroups []model.ExperimentGroup    `json:"experiment_groups"`
	Assignments      []model.Assignment         `json:"assignments"`
	NonContact       []model.NonContactState    `json:"non_contact"`
}

// Store is the full persistence surface. Components depend on the narrower
// interfaces they declare; both backends satisfy all of them.
type Store interface {
	// Ledger reads
	FindUnpaidObligations(ctx context.Context, dueOnOrBefore time.Time) ([]model.Obligation, error)
	FindAccounts(ctx context.Context, ids []int64) (map[int64]model.Account, error)
	FindActivePromises(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.PromiseToPay, error)
	FindRefinancingRequests(ctx context.Context, accountIDs []int64) (map[int64][]model.RefinancingRequest, error)
	FindBlacklistEntries(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.BlacklistEntry, error)
	FindExperimentGroups(ctx context.Context, accountIDs []int64) (map[int64][]model.ExperimentGroup, error)
	LoadLedger(ctx context.Context, ledger *Ledger) error

	// Assignments
	FindActiveAssignments(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.Assignment, error)
	OpenAssignments(ctx context.Context, assignments []model.Assignment) (int, error)
	TransferAssignment(ctx context.Context, from *model.Assignment, to model.Assignment, transfer model.AssignmentTransfer) error

	// Non-contact counters
	FindNonContactStates(ctx context.Context, accountIDs []int64) (map[int64]model.NonContactState, error)
	UpsertNonContactStates(ctx context.Context, states []model.NonContactState) ([]int64, error)
	DemoteNonContacted(ctx context.Context, states []model.NonContactState) ([]int64, error)

	// Dispatch audit
	InsertDispatchRecords(ctx context.Context, records []model.DispatchRecord) ([]model.DispatchKey, error)
	GetDispatchRecords(ctx context.Context, keys []model.DispatchKey) (map[model.DispatchKey]model.DispatchRecord, error)
	InsertDispatchConflicts(ctx context.Context, conflicts []model.DispatchConflict) error
	ListDispatchRecords(ctx context.Context, filter DispatchFilter) ([]model.DispatchRecord, error)

	// Channel capacity
	ChannelUsage(ctx context.Context, runDate time.Time) (map[string]int, error)
	ReserveChannel(ctx context.Context, runDate time.Time, channel string, capacity int, keys []model.DispatchKey) ([]model.DispatchKey, error)
	ReleaseChannel(ctx context.Context, runDate time.Time, channel string, keys []model.DispatchKey) (int, error)
	NotSentByReason(ctx context.Context, runDate time.Time) ([]model.ReasonCount, error)
	SentByChannel(ctx context.Context, runDate time.Time) ([]model.ChannelCount, error)
	ListDispatchConflicts(ctx context.Context, runDate time.Time) ([]model.DispatchConflict, error)

	// Bucket runs
	GetBucketRun(ctx context.Context, bucketID string, runDate time.Time) (*model.BucketRun, error)
	SaveBucketRun(ctx context.Context, run *model.BucketRun) error
	ListBucketRuns(ctx context.Context, filter RunFilter) ([]model.BucketRun, error)

	// Vendor tasks
	SaveVendorTask(ctx context.Context, task model.VendorTask) error
	ListVendorTasks(ctx context.Context, runDate time.Time, status model.VendorTaskStatus) ([]model.VendorTask, error)
	MarkVendorTaskSynced(ctx context.Context, taskID string) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Feature settings
	ListFeatureSettings(ctx context.Context) ([]model.FeatureSetting, error)
	SetFeatureSetting(ctx context.Context, setting model.FeatureSetting) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open picks a backend by driver name.
func Open(ctx context.Context, driver, dsn string, pool *PoolConfig) (Store, error) {
	switch driver {
	case "postgres", "pgx":
		return NewPostgres(ctx, dsn, pool)
	default:
		return NewSQLite(dsn)
	}
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func parseStatus(raw string) (model.AccountStatus, string) {
	if st, ok := model.ParseAccountStatus(raw); ok {
		return st, raw
	}
	return "", raw
}

func scanTarget(typ, id string) (model.AssignmentTarget, error) {
	return model.NewAssignmentTarget(model.TargetType(typ), id)
}

func targetCols(t model.AssignmentTarget) (string, string) {
	if t == nil {
		return "", ""
	}
	return string(t.Type()), t.TargetID()
}

func defaultLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
