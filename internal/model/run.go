package model

import "time"

// RunState is a step of the per-bucket run state machine.
type RunState string

const (
	RunPending     RunState = "pending"
	RunQuerying    RunState = "querying"
	RunBatching    RunState = "batching"
	RunDispatching RunState = "dispatching"
	RunRecorded    RunState = "recorded"
	RunCompleted   RunState = "completed"
	RunFailed      RunState = "failed"
)

var runStepOrder = map[RunState]int{
	RunPending:     0,
	RunQuerying:    1,
	RunBatching:    2,
	RunDispatching: 3,
	RunRecorded:    4,
	RunCompleted:   5,
}

// Ordinal returns the position of a step in the happy path, or -1 for Failed.
func (s RunState) Ordinal() int {
	if o, ok := runStepOrder[s]; ok {
		return o
	}
	return -1
}

// Terminal reports whether no further transitions happen from s.
func (s RunState) Terminal() bool {
	return s == RunCompleted
}

// BucketRun is the persisted state of one bucket job for one run date.
type BucketRun struct {
	BucketID          string     `json:"bucket_id"`
	RunDate           time.Time  `json:"run_date"`
	State             RunState   `json:"state"`
	LastCompletedStep RunState   `json:"last_completed_step"`
	Attempts          int        `json:"attempts"`
	Summary           RunSummary `json:"summary"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RunSummary holds the counts produced by a bucket run.
type RunSummary struct {
	Candidates   int                     `json:"candidates"`
	Eligible     int                     `json:"eligible"`
	Excluded     int                     `json:"excluded"`
	Demoted      int                     `json:"demoted"`
	Skipped      int                     `json:"skipped"`
	SentBy       map[string]int          `json:"sent_by,omitempty"`
	NotSentBy    map[ExclusionReason]int `json:"not_sent_by,omitempty"`
	FailedPages  int                     `json:"failed_pages"`
	Redirected   int                     `json:"redirected"`
	Conflicts    int                     `json:"conflicts"`
	InHouseOnly  bool                    `json:"inhouse_only,omitempty"`
	FallbackFrom string                  `json:"fallback_from,omitempty"`
}

// TotalSent sums SentBy.
func (s RunSummary) TotalSent() int {
	n := 0
	for _, c := range s.SentBy {
		n += c
	}
	return n
}

// TotalNotSent sums NotSentBy.
func (s RunSummary) TotalNotSent() int {
	n := 0
	for _, c := range s.NotSentBy {
		n += c
	}
	return n
}

// VendorTaskStatus tracks a submitted vendor page.
type VendorTaskStatus string

const (
	VendorTaskSubmitted VendorTaskStatus = "submitted"
	VendorTaskSynced    VendorTaskStatus = "synced"
)

// VendorTask is a page accepted by an external dialer vendor.
type VendorTask struct {
	TaskID        string           `json:"task_id"`
	Vendor        string           `json:"vendor"`
	BucketID      string           `json:"bucket_id"`
	RunDate       time.Time        `json:"run_date"`
	PageKey       string           `json:"page_key"`
	ObligationIDs []int64          `json:"obligation_ids"`
	AccountIDs    []int64          `json:"account_ids"`
	Status        VendorTaskStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}
