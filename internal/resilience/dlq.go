package resilience

import (
	"time"
)

// DLQEntry is a vendor page that exhausted its retry budget. The page's
// obligations were already recorded NOT_SENT or redirected; the entry keeps
// the payload for manual resubmission.
type DLQEntry struct {
	ID            string    `json:"id"`
	Vendor        string    `json:"vendor"`
	BucketID      string    `json:"bucket_id"`
	RunDate       time.Time `json:"run_date"`
	PageKey       string    `json:"page_key"`
	ObligationIDs []int64   `json:"obligation_ids"`
	Error         string    `json:"error"`
	ErrorType     string    `json:"error_type"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	CreatedAt     time.Time `json:"created_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// DLQFilter narrows a dead letter listing.
type DLQFilter struct {
	Vendor    string    `json:"vendor,omitempty"`
	RunDate   time.Time `json:"run_date,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NewDLQEntry builds an entry for a failed page.
func NewDLQEntry(vendor, bucketID string, runDate time.Time, pageKey string, obligationIDs []int64, err error, maxRetries int, now time.Time) DLQEntry {
	now = now.UTC()
	return DLQEntry{
		ID:            pageKey,
		Vendor:        vendor,
		BucketID:      bucketID,
		RunDate:       runDate,
		PageKey:       pageKey,
		ObligationIDs: obligationIDs,
		Error:         err.Error(),
		ErrorType:     ClassifyError(err),
		MaxRetries:    maxRetries,
		NextRetryAt:   now.Add(time.Hour),
		CreatedAt:     now,
		LastFailedAt:  now,
	}
}
