package model

import "time"

// ContactState is the non-contact demotion state of an account.
type ContactState string

const (
	ContactNormal             ContactState = "normal"
	ContactExcludedFromBucket ContactState = "excluded_from_bucket"
)

// NonContactState is the rolling no-contact counter for an account. Updates
// are last-writer-wins ordered by LastRunDate.
type NonContactState struct {
	AccountID          int64     `json:"account_id"`
	Consecutive        int       `json:"consecutive"`
	ExcludedFromBucket bool      `json:"excluded_from_bucket"`
	LastRunDate        time.Time `json:"last_run_date"`
}

// State returns the state-machine view of the counter.
func (s NonContactState) State() ContactState {
	if s.ExcludedFromBucket {
		return ContactExcludedFromBucket
	}
	return ContactNormal
}

// Advance applies one call outcome and returns the next state. One successful
// contact resets the counter and clears the sticky flag; reaching threshold
// consecutive misses sets it.
func (s NonContactState) Advance(runDate time.Time, contacted bool, threshold int) NonContactState {
	next := s
	next.LastRunDate = Day(runDate)
	if contacted {
		next.Consecutive = 0
		next.ExcludedFromBucket = false
		return next
	}
	next.Consecutive++
	if threshold > 0 && next.Consecutive >= threshold {
		next.ExcludedFromBucket = true
	}
	return next
}
