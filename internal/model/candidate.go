package model

import "time"

// Candidate is an account's oldest unpaid obligation, classified into a
// bucket for one run date.
type Candidate struct {
	Obligation Obligation
	Account    Account
	BucketID   string
	DPD        int
	RunDate    time.Time
}

// ObligationID is a shorthand used in logs and maps.
func (c Candidate) ObligationID() int64 { return c.Obligation.ID }

// AccountID is a shorthand used in logs and maps.
func (c Candidate) AccountID() int64 { return c.Account.ID }

// Exclusion is a candidate that will be recorded NOT_SENT.
type Exclusion struct {
	Candidate Candidate
	Reason    ExclusionReason
	// Rule is the name of the rule or classifier step that matched.
	Rule string
}

// NotSent builds the audit record for an exclusion.
func (e Exclusion) NotSent(now time.Time) DispatchRecord {
	return DispatchRecord{
		ObligationID: e.Candidate.Obligation.ID,
		AccountID:    e.Candidate.Obligation.AccountID,
		BucketID:     e.Candidate.BucketID,
		RunDate:      Day(e.Candidate.RunDate),
		Outcome:      OutcomeNotSent,
		Reason:       e.Reason,
		CreatedAt:    now.UTC(),
	}
}
