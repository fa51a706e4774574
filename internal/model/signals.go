package model

import "time"

// PromiseToPay is a borrower's commitment to pay by a date.
type PromiseToPay struct {
	AccountID int64     `json:"account_id"`
	PTPDate   time.Time `json:"ptp_date"`
	Amount    int64     `json:"amount"`
	Broken    bool      `json:"broken"`
}

// RefinancingRequest is a loan refinancing request in the servicing system.
type RefinancingRequest struct {
	AccountID int64     `json:"account_id"`
	Status    string    `json:"status"`
	Cohort    string    `json:"cohort"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlacklistWildcard blocks an account for every dialer vendor.
const BlacklistWildcard = "*"

// BlacklistEntry is a vendor-specific do-not-call entry.
type BlacklistEntry struct {
	AccountID int64      `json:"account_id"`
	Vendor    string     `json:"vendor"`
	ExpiresOn *time.Time `json:"expires_on,omitempty"`
}

// ActiveOn reports whether the entry is in force on day.
func (b BlacklistEntry) ActiveOn(day time.Time) bool {
	return b.ExpiresOn == nil || Day(*b.ExpiresOn).After(Day(day))
}

// ExperimentGroup is an immutable assignment of an account to a group of an
// experiment.
type ExperimentGroup struct {
	AccountID  int64  `json:"account_id"`
	Experiment string `json:"experiment"`
	Group      string `json:"group"`
}

// FeatureSetting is one key/value row of the feature store.
type FeatureSetting struct {
	Key    string `json:"key"`
	Value  []byte `json:"value"`
	Active bool   `json:"active"`
}
