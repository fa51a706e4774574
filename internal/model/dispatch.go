package model

import "time"

// Outcome is the result of a dispatch decision for one obligation.
type Outcome string

const (
	OutcomeSent    Outcome = "SENT"
	OutcomeNotSent Outcome = "NOT_SENT"
)

// ChannelKind distinguishes the three families of collection channels.
type ChannelKind string

const (
	ChannelInHouse ChannelKind = "inhouse"
	ChannelVendor  ChannelKind = "vendor"
	ChannelAgency  ChannelKind = "agency"
)

// InHouseChannel is the default in-house agent queue.
const InHouseChannel = "inhouse"

// Channel identifies where an obligation is dialled from.
type Channel struct {
	ID   string      `json:"id" yaml:"id"`
	Kind ChannelKind `json:"kind" yaml:"kind"`
}

// IsZero reports whether the channel is unset.
func (c Channel) IsZero() bool { return c.ID == "" }

// DispatchKey is the idempotency key of a dispatch record. RunDate is in
// DateLayout form so keys compare equal across stores.
type DispatchKey struct {
	ObligationID int64
	BucketID     string
	RunDate      string
}

// DispatchRecord is the audit row written for every candidate obligation of
// a bucket run.
type DispatchRecord struct {
	ObligationID int64           `json:"obligation_id"`
	AccountID    int64           `json:"account_id"`
	BucketID     string          `json:"bucket_id"`
	RunDate      time.Time       `json:"run_date"`
	Channel      string          `json:"channel,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	Reason       ExclusionReason `json:"reason,omitempty"`
	VendorTaskID string          `json:"vendor_task_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Key returns the record's idempotency key.
func (r DispatchRecord) Key() DispatchKey {
	return DispatchKey{ObligationID: r.ObligationID, BucketID: r.BucketID, RunDate: FormatDate(r.RunDate)}
}

// SameOutcome reports whether two records for the same key describe the
// same decision. Vendor task ids are not part of the decision.
func (r DispatchRecord) SameOutcome(o DispatchRecord) bool {
	return r.Outcome == o.Outcome && r.Reason == o.Reason && r.Channel == o.Channel
}

// DispatchConflict is logged when a second write for an existing key carries a
// different outcome. The original record is never overwritten.
type DispatchConflict struct {
	ObligationID     int64           `json:"obligation_id"`
	BucketID         string          `json:"bucket_id"`
	RunDate          time.Time       `json:"run_date"`
	ExistingOutcome  Outcome         `json:"existing_outcome"`
	ExistingReason   ExclusionReason `json:"existing_reason,omitempty"`
	ExistingChannel  string          `json:"existing_channel,omitempty"`
	AttemptedOutcome Outcome         `json:"attempted_outcome"`
	AttemptedReason  ExclusionReason `json:"attempted_reason,omitempty"`
	AttemptedChannel string          `json:"attempted_channel,omitempty"`
	DetectedAt       time.Time       `json:"detected_at"`
}

// ReasonCount is one row of a not-sent breakdown.
type ReasonCount struct {
	BucketID string          `json:"bucket_id"`
	Reason   ExclusionReason `json:"reason"`
	Count    int             `json:"count"`
}

// ChannelCount is one row of a sent breakdown.
type ChannelCount struct {
	BucketID string `json:"bucket_id"`
	Channel  string `json:"channel"`
	Count    int    `json:"count"`
}
