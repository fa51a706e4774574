package model

import (
	"strings"
	"time"
)

// AccountStatus is the lending ledger's status code for a credit line.
type AccountStatus string

const (
	AccountStatusActive          AccountStatus = "active"
	AccountStatusOverdue         AccountStatus = "overdue"
	AccountStatusPaidOff         AccountStatus = "paid_off"
	AccountStatusInactive        AccountStatus = "inactive"
	AccountStatusSuspended       AccountStatus = "suspended"
	AccountStatusFraud           AccountStatus = "fraud"
	AccountStatusConsentWithdraw AccountStatus = "consent_withdrawn"
	AccountStatusSoldOff         AccountStatus = "sold_off"
	AccountStatusTerminated      AccountStatus = "terminated"
	AccountStatusDeceased        AccountStatus = "deceased"
)

var knownAccountStatuses = map[AccountStatus]bool{
	AccountStatusActive:          true,
	AccountStatusOverdue:         true,
	AccountStatusPaidOff:         true,
	AccountStatusInactive:        true,
	AccountStatusSuspended:       true,
	AccountStatusFraud:           true,
	AccountStatusConsentWithdraw: true,
	AccountStatusSoldOff:         true,
	AccountStatusTerminated:      true,
	AccountStatusDeceased:        true,
}

// ParseAccountStatus normalizes a raw ledger status. The boolean is false for
// values the engine does not recognise.
func ParseAccountStatus(raw string) (AccountStatus, bool) {
	s := AccountStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, knownAccountStatuses[s]
}

// Workflow is the product line an account was originated under.
type Workflow string

const (
	WorkflowStandard Workflow = "standard"
	WorkflowPartnerA Workflow = "partner_a"
	WorkflowPartnerB Workflow = "partner_b"
)

// Account is a borrower's credit line as seen by the engine. Read-only.
type Account struct {
	ID               int64         `json:"id"`
	Status           AccountStatus `json:"status"`
	RawStatus        string        `json:"raw_status,omitempty"`
	Workflow         Workflow      `json:"workflow"`
	Partner          string        `json:"partner,omitempty"`
	AutodebetEnabled bool          `json:"autodebet_enabled"`
}

// ObligationStatus is the payment state of a due installment.
type ObligationStatus string

const (
	ObligationUnpaid      ObligationStatus = "unpaid"
	ObligationPartialPaid ObligationStatus = "partial_paid"
	ObligationPaid        ObligationStatus = "paid"
)

// Obligation is a single due installment owned by an account.
type Obligation struct {
	ID        int64            `json:"id"`
	AccountID int64            `json:"account_id"`
	DueDate   *time.Time       `json:"due_date,omitempty"`
	DueAmount int64            `json:"due_amount"`
	Status    ObligationStatus `json:"status"`
	Phone     string           `json:"phone,omitempty"`
	Name      string           `json:"name,omitempty"`
}

// IsUnpaid reports whether the obligation still has an outstanding balance.
func (o Obligation) IsUnpaid() bool {
	return o.Status == ObligationUnpaid || o.Status == ObligationPartialPaid
}

// DPD returns days past due as of runDate. ok is false when the due date is
// missing.
func (o Obligation) DPD(runDate time.Time) (dpd int, ok bool) {
	if o.DueDate == nil {
		return 0, false
	}
	return DaysBetween(*o.DueDate, runDate), true
}
