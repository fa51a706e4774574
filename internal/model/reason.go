package model

// ExclusionReason tags why an obligation was not sent on a run.
type ExclusionReason string

const (
	ReasonAccountStatusBlocked    ExclusionReason = "ACCOUNT_STATUS_BLOCKED"
	ReasonPartnerAccount          ExclusionReason = "PARTNER_ACCOUNT"
	ReasonPendingRefinancing      ExclusionReason = "PENDING_REFINANCING"
	ReasonPTPFutureDate           ExclusionReason = "PTP_FUTURE_DATE"
	ReasonVendorBlacklist         ExclusionReason = "VENDOR_BLACKLIST"
	ReasonAutodebetOptOut         ExclusionReason = "AUTODEBET_OPT_OUT"
	ReasonAlreadyAssignedToVendor ExclusionReason = "ALREADY_ASSIGNED_TO_VENDOR"
	ReasonExcludedFromBucket      ExclusionReason = "EXCLUDED_FROM_BUCKET"
	ReasonDataIntegrity           ExclusionReason = "DATA_INTEGRITY"
	ReasonWrittenOff              ExclusionReason = "WRITTEN_OFF"
	ReasonVendorUnavailable       ExclusionReason = "VENDOR_UNAVAILABLE"
)

// ReasonInfo describes an exclusion reason for reports and the ops API.
type ReasonInfo struct {
	Reason      ExclusionReason `json:"reason"`
	Description string          `json:"description"`
	// Source is "rule", "classifier" or "dispatch".
	Source string `json:"source"`
}

// reasonTable is the static lookup of every reason the engine can record.
var reasonTable = map[ExclusionReason]ReasonInfo{
	ReasonAccountStatusBlocked:    {ReasonAccountStatusBlocked, "account is in a terminal or locked status", "rule"},
	ReasonPartnerAccount:          {ReasonPartnerAccount, "account belongs to an excluded partner or channel", "rule"},
	ReasonPendingRefinancing:      {ReasonPendingRefinancing, "pending refinancing request inside cool-off window", "rule"},
	ReasonPTPFutureDate:           {ReasonPTPFutureDate, "active promise-to-pay dated today or later", "rule"},
	ReasonVendorBlacklist:         {ReasonVendorBlacklist, "account is on the dialer vendor do-not-call list", "rule"},
	ReasonAutodebetOptOut:         {ReasonAutodebetOptOut, "autodebet enabled and excluded for this DPD tier", "rule"},
	ReasonAlreadyAssignedToVendor: {ReasonAlreadyAssignedToVendor, "active third-party vendor assignment", "rule"},
	ReasonExcludedFromBucket:      {ReasonExcludedFromBucket, "non-contact streak moved the account to the non-contacted sub-bucket", "rule"},
	ReasonDataIntegrity:           {ReasonDataIntegrity, "obligation or account data could not be classified", "classifier"},
	ReasonWrittenOff:              {ReasonWrittenOff, "terminal DPD relabelled as write-off", "classifier"},
	ReasonVendorUnavailable:       {ReasonVendorUnavailable, "vendor API unreachable after retry budget", "dispatch"},
}

// Valid reports whether r is a known reason.
func (r ExclusionReason) Valid() bool {
	_, ok := reasonTable[r]
	return ok
}

// Info returns the static description of r.
func (r ExclusionReason) Info() (ReasonInfo, bool) {
	info, ok := reasonTable[r]
	return info, ok
}

// AllReasons lists every known reason in a stable order.
func AllReasons() []ExclusionReason {
	return []ExclusionReason{
		ReasonAccountStatusBlocked,
		ReasonPartnerAccount,
		ReasonPendingRefinancing,
		ReasonPTPFutureDate,
		ReasonVendorBlacklist,
		ReasonAutodebetOptOut,
		ReasonAlreadyAssignedToVendor,
		ReasonExcludedFromBucket,
		ReasonDataIntegrity,
		ReasonWrittenOff,
		ReasonVendorUnavailable,
	}
}
