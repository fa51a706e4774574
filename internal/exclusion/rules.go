// Package exclusion holds the ordered eligibility rules applied to every
// bucketed obligation. Rules are pure functions of the candidate, its account
// signals and the snapshot; the first rule that matches decides the reason.
package exclusion

import (
	"slices"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// Signals are the account-level facts loaded by the resolver before the chain
// runs. Every slice is already scoped to the candidate's account.
type Signals struct {
	Promises    []model.PromiseToPay
	Refinancing []model.RefinancingRequest
	Blacklist   []model.BlacklistEntry
	Assignments []model.Assignment
	NonContact  *model.NonContactState
}

// Input is everything a rule may look at.
type Input struct {
	Candidate model.Candidate
	Bucket    model.Bucket
	Signals   Signals
	Snapshot  *snapshot.Snapshot
}

// MatchFunc reports whether a rule applies. A returned error is treated as
// "not matched".
type MatchFunc func(in Input) (bool, error)

// Rule is one step of the chain.
type Rule struct {
	Name   string
	Reason model.ExclusionReason
	Match  MatchFunc
}

// Rule names, in canonical order.
const (
	RuleAccountStatus = "account_status"
	RulePartner       = "partner"
	RuleRefinancing   = "pending_refinancing"
	RulePromise       = "promise_to_pay"
	RuleBlacklist     = "vendor_blacklist"
	RuleAutodebet     = "autodebet"
	RuleAssigned      = "third_party_assignment"
	RuleNonContact    = "non_contact"
)

// Rules returns the canonical chain. Experiment routing is not a rule; the
// allocator resolves it.
func Rules() []Rule {
	return []Rule{
		{Name: RuleAccountStatus, Reason: model.ReasonAccountStatusBlocked, Match: accountStatusBlocked},
		{Name: RulePartner, Reason: model.ReasonPartnerAccount, Match: partnerAccount},
		{Name: RuleRefinancing, Reason: model.ReasonPendingRefinancing, Match: pendingRefinancing},
		{Name: RulePromise, Reason: model.ReasonPTPFutureDate, Match: futurePromise},
		{Name: RuleBlacklist, Reason: model.ReasonVendorBlacklist, Match: vendorBlacklisted},
		{Name: RuleAutodebet, Reason: model.ReasonAutodebetOptOut, Match: autodebetOptOut},
		{Name: RuleAssigned, Reason: model.ReasonAlreadyAssignedToVendor, Match: assignedToThirdParty},
		{Name: RuleNonContact, Reason: model.ReasonExcludedFromBucket, Match: nonContactDemoted},
	}
}

func accountStatusBlocked(in Input) (bool, error) {
	return in.Snapshot.IsTerminalStatus(in.Candidate.Account.Status), nil
}

func partnerAccount(in Input) (bool, error) {
	acct := in.Candidate.Account
	if acct.Partner != "" && slices.Contains(in.Snapshot.ExcludedPartners, acct.Partner) {
		return true, nil
	}
	return slices.Contains(in.Snapshot.ExcludedWorkflows, acct.Workflow), nil
}

// pendingRefinancing holds accounts with a recent pending request unless the
// DPD sits inside a safe window for the request's cohort.
func pendingRefinancing(in Input) (bool, error) {
	cfg := in.Snapshot.Refinancing
	runDate := in.Candidate.RunDate
	for _, req := range in.Signals.Refinancing {
		if !slices.Contains(cfg.PendingStatuses, req.Status) {
			continue
		}
		age := model.DaysBetween(req.UpdatedAt, runDate)
		if age < 0 || age > cfg.CoolOffDays {
			continue
		}
		if inSafeWindow(cfg.SafeWindows[req.Cohort], in.Candidate.DPD) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func inSafeWindow(windows []snapshot.Range, dpd int) bool {
	for _, w := range windows {
		if w.Contains(dpd) {
			return true
		}
	}
	return false
}

func futurePromise(in Input) (bool, error) {
	day := model.Day(in.Candidate.RunDate)
	for _, p := range in.Signals.Promises {
		if !p.Broken && !model.Day(p.PTPDate).Before(day) {
			return true, nil
		}
	}
	return false, nil
}

func vendorBlacklisted(in Input) (bool, error) {
	for _, e := range in.Signals.Blacklist {
		if !e.ActiveOn(in.Candidate.RunDate) {
			continue
		}
		if e.Vendor == model.BlacklistWildcard || (in.Bucket.DialerVendor != "" && e.Vendor == in.Bucket.DialerVendor) {
			return true, nil
		}
	}
	return false, nil
}

func autodebetOptOut(in Input) (bool, error) {
	cfg := in.Snapshot.Autodebet
	if !cfg.Enabled || !in.Candidate.Account.AutodebetEnabled {
		return false, nil
	}
	return inSafeWindow(cfg.DPDRanges, in.Candidate.DPD), nil
}

func assignedToThirdParty(in Input) (bool, error) {
	for _, a := range in.Signals.Assignments {
		if a.Target == nil {
			continue
		}
		if a.Target.Type() == model.TargetAgent {
			continue
		}
		if a.ActiveOn(in.Candidate.RunDate) {
			return true, nil
		}
	}
	return false, nil
}

// nonContactDemoted only applies to buckets that have a non-contacted
// sub-bucket to route to.
func nonContactDemoted(in Input) (bool, error) {
	if in.Bucket.NonContactedBucket == "" || in.Signals.NonContact == nil {
		return false, nil
	}
	st := in.Signals.NonContact
	if st.ExcludedFromBucket {
		return true, nil
	}
	threshold := in.Snapshot.NonContactThreshold(in.Bucket.ID)
	return threshold > 0 && st.Consecutive >= threshold, nil
}
