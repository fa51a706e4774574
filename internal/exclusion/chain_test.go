package exclusion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

var runDate = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

func testSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	snap := snapshot.Default()
	snap.ExcludedPartners = []string{"acme_bnpl"}
	snap.ExcludedWorkflows = []model.Workflow{model.WorkflowPartnerB}
	require.NoError(t, snap.Finalize(runDate))
	return snap
}

func input(t *testing.T, snap *snapshot.Snapshot, bucketID string, dpd int) Input {
	t.Helper()
	b, ok := snap.Bucket(bucketID)
	require.True(t, ok)
	due := runDate.AddDate(0, 0, -dpd)
	return Input{
		Candidate: model.Candidate{
			Obligation: model.Obligation{ID: 100, AccountID: 7, DueDate: &due, Status: model.ObligationUnpaid},
			Account:    model.Account{ID: 7, Status: model.AccountStatusOverdue, Workflow: model.WorkflowStandard},
			BucketID:   bucketID,
			DPD:        dpd,
			RunDate:    runDate,
		},
		Bucket:   b,
		Snapshot: snap,
	}
}

func TestEvaluate_Eligible(t *testing.T) {
	snap := testSnapshot(t)
	d := NewChain().Evaluate(input(t, snap, "B2", 15))
	assert.True(t, d.Eligible)
	assert.Empty(t, d.Reason)
	assert.Empty(t, d.Failed)
}

func TestEvaluate_PromiseInThreeDays(t *testing.T) {
	snap := testSnapshot(t)
	in := input(t, snap, "B1", 5)
	in.Signals.Promises = []model.PromiseToPay{{AccountID: 7, PTPDate: runDate.AddDate(0, 0, 3)}}

	d := NewChain().Evaluate(in)
	assert.False(t, d.Eligible)
	assert.Equal(t, model.ReasonPTPFutureDate, d.Reason)
	assert.Equal(t, RulePromise, d.Rule)
}

func TestEvaluate_PromiseEdgeCases(t *testing.T) {
	snap := testSnapshot(t)
	chain := NewChain()

	in := input(t, snap, "B1", 5)
	in.Signals.Promises = []model.PromiseToPay{{PTPDate: runDate}}
	assert.Equal(t, model.ReasonPTPFutureDate, chain.Evaluate(in).Reason, "promise dated today still holds")

	in.Signals.Promises = []model.PromiseToPay{{PTPDate: runDate.AddDate(0, 0, -1)}}
	assert.True(t, chain.Evaluate(in).Eligible, "past promise")

	in.Signals.Promises = []model.PromiseToPay{{PTPDate: runDate.AddDate(0, 0, 2), Broken: true}}
	assert.True(t, chain.Evaluate(in).Eligible, "broken promise")
}

func TestEvaluate_EachRule(t *testing.T) {
	snap := testSnapshot(t)
	chain := NewChain()
	expires := runDate.AddDate(0, 0, 10)

	tests := []struct {
		name   string
		bucket string
		dpd    int
		mutate func(in *Input)
		reason model.ExclusionReason
	}{
		{"terminal status", "B2", 15, func(in *Input) { in.Candidate.Account.Status = model.AccountStatusFraud }, model.ReasonAccountStatusBlocked},
		{"suspended is locked", "B2", 15, func(in *Input) { in.Candidate.Account.Status = model.AccountStatusSuspended }, model.ReasonAccountStatusBlocked},
		{"excluded partner", "B2", 15, func(in *Input) { in.Candidate.Account.Partner = "acme_bnpl" }, model.ReasonPartnerAccount},
		{"excluded workflow", "B2", 15, func(in *Input) { in.Candidate.Account.Workflow = model.WorkflowPartnerB }, model.ReasonPartnerAccount},
		{"pending refinancing", "B2", 15, func(in *Input) {
			in.Signals.Refinancing = []model.RefinancingRequest{{Status: "proposed", Cohort: "R1", UpdatedAt: runDate.AddDate(0, 0, -2)}}
		}, model.ReasonPendingRefinancing},
		{"blacklist for bucket vendor", "B2", 15, func(in *Input) {
			in.Signals.Blacklist = []model.BlacklistEntry{{Vendor: "predictive"}}
		}, model.ReasonVendorBlacklist},
		{"wildcard blacklist", "B4", 75, func(in *Input) {
			in.Signals.Blacklist = []model.BlacklistEntry{{Vendor: model.BlacklistWildcard, ExpiresOn: &expires}}
		}, model.ReasonVendorBlacklist},
		{"autodebet in excluded tier", "T0", 0, func(in *Input) { in.Candidate.Account.AutodebetEnabled = true }, model.ReasonAutodebetOptOut},
		{"active agency assignment", "B5", 100, func(in *Input) {
			in.Signals.Assignments = []model.Assignment{{Target: model.AgencyTarget{ID: "agency_alpha"}, AssignedOn: runDate.AddDate(0, 0, -5), ExpiresOn: &expires}}
		}, model.ReasonAlreadyAssignedToVendor},
		{"non-contact flag", "B2", 15, func(in *Input) {
			in.Signals.NonContact = &model.NonContactState{ExcludedFromBucket: true}
		}, model.ReasonExcludedFromBucket},
		{"non-contact streak at threshold", "B2", 15, func(in *Input) {
			in.Signals.NonContact = &model.NonContactState{Consecutive: 5}
		}, model.ReasonExcludedFromBucket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input(t, snap, tt.bucket, tt.dpd)
			tt.mutate(&in)
			d := chain.Evaluate(in)
			assert.False(t, d.Eligible)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluate_NonMatchingSignals(t *testing.T) {
	snap := testSnapshot(t)
	chain := NewChain()
	past := runDate.AddDate(0, 0, -1)

	tests := []struct {
		name   string
		bucket string
		dpd    int
		mutate func(in *Input)
	}{
		{"refinancing outside cool-off", "B2", 15, func(in *Input) {
			in.Signals.Refinancing = []model.RefinancingRequest{{Status: "proposed", Cohort: "R1", UpdatedAt: runDate.AddDate(0, 0, -30)}}
		}},
		{"refinancing inside safe window", "B1", 5, func(in *Input) {
			in.Signals.Refinancing = []model.RefinancingRequest{{Status: "proposed", Cohort: "R1", UpdatedAt: runDate}}
		}},
		{"refinancing not pending", "B2", 15, func(in *Input) {
			in.Signals.Refinancing = []model.RefinancingRequest{{Status: "rejected", Cohort: "R1", UpdatedAt: runDate}}
		}},
		{"blacklist other vendor", "B2", 15, func(in *Input) {
			in.Signals.Blacklist = []model.BlacklistEntry{{Vendor: "robocall"}}
		}},
		{"expired blacklist", "B2", 15, func(in *Input) {
			in.Signals.Blacklist = []model.BlacklistEntry{{Vendor: model.BlacklistWildcard, ExpiresOn: &past}}
		}},
		{"autodebet outside tier", "B2", 15, func(in *Input) { in.Candidate.Account.AutodebetEnabled = true }},
		{"expired agency assignment", "B5", 100, func(in *Input) {
			in.Signals.Assignments = []model.Assignment{{Target: model.AgencyTarget{ID: "agency_alpha"}, ExpiresOn: &past}}
		}},
		{"agent assignment", "B5", 100, func(in *Input) {
			in.Signals.Assignments = []model.Assignment{{Target: model.AgentTarget{ID: "inhouse"}}}
		}},
		{"streak below threshold", "B2", 15, func(in *Input) {
			in.Signals.NonContact = &model.NonContactState{Consecutive: 4}
		}},
		{"flag on bucket without sub-bucket", "B4", 75, func(in *Input) {
			in.Signals.NonContact = &model.NonContactState{ExcludedFromBucket: true}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input(t, snap, tt.bucket, tt.dpd)
			tt.mutate(&in)
			assert.True(t, chain.Evaluate(in).Eligible)
		})
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	snap := testSnapshot(t)
	in := input(t, snap, "B2", 15)
	in.Signals.Refinancing = []model.RefinancingRequest{{Status: "approved", Cohort: "R9", UpdatedAt: runDate}}
	in.Signals.Blacklist = []model.BlacklistEntry{{Vendor: "predictive"}}

	d := NewChain().Evaluate(in)
	assert.Equal(t, model.ReasonPendingRefinancing, d.Reason, "refinancing precedes blacklist")

	reordered := NewChain(Rules()[4], Rules()[2])
	assert.Equal(t, model.ReasonVendorBlacklist, reordered.Evaluate(in).Reason)
}

func TestEvaluate_FailOpen(t *testing.T) {
	snap := testSnapshot(t)
	in := input(t, snap, "B1", 5)
	in.Signals.Promises = []model.PromiseToPay{{PTPDate: runDate.AddDate(0, 0, 1)}}

	var after bool
	chain := NewChain(
		Rule{Name: "broken", Reason: model.ReasonPartnerAccount, Match: func(Input) (bool, error) {
			return true, errors.New("lookup failed")
		}},
		Rule{Name: "panics", Reason: model.ReasonPartnerAccount, Match: func(Input) (bool, error) {
			panic("nil map")
		}},
		Rule{Name: "promise", Reason: model.ReasonPTPFutureDate, Match: func(in Input) (bool, error) {
			after = true
			return futurePromise(in)
		}},
	)

	d := chain.Evaluate(in)
	assert.True(t, after)
	assert.Equal(t, model.ReasonPTPFutureDate, d.Reason)
	assert.Equal(t, []string{"broken", "panics"}, d.Failed)
}

func TestDescribe(t *testing.T) {
	infos := Describe()
	require.Len(t, infos, 8)
	assert.Equal(t, 1, infos[0].Order)
	assert.Equal(t, model.ReasonAccountStatusBlocked, infos[0].Reason)
	assert.Equal(t, RuleNonContact, infos[7].Name)

	info, ok := RuleFor(model.ReasonVendorBlacklist)
	require.True(t, ok)
	assert.Equal(t, 5, info.Order)

	_, ok = RuleFor(model.ReasonVendorUnavailable)
	assert.False(t, ok)

	for _, info := range infos {
		assert.True(t, info.Reason.Valid())
	}
	assert.Equal(t, NewChain().Names()[2], RuleRefinancing)
}
