// Package resolver computes the eligible population of a bucket for a run
// date. It only reads; nothing is committed until the dispatch recorder runs.
package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/collection-cli/internal/bucket"
	"github.com/sells-group/collection-cli/internal/exclusion"
	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// Repository is the read side of the lending ledger. Every method returns
// fully materialised results.
type Repository interface {
	// FindUnpaidObligations returns unpaid and partially paid obligations due
	// on or before dueOnOrBefore, plus every unpaid obligation without a due
	// date.
	FindUnpaidObligations(ctx context.Context, dueOnOrBefore time.Time) ([]model.Obligation, error)
	FindAccounts(ctx context.Context, ids []int64) (map[int64]model.Account, error)
	FindActivePromises(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.PromiseToPay, error)
	FindRefinancingRequests(ctx context.Context, accountIDs []int64) (map[int64][]model.RefinancingRequest, error)
	FindBlacklistEntries(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.BlacklistEntry, error)
	FindActiveAssignments(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.Assignment, error)
	FindNonContactStates(ctx context.Context, accountIDs []int64) (map[int64]model.NonContactState, error)
}

// Classifier step names recorded on exclusions that never reach the chain.
const (
	StepDataIntegrity = "data_integrity"
	StepWriteOff      = "write_off"
)

// Resolution partitions a bucket's candidates for one run date.
type Resolution struct {
	BucketID string
	RunDate  time.Time
	// Candidates counts obligations in the partition; it always equals
	// len(Eligible) + len(Excluded).
	Candidates int
	// Skipped counts accounts in a non-dialing status, which are not
	// candidates and get no record.
	Skipped  int
	Eligible []model.Candidate
	Excluded []model.Exclusion
	// Demoted are the excluded candidates routed to the non-contacted
	// sub-bucket.
	Demoted []model.Candidate
	// Transitions are non-contact states that become ExcludedFromBucket on
	// this run and must be committed.
	Transitions []model.NonContactState
	// Sub is the partition of Demoted under the sub-bucket, if any.
	Sub *Resolution
}

// Resolver computes resolutions against a fixed snapshot.
type Resolver struct {
	repo       Repository
	snap       *snapshot.Snapshot
	classifier *bucket.Classifier
	chain      *exclusion.Chain
	log        *zap.Logger
}

// New creates a Resolver with the canonical rule chain.
func New(repo Repository, snap *snapshot.Snapshot) *Resolver {
	return NewWithChain(repo, snap, exclusion.NewChain())
}

// NewWithChain creates a Resolver with a custom chain.
func NewWithChain(repo Repository, snap *snapshot.Snapshot, chain *exclusion.Chain) *Resolver {
	return &Resolver{
		repo:       repo,
		snap:       snap,
		classifier: bucket.NewClassifier(snap),
		chain:      chain,
		log:        zap.L().With(zap.String("component", "resolver")),
	}
}

// Resolve returns the partition for bucketID on runDate. Calling it twice with
// unchanged inputs yields the same result.
func (r *Resolver) Resolve(ctx context.Context, bucketID string, runDate time.Time) (*Resolution, error) {
	runDate = model.Day(runDate)

	obligations, err := r.repo.FindUnpaidObligations(ctx, r.horizon(runDate))
	if err != nil {
		return nil, eris.Wrap(err, "resolver: find unpaid obligations")
	}

	if bucketID == model.UnclassifiedBucket {
		return r.resolveUnclassified(ctx, obligations, runDate)
	}

	b, ok := r.snap.Bucket(bucketID)
	if !ok || b.IsSubBucket() {
		return nil, eris.Wrapf(model.ErrUnknownBucket, "resolver: bucket %s", bucketID)
	}

	var inBucket []model.Obligation
	dpds := make(map[int64]int)
	writeOffs := make(map[int64]bool)
	for _, o := range Oldest(obligations) {
		cl, ok, err := r.classifier.Classify(o, runDate)
		if err != nil || !ok || cl.BucketID != bucketID {
			continue
		}
		inBucket = append(inBucket, o)
		dpds[o.ID] = cl.DPD
		writeOffs[o.ID] = cl.WrittenOff()
	}

	res := &Resolution{BucketID: bucketID, RunDate: runDate}
	if len(inBucket) == 0 {
		return res, nil
	}

	accounts, err := r.repo.FindAccounts(ctx, accountIDs(inBucket))
	if err != nil {
		return nil, eris.Wrap(err, "resolver: find accounts")
	}

	var pending []model.Candidate
	for _, o := range inBucket {
		acct, ok := accounts[o.AccountID]
		c := model.Candidate{Obligation: o, Account: acct, BucketID: bucketID, DPD: dpds[o.ID], RunDate: runDate}
		switch {
		case !ok || acct.Status == "":
			r.log.Warn("resolver: account data unusable",
				zap.Int64("obligation_id", o.ID),
				zap.Int64("account_id", o.AccountID),
				zap.String("raw_status", acct.RawStatus),
			)
			res.Excluded = append(res.Excluded, model.Exclusion{Candidate: c, Reason: model.ReasonDataIntegrity, Rule: StepDataIntegrity})
		case r.snap.IsNonDialingStatus(acct.Status):
			res.Skipped++
		case writeOffs[o.ID]:
			res.Excluded = append(res.Excluded, model.Exclusion{Candidate: c, Reason: model.ReasonWrittenOff, Rule: StepWriteOff})
		default:
			pending = append(pending, c)
		}
	}

	signals, err := r.loadSignals(ctx, pending, runDate)
	if err != nil {
		return nil, err
	}

	for _, c := range pending {
		sig := signals.forAccount(c.Account.ID)
		d := r.chain.Evaluate(exclusion.Input{Candidate: c, Bucket: b, Signals: sig, Snapshot: r.snap})
		if d.Eligible {
			res.Eligible = append(res.Eligible, c)
			continue
		}
		res.Excluded = append(res.Excluded, model.Exclusion{Candidate: c, Reason: d.Reason, Rule: d.Rule})
		if d.Reason != model.ReasonExcludedFromBucket {
			continue
		}
		res.Demoted = append(res.Demoted, c)
		if sig.NonContact != nil && !sig.NonContact.ExcludedFromBucket {
			next := *sig.NonContact
			next.ExcludedFromBucket = true
			res.Transitions = append(res.Transitions, next)
		}
	}

	if len(res.Demoted) > 0 {
		sub, err := r.resolveSub(b, res.Demoted, signals, runDate)
		if err != nil {
			return nil, err
		}
		res.Sub = sub
	}

	res.finish()
	return res, nil
}

// resolveSub runs the demoted candidates through the chain again under the
// non-contacted sub-bucket.
func (r *Resolver) resolveSub(parent model.Bucket, demoted []model.Candidate, signals *signalSet, runDate time.Time) (*Resolution, error) {
	sb, ok := r.snap.Bucket(parent.NonContactedBucket)
	if !ok {
		return nil, eris.Wrapf(model.ErrUnknownBucket, "resolver: sub-bucket %s", parent.NonContactedBucket)
	}
	sub := &Resolution{BucketID: sb.ID, RunDate: runDate}
	for _, c := range demoted {
		c.BucketID = sb.ID
		sig := signals.forAccount(c.Account.ID)
		d := r.chain.Evaluate(exclusion.Input{Candidate: c, Bucket: sb, Signals: sig, Snapshot: r.snap})
		if d.Eligible {
			sub.Eligible = append(sub.Eligible, c)
			continue
		}
		sub.Excluded = append(sub.Excluded, model.Exclusion{Candidate: c, Reason: d.Reason, Rule: d.Rule})
	}
	sub.finish()
	return sub, nil
}

// resolveUnclassified reports every unpaid obligation without a due date.
func (r *Resolver) resolveUnclassified(ctx context.Context, obligations []model.Obligation, runDate time.Time) (*Resolution, error) {
	res := &Resolution{BucketID: model.UnclassifiedBucket, RunDate: runDate}
	var missing []model.Obligation
	for _, o := range obligations {
		if o.IsUnpaid() && o.DueDate == nil {
			missing = append(missing, o)
		}
	}
	if len(missing) == 0 {
		return res, nil
	}
	accounts, err := r.repo.FindAccounts(ctx, accountIDs(missing))
	if err != nil {
		return nil, eris.Wrap(err, "resolver: find accounts")
	}
	for _, o := range missing {
		c := model.Candidate{Obligation: o, Account: accounts[o.AccountID], BucketID: model.UnclassifiedBucket, RunDate: runDate}
		res.Excluded = append(res.Excluded, model.Exclusion{Candidate: c, Reason: model.ReasonDataIntegrity, Rule: StepDataIntegrity})
	}
	res.finish()
	return res, nil
}

// horizon is the latest due date that can produce a bucketed DPD.
func (r *Resolver) horizon(runDate time.Time) time.Time {
	ranged := r.snap.RangedBuckets()
	if len(ranged) == 0 || ranged[0].From == nil {
		return runDate.AddDate(100, 0, 0)
	}
	return runDate.AddDate(0, 0, -*ranged[0].From)
}

func (res *Resolution) finish() {
	sort.Slice(res.Eligible, func(i, j int) bool { return res.Eligible[i].Obligation.ID < res.Eligible[j].Obligation.ID })
	sort.Slice(res.Excluded, func(i, j int) bool {
		return res.Excluded[i].Candidate.Obligation.ID < res.Excluded[j].Candidate.Obligation.ID
	})
	sort.Slice(res.Demoted, func(i, j int) bool { return res.Demoted[i].Obligation.ID < res.Demoted[j].Obligation.ID })
	sort.Slice(res.Transitions, func(i, j int) bool { return res.Transitions[i].AccountID < res.Transitions[j].AccountID })
	res.Candidates = len(res.Eligible) + len(res.Excluded)
}

// Oldest keeps, per account, the unpaid obligation with the earliest due date.
// Ties go to the smallest obligation id. Obligations without a due date never
// take part.
func Oldest(obligations []model.Obligation) []model.Obligation {
	best := make(map[int64]model.Obligation)
	for _, o := range obligations {
		if !o.IsUnpaid() || o.DueDate == nil {
			continue
		}
		cur, ok := best[o.AccountID]
		if !ok || older(o, cur) {
			best[o.AccountID] = o
		}
	}
	out := make([]model.Obligation, 0, len(best))
	for _, o := range best {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func older(a, b model.Obligation) bool {
	da, db := model.Day(*a.DueDate), model.Day(*b.DueDate)
	if !da.Equal(db) {
		return da.Before(db)
	}
	return a.ID < b.ID
}

func accountIDs(obligations []model.Obligation) []int64 {
	seen := make(map[int64]bool, len(obligations))
	ids := make([]int64, 0, len(obligations))
	for _, o := range obligations {
		if !seen[o.AccountID] {
			seen[o.AccountID] = true
			ids = append(ids, o.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type signalSet struct {
	promises    map[int64][]model.PromiseToPay
	refinancing map[int64][]model.RefinancingRequest
	blacklist   map[int64][]model.BlacklistEntry
	assignments map[int64][]model.Assignment
	nonContact  map[int64]model.NonContactState
}

func (s *signalSet) forAccount(id int64) exclusion.Signals {
	sig := exclusion.Signals{
		Promises:    s.promises[id],
		Refinancing: s.refinancing[id],
		Blacklist:   s.blacklist[id],
		Assignments: s.assignments[id],
	}
	if st, ok := s.nonContact[id]; ok {
		sig.NonContact = &st
	}
	return sig
}

// loadSignals fetches the per-account facts the chain needs. The queries are
// independent and run concurrently.
func (r *Resolver) loadSignals(ctx context.Context, candidates []model.Candidate, runDate time.Time) (*signalSet, error) {
	s := &signalSet{}
	if len(candidates) == 0 {
		return s, nil
	}
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.Account.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		s.promises, err = r.repo.FindActivePromises(gctx, ids, runDate)
		return eris.Wrap(err, "resolver: find promises")
	})
	g.Go(func() error {
		var err error
		s.refinancing, err = r.repo.FindRefinancingRequests(gctx, ids)
		return eris.Wrap(err, "resolver: find refinancing requests")
	})
	g.Go(func() error {
		var err error
		s.blacklist, err = r.repo.FindBlacklistEntries(gctx, ids, runDate)
		return eris.Wrap(err, "resolver: find blacklist entries")
	})
	g.Go(func() error {
		var err error
		s.assignments, err = r.repo.FindActiveAssignments(gctx, ids, runDate)
		return eris.Wrap(err, "resolver: find assignments")
	})
	g.Go(func() error {
		var err error
		s.nonContact, err = r.repo.FindNonContactStates(gctx, ids)
		return eris.Wrap(err, "resolver: find non-contact states")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}
