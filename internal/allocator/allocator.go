// Package allocator splits a bucket's eligible population across in-house
// agents, dialer vendors and collection agencies.
package allocator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// Repository loads experiment membership.
type Repository interface {
	FindExperimentGroups(ctx context.Context, accountIDs []int64) (map[int64][]model.ExperimentGroup, error)
}

// Route names record why a placement went where it did.
const (
	RouteExperiment  = "experiment"
	RoutePartner     = "partner"
	RouteSplit       = "split"
	RouteRatio       = "ratio"
	RouteDefault     = "default"
	RouteOverflow    = "overflow"
	RouteInHouseOnly = "inhouse_only"
)

// assignmentNamespace seeds deterministic assignment ids.
var assignmentNamespace = uuid.MustParse("4f1c0a52-5d7e-4c3b-9a0e-8b2d6c1e7f90")

// Placement is one candidate's channel for the run.
type Placement struct {
	Candidate model.Candidate
	Channel   model.Channel
	Route     string
}

// Allocation is the allocator's output for one bucket run.
type Allocation struct {
	BucketID   string
	RunDate    time.Time
	Placements []Placement
	// Openings are agency assignments created by this allocation.
	Openings []model.Assignment
	// Overflow counts placements moved to the fallback channel because
	// their channel was at capacity.
	Overflow int
}

// ByChannel groups placements by channel id, preserving order.
func (a *Allocation) ByChannel() map[string][]Placement {
	out := make(map[string][]Placement)
	for _, p := range a.Placements {
		out[p.Channel.ID] = append(out[p.Channel.ID], p)
	}
	return out
}

// Reroute moves the placements of the given obligations to fallback as
// capacity overflow and drops the agency openings they would have created.
// It returns how many placements moved.
func (a *Allocation) Reroute(obligationIDs map[int64]bool, fallback model.Channel) int {
	moved := 0
	dropped := map[int64]bool{}
	for i, p := range a.Placements {
		if !obligationIDs[p.Candidate.Obligation.ID] || p.Channel == fallback {
			continue
		}
		if p.Channel.Kind == model.ChannelAgency {
			dropped[p.Candidate.Account.ID] = true
		}
		a.Placements[i].Channel = fallback
		a.Placements[i].Route = RouteOverflow
		moved++
	}
	if len(dropped) > 0 {
		kept := a.Openings[:0]
		for _, o := range a.Openings {
			if !dropped[o.AccountID] {
				kept = append(kept, o)
			}
		}
		a.Openings = kept
	}
	a.Overflow += moved
	return moved
}

// Options adjust a single allocation.
type Options struct {
	// InHouseOnly sends everything to the in-house queue. Used by the
	// fallback job.
	InHouseOnly bool
	// Used is the capacity already reserved today per channel id, across
	// every bucket.
	Used map[string]int
}

// Allocator is deterministic: the same eligible set, snapshot, experiment
// membership and usage always produce the same allocation.
type Allocator struct {
	repo Repository
	snap *snapshot.Snapshot
	log  *zap.Logger
}

// New creates an Allocator.
func New(repo Repository, snap *snapshot.Snapshot) *Allocator {
	return &Allocator{
		repo: repo,
		snap: snap,
		log:  zap.L().With(zap.String("component", "allocator")),
	}
}

// Allocate places every eligible candidate on exactly one channel.
func (a *Allocator) Allocate(ctx context.Context, bucketID string, runDate time.Time, eligible []model.Candidate, opts Options) (*Allocation, error) {
	runDate = model.Day(runDate)
	alloc := &Allocation{BucketID: bucketID, RunDate: runDate}
	if len(eligible) == 0 {
		return alloc, nil
	}

	cands := slices.Clone(eligible)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Account.ID != cands[j].Account.ID {
			return cands[i].Account.ID < cands[j].Account.ID
		}
		return cands[i].Obligation.ID < cands[j].Obligation.ID
	})

	policy := a.snap.ChannelsFor(bucketID)
	fallback, _ := a.snap.Channel(bucketID, policy.Fallback)

	if opts.InHouseOnly {
		inHouse := model.Channel{ID: model.InHouseChannel, Kind: model.ChannelInHouse}
		for _, c := range cands {
			alloc.Placements = append(alloc.Placements, Placement{Candidate: c, Channel: inHouse, Route: RouteInHouseOnly})
		}
		return alloc, nil
	}

	groups := map[int64][]model.ExperimentGroup{}
	if len(policy.Experiments) > 0 {
		ids := make([]int64, len(cands))
		for i, c := range cands {
			ids[i] = c.Account.ID
		}
		var err error
		groups, err = a.repo.FindExperimentGroups(ctx, ids)
		if err != nil {
			return nil, eris.Wrap(err, "allocator: find experiment groups")
		}
	}

	ratio := newRatioPicker(policy)
	used := make(map[string]int, len(opts.Used))
	for k, v := range opts.Used {
		used[k] = v
	}

	for _, c := range cands {
		id, route := a.route(policy, c, groups[c.Account.ID], ratio)
		ch, ok := a.snap.Channel(bucketID, id)
		if !ok {
			a.log.Warn("allocator: route resolved to unknown channel, using fallback",
				zap.String("bucket", bucketID), zap.String("channel", id))
			ch, route = fallback, RouteDefault
		}
		if ch.Capacity > 0 && used[ch.ID] >= ch.Capacity {
			ch, route = fallback, RouteOverflow
			alloc.Overflow++
		}
		used[ch.ID]++

		p := Placement{Candidate: c, Channel: ch.Channel(), Route: route}
		alloc.Placements = append(alloc.Placements, p)
		if ch.Kind == model.ChannelAgency {
			alloc.Openings = append(alloc.Openings, a.opening(c, ch, runDate))
		}
	}

	if alloc.Overflow > 0 {
		a.log.Info("allocator: capacity overflow routed to fallback",
			zap.String("bucket", bucketID),
			zap.String("fallback", fallback.ID),
			zap.Int("overflow", alloc.Overflow),
		)
	}
	return alloc, nil
}

// route applies the routing order: experiment group, partner routing,
// modulus split, agency ratio, bucket default.
func (a *Allocator) route(policy snapshot.BucketChannels, c model.Candidate, groups []model.ExperimentGroup, ratio *ratioPicker) (string, string) {
	for _, exp := range policy.Experiments {
		for _, g := range groups {
			if g.Experiment != exp.Experiment {
				continue
			}
			if ch, ok := exp.Groups[g.Group]; ok {
				return ch, RouteExperiment
			}
		}
	}

	for _, ch := range policy.Channels {
		if c.Account.Partner != "" && slices.Contains(ch.Partners, c.Account.Partner) {
			return ch.ID, RoutePartner
		}
		if slices.Contains(ch.Workflows, c.Account.Workflow) {
			return ch.ID, RoutePartner
		}
	}

	if s := policy.Split; s != nil && s.Modulus > 0 {
		slot := int(c.Account.ID % int64(s.Modulus))
		if slot < 0 {
			slot += s.Modulus
		}
		for _, arm := range s.Arms {
			if slot >= arm.From && slot < arm.To {
				return arm.Channel, RouteSplit
			}
		}
	}

	if ratio != nil {
		if id := ratio.next(); id != "" {
			return id, RouteRatio
		}
	}
	return policy.Default, RouteDefault
}

func (a *Allocator) opening(c model.Candidate, ch snapshot.ChannelConfig, runDate time.Time) model.Assignment {
	key := fmt.Sprintf("%d|%s|%s", c.Account.ID, ch.ID, model.FormatDate(runDate))
	asg := model.Assignment{
		ID:         uuid.NewSHA1(assignmentNamespace, []byte(key)).String(),
		AccountID:  c.Account.ID,
		Target:     model.AgencyTarget{ID: ch.ID},
		BucketID:   c.BucketID,
		AssignedOn: runDate,
	}
	if days := a.snap.ExpirationDays(ch.Tier); days > 0 {
		exp := runDate.AddDate(0, 0, days)
		asg.ExpiresOn = &exp
	}
	return asg
}

// ratioPicker distributes candidates over agencies by configured share using
// smooth weighted round-robin. The unassigned share maps to "" so the caller
// falls through to the bucket default.
type ratioPicker struct {
	ids     []string
	weights []int
	current []int
	total   int
}

const ratioScale = 1000

func newRatioPicker(policy snapshot.BucketChannels) *ratioPicker {
	p := &ratioPicker{}
	var share int
	for _, ch := range policy.Channels {
		if ch.Ratio <= 0 {
			continue
		}
		w := int(ch.Ratio*ratioScale + 0.5)
		p.ids = append(p.ids, ch.ID)
		p.weights = append(p.weights, w)
		share += w
	}
	if len(p.ids) == 0 {
		return nil
	}
	if rest := ratioScale - share; rest > 0 {
		p.ids = append(p.ids, "")
		p.weights = append(p.weights, rest)
	}
	p.current = make([]int, len(p.ids))
	for _, w := range p.weights {
		p.total += w
	}
	return p
}

func (p *ratioPicker) next() string {
	best := 0
	for i := range p.ids {
		p.current[i] += p.weights[i]
		if p.current[i] > p.current[best] {
			best = i
		}
	}
	p.current[best] -= p.total
	return p.ids[best]
}
