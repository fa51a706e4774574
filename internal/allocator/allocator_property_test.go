package allocator

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// No channel ever receives more than its daily capacity, overflow lands on
// the in-house fallback, and every candidate is placed exactly once.
func TestAllocate_CapacityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("capacity respected with in-house overflow", prop.ForAll(
		func(n, vendorCap, agencyCap, used int) bool {
			snap := snapshot.Default()
			snap.Channels["B5"] = snapshot.BucketChannels{
				Channels: []snapshot.ChannelConfig{
					{ID: "dialer", Kind: model.ChannelVendor, Capacity: vendorCap, Partners: []string{"p"}},
					{ID: "agency", Kind: model.ChannelAgency, Capacity: agencyCap, Ratio: 0.5},
				},
				Default: "dialer",
			}
			if err := snap.Finalize(runDate); err != nil {
				return false
			}

			ids := make([]int64, n)
			for i := range ids {
				ids[i] = int64(i + 1)
			}
			cands := candidates("B5", ids...)
			for i := range cands {
				if i%3 == 0 {
					cands[i].Account.Partner = "p"
				}
			}

			alloc, err := New(&fakeGroups{}, snap).Allocate(context.Background(), "B5", runDate, cands, Options{Used: map[string]int{"dialer": used}})
			if err != nil || len(alloc.Placements) != n {
				return false
			}

			counts := map[string]int{}
			seen := map[int64]bool{}
			for _, p := range alloc.Placements {
				if seen[p.Candidate.Obligation.ID] {
					return false
				}
				seen[p.Candidate.Obligation.ID] = true
				counts[p.Channel.ID]++
				if p.Route == RouteOverflow && p.Channel.ID != model.InHouseChannel {
					return false
				}
			}
			if vendorCap > 0 && counts["dialer"]+used > max(vendorCap, used) {
				return false
			}
			if agencyCap > 0 && counts["agency"] > agencyCap {
				return false
			}
			return len(alloc.Openings) == counts["agency"]
		},
		gen.IntRange(0, 120),
		gen.IntRange(0, 40),
		gen.IntRange(0, 40),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
