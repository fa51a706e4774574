package exclusion

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
)

// Decision is the chain's verdict for one candidate.
type Decision struct {
	Eligible bool
	Reason   model.ExclusionReason
	Rule     string
	// Failed lists rules that errored or panicked and were skipped.
	Failed []string
}

// Chain evaluates rules in order; the first match wins.
type Chain struct {
	rules []Rule
	log   *zap.Logger
}

// NewChain builds a chain. With no rules it uses the canonical order.
func NewChain(rules ...Rule) *Chain {
	if len(rules) == 0 {
		rules = Rules()
	}
	return &Chain{
		rules: rules,
		log:   zap.L().With(zap.String("component", "exclusion")),
	}
}

// Names returns the rule names in evaluation order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate runs the chain. Rules that fail are logged and treated as not
// matched; evaluation always continues to the next rule.
func (c *Chain) Evaluate(in Input) Decision {
	var failed []string
	for _, r := range c.rules {
		matched, err := c.apply(r, in)
		if err != nil {
			c.log.Warn("exclusion: rule failed, treating as not matched",
				zap.String("rule", r.Name),
				zap.Int64("obligation_id", in.Candidate.Obligation.ID),
				zap.Int64("account_id", in.Candidate.Account.ID),
				zap.Error(err),
			)
			failed = append(failed, r.Name)
			continue
		}
		if matched {
			return Decision{Reason: r.Reason, Rule: r.Name, Failed: failed}
		}
	}
	return Decision{Eligible: true, Failed: failed}
}

func (c *Chain) apply(r Rule, in Input) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			matched = false
			err = eris.Errorf("exclusion: rule %s panicked: %v", r.Name, p)
		}
	}()
	return r.Match(in)
}
