package exclusion

import "github.com/sells-group/collection-cli/internal/model"

// RuleInfo is the static description of a rule for reports.
type RuleInfo struct {
	Order  int                   `json:"order"`
	Name   string                `json:"name"`
	Reason model.ExclusionReason `json:"reason"`
}

// Describe lists the canonical rules with their position.
func Describe() []RuleInfo {
	rules := Rules()
	out := make([]RuleInfo, len(rules))
	for i, r := range rules {
		out[i] = RuleInfo{Order: i + 1, Name: r.Name, Reason: r.Reason}
	}
	return out
}

// RuleFor returns the canonical rule that produces reason.
func RuleFor(reason model.ExclusionReason) (RuleInfo, bool) {
	for _, info := range Describe() {
		if info.Reason == reason {
			return info, true
		}
	}
	return RuleInfo{}, false
}
