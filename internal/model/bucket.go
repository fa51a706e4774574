package model

import "fmt"

// UnclassifiedBucket is the pseudo-bucket under which obligations without a
// computable DPD are reported.
const UnclassifiedBucket = "UNCLASSIFIED"

// Bucket is an immutable DPD range definition. From nil means unbounded below
// and To nil means open-ended (the terminal bucket).
type Bucket struct {
	ID       string `json:"id" yaml:"id"`
	From     *int   `json:"from,omitempty" yaml:"from,omitempty"`
	To       *int   `json:"to,omitempty" yaml:"to,omitempty"`
	Terminal bool   `json:"terminal,omitempty" yaml:"terminal,omitempty"`

	// Parent is set on non-contacted sub-buckets, which have no DPD range.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
	// NonContactedBucket is the sub-bucket demoted accounts are routed to.
	NonContactedBucket string `json:"non_contacted_bucket,omitempty" yaml:"non_contacted_bucket,omitempty"`
	// DialerVendor is the vendor whose blacklist applies to this bucket.
	DialerVendor string `json:"dialer_vendor,omitempty" yaml:"dialer_vendor,omitempty"`
	// FallbackJob names the job triggered when this bucket's run fails for
	// good. Empty means no fallback.
	FallbackJob string `json:"fallback_job,omitempty" yaml:"fallback_job,omitempty"`
}

// Contains reports whether dpd falls in [From, To).
func (b Bucket) Contains(dpd int) bool {
	if b.Parent != "" {
		return false
	}
	if b.From != nil && dpd < *b.From {
		return false
	}
	if b.To != nil && dpd >= *b.To {
		return false
	}
	return true
}

// IsSubBucket reports whether b is a non-contacted sub-bucket.
func (b Bucket) IsSubBucket() bool { return b.Parent != "" }

func (b Bucket) String() string {
	lo, hi := "-inf", "+inf"
	if b.From != nil {
		lo = fmt.Sprint(*b.From)
	}
	if b.To != nil {
		hi = fmt.Sprint(*b.To)
	}
	if b.Parent != "" {
		return fmt.Sprintf("%s(sub of %s)", b.ID, b.Parent)
	}
	return fmt.Sprintf("%s[%s,%s)", b.ID, lo, hi)
}

// IntPtr is a helper for building bucket ranges.
func IntPtr(v int) *int { return &v }

// WriteOffStatus labels a terminal-DPD obligation that is no longer dialled.
type WriteOffStatus string

const (
	WriteOffNone   WriteOffStatus = ""
	WriteOffEarly  WriteOffStatus = "early_write_off"
	WriteOff180    WriteOffStatus = "write_off_180"
	WriteOffManual WriteOffStatus = "manual_write_off"
)
