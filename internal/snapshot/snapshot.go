// Package snapshot holds the immutable business configuration a bucket job
// runs against. A snapshot is loaded once at job start and passed explicitly
// to every component; nothing reads feature flags on its own.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/collection-cli/internal/model"
)

// Range is a half-open DPD interval [From, To).
type Range struct {
	From int `yaml:"from" json:"from"`
	To   int `yaml:"to" json:"to"`
}

// Contains reports whether dpd is in [From, To).
func (r Range) Contains(dpd int) bool { return dpd >= r.From && dpd < r.To }

// RefinancingConfig drives the pending-refinancing hold.
type RefinancingConfig struct {
	CoolOffDays     int                `yaml:"cool_off_days" json:"cool_off_days"`
	PendingStatuses []string           `yaml:"pending_statuses" json:"pending_statuses"`
	SafeWindows     map[string][]Range `yaml:"safe_windows" json:"safe_windows"`
}

// AutodebetConfig drives the autodebet opt-out exclusion.
type AutodebetConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	DPDRanges []Range `yaml:"dpd_ranges" json:"dpd_ranges"`
}

// NonContactConfig holds the demotion thresholds. The first bucket uses its
// own threshold; every later bucket shares LaterBucketThreshold. A threshold
// of N demotes on the Nth consecutive miss.
type NonContactConfig struct {
	FirstBucket          string `yaml:"first_bucket" json:"first_bucket"`
	FirstBucketThreshold int    `yaml:"first_bucket_threshold" json:"first_bucket_threshold"`
	LaterBucketThreshold int    `yaml:"later_bucket_threshold" json:"later_bucket_threshold"`
}

// WriteOffConfig holds the write-off markers consulted for terminal DPD.
type WriteOffConfig struct {
	// EarlyWriteOffDPD relabels terminal obligations at or beyond this DPD.
	// Zero disables early write-off.
	EarlyWriteOffDPD int     `yaml:"early_write_off_dpd" json:"early_write_off_dpd"`
	Mark180          bool    `yaml:"mark_180" json:"mark_180"`
	ManualAccounts   []int64 `yaml:"manual_accounts" json:"manual_accounts"`
}

// ChannelConfig is one destination a bucket can allocate to.
type ChannelConfig struct {
	ID   string            `yaml:"id" json:"id"`
	Kind model.ChannelKind `yaml:"kind" json:"kind"`
	// Capacity is the maximum daily intake. Zero means unlimited.
	Capacity int `yaml:"capacity" json:"capacity"`
	// Ratio is the agency share of the ratio-distributed population.
	Ratio float64 `yaml:"ratio" json:"ratio"`
	// Tier keys the agency assignment expiration policy.
	Tier string `yaml:"tier" json:"tier"`
	// Partners and Workflows route matching accounts here before any split.
	Partners  []string         `yaml:"partners" json:"partners"`
	Workflows []model.Workflow `yaml:"workflows" json:"workflows"`
}

// Channel returns the model view of the config.
func (c ChannelConfig) Channel() model.Channel {
	return model.Channel{ID: c.ID, Kind: c.Kind}
}

// SplitArm routes accounts whose id modulus falls in [From, To).
type SplitArm struct {
	Channel string `yaml:"channel" json:"channel"`
	From    int    `yaml:"from" json:"from"`
	To      int    `yaml:"to" json:"to"`
}

// ModulusSplit is a stable A/B split on account_id % Modulus.
type ModulusSplit struct {
	Name    string     `yaml:"name" json:"name"`
	Modulus int        `yaml:"modulus" json:"modulus"`
	Arms    []SplitArm `yaml:"arms" json:"arms"`
}

// ExperimentRoute maps experiment groups to channels.
type ExperimentRoute struct {
	Experiment string            `yaml:"experiment" json:"experiment"`
	Groups     map[string]string `yaml:"groups" json:"groups"`
}

// BucketChannels is the allocation policy of one bucket.
type BucketChannels struct {
	Default                 string            `yaml:"default" json:"default"`
	Fallback                string            `yaml:"fallback" json:"fallback"`
	RedirectOnVendorFailure bool              `yaml:"redirect_on_vendor_failure" json:"redirect_on_vendor_failure"`
	Channels                []ChannelConfig   `yaml:"channels" json:"channels"`
	Split                   *ModulusSplit     `yaml:"split,omitempty" json:"split,omitempty"`
	Experiments             []ExperimentRoute `yaml:"experiments" json:"experiments"`
}

// DispatchConfig bounds vendor paging and audit batching.
type DispatchConfig struct {
	PageSize        int `yaml:"page_size" json:"page_size"`
	MaxPageRetries  int `yaml:"max_page_retries" json:"max_page_retries"`
	PageTimeoutSecs int `yaml:"page_timeout_secs" json:"page_timeout_secs"`
	Concurrency     int `yaml:"concurrency" json:"concurrency"`
	RecordBatchSize int `yaml:"record_batch_size" json:"record_batch_size"`
}

// Snapshot is the full business configuration for one job.
type Snapshot struct {
	Buckets              []model.Bucket            `yaml:"buckets" json:"buckets"`
	TerminalStatuses     []model.AccountStatus     `yaml:"terminal_statuses" json:"terminal_statuses"`
	NonDialingStatuses   []model.AccountStatus     `yaml:"non_dialing_statuses" json:"non_dialing_statuses"`
	ExcludedPartners     []string                  `yaml:"excluded_partners" json:"excluded_partners"`
	ExcludedWorkflows    []model.Workflow          `yaml:"excluded_workflows" json:"excluded_workflows"`
	Refinancing          RefinancingConfig         `yaml:"refinancing" json:"refinancing"`
	Autodebet            AutodebetConfig           `yaml:"autodebet" json:"autodebet"`
	NonContact           NonContactConfig          `yaml:"non_contact" json:"non_contact"`
	WriteOff             WriteOffConfig            `yaml:"write_off" json:"write_off"`
	Channels             map[string]BucketChannels `yaml:"channels" json:"channels"`
	AgencyExpirationDays map[string]int            `yaml:"agency_expiration_days" json:"agency_expiration_days"`
	Dispatch             DispatchConfig            `yaml:"dispatch" json:"dispatch"`

	// Version fingerprints the effective content; set by Finalize.
	Version  string    `yaml:"-" json:"version"`
	LoadedAt time.Time `yaml:"-" json:"loaded_at"`
}

// Bucket returns the definition for id.
func (s *Snapshot) Bucket(id string) (model.Bucket, bool) {
	for _, b := range s.Buckets {
		if b.ID == id {
			return b, true
		}
	}
	return model.Bucket{}, false
}

// RangedBuckets returns buckets with a DPD range, sorted by lower bound.
func (s *Snapshot) RangedBuckets() []model.Bucket {
	out := make([]model.Bucket, 0, len(s.Buckets))
	for _, b := range s.Buckets {
		if !b.IsSubBucket() {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return lowerBound(out[i]) < lowerBound(out[j]) })
	return out
}

// RunnableBuckets lists every bucket a daily run schedules a job for, in DPD
// order, followed by the unclassified pseudo-bucket. Sub-buckets are filled by
// their parent's job.
func (s *Snapshot) RunnableBuckets() []string {
	var ids []string
	for _, b := range s.RangedBuckets() {
		ids = append(ids, b.ID)
	}
	return append(ids, model.UnclassifiedBucket)
}

func lowerBound(b model.Bucket) int {
	if b.From == nil {
		return -1 << 31
	}
	return *b.From
}

// IsTerminalStatus reports whether status blocks dialling outright.
func (s *Snapshot) IsTerminalStatus(status model.AccountStatus) bool {
	return slices.Contains(s.TerminalStatuses, status)
}

// IsNonDialingStatus reports whether status removes the account from the
// candidate population altogether.
func (s *Snapshot) IsNonDialingStatus(status model.AccountStatus) bool {
	return slices.Contains(s.NonDialingStatuses, status)
}

// NonContactThreshold returns the demotion threshold for a bucket.
func (s *Snapshot) NonContactThreshold(bucketID string) int {
	if bucketID == s.NonContact.FirstBucket {
		return s.NonContact.FirstBucketThreshold
	}
	return s.NonContact.LaterBucketThreshold
}

// ChannelsFor returns the allocation policy of a bucket with defaults filled
// in. Buckets without explicit policy send everything in-house.
func (s *Snapshot) ChannelsFor(bucketID string) BucketChannels {
	bc, ok := s.Channels[bucketID]
	if !ok {
		bc = BucketChannels{}
	}
	if bc.Default == "" {
		bc.Default = model.InHouseChannel
	}
	if bc.Fallback == "" {
		bc.Fallback = model.InHouseChannel
	}
	return bc
}

// Channel resolves a channel id within a bucket's policy. The in-house
// channel always resolves.
func (s *Snapshot) Channel(bucketID, id string) (ChannelConfig, bool) {
	for _, c := range s.ChannelsFor(bucketID).Channels {
		if c.ID == id {
			return c, true
		}
	}
	if id == model.InHouseChannel {
		return ChannelConfig{ID: model.InHouseChannel, Kind: model.ChannelInHouse}, true
	}
	return ChannelConfig{}, false
}

// ExpirationDays returns the agency assignment lifetime for a tier.
func (s *Snapshot) ExpirationDays(tier string) int {
	if d, ok := s.AgencyExpirationDays[tier]; ok {
		return d
	}
	return s.AgencyExpirationDays["default"]
}

// Finalize applies defaults, validates, and stamps the version.
func (s *Snapshot) Finalize(now time.Time) error {
	if s.Dispatch.PageSize <= 0 {
		s.Dispatch.PageSize = 500
	}
	if s.Dispatch.MaxPageRetries <= 0 {
		s.Dispatch.MaxPageRetries = 3
	}
	if s.Dispatch.PageTimeoutSecs <= 0 {
		s.Dispatch.PageTimeoutSecs = 30
	}
	if s.Dispatch.Concurrency <= 0 {
		s.Dispatch.Concurrency = 4
	}
	if s.Dispatch.RecordBatchSize <= 0 {
		s.Dispatch.RecordBatchSize = 1000
	}
	if err := Validate(s); err != nil {
		return err
	}
	raw, err := yaml.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "snapshot: fingerprint")
	}
	sum := sha256.Sum256(raw)
	s.Version = hex.EncodeToString(sum[:6])
	s.LoadedAt = now.UTC()
	return nil
}
