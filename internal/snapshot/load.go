package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/collection-cli/internal/model"
)

// FeatureSource is the key/value feature store consulted at job start.
type FeatureSource interface {
	ListFeatureSettings(ctx context.Context) ([]model.FeatureSetting, error)
}

// overlayKeys are the feature-store keys that may replace a top-level
// snapshot section.
var overlayKeys = map[string]bool{
	"buckets":                true,
	"terminal_statuses":      true,
	"non_dialing_statuses":   true,
	"excluded_partners":      true,
	"excluded_workflows":     true,
	"refinancing":            true,
	"autodebet":              true,
	"non_contact":            true,
	"write_off":              true,
	"channels":               true,
	"agency_expiration_days": true,
	"dispatch":               true,
}

// Loader builds a snapshot from a base YAML file and the feature store.
type Loader struct {
	path     string
	features FeatureSource
	nowFunc  func() time.Time
}

// NewLoader creates a Loader. An empty path uses Default() as the base.
func NewLoader(path string, features FeatureSource) *Loader {
	return &Loader{path: path, features: features, nowFunc: time.Now}
}

// Load reads the base, overlays active feature settings, and validates.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	base := Default()
	if l.path != "" {
		b, err := LoadFile(l.path)
		if err != nil {
			return nil, err
		}
		base = b
	}

	var settings []model.FeatureSetting
	if l.features != nil {
		var err error
		settings, err = l.features.ListFeatureSettings(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "snapshot: list feature settings")
		}
	}

	snap, err := Overlay(base, settings)
	if err != nil {
		return nil, err
	}
	if err := snap.Finalize(l.nowFunc()); err != nil {
		return nil, err
	}

	zap.L().Info("snapshot: loaded",
		zap.String("version", snap.Version),
		zap.Int("buckets", len(snap.Buckets)),
		zap.Int("feature_settings", len(settings)),
	)
	return snap, nil
}

// LoadFile parses a snapshot YAML file. The file may wrap the content in a
// top-level "snapshot" key.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", path)
	}
	return Parse(data)
}

// Parse decodes snapshot YAML.
func Parse(data []byte) (*Snapshot, error) {
	var wrapper struct {
		Snapshot *Snapshot `yaml:"snapshot"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err == nil && wrapper.Snapshot != nil {
		return wrapper.Snapshot, nil
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "snapshot: parse yaml")
	}
	return &s, nil
}

// Overlay replaces top-level sections of base with the JSON values of active
// feature settings. Unknown keys are ignored with a warning.
func Overlay(base *Snapshot, settings []model.FeatureSetting) (*Snapshot, error) {
	raw, err := yaml.Marshal(base)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: marshal base")
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode base")
	}

	for _, s := range settings {
		if !s.Active {
			continue
		}
		if !overlayKeys[s.Key] {
			zap.L().Warn("snapshot: ignoring unknown feature setting", zap.String("key", s.Key))
			continue
		}
		var v any
		if err := json.Unmarshal(s.Value, &v); err != nil {
			return nil, eris.Wrapf(err, "snapshot: decode feature setting %s", s.Key)
		}
		doc[s.Key] = v
	}

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: marshal overlay")
	}
	var out Snapshot
	if err := yaml.Unmarshal(merged, &out); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode overlay")
	}
	return &out, nil
}

// Default returns the built-in configuration: a reminder bucket, five
// dialling buckets and an open-ended terminal bucket.
func Default() *Snapshot {
	p := model.IntPtr
	return &Snapshot{
		Buckets: []model.Bucket{
			{ID: "T0", From: p(-5), To: p(1)},
			{ID: "B1", From: p(1), To: p(11), NonContactedBucket: "B1_NC", DialerVendor: "robocall"},
			{ID: "B1_NC", Parent: "B1"},
			{ID: "B2", From: p(11), To: p(40), NonContactedBucket: "B2_NC", DialerVendor: "predictive", FallbackJob: "inhouse_only"},
			{ID: "B2_NC", Parent: "B2"},
			{ID: "B3", From: p(40), To: p(70), NonContactedBucket: "B3_NC", DialerVendor: "predictive", FallbackJob: "inhouse_only"},
			{ID: "B3_NC", Parent: "B3"},
			{ID: "B4", From: p(70), To: p(90), DialerVendor: "predictive"},
			{ID: "B5", From: p(90), To: p(180)},
			{ID: "B6", From: p(180), Terminal: true},
		},
		TerminalStatuses: []model.AccountStatus{
			model.AccountStatusSuspended,
			model.AccountStatusFraud,
			model.AccountStatusConsentWithdraw,
			model.AccountStatusSoldOff,
			model.AccountStatusTerminated,
			model.AccountStatusDeceased,
		},
		NonDialingStatuses: []model.AccountStatus{
			model.AccountStatusPaidOff,
			model.AccountStatusInactive,
		},
		Refinancing: RefinancingConfig{
			CoolOffDays:     10,
			PendingStatuses: []string{"proposed", "offer_generated", "approved"},
			SafeWindows: map[string][]Range{
				"R1": {{From: 1, To: 11}},
			},
		},
		Autodebet: AutodebetConfig{
			Enabled:   true,
			DPDRanges: []Range{{From: -5, To: 1}},
		},
		NonContact: NonContactConfig{
			FirstBucket:          "B1",
			FirstBucketThreshold: 3,
			LaterBucketThreshold: 5,
		},
		WriteOff: WriteOffConfig{Mark180: true},
		Channels: map[string]BucketChannels{
			"T0": {
				Default:  "robocall",
				Channels: []ChannelConfig{{ID: "robocall", Kind: model.ChannelVendor, Capacity: 50000}},
			},
			"B1": {
				Default:                 "robocall",
				RedirectOnVendorFailure: true,
				Channels:                []ChannelConfig{{ID: "robocall", Kind: model.ChannelVendor, Capacity: 20000}},
			},
			"B2": {
				Channels: []ChannelConfig{{ID: "predictive", Kind: model.ChannelVendor, Capacity: 8000}},
				Split: &ModulusSplit{
					Name:    "b2_vendor_split",
					Modulus: 10,
					Arms:    []SplitArm{{Channel: "predictive", From: 0, To: 5}, {Channel: model.InHouseChannel, From: 5, To: 10}},
				},
			},
			"B5": {
				Channels: []ChannelConfig{
					{ID: "agency_alpha", Kind: model.ChannelAgency, Ratio: 0.4, Tier: "tier1", Capacity: 3000},
					{ID: "agency_beta", Kind: model.ChannelAgency, Ratio: 0.3, Tier: "tier2", Capacity: 2000},
				},
			},
		},
		AgencyExpirationDays: map[string]int{"default": 30, "tier1": 60, "tier2": 30},
	}
}
