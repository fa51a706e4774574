package snapshot

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/model"
)

// Validate checks that buckets partition the DPD axis and that every channel
// reference resolves.
func Validate(s *Snapshot) error {
	if err := validateBuckets(s); err != nil {
		return err
	}
	for bucketID, bc := range s.Channels {
		if _, ok := s.Bucket(bucketID); !ok {
			return eris.Errorf("snapshot: channels configured for unknown bucket %s", bucketID)
		}
		if err := validateChannels(s, bucketID, bc); err != nil {
			return err
		}
	}
	if s.NonContact.FirstBucket != "" {
		if _, ok := s.Bucket(s.NonContact.FirstBucket); !ok {
			return eris.Errorf("snapshot: non_contact.first_bucket %s is not defined", s.NonContact.FirstBucket)
		}
	}
	return nil
}

func validateBuckets(s *Snapshot) error {
	if len(s.Buckets) == 0 {
		return eris.New("snapshot: no buckets defined")
	}
	seen := make(map[string]bool, len(s.Buckets))
	for _, b := range s.Buckets {
		if b.ID == "" {
			return eris.New("snapshot: bucket with empty id")
		}
		if b.ID == model.UnclassifiedBucket {
			return eris.Errorf("snapshot: bucket id %s is reserved", b.ID)
		}
		if seen[b.ID] {
			return eris.Errorf("snapshot: duplicate bucket %s", b.ID)
		}
		seen[b.ID] = true
	}

	ranged := s.RangedBuckets()
	for i, b := range ranged {
		if b.From != nil && b.To != nil && *b.From >= *b.To {
			return eris.Errorf("snapshot: bucket %s has empty range", b.ID)
		}
		if i > 0 && b.From == nil {
			return eris.Errorf("snapshot: only the first bucket may be unbounded below, got %s", b.ID)
		}
		if i < len(ranged)-1 {
			if b.To == nil {
				return eris.Errorf("snapshot: only the last bucket may be open-ended, got %s", b.ID)
			}
			next := ranged[i+1]
			if next.From == nil || *next.From != *b.To {
				return eris.Errorf("snapshot: buckets %s and %s are not contiguous", b.ID, next.ID)
			}
		}
		if b.Terminal && (i != len(ranged)-1 || b.To != nil) {
			return eris.Errorf("snapshot: terminal bucket %s must be the last, open-ended bucket", b.ID)
		}
		if b.NonContactedBucket != "" {
			sub, ok := s.Bucket(b.NonContactedBucket)
			if !ok || sub.Parent != b.ID {
				return eris.Errorf("snapshot: bucket %s routes non-contacted accounts to %s, which is not its sub-bucket", b.ID, b.NonContactedBucket)
			}
		}
	}

	for _, b := range s.Buckets {
		if b.IsSubBucket() {
			parent, ok := s.Bucket(b.Parent)
			if !ok || parent.IsSubBucket() {
				return eris.Errorf("snapshot: sub-bucket %s has invalid parent %s", b.ID, b.Parent)
			}
		}
	}
	return nil
}

func validateChannels(s *Snapshot, bucketID string, bc BucketChannels) error {
	ids := map[string]bool{model.InHouseChannel: true}
	var ratio float64
	for _, c := range bc.Channels {
		if c.ID == "" {
			return eris.Errorf("snapshot: bucket %s has a channel without id", bucketID)
		}
		switch c.Kind {
		case model.ChannelInHouse, model.ChannelVendor, model.ChannelAgency:
		default:
			return eris.Errorf("snapshot: bucket %s channel %s has unknown kind %q", bucketID, c.ID, c.Kind)
		}
		if c.Capacity < 0 || c.Ratio < 0 {
			return eris.Errorf("snapshot: bucket %s channel %s has negative capacity or ratio", bucketID, c.ID)
		}
		ratio += c.Ratio
		ids[c.ID] = true
	}
	if ratio > 1.0000001 {
		return eris.Errorf("snapshot: bucket %s agency ratios sum to %.3f, more than 1", bucketID, ratio)
	}
	for _, ref := range []string{bc.Default, bc.Fallback} {
		if ref != "" && !ids[ref] {
			return eris.Errorf("snapshot: bucket %s references unknown channel %s", bucketID, ref)
		}
	}
	if fb, ok := s.Channel(bucketID, bc.Fallback); ok && fb.Capacity > 0 {
		return eris.Errorf("snapshot: bucket %s fallback channel %s must not be capacity limited", bucketID, fb.ID)
	}
	if fb, ok := s.Channel(bucketID, bc.Fallback); ok && bc.RedirectOnVendorFailure && fb.Kind == model.ChannelVendor {
		return eris.Errorf("snapshot: bucket %s redirects vendor failures to vendor channel %s", bucketID, fb.ID)
	}
	if bc.Split != nil {
		if bc.Split.Modulus <= 0 {
			return eris.Errorf("snapshot: bucket %s split %s needs a positive modulus", bucketID, bc.Split.Name)
		}
		covered := make([]bool, bc.Split.Modulus)
		for _, arm := range bc.Split.Arms {
			if !ids[arm.Channel] {
				return eris.Errorf("snapshot: bucket %s split arm references unknown channel %s", bucketID, arm.Channel)
			}
			if arm.From < 0 || arm.To > bc.Split.Modulus || arm.From >= arm.To {
				return eris.Errorf("snapshot: bucket %s split arm [%d,%d) is outside modulus %d", bucketID, arm.From, arm.To, bc.Split.Modulus)
			}
			for i := arm.From; i < arm.To; i++ {
				if covered[i] {
					return eris.Errorf("snapshot: bucket %s split arms overlap at %d", bucketID, i)
				}
				covered[i] = true
			}
		}
	}
	for _, exp := range bc.Experiments {
		for group, ch := range exp.Groups {
			if !ids[ch] {
				return eris.Errorf("snapshot: bucket %s experiment %s group %s references unknown channel %s", bucketID, exp.Experiment, group, ch)
			}
		}
	}
	return nil
}
