// Package bucket maps an obligation's days past due onto the snapshot's
// bucket ranges.
package bucket

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// ErrMissingDueDate is returned for obligations whose DPD cannot be computed.
var ErrMissingDueDate = eris.New("bucket: obligation has no due date")

// Classification is the bucket an obligation falls into on a run date.
type Classification struct {
	BucketID string
	DPD      int
	// WriteOff is set when a terminal-DPD obligation is relabelled.
	WriteOff model.WriteOffStatus
}

// WrittenOff reports whether the obligation is excluded as a write-off.
func (c Classification) WrittenOff() bool { return c.WriteOff != model.WriteOffNone }

// Classifier assigns buckets. It is safe for concurrent use.
type Classifier struct {
	ranged   []model.Bucket
	writeOff snapshot.WriteOffConfig
	manual   map[int64]bool
}

// NewClassifier builds a classifier over a validated snapshot.
func NewClassifier(snap *snapshot.Snapshot) *Classifier {
	manual := make(map[int64]bool, len(snap.WriteOff.ManualAccounts))
	for _, id := range snap.WriteOff.ManualAccounts {
		manual[id] = true
	}
	return &Classifier{
		ranged:   snap.RangedBuckets(),
		writeOff: snap.WriteOff,
		manual:   manual,
	}
}

// Classify computes DPD as whole UTC days between due date and run date and
// returns the single bucket containing it. ok is false when DPD is below the
// lowest configured bound, in which case the obligation is not yet a
// collection candidate.
func (c *Classifier) Classify(o model.Obligation, runDate time.Time) (Classification, bool, error) {
	dpd, has := o.DPD(runDate)
	if !has {
		return Classification{BucketID: model.UnclassifiedBucket}, false, eris.Wrapf(ErrMissingDueDate, "obligation %d", o.ID)
	}

	b, ok := c.lookup(dpd)
	if !ok {
		return Classification{DPD: dpd}, false, nil
	}

	cl := Classification{BucketID: b.ID, DPD: dpd}
	if b.Terminal {
		cl.WriteOff = c.writeOffStatus(o.AccountID, dpd)
	}
	return cl, true, nil
}

// Bucket returns the bucket for a raw DPD value.
func (c *Classifier) Bucket(dpd int) (model.Bucket, bool) {
	return c.lookup(dpd)
}

func (c *Classifier) lookup(dpd int) (model.Bucket, bool) {
	for _, b := range c.ranged {
		if b.Contains(dpd) {
			return b, true
		}
	}
	return model.Bucket{}, false
}

func (c *Classifier) writeOffStatus(accountID int64, dpd int) model.WriteOffStatus {
	switch {
	case c.manual[accountID]:
		return model.WriteOffManual
	case c.writeOff.EarlyWriteOffDPD > 0 && dpd >= c.writeOff.EarlyWriteOffDPD:
		return model.WriteOffEarly
	case c.writeOff.Mark180 && dpd >= 180:
		return model.WriteOff180
	default:
		return model.WriteOffNone
	}
}
