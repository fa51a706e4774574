package allocator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

// TransferStore persists an explicit transfer atomically.
type TransferStore interface {
	FindActiveAssignments(ctx context.Context, accountIDs []int64, asOf time.Time) (map[int64][]model.Assignment, error)
	// TransferAssignment closes from (when set), opens to and writes the
	// transfer row in one transaction.
	TransferAssignment(ctx context.Context, from *model.Assignment, to model.Assignment, transfer model.AssignmentTransfer) error
}

// Transferer moves accounts between targets with an audit trail.
type Transferer struct {
	store TransferStore
	snap  *snapshot.Snapshot
}

// NewTransferer creates a Transferer.
func NewTransferer(store TransferStore, snap *snapshot.Snapshot) *Transferer {
	return &Transferer{store: store, snap: snap}
}

// Transfer closes the account's open assignment, opens a new one to target
// and records the move. Transferring to the current target is rejected.
func (t *Transferer) Transfer(ctx context.Context, accountID int64, target model.AssignmentTarget, reason string, on time.Time) (*model.AssignmentTransfer, error) {
	if target == nil {
		return nil, eris.New("allocator: transfer target is required")
	}
	on = model.Day(on)

	active, err := t.store.FindActiveAssignments(ctx, []int64{accountID}, on)
	if err != nil {
		return nil, eris.Wrap(err, "allocator: find active assignments")
	}

	var from *model.Assignment
	for i := range active[accountID] {
		a := active[accountID][i]
		if a.ActiveOn(on) {
			from = &a
			break
		}
	}
	if from != nil && from.Target.Type() == target.Type() && from.Target.TargetID() == target.TargetID() {
		return nil, eris.Wrapf(model.ErrAlreadyAssigned, "allocator: account %d already with %s %s", accountID, target.Type(), target.TargetID())
	}

	to := model.Assignment{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Target:     target,
		AssignedOn: on,
	}
	if from != nil {
		to.BucketID = from.BucketID
	}
	if target.Type() == model.TargetAgency {
		if days := t.snap.ExpirationDays(t.tierOf(target.TargetID())); days > 0 {
			exp := on.AddDate(0, 0, days)
			to.ExpiresOn = &exp
		}
	}

	tr := model.AssignmentTransfer{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		ToAssignment:  to.ID,
		To:            target,
		Reason:        reason,
		TransferredOn: on,
	}
	if from != nil {
		tr.FromAssignment = from.ID
		tr.From = from.Target
	}

	if err := t.store.TransferAssignment(ctx, from, to, tr); err != nil {
		return nil, eris.Wrapf(err, "allocator: transfer account %d", accountID)
	}

	zap.L().Info("allocator: account transferred",
		zap.Int64("account_id", accountID),
		zap.String("from", tr.FromAssignment),
		zap.String("to_type", string(target.Type())),
		zap.String("to", target.TargetID()),
		zap.String("reason", reason),
	)
	return &tr, nil
}

func (t *Transferer) tierOf(channelID string) string {
	for _, bc := range t.snap.Channels {
		for _, ch := range bc.Channels {
			if ch.ID == channelID {
				return ch.Tier
			}
		}
	}
	return ""
}
