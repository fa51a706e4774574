package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// TargetType is the persisted discriminator of an AssignmentTarget.
type TargetType string

const (
	TargetAgent  TargetType = "agent"
	TargetVendor TargetType = "vendor"
	TargetAgency TargetType = "agency"
)

// AssignmentTarget is who an account is assigned to. The set of variants is
// closed: AgentTarget, VendorTarget and AgencyTarget.
type AssignmentTarget interface {
	Type() TargetType
	TargetID() string
	isAssignmentTarget()
}

// AgentTarget is an in-house collection agent.
type AgentTarget struct{ ID string }

// VendorTarget is an external dialer vendor.
type VendorTarget struct{ ID string }

// AgencyTarget is a third-party collection agency.
type AgencyTarget struct{ ID string }

func (t AgentTarget) Type() TargetType  { return TargetAgent }
func (t AgentTarget) TargetID() string  { return t.ID }
func (AgentTarget) isAssignmentTarget() {}

func (t VendorTarget) Type() TargetType  { return TargetVendor }
func (t VendorTarget) TargetID() string  { return t.ID }
func (VendorTarget) isAssignmentTarget() {}

func (t AgencyTarget) Type() TargetType  { return TargetAgency }
func (t AgencyTarget) TargetID() string  { return t.ID }
func (AgencyTarget) isAssignmentTarget() {}

// NewAssignmentTarget rebuilds a target from its persisted form.
func NewAssignmentTarget(typ TargetType, id string) (AssignmentTarget, error) {
	if id == "" {
		return nil, eris.New("model: assignment target id is empty")
	}
	switch typ {
	case TargetAgent:
		return AgentTarget{ID: id}, nil
	case TargetVendor:
		return VendorTarget{ID: id}, nil
	case TargetAgency:
		return AgencyTarget{ID: id}, nil
	default:
		return nil, eris.Errorf("model: unknown assignment target type %q", typ)
	}
}

// TargetForChannel maps an allocation channel to the assignment target it
// implies.
func TargetForChannel(ch Channel) (AssignmentTarget, error) {
	switch ch.Kind {
	case ChannelInHouse:
		return AgentTarget{ID: ch.ID}, nil
	case ChannelVendor:
		return VendorTarget{ID: ch.ID}, nil
	case ChannelAgency:
		return AgencyTarget{ID: ch.ID}, nil
	default:
		return nil, eris.Errorf("model: unknown channel kind %q", ch.Kind)
	}
}

// Assignment is an account's placement with a target. At most one open
// assignment to an agency exists per account.
type Assignment struct {
	ID         string           `json:"id"`
	AccountID  int64            `json:"account_id"`
	Target     AssignmentTarget `json:"-"`
	BucketID   string           `json:"bucket_id"`
	AssignedOn time.Time        `json:"assigned_on"`
	ExpiresOn  *time.Time       `json:"expires_on,omitempty"`
	ClosedOn   *time.Time       `json:"closed_on,omitempty"`
}

// ActiveOn reports whether the assignment is open and unexpired on day.
func (a Assignment) ActiveOn(day time.Time) bool {
	d := Day(day)
	if a.ClosedOn != nil && !Day(*a.ClosedOn).After(d) {
		return false
	}
	if a.ExpiresOn != nil && !Day(*a.ExpiresOn).After(d) {
		return false
	}
	return true
}

// AssignmentTransfer is the audit row of an explicit transfer.
type AssignmentTransfer struct {
	ID             string           `json:"id"`
	AccountID      int64            `json:"account_id"`
	FromAssignment string           `json:"from_assignment"`
	ToAssignment   string           `json:"to_assignment"`
	From           AssignmentTarget `json:"-"`
	To             AssignmentTarget `json:"-"`
	Reason         string           `json:"reason"`
	TransferredOn  time.Time        `json:"transferred_on"`
}
