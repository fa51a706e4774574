package model

import "github.com/rotisserie/eris"

var (
	// ErrStaleUpdate is returned when a write carries a run date older than
	// the stored one.
	ErrStaleUpdate = eris.New("stale update")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = eris.New("not found")
	// ErrAlreadyAssigned is returned when an account already has an open
	// agency assignment.
	ErrAlreadyAssigned = eris.New("account already has an active agency assignment")
	// ErrUnknownBucket is returned for bucket ids absent from the snapshot.
	ErrUnknownBucket = eris.New("unknown bucket")
	// ErrMissingReason is returned for NOT_SENT records without a reason.
	ErrMissingReason = eris.New("not-sent record requires a reason")
)
