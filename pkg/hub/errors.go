package hub

import (
	"fmt"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/wire"
)

// RejectError is a patch or publish the room refused. It carries the reject
// sent to a connected sender.
type RejectError struct {
	Reject wire.Reject
}

func rejection(pt patch.Patch, reason wire.RejectReason, version uint64, err error) *RejectError {
	r := wire.Reject{PatchID: pt.ID, Reason: reason, Version: version}
	if err != nil {
		r.Detail = err.Error()
	}
	return &RejectError{Reject: r}
}

func lockedRejection(pt patch.Patch, version uint64, owner models.SessionID) *RejectError {
	r := rejection(pt, wire.ReasonLocked, version, constants.ErrLockHeld)
	r.Reject.Owner = owner
	return r
}

func (e *RejectError) Error() string {
	if e.Reject.Detail != "" {
		return fmt.Sprintf("rejected at version %d: %s: %s", e.Reject.Version, e.Reject.Reason, e.Reject.Detail)
	}
	return fmt.Sprintf("rejected at version %d: %s", e.Reject.Version, e.Reject.Reason)
}

func (e *RejectError) Unwrap() error {
	switch e.Reject.Reason {
	case wire.ReasonConflict:
		return constants.ErrVersionConflict
	case wire.ReasonLocked:
		return constants.ErrLockHeld
	case wire.ReasonReadOnly:
		return constants.ErrReadOnly
	case wire.ReasonMalformed:
		return constants.ErrMalformedPatch
	}
	return nil
}
