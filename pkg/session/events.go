package session

import (
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/wire"
)

// Event is something the host should react to, usually by redrawing.
type Event interface {
	event()
}

// DocumentChanged means the document or the drag preview changed.
type DocumentChanged struct{}

// LocksChanged means the owner of at least one field changed.
type LocksChanged struct{}

type PresenceChanged struct{}

// BlockInserted reports the id of a block created by InsertBlock.
type BlockInserted struct {
	BlockID models.BlockID
}

// LockContentionNotice is shown when a field is being edited by someone else.
type LockContentionNotice struct {
	Key       models.LockKey
	Owner     models.SessionID
	OwnerName string
}

// ConflictNotice is raised once when the session falls out of sync with the
// hub. Forced is set when the hub pushed a snapshot over unconfirmed edits.
type ConflictNotice struct {
	KnownVersion  uint64
	ServerVersion uint64
	Forced        bool
}

// Resynced means the document was replaced by the hub's canonical state.
type Resynced struct {
	Version uint64
}

// PatchRejected reports a patch the hub refused for a reason other than a
// version conflict. The patch is dropped.
type PatchRejected struct {
	PatchID string
	Reason  wire.RejectReason
}

// DragCancelled means a remote change invalidated the drag in progress.
type DragCancelled struct{}

type SessionClosed struct {
	Reason wire.ClosedReason
}

func (DocumentChanged) event()      {}
func (LocksChanged) event()         {}
func (PresenceChanged) event()      {}
func (BlockInserted) event()        {}
func (LockContentionNotice) event() {}
func (ConflictNotice) event()       {}
func (Resynced) event()             {}
func (PatchRejected) event()        {}
func (DragCancelled) event()        {}
func (SessionClosed) event()        {}
