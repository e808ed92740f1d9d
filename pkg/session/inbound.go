package session

import (
	"errors"
	"fmt"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/lock"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/wire"
)

func (s *Session) receive(msg wire.Message) error {
	if err := msg.Validate(); err != nil {
		s.log.Warn("dropping inbound message", "error", err)
		return nil
	}
	switch msg.Type {
	case wire.TypeSnapshot:
		s.receiveSnapshot(msg.Snapshot)
	case wire.TypePatch:
		s.receivePatch(*msg.Patch)
	case wire.TypeAck:
		s.receiveAck(*msg.Ack)
	case wire.TypeReject:
		s.receiveReject(*msg.Reject)
	case wire.TypeLock:
		s.receiveLock(*msg.Lock)
	case wire.TypePresence:
		s.presence.Replace(msg.Presence.Participants)
		s.emit(PresenceChanged{})
	case wire.TypeClosed:
		s.dragCancel(false)
		s.pending = nil
		s.state = StateClosed
		s.emit(SessionClosed{Reason: msg.Closed.Reason})
	case wire.TypeError:
		s.log.Warn("hub reported an error", "message", msg.Error.Message)
	default:
		return fmt.Errorf("%w: %s is not sent by the hub", constants.ErrUnknownMessage, msg.Type)
	}
	return nil
}

// receiveSnapshot replaces everything with the hub's canonical state. A
// snapshot that arrives over unconfirmed edits, as after a reconnect, is a
// forced resync.
func (s *Session) receiveSnapshot(snap *wire.Snapshot) {
	if len(s.pending) > 0 && s.state == StateActive {
		s.log.Warn("snapshot discards unconfirmed patches", "pending", len(s.pending), "version", snap.Version)
		s.emit(ConflictNotice{KnownVersion: s.version, ServerVersion: snap.Version, Forced: true})
	}
	s.dragCancel(s.state == StateActive)

	if !snap.SessionID.IsZero() {
		s.locks.SetSelf(snap.SessionID)
	}
	s.confirmed = snap.Document.Clone()
	s.doc = snap.Document.Clone()
	s.version = snap.Version
	s.serverVersion = snap.Version
	s.pending = nil
	s.locks.Reset(snap.Locks)
	s.presence.Replace(snap.Presence)
	s.state = StateActive

	s.emit(Resynced{Version: snap.Version})
	s.emit(DocumentChanged{})
	s.emit(LocksChanged{})
	s.emit(PresenceChanged{})
	s.flushPublish()
}

// receivePatch applies another participant's patch. The hub applied it
// before any of this session's pending patches, so it goes onto the
// confirmed document and the pending ones are replayed on top.
func (s *Session) receivePatch(p patch.Patch) {
	if s.state != StateActive {
		return
	}
	if p.Session == s.ID() && !p.Session.IsZero() {
		return
	}
	if p.Version > s.version {
		s.version = p.Version
		s.serverVersion = p.Version
	}
	applied, err := patch.Apply(&s.confirmed, p)
	if err != nil {
		s.log.Warn("ignoring remote patch", "patch", p.ID, "kind", p.Kind, "error", err)
		return
	}
	if p.Kind == patch.KindDelete {
		if s.locks.Forget(models.BlockLockKey(*p.BlockID)) {
			s.emit(LocksChanged{})
		}
	}
	if !applied {
		return
	}
	if p.Kind != patch.KindSetTitle && p.Kind != patch.KindSetValue {
		s.dragCancel(true)
	}
	s.rebuild()
	s.emit(DocumentChanged{})
}

// receiveAck confirms pending patches up to and including the acked one.
func (s *Session) receiveAck(ack wire.Ack) {
	i := s.pendingIndex(ack.PatchID)
	if i < 0 {
		s.log.Debug("ack for unknown patch", "patch", ack.PatchID)
		return
	}
	for _, p := range s.pending[:i+1] {
		if _, err := patch.Apply(&s.confirmed, p); err != nil {
			s.log.Warn("confirmed patch does not apply", "patch", p.ID, "error", err)
		}
	}
	locksChanged := false
	for _, p := range s.pending[:i+1] {
		if p.Kind == patch.KindDelete && s.locks.Forget(models.BlockLockKey(*p.BlockID)) {
			locksChanged = true
		}
	}
	s.pending = append([]patch.Patch(nil), s.pending[i+1:]...)
	if ack.Version > s.version {
		s.version = ack.Version
		s.serverVersion = ack.Version
	}
	if locksChanged {
		s.emit(LocksChanged{})
	}
	s.flushPublish()
}

func (s *Session) receiveReject(r wire.Reject) {
	if r.Version > s.serverVersion {
		s.serverVersion = r.Version
	}
	if r.Reason == wire.ReasonConflict {
		s.conflict()
		return
	}
	i := s.pendingIndex(r.PatchID)
	var rejected patch.Patch
	if i >= 0 {
		rejected = s.pending[i]
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		s.rebuild()
		s.emit(DocumentChanged{})
	}
	s.log.Warn("patch rejected", "patch", r.PatchID, "reason", r.Reason, "detail", r.Detail)
	s.emit(PatchRejected{PatchID: r.PatchID, Reason: r.Reason})
	if r.Reason == wire.ReasonLocked && i >= 0 && rejected.Kind == patch.KindDelete {
		// The denial of the lock may still be on its way; apply it now.
		s.receiveLock(lock.Message{Op: lock.OpDeny, Key: models.BlockLockKey(*rejected.BlockID), Owner: r.Owner})
	}
	s.flushPublish()
}

// conflict discards every optimistic edit and blocks editing until the next
// snapshot. The notice is raised once per conflict.
func (s *Session) conflict() {
	if s.state != StateActive {
		return
	}
	s.dragCancel(false)
	s.state = StateResyncRequired
	s.pending = nil
	s.publishRequested = false
	s.doc = s.confirmed.Clone()
	s.emit(ConflictNotice{KnownVersion: s.version, ServerVersion: s.serverVersion})
	s.emit(DocumentChanged{})
}

func (s *Session) receiveLock(m lock.Message) {
	if id, ok := m.Key.BlockID(); ok && m.Op == lock.OpGrant && s.doc.Index(id) < 0 {
		return
	}
	changed, err := s.locks.Apply(m)
	var contention *lock.ContentionError
	if errors.As(err, &contention) {
		s.emit(LockContentionNotice{
			Key:       contention.Key,
			Owner:     contention.Owner,
			OwnerName: s.presence.DisplayName(contention.Owner),
		})
	} else if err != nil {
		s.log.Warn("ignoring lock message", "op", m.Op, "key", m.Key, "error", err)
	}
	if m.Op == lock.OpDeny {
		if id, ok := m.Key.BlockID(); ok {
			s.withdrawDeletes(id)
		}
	}
	if changed {
		s.emit(LocksChanged{})
	}
}

// withdrawDeletes drops pending deletes of id, whose lock was refused, and
// shows the block again.
func (s *Session) withdrawDeletes(id models.BlockID) {
	kept := s.pending[:0:0]
	for _, p := range s.pending {
		if p.Kind == patch.KindDelete && *p.BlockID == id {
			s.log.Info("withdrawing delete of a locked block", "block", id, "patch", p.ID)
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == len(s.pending) {
		return
	}
	s.pending = kept
	s.rebuild()
	s.emit(DocumentChanged{})
	s.flushPublish()
}

// rebuild recomputes the working document as confirmed plus pending.
func (s *Session) rebuild() {
	doc := s.confirmed.Clone()
	for _, p := range s.pending {
		if _, err := patch.Apply(&doc, p); err != nil {
			s.log.Debug("pending patch no longer applies", "patch", p.ID, "error", err)
		}
	}
	s.doc = doc
}

func (s *Session) pendingIndex(id string) int {
	for i, p := range s.pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}
