package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/lock"
	"github.com/daybook/recordsync/pkg/logger"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/presence"
	"github.com/daybook/recordsync/pkg/store"
	"github.com/daybook/recordsync/pkg/wire"
)

// room is the canonical state of one record while anyone is connected to
// it. Every message for the record is handled under mu, which is what
// orders patches, lock grants and presence changes into one sequence.
type room struct {
	id     models.DocumentID
	hub    *Hub
	logger logger.Logger

	mu     sync.Mutex
	rec    *models.Record
	doc    models.Document
	locks  *lock.Table
	roster *presence.Registry
	peers  map[models.SessionID]*peer
	closed bool

	// writes holds the last accepted write to each field.
	writes map[models.LockKey]write

	// refs counts attached connections; guarded by hub.mu.
	refs int
}

func newRoom(h *Hub, rec *models.Record) *room {
	return &room{
		id:     rec.ID,
		hub:    h,
		logger: h.logger,
		rec:    rec,
		doc:    rec.Document(),
		locks:  lock.NewTable(),
		roster: presence.NewRegistry(),
		peers:  make(map[models.SessionID]*peer),
		writes: make(map[models.LockKey]write),
	}
}

type write struct {
	version uint64
	session models.SessionID
}

func (r *room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// join admits p, replies with a snapshot and tells everyone else.
func (r *room) join(p *peer, participant models.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	participant.SessionID = p.sid
	if participant.ActorID == "" {
		participant.ActorID = string(p.sid)
	}
	if participant.DisplayName == "" {
		participant.DisplayName = participant.ActorID
	}

	r.peers[p.sid] = p
	r.roster.Join(participant)
	r.logger.Info("participant joined", "record", r.id, "session", p.sid, "actor", participant.ActorID)

	p.enqueue(r.snapshotLocked(p.sid))
	r.broadcastLocked(r.presenceLocked(), p.sid)
	return true
}

// leave removes p, frees its locks and tells everyone else.
func (r *room) leave(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.sid]; !ok {
		return
	}
	delete(r.peers, p.sid)
	r.roster.Leave(p.sid)
	for _, key := range r.locks.ReleaseSession(p.sid) {
		r.broadcastLocked(wire.LockMessage(lock.Message{Op: lock.OpRelease, Key: key, Owner: p.sid}), "")
	}
	r.broadcastLocked(r.presenceLocked(), "")
	r.logger.Info("participant left", "record", r.id, "session", p.sid)
}

// handle processes one message from p.
func (r *room) handle(ctx context.Context, p *peer, msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := msg.Validate(); err != nil {
		p.enqueue(wire.ErrorMessage(err))
		return
	}
	switch msg.Type {
	case wire.TypePatch:
		r.patchLocked(ctx, p, *msg.Patch)
	case wire.TypeLock:
		r.lockLocked(p, *msg.Lock)
	case wire.TypePublish:
		r.publishLocked(ctx, p, *msg.Publish)
	case wire.TypeResync:
		p.enqueue(r.snapshotLocked(p.sid))
	default:
		p.enqueue(wire.ErrorMessage(fmt.Errorf("%w: %s is not accepted here", constants.ErrUnknownMessage, msg.Type)))
	}
}

// conflicting reports whether a patch based on base can no longer be
// applied at version.
func (r *room) conflicting(base, version uint64) bool {
	return base > version || version-base > r.hub.opts.HistoryWindow
}

// overwrites reports whether pt, from session sid, was made without seeing a
// later write by someone else to the field it edits.
func (r *room) overwrites(sid models.SessionID, pt patch.Patch) bool {
	key, ok := pt.Touches()
	if !ok {
		return false
	}
	w, ok := r.writes[key]
	return ok && w.session != sid && w.version > pt.BaseVersion
}

func (r *room) patchLocked(ctx context.Context, p *peer, pt patch.Patch) {
	applied, version, err := r.applyLocked(ctx, p.sid, pt)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			p.enqueue(wire.RejectMessage(rej.Reject))
		} else {
			p.enqueue(wire.ErrorMessage(err))
		}
		return
	}
	p.enqueue(wire.AckMessage(wire.Ack{PatchID: pt.ID, Version: version}))
	if applied != nil {
		r.broadcastLocked(wire.PatchMessage(*applied), p.sid)
	}
}

// applyLocked applies pt from session sid to the canonical document and
// saves it. It returns the stamped patch, nil when pt changed nothing, and
// the version the sender is now at. A refusal is a *RejectError.
func (r *room) applyLocked(ctx context.Context, sid models.SessionID, pt patch.Patch) (*patch.Patch, uint64, error) {
	version := r.rec.Version
	if err := pt.Validate(); err != nil {
		return nil, version, rejection(pt, wire.ReasonMalformed, version, err)
	}
	if r.hub.readOnly() {
		return nil, version, rejection(pt, wire.ReasonReadOnly, version, constants.ErrReadOnly)
	}
	if r.conflicting(pt.BaseVersion, version) {
		r.logger.Info("rejecting stale patch", "record", r.id, "session", sid, "base", pt.BaseVersion, "version", version)
		return nil, version, rejection(pt, wire.ReasonConflict, version, nil)
	}
	if r.overwrites(sid, pt) {
		r.logger.Info("rejecting patch over a newer write", "record", r.id, "session", sid, "base", pt.BaseVersion, "kind", pt.Kind)
		return nil, version, rejection(pt, wire.ReasonConflict, version, nil)
	}
	if owner, held := r.touchedBy(pt); held && owner != sid {
		if pt.Kind == patch.KindDelete {
			r.logger.Info("refusing delete of a locked block", "record", r.id, "session", sid, "owner", owner, "block", *pt.BlockID)
			return nil, version, lockedRejection(pt, version, owner)
		}
		r.logger.Debug("patch touches a field locked by another session", "record", r.id, "session", sid, "owner", owner, "kind", pt.Kind)
	}

	doc := r.doc.Clone()
	applied, err := patch.Apply(&doc, pt)
	if err != nil {
		return nil, version, rejection(pt, wire.ReasonMalformed, version, err)
	}
	if !applied {
		return nil, version, nil
	}

	pt.Version = version + 1
	pt.Session = sid
	entry, err := store.NewEntry(r.id, pt.Version, pt)
	if err != nil {
		return nil, version, rejection(pt, wire.ReasonMalformed, version, err)
	}
	next := *r.rec
	next.SetDocument(doc)
	next.Version = pt.Version
	if err := r.hub.store.SaveRecord(ctx, &next, version, []*models.PatchLogEntry{entry}); err != nil {
		return nil, version, r.saveFailedLocked(ctx, pt, version, err)
	}
	r.rec = &next
	r.doc = doc

	key, touches := pt.Touches()
	switch {
	case pt.Kind == patch.KindDelete:
		// Only the holder, or nobody, gets here with a delete; the lock goes
		// with the block.
		delete(r.writes, key)
		if owner, held := r.locks.Drop(key); held {
			r.broadcastLocked(wire.LockMessage(lock.Message{Op: lock.OpRelease, Key: key, Owner: owner}), "")
		}
	case touches:
		r.writes[key] = write{version: pt.Version, session: sid}
	}
	return &pt, pt.Version, nil
}

func (r *room) saveFailedLocked(ctx context.Context, pt patch.Patch, version uint64, err error) error {
	switch {
	case errors.Is(err, constants.ErrReadOnly):
		return rejection(pt, wire.ReasonReadOnly, version, err)
	case errors.Is(err, constants.ErrVersionConflict):
		// Someone else wrote the record; reload so the next resync is current.
		r.logger.Warn("record changed underneath the room", "record", r.id, "error", err)
		if rec, getErr := r.hub.store.GetRecord(ctx, r.id); getErr == nil && rec != nil {
			r.rec = rec
			r.doc = rec.Document()
			r.writes = make(map[models.LockKey]write)
		}
		return rejection(pt, wire.ReasonConflict, r.rec.Version, nil)
	default:
		r.logger.Error("failed to save patch", "record", r.id, "patch", pt.ID, "error", err)
		return rejection(pt, wire.ReasonUnavailable, version, err)
	}
}

func (r *room) touchedBy(pt patch.Patch) (models.SessionID, bool) {
	key, ok := pt.Touches()
	if !ok {
		return "", false
	}
	return r.locks.Owner(key)
}

func (r *room) lockLocked(p *peer, m lock.Message) {
	if !r.knownKey(m.Key) {
		p.enqueue(wire.LockMessage(lock.Message{Op: lock.OpDeny, Key: m.Key}))
		return
	}
	switch m.Op {
	case lock.OpRequest:
		owner, granted := r.locks.Acquire(m.Key, p.sid)
		if !granted {
			p.enqueue(wire.LockMessage(lock.Message{Op: lock.OpDeny, Key: m.Key, Owner: owner}))
			return
		}
		r.broadcastLocked(wire.LockMessage(lock.Message{Op: lock.OpGrant, Key: m.Key, Owner: p.sid}), "")
	case lock.OpRelease:
		if r.locks.Release(m.Key, p.sid) {
			r.broadcastLocked(wire.LockMessage(lock.Message{Op: lock.OpRelease, Key: m.Key, Owner: p.sid}), "")
		}
	default:
		p.enqueue(wire.ErrorMessage(fmt.Errorf("%w: lock op %q is not accepted here", constants.ErrUnknownMessage, m.Op)))
	}
}

func (r *room) knownKey(key models.LockKey) bool {
	if key == models.TitleLockKey {
		return true
	}
	id, ok := key.BlockID()
	return ok && r.doc.Index(id) >= 0
}

func (r *room) publishLocked(ctx context.Context, p *peer, pub wire.Publish) {
	err := r.publishAtLocked(ctx, p.sid, pub.BaseVersion)
	var rej *RejectError
	switch {
	case errors.As(err, &rej):
		p.enqueue(wire.RejectMessage(rej.Reject))
	case err != nil:
		p.enqueue(wire.ErrorMessage(err))
	}
}

// publishAtLocked marks the record published if it is still at base, then
// closes the room.
func (r *room) publishAtLocked(ctx context.Context, sid models.SessionID, base uint64) error {
	version := r.rec.Version
	if base != version {
		return &RejectError{Reject: wire.Reject{Reason: wire.ReasonConflict, Version: version}}
	}
	next := *r.rec
	next.Published = true
	if err := r.hub.store.SaveRecord(ctx, &next, version, nil); err != nil {
		r.logger.Error("failed to publish record", "record", r.id, "error", err)
		return fmt.Errorf("failed to publish record: %w", err)
	}
	r.rec = &next
	r.logger.Info("record published", "record", r.id, "version", version, "session", sid)
	r.closeLocked(wire.ClosedPublished)
	return nil
}

// close ends every session in the room with reason.
func (r *room) close(reason wire.ClosedReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(reason)
}

func (r *room) closeLocked(reason wire.ClosedReason) {
	if r.closed {
		return
	}
	r.closed = true
	for sid, p := range r.peers {
		p.enqueue(wire.ClosedMessage(reason))
		p.finish()
		delete(r.peers, sid)
	}
}

func (r *room) participants() []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roster.List()
}

func (r *room) snapshotLocked(sid models.SessionID) wire.Message {
	return wire.Message{Type: wire.TypeSnapshot, Snapshot: &wire.Snapshot{
		SessionID: sid,
		Document:  r.doc.Clone(),
		Version:   r.rec.Version,
		Locks:     r.locks.Snapshot(),
		Presence:  r.roster.List(),
	}}
}

func (r *room) presenceLocked() wire.Message {
	return wire.Message{Type: wire.TypePresence, Presence: &wire.Presence{Participants: r.roster.List()}}
}

// broadcastLocked queues msg for every peer except skip.
func (r *room) broadcastLocked(msg wire.Message, skip models.SessionID) {
	for sid, p := range r.peers {
		if sid == skip {
			continue
		}
		p.enqueue(msg)
	}
}
