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

func (s *Session) checkKey(key models.LockKey) error {
	if key == models.TitleLockKey {
		return nil
	}
	id, ok := key.BlockID()
	if !ok {
		return fmt.Errorf("%w: lock key %q", constants.ErrUnknownBlock, key)
	}
	if s.doc.Index(id) < 0 {
		return fmt.Errorf("%w: %s", constants.ErrUnknownBlock, id)
	}
	return nil
}

// acquire takes key for this session or reports who holds it.
func (s *Session) acquire(key models.LockKey) error {
	err := s.locks.RequestLock(key)
	var contention *lock.ContentionError
	if errors.As(err, &contention) {
		s.emit(LockContentionNotice{
			Key:       contention.Key,
			Owner:     contention.Owner,
			OwnerName: s.presence.DisplayName(contention.Owner),
		})
		return err
	}
	if err != nil {
		return err
	}
	if s.opts.Collaborative {
		s.emit(LocksChanged{})
	}
	return nil
}

func (s *Session) beginEdit(key models.LockKey) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	return s.acquire(key)
}

func (s *Session) endEdit(key models.LockKey) {
	if s.locks.ReleaseLock(key) {
		s.emit(LocksChanged{})
	}
}

func (s *Session) setTitle(title string) error {
	if err := s.acquire(models.TitleLockKey); err != nil {
		return err
	}
	return s.commit(patch.SetTitle(title))
}

func (s *Session) setValue(id models.BlockID, v models.Value) error {
	b, ok := s.doc.Block(id)
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrUnknownBlock, id)
	}
	if v == nil || v.Type() != b.Type {
		return &models.ValueError{Field: "value", Reason: fmt.Sprintf("value does not fit %s block", b.Type)}
	}
	if err := v.Validate(); err != nil {
		return err
	}
	if err := s.acquire(models.BlockLockKey(id)); err != nil {
		return err
	}
	return s.commit(patch.SetValue(id, v))
}

func (s *Session) insertBlock(c InsertBlock) error {
	if c.ID.IsZero() {
		c.ID = models.NewBlockID()
	} else if s.doc.Index(c.ID) >= 0 {
		return fmt.Errorf("%w: %s", constants.ErrDuplicateBlock, c.ID)
	}
	if c.Span == 0 {
		c.Span = models.SpanFull
	}
	if c.Value == nil {
		v, err := models.NewValue(c.Type)
		if err != nil {
			return err
		}
		c.Value = v
	}
	block := models.Block{ID: c.ID, Type: c.Type, Value: c.Value, Layout: models.Layout{Span: c.Span}}
	if err := block.Validate(); err != nil {
		return err
	}
	if err := s.commit(patch.Insert(block)); err != nil {
		return err
	}
	s.emit(BlockInserted{BlockID: c.ID})
	return nil
}

// deleteBlock refuses when another session holds the block. Otherwise it
// takes the lock itself, so the delete is serialized with any editor. The
// lock is kept until the hub confirms the delete: a denial in the meantime
// brings the block back.
func (s *Session) deleteBlock(id models.BlockID) error {
	if s.doc.Index(id) < 0 {
		return nil
	}
	if err := s.acquire(models.BlockLockKey(id)); err != nil {
		return err
	}
	return s.commit(patch.Delete(id))
}

// commit applies a local patch and sends it. In a personal session the
// patch goes to the sink instead and is confirmed once the sink saved it;
// a sink error undoes it.
func (s *Session) commit(p patch.Patch) error {
	if _, dragging := s.drag.Dragging(); dragging && p.Kind != patch.KindMove {
		s.dragCancel(true)
	}
	p.BaseVersion = s.version
	applied, err := patch.Apply(&s.doc, p)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if !s.opts.Collaborative {
		if s.opts.Sink != nil {
			version, err := s.opts.Sink.Apply(p)
			if err != nil {
				s.doc = s.confirmed.Clone()
				return err
			}
			s.version = version
		}
		s.confirmed = s.doc.Clone()
		s.emit(DocumentChanged{})
		return nil
	}
	s.pending = append(s.pending, p)
	s.send(wire.PatchMessage(p))
	s.emit(DocumentChanged{})
	return nil
}

func (s *Session) dragStart(c DragStart) error {
	if err := s.drag.Start(s.doc.Blocks, c.BlockID, s.now(c.At)); err != nil {
		return err
	}
	s.emit(DocumentChanged{})
	return nil
}

func (s *Session) dragOver(c DragOver) error {
	changed, err := s.drag.Over(c.Target, c.Rect, c.Pointer, s.now(c.At))
	if changed {
		s.emit(DocumentChanged{})
	}
	return err
}

func (s *Session) dragBelowLast(c DragBelowLast) error {
	changed, err := s.drag.BelowLast(c.Last, c.Pointer, s.now(c.At))
	if changed {
		s.emit(DocumentChanged{})
	}
	return err
}

// dragEnd turns the finished drag into one BLOCK_MOVE patch carrying every
// block whose layout changed.
func (s *Session) dragEnd() error {
	if _, dragging := s.drag.Dragging(); !dragging {
		return constants.ErrNoDrag
	}
	moves := s.drag.End()
	if len(moves) == 0 {
		s.emit(DocumentChanged{})
		return nil
	}
	return s.commit(patch.Move(moves))
}

func (s *Session) dragCancel(remote bool) {
	if s.drag.Cancel() == nil {
		return
	}
	if remote {
		s.emit(DragCancelled{})
	}
	s.emit(DocumentChanged{})
}

// publish is deferred until every pending patch is confirmed, so that the
// hub sees it at the version this session knows.
func (s *Session) publish() error {
	if !s.opts.Collaborative {
		if s.opts.Sink != nil {
			if err := s.opts.Sink.Publish(s.version); err != nil {
				return err
			}
		}
		s.state = StateClosed
		s.emit(SessionClosed{Reason: wire.ClosedPublished})
		return nil
	}
	s.publishRequested = true
	s.flushPublish()
	return nil
}

func (s *Session) flushPublish() {
	if !s.publishRequested || len(s.pending) > 0 || s.state != StateActive {
		return
	}
	s.publishRequested = false
	s.send(wire.Message{Type: wire.TypePublish, Publish: &wire.Publish{BaseVersion: s.version}})
}

func (s *Session) resync() error {
	if !s.opts.Collaborative {
		return nil
	}
	s.send(wire.Message{Type: wire.TypeResync})
	return nil
}

// close releases every lock, withdraws inserts the hub has not confirmed and
// leaves.
func (s *Session) close() error {
	s.dragCancel(false)
	if s.opts.Collaborative {
		s.locks.ReleaseAll()
		for _, p := range s.pending {
			if p.Kind != patch.KindInsert {
				continue
			}
			undo := patch.Delete(p.Block.ID)
			undo.BaseVersion = s.version
			s.send(wire.PatchMessage(undo))
		}
		s.send(wire.Message{Type: wire.TypeLeave})
	}
	s.pending = nil
	s.state = StateClosed
	s.emit(SessionClosed{Reason: wire.ClosedLeft})
	return nil
}
