// Package session owns one participant's editing session of a record.
//
// A [Session] holds the document, the lock state and the roster, and is the
// only thing that mutates them. Everything that happens to it, local intents
// and messages from the hub alike, is a [Command] passed to
// [Session.Dispatch]; everything the host needs to know comes back as an
// [Event]. A Session is not safe for concurrent use; [Session.Loop] serializes
// commands and inbound messages for multi-goroutine hosts.
//
// Local edits are applied at once and sent as patches. A sent patch is
// pending until the hub acknowledges it. The session keeps the last
// confirmed document and rebuilds its working document as confirmed plus
// pending, so remote patches land in the order the hub applied them. A
// version conflict discards every pending patch and blocks further edits
// until a resync.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/drag"
	"github.com/daybook/recordsync/pkg/lock"
	"github.com/daybook/recordsync/pkg/logger"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/presence"
	"github.com/daybook/recordsync/pkg/wire"
)

// Transport sends messages to the hub. Send must not block on the network.
type Transport interface {
	Send(msg wire.Message) error
}

// Sink saves the patches of a personal session.
type Sink interface {
	// Apply saves p and returns the record version it produced.
	Apply(p patch.Patch) (uint64, error)
	// Publish publishes the record at version base.
	Publish(base uint64) error
}

// State is where a session is in its lifecycle.
type State int

const (
	// StateJoining waits for the first snapshot.
	StateJoining State = iota
	StateActive
	// StateResyncRequired follows a version conflict.
	StateResyncRequired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateResyncRequired:
		return "resync-required"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	// Collaborative enables locks and the transport. A personal session
	// edits Document, at Version, directly and hands its patches to Sink.
	Collaborative bool
	Transport     Transport
	Join          wire.Join

	// Document is the starting document of a personal session, shown
	// until the first snapshot in a collaborative one.
	Document models.Document
	Version  uint64
	Sink     Sink

	Observer    func(Event)
	Logger      logger.Logger
	Now         func() time.Time
	DragOptions []drag.Option
}

type Session struct {
	opts  Options
	log   logger.Logger
	state State

	confirmed models.Document
	doc       models.Document
	version   uint64
	pending   []patch.Patch

	serverVersion    uint64
	publishRequested bool

	locks    *lock.Coordinator
	presence *presence.Registry
	drag     *drag.Engine
}

func New(opts Options) (*Session, error) {
	if opts.Collaborative && opts.Transport == nil {
		return nil, errors.New("a collaborative session needs a transport")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		opts:      opts,
		log:       logger.OrNop(opts.Logger),
		confirmed: opts.Document.Clone(),
		doc:       opts.Document.Clone(),
		presence:  presence.NewRegistry(),
		drag:      drag.New(opts.DragOptions...),
	}
	s.locks = lock.NewCoordinator("", opts.Collaborative, s.sendLock)
	if opts.Collaborative {
		s.state = StateJoining
	} else {
		s.state = StateActive
		s.version = opts.Version
	}
	return s, nil
}

// Start sends the join message of a collaborative session.
func (s *Session) Start() error {
	if !s.opts.Collaborative {
		return nil
	}
	join := s.opts.Join
	return s.opts.Transport.Send(wire.Message{Type: wire.TypeJoin, Join: &join})
}

func (s *Session) State() State { return s.state }

// ID returns the session id assigned by the hub.
func (s *Session) ID() models.SessionID { return s.locks.Self() }

// Version returns the last version confirmed by the hub.
func (s *Session) Version() uint64 { return s.version }

// Document returns a copy of the working document.
func (s *Session) Document() models.Document { return s.doc.Clone() }

// View returns the blocks to render: the drag preview while a drag is in
// progress, the document otherwise.
func (s *Session) View() []models.Block {
	if _, dragging := s.drag.Dragging(); dragging {
		return s.drag.Blocks()
	}
	return s.doc.Clone().Blocks
}

// Pending returns the number of unconfirmed patches.
func (s *Session) Pending() int { return len(s.pending) }

func (s *Session) Locks() *lock.Coordinator { return s.locks }

func (s *Session) Presence() *presence.Registry { return s.presence }

// IsEditable reports whether the local user may edit the field behind key.
func (s *Session) IsEditable(key models.LockKey) bool {
	return s.state == StateActive && s.locks.IsEditable(key)
}

// Dispatch runs one command.
func (s *Session) Dispatch(cmd Command) error {
	if s.state == StateClosed {
		if _, ok := cmd.(Close); ok {
			return nil
		}
		if _, ok := cmd.(Inbound); !ok {
			return constants.ErrSessionClosed
		}
		return nil
	}
	switch c := cmd.(type) {
	case Inbound:
		return s.receive(c.Message)
	case Resync:
		return s.resync()
	case Close:
		return s.close()
	}
	if err := s.writable(); err != nil {
		return err
	}
	switch c := cmd.(type) {
	case BeginEdit:
		return s.beginEdit(c.Key)
	case EndEdit:
		s.endEdit(c.Key)
		return nil
	case SetTitle:
		return s.setTitle(c.Title)
	case SetValue:
		return s.setValue(c.BlockID, c.Value)
	case InsertBlock:
		return s.insertBlock(c)
	case DeleteBlock:
		return s.deleteBlock(c.BlockID)
	case DragStart:
		return s.dragStart(c)
	case DragOver:
		return s.dragOver(c)
	case DragBelowLast:
		return s.dragBelowLast(c)
	case DragEnd:
		return s.dragEnd()
	case DragCancel:
		s.dragCancel(false)
		return nil
	case Publish:
		return s.publish()
	}
	return constants.ErrUnknownMessage
}

// Loop dispatches commands and inbound messages until ctx is done, either
// channel is closed or the session closes.
func (s *Session) Loop(ctx context.Context, commands <-chan Command, inbound <-chan wire.Message) error {
	for s.state != StateClosed {
		var cmd Command
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-commands:
			if !ok {
				return nil
			}
			cmd = c
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			cmd = Inbound{Message: msg}
		}
		if err := s.Dispatch(cmd); err != nil {
			s.log.Debug("command failed", "command", commandName(cmd), "error", err)
		}
	}
	return nil
}

func (s *Session) writable() error {
	switch s.state {
	case StateActive:
		return nil
	case StateResyncRequired:
		return &ConflictError{KnownVersion: s.version, ServerVersion: s.serverVersion}
	case StateClosed:
		return constants.ErrSessionClosed
	}
	return constants.ErrResyncRequired
}

func (s *Session) emit(e Event) {
	if s.opts.Observer != nil {
		s.opts.Observer(e)
	}
}

func (s *Session) send(msg wire.Message) {
	if !s.opts.Collaborative {
		return
	}
	if err := s.opts.Transport.Send(msg); err != nil {
		s.log.Warn("failed to send message", "type", msg.Type, "error", err)
	}
}

func (s *Session) sendLock(m lock.Message) {
	s.send(wire.LockMessage(m))
}

func (s *Session) now(at time.Time) time.Time {
	if at.IsZero() {
		return s.opts.Now()
	}
	return at
}

func commandName(cmd Command) string {
	switch cmd.(type) {
	case BeginEdit:
		return "begin_edit"
	case EndEdit:
		return "end_edit"
	case SetTitle:
		return "set_title"
	case SetValue:
		return "set_value"
	case InsertBlock:
		return "insert_block"
	case DeleteBlock:
		return "delete_block"
	case DragStart, DragOver, DragBelowLast, DragEnd, DragCancel:
		return "drag"
	case Publish:
		return "publish"
	case Resync:
		return "resync"
	case Close:
		return "close"
	case Inbound:
		return "inbound"
	}
	return "unknown"
}
