package session

import (
	"time"

	"github.com/daybook/recordsync/pkg/drag"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/wire"
)

// Command is an instruction to a Session. Local user intents and messages
// from the transport both arrive as commands, through Session.Dispatch.
type Command interface {
	command()
}

// BeginEdit asks for exclusive rights on a field before editing it.
type BeginEdit struct {
	Key models.LockKey
}

// EndEdit gives the field up once it loses focus or is committed.
type EndEdit struct {
	Key models.LockKey
}

type SetTitle struct {
	Title string
}

type SetValue struct {
	BlockID models.BlockID
	Value   models.Value
}

// InsertBlock appends a block. A zero ID is generated and a nil Value is
// the empty value of Type. Span defaults to full width.
type InsertBlock struct {
	ID    models.BlockID
	Type  models.BlockType
	Value models.Value
	Span  int
}

type DeleteBlock struct {
	BlockID models.BlockID
}

type DragStart struct {
	BlockID models.BlockID
	At      time.Time
}

type DragOver struct {
	Target  models.BlockID
	Rect    drag.Rect
	Pointer drag.Point
	At      time.Time
}

type DragBelowLast struct {
	Last    drag.Rect
	Pointer drag.Point
	At      time.Time
}

type DragEnd struct{}

type DragCancel struct{}

// Publish finalizes the record once every pending patch is confirmed.
type Publish struct{}

// Resync asks the hub for a fresh snapshot.
type Resync struct{}

// Close ends the session.
type Close struct{}

// Inbound carries a message received from the transport.
type Inbound struct {
	Message wire.Message
}

func (BeginEdit) command()     {}
func (EndEdit) command()       {}
func (SetTitle) command()      {}
func (SetValue) command()      {}
func (InsertBlock) command()   {}
func (DeleteBlock) command()   {}
func (DragStart) command()     {}
func (DragOver) command()      {}
func (DragBelowLast) command() {}
func (DragEnd) command()       {}
func (DragCancel) command()    {}
func (Publish) command()       {}
func (Resync) command()        {}
func (Close) command()         {}
func (Inbound) command()       {}
