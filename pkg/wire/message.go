// Package wire defines the messages exchanged between an editing session and
// the hub, and their JSON and CBOR encodings.
//
// Every frame is one [Message]. Type says which payload field is set.
package wire

import (
	"fmt"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/lock"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
)

type Type string

const (
	// client to hub
	TypeJoin    Type = "join"
	TypeLeave   Type = "leave"
	TypePublish Type = "publish"
	TypeResync  Type = "resync"

	// hub to client
	TypeSnapshot Type = "snapshot"
	TypeAck      Type = "ack"
	TypeReject   Type = "reject"
	TypePresence Type = "presence"
	TypeClosed   Type = "closed"
	TypeError    Type = "error"

	// both ways
	TypePatch Type = "patch"
	TypeLock  Type = "lock"
)

// Join opens a session on a record. Token, when the hub requires one, is a
// signed identity; otherwise the plain fields are taken as given.
type Join struct {
	Token          string  `json:"token,omitempty"`
	ActorID        string  `json:"actor_id,omitempty"`
	DisplayName    string  `json:"display_name,omitempty"`
	ProfileImageID *string `json:"profile_image_id,omitempty"`
}

// Snapshot is the canonical state of a record.
type Snapshot struct {
	SessionID models.SessionID                    `json:"session_id"`
	Document  models.Document                     `json:"document"`
	Version   uint64                              `json:"version"`
	Locks     map[models.LockKey]models.SessionID `json:"locks,omitempty"`
	Presence  []models.Participant                `json:"presence,omitempty"`
}

// Ack confirms a patch and the version it produced.
type Ack struct {
	PatchID string `json:"patch_id"`
	Version uint64 `json:"version"`
}

type RejectReason string

const (
	ReasonConflict  RejectReason = "conflict"
	ReasonMalformed RejectReason = "malformed"
	ReasonReadOnly  RejectReason = "read_only"
	// ReasonUnavailable means the hub could not persist the patch.
	ReasonUnavailable RejectReason = "unavailable"
	// ReasonLocked refuses a delete of a block another session holds.
	ReasonLocked RejectReason = "locked"
)

// Reject refuses a patch or a publish. Version is the hub's current version.
type Reject struct {
	PatchID string       `json:"patch_id,omitempty"`
	Reason  RejectReason `json:"reason"`
	Version uint64       `json:"version"`
	Detail  string       `json:"detail,omitempty"`
	// Owner is the lock holder of a locked reject.
	Owner models.SessionID `json:"owner,omitempty"`
}

type Presence struct {
	Participants []models.Participant `json:"participants"`
}

type Publish struct {
	BaseVersion uint64 `json:"base_version"`
}

type ClosedReason string

const (
	ClosedPublished ClosedReason = "published"
	ClosedDeleted   ClosedReason = "deleted"
	ClosedShutdown  ClosedReason = "shutdown"
	// ClosedLeft is a session's own close; the hub never sends it.
	ClosedLeft ClosedReason = "left"
)

// Closed ends every session on a record.
type Closed struct {
	Reason ClosedReason `json:"reason"`
}

type Error struct {
	Message string `json:"message"`
}

type Message struct {
	Type     Type          `json:"type"`
	Join     *Join         `json:"join,omitempty"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
	Patch    *patch.Patch  `json:"patch,omitempty"`
	Ack      *Ack          `json:"ack,omitempty"`
	Reject   *Reject       `json:"reject,omitempty"`
	Lock     *lock.Message `json:"lock,omitempty"`
	Presence *Presence     `json:"presence,omitempty"`
	Publish  *Publish      `json:"publish,omitempty"`
	Closed   *Closed       `json:"closed,omitempty"`
	Error    *Error        `json:"error,omitempty"`
}

// Validate checks that the payload named by Type is present.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeJoin:
		ok = m.Join != nil
	case TypeLeave, TypeResync:
		ok = true
	case TypePublish:
		ok = m.Publish != nil
	case TypeSnapshot:
		ok = m.Snapshot != nil
	case TypeAck:
		ok = m.Ack != nil
	case TypeReject:
		ok = m.Reject != nil
	case TypePresence:
		ok = m.Presence != nil
	case TypeClosed:
		ok = m.Closed != nil
	case TypeError:
		ok = m.Error != nil
	case TypePatch:
		ok = m.Patch != nil
	case TypeLock:
		ok = m.Lock != nil
	default:
		return fmt.Errorf("%w: %q", constants.ErrUnknownMessage, m.Type)
	}
	if !ok {
		return fmt.Errorf("%w: %s message without payload", constants.ErrUnknownMessage, m.Type)
	}
	return nil
}

func PatchMessage(p patch.Patch) Message { return Message{Type: TypePatch, Patch: &p} }
func LockMessage(l lock.Message) Message { return Message{Type: TypeLock, Lock: &l} }
func AckMessage(a Ack) Message           { return Message{Type: TypeAck, Ack: &a} }
func RejectMessage(r Reject) Message     { return Message{Type: TypeReject, Reject: &r} }
func ClosedMessage(reason ClosedReason) Message {
	return Message{Type: TypeClosed, Closed: &Closed{Reason: reason}}
}
func ErrorMessage(err error) Message {
	return Message{Type: TypeError, Error: &Error{Message: err.Error()}}
}
