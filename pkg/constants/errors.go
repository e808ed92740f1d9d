package constants

import "errors"

// Errors
var (
	ErrLockHeld         = errors.New("currently being edited by someone else")
	ErrVersionConflict  = errors.New("document version conflict")
	ErrResyncRequired   = errors.New("document must be resynchronized before editing")
	ErrSessionClosed    = errors.New("editing session is closed")
	ErrNotCollaborative = errors.New("session is not collaborative")
	ErrDragInProgress   = errors.New("a drag is already in progress")
	ErrNoDrag           = errors.New("no drag in progress")
)

var (
	ErrUnknownBlock   = errors.New("unknown block")
	ErrDuplicateBlock = errors.New("block id already in use")
	ErrInvalidValue   = errors.New("invalid block value")
	ErrInvalidLayout  = errors.New("invalid block layout")
	ErrMalformedPatch = errors.New("malformed patch")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrReadOnly       = errors.New("operation denied: application is in read-only mode")
	ErrNotFound       = errors.New("record not found")
	ErrUnauthorized   = errors.New("participant identity could not be verified")
	ErrPublished      = errors.New("record is published")
)
