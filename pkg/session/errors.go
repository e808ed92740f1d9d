package session

import (
	"fmt"

	"github.com/daybook/recordsync/pkg/constants"
)

// ConflictError is returned for edits attempted after a version conflict.
// It matches both constants.ErrVersionConflict and constants.ErrResyncRequired.
type ConflictError struct {
	KnownVersion  uint64
	ServerVersion uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: known version %d, server version %d: %s",
		constants.ErrVersionConflict, e.KnownVersion, e.ServerVersion, constants.ErrResyncRequired)
}

func (e *ConflictError) Unwrap() []error {
	return []error{constants.ErrVersionConflict, constants.ErrResyncRequired}
}
