// Package store persists canonical records and their patch logs.
//
// The [Store] interface lets the hub run against different back ends with
// the same semantics:
//
//   - [github.com/daybook/recordsync/pkg/store/memory.Store] keeps everything
//     in process, for tests and single-node demos
//   - [github.com/daybook/recordsync/pkg/store/postgres.Store] uses GORM over
//     PostgreSQL with a jsonb block column
//   - [github.com/daybook/recordsync/pkg/store/surrealdb.Store] uses native
//     SurrealQL, keeping typed IDs as record links
//
// # Versions
//
// A record's Version counts the patches accepted for it. Writes name the
// version they expect to replace and fail with
// [github.com/daybook/recordsync/pkg/constants.ErrVersionConflict] when the
// stored record has moved on, so two hub processes can never interleave
// patches for the same record.
//
// Every write that advances a version carries the matching
// [github.com/daybook/recordsync/pkg/models.PatchLogEntry] values and stores
// them in the same transaction. Replaying a record's log from version 1
// reproduces its document.
//
// # Missing entities
//
// Get methods return nil without error for missing records. List methods
// return empty slices for no results.
package store

import (
	"context"

	"github.com/daybook/recordsync/pkg/models"
)

// Store defines the persistence operations of the record hub.
type Store interface {
	PatchLog

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
	Close() error

	// CreateRecord stores a new record together with the log entries that
	// produced its initial content.
	CreateRecord(ctx context.Context, rec *models.Record, seed []*models.PatchLogEntry) error
	GetRecord(ctx context.Context, id models.DocumentID) (*models.Record, error)
	// ListRecords returns every record, most recently updated first.
	ListRecords(ctx context.Context) ([]*models.Record, error)
	// SaveRecord replaces rec if the stored record is still at
	// expectedVersion, and appends entries to its log.
	SaveRecord(ctx context.Context, rec *models.Record, expectedVersion uint64, entries []*models.PatchLogEntry) error
	// DeleteRecord removes a record and its log.
	DeleteRecord(ctx context.Context, id models.DocumentID) error
}
