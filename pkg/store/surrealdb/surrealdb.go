// Package surrealdb implements [github.com/daybook/recordsync/pkg/store.Store]
// on SurrealDB with native SurrealQL.
//
// Records live in the records table under their own id, so
// [github.com/daybook/recordsync/pkg/models.DocumentID] marshals straight to
// a record link. Patch log entries live in patch_log and refer to their
// record by link as well.
//
// # Versions
//
// SaveRecord runs its version check, the update and the log insert in a
// single transaction inside one query. A failed check throws, aborting the
// transaction, and the thrown message is mapped back to
// [github.com/daybook/recordsync/pkg/constants.ErrVersionConflict].
//
// # Query Safety
//
// Every value goes in as a query parameter; nothing is interpolated into
// SurrealQL.
package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/store"
)

const (
	patchLogTable = "patch_log"

	versionConflictMarker = "recordsync: version conflict"
	notFoundMarker        = "recordsync: record not found"
)

// Store implements the Store interface using SurrealDB.
type Store struct {
	db       *surrealdb.DB
	ns       string
	database string
}

var _ store.Store = (*Store)(nil)

// New connects to the SurrealDB endpoint at wsURL, signs in when
// credentials are given and selects namespace and database.
func New(ctx context.Context, wsURL, namespace, database, username, password string) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if username != "" && password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": username,
			"pass": password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, namespace, database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	return &Store{
		db:       db,
		ns:       namespace,
		database: database,
	}, nil
}

// Migrate defines the patch log index. Tables themselves are created on
// first insert.
func (s *Store) Migrate(ctx context.Context) error {
	query := `DEFINE INDEX IF NOT EXISTS patch_log_record_version ON TABLE patch_log FIELDS record_id, version UNIQUE;`
	if _, err := surrealdb.Query[any](ctx, s.db, query, nil); err != nil {
		return fmt.Errorf("failed to define patch log index: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

// handleNotFound reports whether err is SurrealDB's way of saying that a
// selection came back empty.
func handleNotFound(err error) error {
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "Expected a single or multiple results but got 0") ||
			strings.Contains(errStr, "cannot unmarshal array into Go value") {
			return nil
		}
	}
	return err
}

// mapThrown turns the messages thrown by our own transactions back into
// sentinel errors.
func mapThrown(err error, id models.DocumentID, expectedVersion uint64) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), versionConflictMarker):
		return fmt.Errorf("%w: record %s is not at version %d", constants.ErrVersionConflict, id, expectedVersion)
	case strings.Contains(err.Error(), notFoundMarker):
		return fmt.Errorf("record %s: %w", id, constants.ErrNotFound)
	}
	return err
}

func (s *Store) CreateRecord(ctx context.Context, rec *models.Record, seed []*models.PatchLogEntry) error {
	if rec.ID.IsZero() {
		rec.ID = models.NewDocumentID()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	stampEntries(rec.ID, seed, now)

	query := `BEGIN TRANSACTION;
		CREATE $id CONTENT $record;
		IF array::len($entries) > 0 { INSERT INTO patch_log $entries; };
		COMMIT TRANSACTION;`
	params := map[string]any{
		"id":      rec.ID.RecordID(),
		"record":  rec,
		"entries": entriesOrEmpty(seed),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, query, params); err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id models.DocumentID) (*models.Record, error) {
	query := "SELECT * FROM ONLY $id"
	result, err := surrealdb.Query[*models.Record](ctx, s.db, query, map[string]any{
		"id": id.RecordID(),
	})
	if err != nil {
		if handleNotFound(err) == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}
	return (*result)[0].Result, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]*models.Record, error) {
	query := "SELECT * FROM type::table($table) ORDER BY updated_at DESC"
	result, err := surrealdb.Query[[]*models.Record](ctx, s.db, query, map[string]any{
		"table": models.RecordsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	records := []*models.Record{}
	if result != nil && len(*result) > 0 {
		records = append(records, (*result)[0].Result...)
	}
	return records, nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *models.Record, expectedVersion uint64, entries []*models.PatchLogEntry) error {
	now := time.Now()
	rec.UpdatedAt = now
	stampEntries(rec.ID, entries, now)

	query := `BEGIN TRANSACTION;
		LET $current = (SELECT VALUE version FROM ONLY $id);
		IF $current = NONE { THROW $not_found; };
		IF $current != $expected { THROW $conflict; };
		UPDATE $id MERGE {
			title: $record.title,
			blocks: $record.blocks,
			version: $record.version,
			published: $record.published,
			updated_at: $record.updated_at
		};
		IF array::len($entries) > 0 { INSERT INTO patch_log $entries; };
		COMMIT TRANSACTION;`
	params := map[string]any{
		"id":        rec.ID.RecordID(),
		"record":    rec,
		"expected":  expectedVersion,
		"entries":   entriesOrEmpty(entries),
		"conflict":  versionConflictMarker,
		"not_found": notFoundMarker,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, query, params); err != nil {
		return mapThrown(fmt.Errorf("failed to save record: %w", err), rec.ID, expectedVersion)
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id models.DocumentID) error {
	query := `BEGIN TRANSACTION;
		DELETE patch_log WHERE record_id = $id;
		DELETE $id;
		COMMIT TRANSACTION;`
	if _, err := surrealdb.Query[any](ctx, s.db, query, map[string]any{
		"id": id.RecordID(),
	}); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *Store) ListPatchesSince(ctx context.Context, id models.DocumentID, since uint64, limit int) ([]*models.PatchLogEntry, error) {
	query := "SELECT * FROM type::table($table) WHERE record_id = $id AND version > $since ORDER BY version ASC"
	params := map[string]any{
		"table": patchLogTable,
		"id":    id.RecordID(),
		"since": since,
	}
	if limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = limit
	}
	result, err := surrealdb.Query[[]*models.PatchLogEntry](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list patches: %w", err)
	}
	entries := []*models.PatchLogEntry{}
	if result != nil && len(*result) > 0 {
		entries = append(entries, (*result)[0].Result...)
	}
	return entries, nil
}

func stampEntries(id models.DocumentID, entries []*models.PatchLogEntry, now time.Time) {
	for _, entry := range entries {
		entry.RecordID = id
		if entry.AppliedAt.IsZero() {
			entry.AppliedAt = now
		}
	}
}

func entriesOrEmpty(entries []*models.PatchLogEntry) []*models.PatchLogEntry {
	if entries == nil {
		return []*models.PatchLogEntry{}
	}
	return entries
}
