// Package storetest holds the behaviour every store.Store implementation
// must share. Back-end packages call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/store"
)

// Run exercises s. The store must be empty and migrated.
func Run(t *testing.T, s store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, s) })
	t.Run("MissingRecord", func(t *testing.T) { testMissingRecord(t, s) })
	t.Run("SaveChecksVersion", func(t *testing.T) { testSaveChecksVersion(t, s) })
	t.Run("PatchesSince", func(t *testing.T) { testPatchesSince(t, s) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, s) })
}

// Seed creates a record holding the default document, with one log entry
// per seed patch, the way the server creates records.
func Seed(t *testing.T, s store.Store, title string) (*models.Record, []patch.Patch) {
	t.Helper()
	ctx := context.Background()

	rec, seed, patches, err := store.NewRecord(title, time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.CreateRecord(ctx, rec, seed))
	return rec, patches
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, _ := Seed(t, s, "Created")

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "Created", got.Title)
	assert.Equal(t, uint64(4), got.Version)
	assert.False(t, got.Published)
	assert.Equal(t, rec.Document(), got.Document())

	list, err := s.ListRecords(ctx)
	require.NoError(t, err)
	var found bool
	for _, r := range list {
		found = found || r.ID == rec.ID
	}
	assert.True(t, found)
}

func testMissingRecord(t *testing.T, s store.Store) {
	ctx := context.Background()
	got, err := s.GetRecord(ctx, models.NewDocumentID())
	require.NoError(t, err)
	assert.Nil(t, got)

	entries, err := s.ListPatchesSince(ctx, models.NewDocumentID(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testSaveChecksVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, _ := Seed(t, s, "Versioned")

	p := patch.SetTitle("Renamed")
	doc := rec.Document()
	_, err := patch.Apply(&doc, p)
	require.NoError(t, err)
	entry, err := store.NewEntry(rec.ID, 5, p)
	require.NoError(t, err)

	next := *rec
	next.SetDocument(doc)
	next.Version = 5
	require.NoError(t, s.SaveRecord(ctx, &next, 4, []*models.PatchLogEntry{entry}))

	stale := *rec
	stale.Title = "Lost update"
	stale.Version = 5
	err = s.SaveRecord(ctx, &stale, 4, nil)
	require.ErrorIs(t, err, constants.ErrVersionConflict)

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, uint64(5), got.Version)

	replayed, version, err := store.Replay(ctx, s, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), version)
	assert.Equal(t, got.Document(), replayed)
}

func testPatchesSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, patches := Seed(t, s, "Logged")

	all, err := s.ListPatchesSince(ctx, rec.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, len(patches))
	for i, entry := range all {
		assert.Equal(t, uint64(i+1), entry.Version)
		assert.Equal(t, rec.ID, entry.RecordID)
		assert.Equal(t, string(patches[i].Kind), entry.Kind)
		decoded, err := patch.Unmarshal(entry.Patch)
		require.NoError(t, err)
		assert.Equal(t, patches[i].ID, decoded.ID)
	}

	tail, err := s.ListPatchesSince(ctx, rec.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Version)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, _ := Seed(t, s, "Doomed")

	require.NoError(t, s.DeleteRecord(ctx, rec.ID))
	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	entries, err := s.ListPatchesSince(ctx, rec.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testReadOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, _ := Seed(t, s, "Frozen")

	readOnly := true
	ro := store.NewReadOnlyStore(s, func() bool { return readOnly })

	next := *rec
	next.Version++
	require.ErrorIs(t, ro.SaveRecord(ctx, &next, rec.Version, nil), constants.ErrReadOnly)
	require.ErrorIs(t, ro.DeleteRecord(ctx, rec.ID), constants.ErrReadOnly)
	require.ErrorIs(t, ro.CreateRecord(ctx, &models.Record{}, nil), constants.ErrReadOnly)

	got, err := ro.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	readOnly = false
	require.NoError(t, ro.SaveRecord(ctx, &next, rec.Version, nil))
	assert.Same(t, s, ro.Unwrap())
}
