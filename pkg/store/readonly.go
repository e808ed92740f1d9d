package store

import (
	"context"
	"fmt"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
)

// ReadOnlyStore wraps a Store and refuses writes while isReadOnly reports
// true. The flag is read on every call, so the server can be switched in and
// out of read-only mode without recreating the store.
//
// Writes fail with an error wrapping
// [github.com/daybook/recordsync/pkg/constants.ErrReadOnly]; reads pass
// through.
type ReadOnlyStore struct {
	Store
	isReadOnly func() bool
}

// NewReadOnlyStore creates a new read-only wrapper for a store
func NewReadOnlyStore(store Store, isReadOnly func() bool) *ReadOnlyStore {
	return &ReadOnlyStore{
		Store:      store,
		isReadOnly: isReadOnly,
	}
}

// Unwrap returns the underlying store
func (r *ReadOnlyStore) Unwrap() Store {
	return r.Store
}

// ReadOnly reports whether writes are currently refused.
func (r *ReadOnlyStore) ReadOnly() bool {
	return r.isReadOnly()
}

func (r *ReadOnlyStore) checkReadOnly() error {
	if r.isReadOnly() {
		return fmt.Errorf("operation denied: %w", constants.ErrReadOnly)
	}
	return nil
}

func (r *ReadOnlyStore) CreateRecord(ctx context.Context, rec *models.Record, seed []*models.PatchLogEntry) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.CreateRecord(ctx, rec, seed)
}

func (r *ReadOnlyStore) SaveRecord(ctx context.Context, rec *models.Record, expectedVersion uint64, entries []*models.PatchLogEntry) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.SaveRecord(ctx, rec, expectedVersion, entries)
}

func (r *ReadOnlyStore) DeleteRecord(ctx context.Context, id models.DocumentID) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.DeleteRecord(ctx, id)
}
