package store

import (
	"context"
	"fmt"

	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
)

// PatchLog reads the accepted patches of a record. Entries are written only
// through [Store.CreateRecord] and [Store.SaveRecord].
type PatchLog interface {
	// ListPatchesSince returns the entries of record id with a version
	// above since, in version order. A limit of zero or less means all.
	ListPatchesSince(ctx context.Context, id models.DocumentID, since uint64, limit int) ([]*models.PatchLogEntry, error)
}

// NewEntry encodes p as the log entry of version on record id.
func NewEntry(id models.DocumentID, version uint64, p patch.Patch) (*models.PatchLogEntry, error) {
	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch %s: %w", p.ID, err)
	}
	return &models.PatchLogEntry{
		RecordID:  id,
		Version:   version,
		SessionID: p.Session,
		Kind:      string(p.Kind),
		Patch:     raw,
	}, nil
}

// Replay rebuilds a record's document from its full log.
func Replay(ctx context.Context, log PatchLog, id models.DocumentID) (models.Document, uint64, error) {
	entries, err := log.ListPatchesSince(ctx, id, 0, 0)
	if err != nil {
		return models.Document{}, 0, fmt.Errorf("failed to read patch log: %w", err)
	}
	return patch.Replay(entries)
}
