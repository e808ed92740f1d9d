package store

import (
	"fmt"
	"time"

	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
)

// NewRecord builds a fresh record titled title holding the default document,
// together with its seed log: one title patch and one insert per default
// block. Replaying the seed reproduces the record at its version.
func NewRecord(title string, now time.Time) (*models.Record, []*models.PatchLogEntry, []patch.Patch, error) {
	doc := models.NewDefault(now)
	patches := make([]patch.Patch, 0, len(doc.Blocks)+1)
	patches = append(patches, patch.SetTitle(title))
	for _, b := range doc.Blocks {
		patches = append(patches, patch.Insert(b))
	}

	rec := &models.Record{ID: models.NewDocumentID()}
	var built models.Document
	seed := make([]*models.PatchLogEntry, 0, len(patches))
	for _, p := range patches {
		if _, err := patch.Apply(&built, p); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to apply seed patch: %w", err)
		}
		rec.Version++
		entry, err := NewEntry(rec.ID, rec.Version, p)
		if err != nil {
			return nil, nil, nil, err
		}
		entry.AppliedAt = now
		seed = append(seed, entry)
	}
	rec.SetDocument(built)
	return rec, seed, patches, nil
}
