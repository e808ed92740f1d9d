package patch

import (
	"fmt"

	"github.com/daybook/recordsync/pkg/models"
)

// Replay rebuilds a document from its patch log. Entries must be in version
// order starting at 1; a gap is an error. It returns the document and the
// version of the last entry.
func Replay(entries []*models.PatchLogEntry) (models.Document, uint64, error) {
	var (
		doc     models.Document
		version uint64
	)
	for _, entry := range entries {
		if entry.Version != version+1 {
			return doc, version, fmt.Errorf("patch log gap: version %d follows %d", entry.Version, version)
		}
		p, err := Unmarshal(entry.Patch)
		if err != nil {
			return doc, version, fmt.Errorf("version %d: %w", entry.Version, err)
		}
		if _, err := Apply(&doc, p); err != nil {
			return doc, version, fmt.Errorf("version %d: %w", entry.Version, err)
		}
		version = entry.Version
	}
	return doc, version, nil
}
