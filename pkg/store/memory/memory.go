// Package memory is an in-process [store.Store]. It is what tests and the
// `-store memory` server mode run on.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/store"
)

// Store keeps records and logs in maps guarded by one mutex. Records are
// copied on the way in and out, so callers never share state with it.
type Store struct {
	mu      sync.RWMutex
	records map[models.DocumentID]*models.Record
	logs    map[models.DocumentID][]*models.PatchLogEntry
	nextID  uint64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[models.DocumentID]*models.Record),
		logs:    make(map[models.DocumentID][]*models.PatchLogEntry),
	}
}

func (s *Store) Migrate(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateRecord(ctx context.Context, rec *models.Record, seed []*models.PatchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID.IsZero() {
		rec.ID = models.NewDocumentID()
	}
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.records[rec.ID] = copyRecord(rec)
	s.append(rec.ID, seed)
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id models.DocumentID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *Store) ListRecords(ctx context.Context) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) SaveRecord(ctx context.Context, rec *models.Record, expectedVersion uint64, entries []*models.PatchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("record %s: %w", rec.ID, constants.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: record %s is at version %d, not %d", constants.ErrVersionConflict, rec.ID, current.Version, expectedVersion)
	}
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = time.Now()
	s.records[rec.ID] = copyRecord(rec)
	s.append(rec.ID, entries)
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id models.DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	delete(s.logs, id)
	return nil
}

func (s *Store) ListPatchesSince(ctx context.Context, id models.DocumentID, since uint64, limit int) ([]*models.PatchLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.PatchLogEntry{}
	for _, entry := range s.logs[id] {
		if entry.Version <= since {
			continue
		}
		e := *entry
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// append must be called with mu held.
func (s *Store) append(id models.DocumentID, entries []*models.PatchLogEntry) {
	now := time.Now()
	for _, entry := range entries {
		s.nextID++
		entry.ID = s.nextID
		entry.RecordID = id
		if entry.AppliedAt.IsZero() {
			entry.AppliedAt = now
		}
		e := *entry
		s.logs[id] = append(s.logs[id], &e)
	}
	sort.SliceStable(s.logs[id], func(i, j int) bool { return s.logs[id][i].Version < s.logs[id][j].Version })
}

func copyRecord(rec *models.Record) *models.Record {
	out := *rec
	out.Blocks = models.BlockList(rec.Document().Blocks)
	return &out
}
