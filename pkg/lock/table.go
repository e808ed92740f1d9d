package lock

import (
	"sort"
	"sync"

	"github.com/daybook/recordsync/pkg/models"
)

// Table is the authoritative lock table of one record. At most one session
// owns a key at any time.
type Table struct {
	mu     sync.RWMutex
	owners map[models.LockKey]models.SessionID
}

func NewTable() *Table {
	return &Table{owners: make(map[models.LockKey]models.SessionID)}
}

// Acquire grants key to sid unless another session owns it. It returns the
// owner after the call.
func (t *Table) Acquire(key models.LockKey, sid models.SessionID) (models.SessionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, held := t.owners[key]; held && owner != sid {
		return owner, false
	}
	t.owners[key] = sid
	return sid, true
}

// Release frees key if sid owns it.
func (t *Table) Release(key models.LockKey, sid models.SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[key] != sid {
		return false
	}
	delete(t.owners, key)
	return true
}

// ReleaseSession frees every key sid owns and returns them, sorted.
func (t *Table) ReleaseSession(sid models.SessionID) []models.LockKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []models.LockKey
	for key, owner := range t.owners {
		if owner == sid {
			keys = append(keys, key)
			delete(t.owners, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Drop frees key whoever owns it, returning the previous owner.
func (t *Table) Drop(key models.LockKey) (models.SessionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, held := t.owners[key]
	delete(t.owners, key)
	return owner, held
}

func (t *Table) Owner(key models.LockKey) (models.SessionID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, held := t.owners[key]
	return owner, held
}

// Snapshot copies the table.
func (t *Table) Snapshot() map[models.LockKey]models.SessionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.LockKey]models.SessionID, len(t.owners))
	for key, owner := range t.owners {
		out[key] = owner
	}
	return out
}
