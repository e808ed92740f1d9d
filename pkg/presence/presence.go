// Package presence keeps the roster of participants connected to a record.
package presence

import (
	"sync"

	"github.com/daybook/recordsync/pkg/models"
)

// Registry is an ordered roster, oldest join first. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []models.SessionID
	byID  map[models.SessionID]models.Participant
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[models.SessionID]models.Participant)}
}

// Join adds or updates a participant. It reports whether the session is new.
func (r *Registry) Join(p models.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.byID[p.SessionID]
	r.byID[p.SessionID] = p
	if !known {
		r.order = append(r.order, p.SessionID)
	}
	return !known
}

// Leave removes a session.
func (r *Registry) Leave(sid models.SessionID) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, known := r.byID[sid]
	if !known {
		return models.Participant{}, false
	}
	delete(r.byID, sid)
	for i, id := range r.order {
		if id == sid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *Registry) Get(sid models.SessionID) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[sid]
	return p, ok
}

// DisplayName returns the name to show for sid, or "someone else" when the
// session is not on the roster.
func (r *Registry) DisplayName(sid models.SessionID) string {
	if p, ok := r.Get(sid); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return "someone else"
}

// List returns the roster in join order.
func (r *Registry) List() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Participant, 0, len(r.order))
	for _, sid := range r.order {
		out = append(out, r.byID[sid])
	}
	return out
}

// Replace swaps the roster for a snapshot received from the hub.
func (r *Registry) Replace(participants []models.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = make([]models.SessionID, 0, len(participants))
	r.byID = make(map[models.SessionID]models.Participant, len(participants))
	for _, p := range participants {
		if _, dup := r.byID[p.SessionID]; !dup {
			r.order = append(r.order, p.SessionID)
		}
		r.byID[p.SessionID] = p
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
