// Package lock tracks exclusive edit rights on record fields.
//
// [Coordinator] is the per-session, client-side view: it grants requests
// optimistically and refuses locally when another session already owns the
// key. [Table] is the authoritative, server-side lock table of one record.
package lock

import (
	"fmt"
	"sort"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
)

// Op is the kind of a lock message.
type Op string

const (
	OpRequest Op = "request"
	OpGrant   Op = "grant"
	OpDeny    Op = "deny"
	OpRelease Op = "release"
)

// Message is a lock request, grant, denial or release. Owner is the session
// the server attributes the key to; it is empty on requests.
type Message struct {
	Op    Op               `json:"op"`
	Key   models.LockKey   `json:"key"`
	Owner models.SessionID `json:"owner,omitempty"`
}

// ContentionError reports an attempt to edit a field owned by another session.
type ContentionError struct {
	Key   models.LockKey
	Owner models.SessionID
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, constants.ErrLockHeld)
}

func (e *ContentionError) Unwrap() error { return constants.ErrLockHeld }

// Coordinator is one session's lock state. It never blocks: requests and
// releases are handed to send and their outcome arrives later through Apply.
type Coordinator struct {
	self          models.SessionID
	collaborative bool
	owners        map[models.LockKey]models.SessionID
	send          func(Message)
}

// NewCoordinator creates the lock state of session self. When collaborative
// is false every field is editable and nothing is ever sent.
func NewCoordinator(self models.SessionID, collaborative bool, send func(Message)) *Coordinator {
	if send == nil {
		send = func(Message) {}
	}
	return &Coordinator{
		self:          self,
		collaborative: collaborative,
		owners:        make(map[models.LockKey]models.SessionID),
		send:          send,
	}
}

// Self returns the session the coordinator acts for.
func (c *Coordinator) Self() models.SessionID { return c.self }

// SetSelf changes the session id, for when the hub assigns one on join.
func (c *Coordinator) SetSelf(id models.SessionID) { c.self = id }

// Collaborative reports whether locking is in effect.
func (c *Coordinator) Collaborative() bool { return c.collaborative }

// RequestLock takes key for this session. Owning it already is a no-op;
// another session owning it is a *ContentionError and nothing is sent.
func (c *Coordinator) RequestLock(key models.LockKey) error {
	if !c.collaborative {
		return nil
	}
	owner, held := c.owners[key]
	switch {
	case held && owner == c.self:
		return nil
	case held:
		return &ContentionError{Key: key, Owner: owner}
	}
	c.owners[key] = c.self
	c.send(Message{Op: OpRequest, Key: key})
	return nil
}

// ReleaseLock gives up key. It reports whether this session held it.
func (c *Coordinator) ReleaseLock(key models.LockKey) bool {
	if !c.collaborative || c.owners[key] != c.self {
		return false
	}
	delete(c.owners, key)
	c.send(Message{Op: OpRelease, Key: key})
	return true
}

// ReleaseAll gives up every key this session holds and returns them.
func (c *Coordinator) ReleaseAll() []models.LockKey {
	keys := c.Held()
	for _, key := range keys {
		c.ReleaseLock(key)
	}
	return keys
}

// Forget drops key without telling the server, for a block whose delete
// already tears the lock down on both sides.
func (c *Coordinator) Forget(key models.LockKey) bool {
	if _, held := c.owners[key]; !held {
		return false
	}
	delete(c.owners, key)
	return true
}

// Owner returns the session holding key.
func (c *Coordinator) Owner(key models.LockKey) (models.SessionID, bool) {
	owner, held := c.owners[key]
	return owner, held
}

// IsEditable reports whether the local user may edit the field behind key.
func (c *Coordinator) IsEditable(key models.LockKey) bool {
	if !c.collaborative {
		return true
	}
	owner, held := c.owners[key]
	return !held || owner == c.self
}

// Held returns the keys this session holds, sorted.
func (c *Coordinator) Held() []models.LockKey {
	var keys []models.LockKey
	for key, owner := range c.owners {
		if owner == c.self {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Owners returns a copy of the lock table as this session sees it.
func (c *Coordinator) Owners() map[models.LockKey]models.SessionID {
	out := make(map[models.LockKey]models.SessionID, len(c.owners))
	for key, owner := range c.owners {
		out[key] = owner
	}
	return out
}

// Reset replaces the lock table, as on a fresh snapshot.
func (c *Coordinator) Reset(owners map[models.LockKey]models.SessionID) {
	c.owners = make(map[models.LockKey]models.SessionID, len(owners))
	for key, owner := range owners {
		c.owners[key] = owner
	}
}

// Apply folds a message from the server into the table and reports whether
// anything changed. A denial of one of this session's optimistic grants is
// returned as a *ContentionError.
func (c *Coordinator) Apply(msg Message) (bool, error) {
	current, held := c.owners[msg.Key]
	switch msg.Op {
	case OpGrant:
		if held && current == msg.Owner {
			return false, nil
		}
		c.owners[msg.Key] = msg.Owner
		return true, nil
	case OpDeny:
		if !held || current != c.self {
			return false, nil
		}
		if msg.Owner.IsZero() || msg.Owner == c.self {
			delete(c.owners, msg.Key)
		} else {
			c.owners[msg.Key] = msg.Owner
		}
		return true, &ContentionError{Key: msg.Key, Owner: msg.Owner}
	case OpRelease:
		if !held || (!msg.Owner.IsZero() && current != msg.Owner) {
			return false, nil
		}
		delete(c.owners, msg.Key)
		return true, nil
	}
	return false, fmt.Errorf("%w: lock op %q", constants.ErrUnknownMessage, msg.Op)
}
