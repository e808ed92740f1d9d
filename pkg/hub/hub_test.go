package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook/recordsync/pkg/client"
	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/lock"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/store/memory"
	"github.com/daybook/recordsync/pkg/store/storetest"
	"github.com/daybook/recordsync/pkg/wire"
)

type harness struct {
	store *memory.Store
	hub   *Hub
	srv   *httptest.Server
	rec   *models.Record
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{store: memory.New()}
	h.rec, _ = storetest.Seed(t, h.store, "Shared")
	h.hub = New(h.store, opts)

	router := mux.NewRouter()
	router.HandleFunc("/ws/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := models.ParseDocumentID(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.hub.ServeWS(w, r, id)
	})
	h.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.hub.Shutdown(ctx)
		h.srv.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T, protocol string) *client.Client {
	t.Helper()
	u, err := client.RecordURL(h.srv.URL, h.rec.ID)
	require.NoError(t, err)
	c, err := client.Dial(context.Background(), client.Config{URL: u, Protocol: protocol})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

// join connects and waits for the snapshot.
func (h *harness) join(t *testing.T, name string) (*client.Client, wire.Snapshot) {
	t.Helper()
	c := h.connect(t, "")
	send(t, c, wire.Message{Type: wire.TypeJoin, Join: &wire.Join{ActorID: name, DisplayName: name}})
	snap := expect(t, c, wire.TypeSnapshot).Snapshot
	return c, *snap
}

func send(t *testing.T, c *client.Client, msg wire.Message) {
	t.Helper()
	require.NoError(t, c.Send(msg))
}

// expect returns the next message of type typ, skipping presence updates.
func expect(t *testing.T, c *client.Client, typ wire.Type) wire.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.Inbound():
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if msg.Type == typ {
				return msg
			}
			if msg.Type == wire.TypePresence {
				continue
			}
			require.FailNow(t, "unexpected message", "want %s, got %s", typ, msg.Type)
		case <-timeout:
			require.FailNow(t, "timed out", "waiting for %s", typ)
		}
	}
}

func sendPatch(t *testing.T, c *client.Client, p patch.Patch, base uint64) patch.Patch {
	t.Helper()
	p.BaseVersion = base
	send(t, c, wire.PatchMessage(p))
	return p
}

func TestJoinSnapshot(t *testing.T) {
	for _, protocol := range wire.Protocols {
		t.Run(protocol, func(t *testing.T) {
			h := newHarness(t, Options{})
			c := h.connect(t, protocol)
			assert.Equal(t, protocol, c.Protocol())

			send(t, c, wire.Message{Type: wire.TypeJoin, Join: &wire.Join{ActorID: "ana", DisplayName: "Ana"}})
			snap := expect(t, c, wire.TypeSnapshot).Snapshot
			assert.NotEmpty(t, snap.SessionID)
			assert.Equal(t, uint64(4), snap.Version)
			assert.Equal(t, h.rec.Document(), snap.Document)
			require.Len(t, snap.Presence, 1)
			assert.Equal(t, "Ana", snap.Presence[0].DisplayName)

			_, other := h.join(t, "ben")
			assert.NotEqual(t, snap.SessionID, other.SessionID)
			presence := expect(t, c, wire.TypePresence).Presence
			require.Len(t, presence.Participants, 2)
			assert.Len(t, h.hub.Presence(h.rec.ID), 2)
		})
	}
}

func TestSessionIDIsFixedAtConnect(t *testing.T) {
	h := newHarness(t, Options{})
	c, snap := h.join(t, "ana")
	require.Len(t, snap.Presence, 1)
	assert.Equal(t, snap.SessionID, snap.Presence[0].SessionID)
	assert.Equal(t, snap.SessionID, h.hub.Presence(h.rec.ID)[0].SessionID)

	send(t, c, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: models.TitleLockKey}))
	assert.Equal(t, snap.SessionID, expect(t, c, wire.TypeLock).Lock.Owner)
}

func TestPreferredProtocol(t *testing.T) {
	h := newHarness(t, Options{Protocol: wire.ProtocolJSON})
	assert.Equal(t, wire.ProtocolJSON, h.connect(t, "").Protocol())

	h = newHarness(t, Options{})
	assert.Equal(t, wire.Protocols[0], h.connect(t, "").Protocol())
}

func TestPatchIsAckedAndBroadcast(t *testing.T) {
	h := newHarness(t, Options{})
	a, snapA := h.join(t, "ana")
	b, _ := h.join(t, "ben")

	sent := sendPatch(t, a, patch.SetTitle("Renamed"), 4)
	ack := expect(t, a, wire.TypeAck).Ack
	assert.Equal(t, sent.ID, ack.PatchID)
	assert.Equal(t, uint64(5), ack.Version)

	got := expect(t, b, wire.TypePatch).Patch
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, uint64(5), got.Version)
	assert.Equal(t, snapA.SessionID, got.Session)

	rec, err := h.store.GetRecord(context.Background(), h.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", rec.Title)
	assert.Equal(t, uint64(5), rec.Version)
	entries, err := h.store.ListPatchesSince(context.Background(), h.rec.ID, 4, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, snapA.SessionID, entries[0].SessionID)
}

func TestNoOpPatchKeepsVersion(t *testing.T) {
	h := newHarness(t, Options{})
	a, snap := h.join(t, "ana")

	sendPatch(t, a, patch.SetTitle("Shared"), 4)
	assert.Equal(t, uint64(4), expect(t, a, wire.TypeAck).Ack.Version)

	date := snap.Document.Blocks[0]
	sendPatch(t, a, patch.SetValue(date.ID, date.Value), 4)
	assert.Equal(t, uint64(4), expect(t, a, wire.TypeAck).Ack.Version, "an unchanged value is not a new version")
}

func TestStalePatchIsRejected(t *testing.T) {
	h := newHarness(t, Options{HistoryWindow: 1})
	a, _ := h.join(t, "ana")

	sent := sendPatch(t, a, patch.SetTitle("From the future"), 99)
	rej := expect(t, a, wire.TypeReject).Reject
	assert.Equal(t, sent.ID, rej.PatchID)
	assert.Equal(t, wire.ReasonConflict, rej.Reason)
	assert.Equal(t, uint64(4), rej.Version)

	sendPatch(t, a, patch.SetTitle("one"), 4)
	expect(t, a, wire.TypeAck)
	sendPatch(t, a, patch.SetTitle("two"), 4)
	assert.Equal(t, uint64(6), expect(t, a, wire.TypeAck).Ack.Version, "one version behind is inside the window")

	sendPatch(t, a, patch.SetTitle("three"), 4)
	assert.Equal(t, wire.ReasonConflict, expect(t, a, wire.TypeReject).Reject.Reason)
}

func TestStaleWriteToSameFieldIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	a, snap := h.join(t, "ana")
	b, _ := h.join(t, "ben")

	sendPatch(t, a, patch.SetTitle("Ana's"), 4)
	assert.Equal(t, uint64(5), expect(t, a, wire.TypeAck).Ack.Version)
	expect(t, b, wire.TypePatch)

	sent := sendPatch(t, b, patch.SetTitle("Ben's"), 4)
	rej := expect(t, b, wire.TypeReject).Reject
	assert.Equal(t, sent.ID, rej.PatchID)
	assert.Equal(t, wire.ReasonConflict, rej.Reason, "ben never saw ana's title")
	assert.Equal(t, uint64(5), rej.Version)

	notes := snap.Document.Blocks[2].ID
	sendPatch(t, b, patch.SetValue(notes, models.TextValue{Text: "other field"}), 4)
	assert.Equal(t, uint64(6), expect(t, b, wire.TypeAck).Ack.Version, "a different field is fine inside the window")

	sendPatch(t, b, patch.SetTitle("Ben's"), 5)
	assert.Equal(t, uint64(7), expect(t, b, wire.TypeAck).Ack.Version)

	rec, err := h.store.GetRecord(context.Background(), h.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ben's", rec.Title)
}

func TestApplyPatchWithoutSession(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.join(t, "ana")
	ctx := context.Background()

	pt := patch.SetTitle("From the api")
	pt.BaseVersion = 4
	ack, err := h.hub.ApplyPatch(ctx, h.rec.ID, pt)
	require.NoError(t, err)
	assert.Equal(t, pt.ID, ack.PatchID)
	assert.Equal(t, uint64(5), ack.Version)

	got := expect(t, a, wire.TypePatch).Patch
	assert.Equal(t, pt.ID, got.ID)
	assert.Equal(t, uint64(5), got.Version)

	stale := patch.SetTitle("Too late")
	stale.BaseVersion = 99
	_, err = h.hub.ApplyPatch(ctx, h.rec.ID, stale)
	require.ErrorIs(t, err, constants.ErrVersionConflict)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, uint64(5), rej.Reject.Version)

	_, err = h.hub.ApplyPatch(ctx, h.rec.ID, patch.Patch{ID: "bogus", Kind: "BLOCK_EXPLODE", BaseVersion: 5})
	require.ErrorIs(t, err, constants.ErrMalformedPatch)

	_, err = h.hub.ApplyPatch(ctx, models.NewDocumentID(), pt)
	require.ErrorIs(t, err, constants.ErrNotFound)
}

func TestPublishWithoutSession(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.join(t, "ana")
	ctx := context.Background()

	require.ErrorIs(t, h.hub.Publish(ctx, h.rec.ID, 3), constants.ErrVersionConflict)
	require.NoError(t, h.hub.Publish(ctx, h.rec.ID, 4))
	assert.Equal(t, wire.ClosedPublished, expect(t, a, wire.TypeClosed).Closed.Reason)

	rec, err := h.store.GetRecord(ctx, h.rec.ID)
	require.NoError(t, err)
	assert.True(t, rec.Published)
	require.ErrorIs(t, h.hub.Publish(ctx, h.rec.ID, 4), constants.ErrPublished)
}

func TestMalformedPatchIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	a, snap := h.join(t, "ana")

	date := snap.Document.Blocks[0].ID
	sendPatch(t, a, patch.SetValue(date, models.TextValue{Text: "no"}), 4)
	assert.Equal(t, wire.ReasonMalformed, expect(t, a, wire.TypeReject).Reject.Reason)

	sendPatch(t, a, patch.Patch{ID: "bogus", Kind: "BLOCK_EXPLODE"}, 4)
	assert.Equal(t, wire.ReasonMalformed, expect(t, a, wire.TypeReject).Reject.Reason)
}

func TestLocks(t *testing.T) {
	h := newHarness(t, Options{})
	a, snapA := h.join(t, "ana")
	b, snapB := h.join(t, "ben")

	send(t, a, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: models.TitleLockKey}))
	for _, c := range []*client.Client{a, b} {
		grant := expect(t, c, wire.TypeLock).Lock
		assert.Equal(t, lock.Message{Op: lock.OpGrant, Key: models.TitleLockKey, Owner: snapA.SessionID}, *grant)
	}

	send(t, b, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: models.TitleLockKey}))
	deny := expect(t, b, wire.TypeLock).Lock
	assert.Equal(t, lock.Message{Op: lock.OpDeny, Key: models.TitleLockKey, Owner: snapA.SessionID}, *deny)

	send(t, b, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: models.BlockLockKey(models.NewBlockID())}))
	assert.Equal(t, lock.OpDeny, expect(t, b, wire.TypeLock).Lock.Op, "unknown blocks cannot be locked")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	release := expect(t, b, wire.TypeLock).Lock
	assert.Equal(t, lock.Message{Op: lock.OpRelease, Key: models.TitleLockKey, Owner: snapA.SessionID}, *release)
	presence := expect(t, b, wire.TypePresence).Presence
	require.Len(t, presence.Participants, 1)
	assert.Equal(t, snapB.SessionID, presence.Participants[0].SessionID)
}

func TestDeleteOfLockedBlockIsRefused(t *testing.T) {
	h := newHarness(t, Options{})
	a, snapA := h.join(t, "ana")
	b, _ := h.join(t, "ben")
	text := snapA.Document.Blocks[2].ID
	key := models.BlockLockKey(text)

	send(t, a, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: key}))
	expect(t, a, wire.TypeLock)
	expect(t, b, wire.TypeLock)

	send(t, b, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: key}))
	deny := expect(t, b, wire.TypeLock).Lock
	assert.Equal(t, lock.Message{Op: lock.OpDeny, Key: key, Owner: snapA.SessionID}, *deny)

	del := sendPatch(t, b, patch.Delete(text), 4)
	reject := expect(t, b, wire.TypeReject).Reject
	assert.Equal(t, del.ID, reject.PatchID)
	assert.Equal(t, wire.ReasonLocked, reject.Reason)
	assert.Equal(t, snapA.SessionID, reject.Owner)
	assert.Equal(t, uint64(4), reject.Version)

	rec, err := h.store.GetRecord(context.Background(), h.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Version)
	assert.Len(t, rec.Blocks, 3)

	send(t, b, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: key}))
	deny = expect(t, b, wire.TypeLock).Lock
	assert.Equal(t, snapA.SessionID, deny.Owner, "the holder keeps the lock")
}

func TestOwnerDeleteDropsLock(t *testing.T) {
	h := newHarness(t, Options{})
	a, snapA := h.join(t, "ana")
	b, _ := h.join(t, "ben")
	text := snapA.Document.Blocks[2].ID
	key := models.BlockLockKey(text)

	send(t, a, wire.LockMessage(lock.Message{Op: lock.OpRequest, Key: key}))
	expect(t, a, wire.TypeLock)
	expect(t, b, wire.TypeLock)

	sendPatch(t, a, patch.Delete(text), 4)
	release := lock.Message{Op: lock.OpRelease, Key: key, Owner: snapA.SessionID}
	assert.Equal(t, release, *expect(t, a, wire.TypeLock).Lock)
	assert.Equal(t, uint64(5), expect(t, a, wire.TypeAck).Ack.Version)

	assert.Equal(t, release, *expect(t, b, wire.TypeLock).Lock)
	assert.Equal(t, patch.KindDelete, expect(t, b, wire.TypePatch).Patch.Kind)
}

func TestPublish(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.join(t, "ana")
	b, _ := h.join(t, "ben")

	send(t, a, wire.Message{Type: wire.TypePublish, Publish: &wire.Publish{BaseVersion: 3}})
	assert.Equal(t, wire.ReasonConflict, expect(t, a, wire.TypeReject).Reject.Reason)

	send(t, a, wire.Message{Type: wire.TypePublish, Publish: &wire.Publish{BaseVersion: 4}})
	for _, c := range []*client.Client{a, b} {
		assert.Equal(t, wire.ClosedPublished, expect(t, c, wire.TypeClosed).Closed.Reason)
	}

	rec, err := h.store.GetRecord(context.Background(), h.rec.ID)
	require.NoError(t, err)
	assert.True(t, rec.Published)

	u, err := client.RecordURL(h.srv.URL, h.rec.ID)
	require.NoError(t, err)
	_, err = client.Dial(context.Background(), client.Config{URL: u})
	require.Error(t, err, "a published record takes no new sessions")
}

func TestReadOnlyRejectsPatches(t *testing.T) {
	readOnly := true
	h := newHarness(t, Options{ReadOnly: func() bool { return readOnly }})
	a, _ := h.join(t, "ana")

	sendPatch(t, a, patch.SetTitle("blocked"), 4)
	assert.Equal(t, wire.ReasonReadOnly, expect(t, a, wire.TypeReject).Reject.Reason)

	readOnly = false
	sendPatch(t, a, patch.SetTitle("allowed"), 4)
	expect(t, a, wire.TypeAck)
}

func TestCloseRecord(t *testing.T) {
	h := newHarness(t, Options{})
	a, _ := h.join(t, "ana")

	h.hub.CloseRecord(h.rec.ID, wire.ClosedDeleted)
	assert.Equal(t, wire.ClosedDeleted, expect(t, a, wire.TypeClosed).Closed.Reason)
	assert.Empty(t, h.hub.Presence(h.rec.ID))
}

func TestUnknownRecord(t *testing.T) {
	h := newHarness(t, Options{})
	u, err := client.RecordURL(h.srv.URL, models.NewDocumentID())
	require.NoError(t, err)
	_, err = client.Dial(context.Background(), client.Config{URL: u})
	require.Error(t, err)
}

func TestTokenIdentity(t *testing.T) {
	secret := []byte("test-secret")
	h := newHarness(t, Options{TokenSecret: secret})

	anon := h.connect(t, wire.ProtocolJSON)
	send(t, anon, wire.Message{Type: wire.TypeJoin, Join: &wire.Join{ActorID: "mallory"}})
	assert.Contains(t, expect(t, anon, wire.TypeError).Error.Message, constants.ErrUnauthorized.Error())

	token, err := SignToken(secret, "user-1", "Ana", "img-7", time.Minute)
	require.NoError(t, err)
	c := h.connect(t, wire.ProtocolJSON)
	send(t, c, wire.Message{Type: wire.TypeJoin, Join: &wire.Join{Token: token, DisplayName: "ignored"}})
	snap := expect(t, c, wire.TypeSnapshot).Snapshot
	require.Len(t, snap.Presence, 1)
	p := snap.Presence[0]
	assert.Equal(t, "user-1", p.ActorID)
	assert.Equal(t, "Ana", p.DisplayName)
	require.NotNil(t, p.ProfileImageID)
	assert.Equal(t, "img-7", *p.ProfileImageID)

	forged, err := SignToken([]byte("other"), "user-2", "Eve", "", time.Minute)
	require.NoError(t, err)
	_, err = New(memory.New(), Options{TokenSecret: secret}).identify(wire.Join{Token: forged})
	require.ErrorIs(t, err, constants.ErrUnauthorized)
}
