// Package hub is the server side of collaborative editing.
//
// A [Hub] keeps one room per record that has participants. The room holds
// the canonical document and version, the lock table and the roster, and
// handles every message for its record under one mutex: it is the single
// point that orders patches.
//
// # Protocol
//
// A participant connects to the record's websocket and sends join. The hub
// replies with a snapshot carrying the session id it assigned, then:
//
//   - a patch based on a version that is ahead of the canonical one, or
//     more than HistoryWindow versions behind it, is rejected as a conflict
//   - so is a patch to a field someone else wrote after the patch's base
//   - a delete of a block someone else holds is rejected as locked
//   - any other patch is applied, logged, saved, acknowledged to its sender
//     and broadcast to everyone else with its version stamped on it
//   - lock requests are granted when the field is free or already the
//     caller's, and denied with the owner otherwise
//   - publish is accepted only at the exact canonical version and ends
//     every session on the record
//
// Other than deletes, locks are advisory for patches: an edit of a field
// someone else holds is applied when it was based on that field's last
// write.
//
// [Hub.ApplyPatch] and [Hub.Publish] run the same rules for callers without
// a session, such as a personal editor going through the HTTP API.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/logger"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/store"
	"github.com/daybook/recordsync/pkg/wire"
)

type Options struct {
	// HistoryWindow is how far behind the canonical version a patch may be
	// based. Zero means constants.DefaultHistoryWindow.
	HistoryWindow uint64
	// TokenSecret, when set, requires an HS256 identity token on join.
	TokenSecret []byte
	// ReadOnly reports whether patches are currently refused.
	ReadOnly func() bool
	// Protocol is the subprotocol chosen when a client offers several.
	// Empty means the first of wire.Protocols.
	Protocol string

	SendBuffer   int
	WriteTimeout time.Duration
	// JoinTimeout bounds the wait for the first message of a connection.
	JoinTimeout time.Duration
	// CheckOrigin is passed to the websocket upgrader.
	CheckOrigin func(r *http.Request) bool

	Logger logger.Logger
}

type Hub struct {
	store    store.Store
	opts     Options
	logger   logger.Logger
	upgrader gorilla.Upgrader

	mu    sync.Mutex
	rooms map[models.DocumentID]*room
	conns sync.WaitGroup
}

func New(s store.Store, opts Options) *Hub {
	if opts.HistoryWindow == 0 {
		opts.HistoryWindow = constants.DefaultHistoryWindow
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = constants.DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = constants.DefaultWSTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = constants.DefaultWSTimeout
	}
	if opts.ReadOnly == nil {
		opts.ReadOnly = func() bool { return false }
	}
	return &Hub{
		store:  s,
		opts:   opts,
		logger: logger.OrNop(opts.Logger),
		upgrader: gorilla.Upgrader{
			Subprotocols: preferring(opts.Protocol),
			CheckOrigin:  opts.CheckOrigin,
		},
		rooms: make(map[models.DocumentID]*room),
	}
}

func preferring(protocol string) []string {
	protocols := []string{}
	for _, p := range wire.Protocols {
		if p == protocol {
			protocols = append([]string{p}, protocols...)
		} else {
			protocols = append(protocols, p)
		}
	}
	return protocols
}

func (h *Hub) readOnly() bool { return h.opts.ReadOnly() }

// acquire returns the room of id, loading the record if nobody is connected
// to it. Every acquire must be paired with a release.
func (h *Hub) acquire(ctx context.Context, id models.DocumentID) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[id]; ok {
		if !r.isClosed() {
			r.refs++
			return r, nil
		}
		delete(h.rooms, id)
	}

	rec, err := h.store.GetRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", id, constants.ErrNotFound)
	}
	if rec.Published {
		return nil, fmt.Errorf("record %s: %w", id, constants.ErrPublished)
	}
	r := newRoom(h, rec)
	r.refs = 1
	h.rooms[id] = r
	h.logger.Debug("room opened", "record", id, "version", rec.Version)
	return r, nil
}

func (h *Hub) release(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.refs--
	if r.refs > 0 {
		return
	}
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		h.logger.Debug("room unloaded", "record", r.id)
	}
}

// ServeWS upgrades the request to the websocket of record id and serves
// the participant until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request, id models.DocumentID) {
	r, err := h.acquire(req.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, constants.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, constants.ErrPublished):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer h.release(r)

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "record", id, "error", err)
		return
	}
	codec, err := wire.ForProtocol(conn.Subprotocol())
	if err != nil {
		_ = conn.Close()
		return
	}

	h.conns.Add(1)
	defer h.conns.Done()

	p := newPeer(conn, models.NewSessionID(), codec, h.opts.SendBuffer, h.opts.WriteTimeout, h.logger)
	go p.writeLoop()
	defer func() {
		p.finish()
		<-p.done
	}()

	h.serve(context.WithoutCancel(req.Context()), r, p)
}

func (h *Hub) serve(ctx context.Context, r *room, p *peer) {
	_ = p.conn.SetReadDeadline(time.Now().Add(h.opts.JoinTimeout))
	msg, err := p.read()
	if err != nil {
		h.logger.Debug("connection closed before join", "record", r.id, "error", err)
		return
	}
	_ = p.conn.SetReadDeadline(time.Time{})
	if msg.Type != wire.TypeJoin || msg.Join == nil {
		p.enqueue(wire.ErrorMessage(fmt.Errorf("%w: expected join, got %s", constants.ErrUnknownMessage, msg.Type)))
		return
	}
	participant, err := h.identify(*msg.Join)
	if err != nil {
		h.logger.Info("join refused", "record", r.id, "error", err)
		p.enqueue(wire.ErrorMessage(err))
		return
	}
	if !r.join(p, participant) {
		p.enqueue(wire.ClosedMessage(wire.ClosedShutdown))
		return
	}
	defer r.leave(p)

	for {
		msg, err := p.read()
		if err != nil {
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				h.logger.Debug("connection lost", "record", r.id, "session", p.sid, "error", err)
			}
			return
		}
		if msg.Type == wire.TypeLeave {
			return
		}
		r.handle(ctx, p, msg)
	}
}

// ApplyPatch applies a patch that arrived outside any session and shares it
// with everyone connected to record id. A refusal is a *RejectError.
func (h *Hub) ApplyPatch(ctx context.Context, id models.DocumentID, pt patch.Patch) (wire.Ack, error) {
	r, err := h.acquire(ctx, id)
	if err != nil {
		return wire.Ack{}, err
	}
	defer h.release(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return wire.Ack{}, fmt.Errorf("record %s: %w", id, constants.ErrSessionClosed)
	}
	applied, version, err := r.applyLocked(ctx, "", pt)
	if err != nil {
		return wire.Ack{}, err
	}
	if applied != nil {
		r.broadcastLocked(wire.PatchMessage(*applied), "")
	}
	return wire.Ack{PatchID: pt.ID, Version: version}, nil
}

// Publish publishes record id if it is still at version base, ending every
// session on it. A stale base is a *RejectError.
func (h *Hub) Publish(ctx context.Context, id models.DocumentID, base uint64) error {
	r, err := h.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer h.release(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("record %s: %w", id, constants.ErrSessionClosed)
	}
	return r.publishAtLocked(ctx, "", base)
}

// CloseRecord ends every session on record id with reason, as when the
// record is deleted.
func (h *Hub) CloseRecord(id models.DocumentID, reason wire.ClosedReason) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if ok {
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	if ok {
		r.close(reason)
	}
}

// Presence returns the participants connected to record id.
func (h *Hub) Presence(id models.DocumentID) []models.Participant {
	h.mu.Lock()
	r, ok := h.rooms[id]
	h.mu.Unlock()
	if !ok {
		return []models.Participant{}
	}
	return r.participants()
}

// Shutdown closes every room and waits for the connections to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.close(wire.ClosedShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
