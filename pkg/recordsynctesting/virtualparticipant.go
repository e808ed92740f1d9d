// Package recordsynctesting drives real editing sessions against a running
// recordsync server, for end-to-end tests.
package recordsynctesting

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/daybook/recordsync/pkg/client"
	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/drag"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/session"
	"github.com/daybook/recordsync/pkg/wire"
)

// View is what a participant's session looked like after its last event.
type View struct {
	State        session.State
	Version      uint64
	Document     models.Document
	Pending      int
	Participants []models.Participant
	Locks        map[models.LockKey]models.SessionID
	Self         models.SessionID
	Conflicts    int
	Rejected     int
	Closed       wire.ClosedReason
}

// VirtualParticipant is one simulated editor of a record. Its session runs
// on its own goroutine, which also handles everything the hub sends; Do
// hands it a command and waits for the outcome.
type VirtualParticipant struct {
	Index    int // Virtual participant index (0, 1, 2...)
	Name     string
	RecordID models.DocumentID
	Protocol string
	RNG      *rand.Rand // Deterministic random number generator seeded with Index

	Client *client.Client

	session  *session.Session
	requests chan request
	stop     context.CancelFunc
	done     chan struct{}
	loopErr  error
	// resyncing is set while a resync is on its way; loop goroutine only.
	resyncing bool

	mu   sync.RWMutex
	view View
}

type request struct {
	cmd   session.Command
	reply chan error
}

// NewVirtualParticipant prepares participant index of record id. Connect
// starts it.
func NewVirtualParticipant(index int, id models.DocumentID) *VirtualParticipant {
	return &VirtualParticipant{
		Index:    index,
		Name:     fmt.Sprintf("Virtual Participant %d", index),
		RecordID: id,
		RNG:      rand.New(rand.NewSource(int64(index))),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// Connect dials the record's websocket under baseURL, joins and starts the
// session loop. It does not wait for the snapshot; see WaitFor.
func (vp *VirtualParticipant) Connect(ctx context.Context, baseURL string) error {
	u, err := client.RecordURL(baseURL, vp.RecordID)
	if err != nil {
		return err
	}
	c, err := client.Dial(ctx, client.Config{URL: u, Protocol: vp.Protocol})
	if err != nil {
		return fmt.Errorf("virtual participant %d failed to connect: %w", vp.Index, err)
	}
	// Each drag gesture is a few quick steps; throttling would drop them.
	s, err := session.New(session.Options{
		Collaborative: true,
		Transport:     c,
		Join: wire.Join{
			ActorID:     fmt.Sprintf("virtual-%d", vp.Index),
			DisplayName: vp.Name,
		},
		Observer:    vp.observe,
		DragOptions: []drag.Option{drag.WithThrottle(0)},
	})
	if err != nil {
		_ = c.Close(ctx)
		return err
	}
	vp.Client = c
	vp.session = s
	vp.mu.Lock()
	vp.view.State = s.State()
	vp.mu.Unlock()

	if err := s.Start(); err != nil {
		return fmt.Errorf("virtual participant %d failed to join: %w", vp.Index, err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	vp.stop = cancel
	go vp.loop(loopCtx)
	return nil
}

func (vp *VirtualParticipant) loop(ctx context.Context) {
	defer close(vp.done)
	defer vp.refresh(nil)
	inbound := vp.Client.Inbound()
	for vp.session.State() != session.StateClosed {
		select {
		case <-ctx.Done():
			return
		case req := <-vp.requests:
			req.reply <- vp.session.Dispatch(req.cmd)
		case msg, ok := <-inbound:
			if !ok {
				vp.loopErr = vp.Client.Err()
				return
			}
			// The session absorbs what it cannot apply; the error is for logs.
			_ = vp.session.Dispatch(session.Inbound{Message: msg})
		}
		vp.resyncAfterConflict()
	}
}

// resyncAfterConflict asks for the record again after a conflict, as an
// editor would.
func (vp *VirtualParticipant) resyncAfterConflict() {
	switch vp.session.State() {
	case session.StateResyncRequired:
		if !vp.resyncing {
			vp.resyncing = true
			_ = vp.session.Dispatch(session.Resync{})
		}
	case session.StateActive:
		vp.resyncing = false
	}
}

// observe runs on the session goroutine.
func (vp *VirtualParticipant) observe(e session.Event) {
	vp.refresh(e)
}

func (vp *VirtualParticipant) refresh(e session.Event) {
	s := vp.session
	vp.mu.Lock()
	defer vp.mu.Unlock()
	vp.view.State = s.State()
	vp.view.Version = s.Version()
	vp.view.Document = s.Document()
	vp.view.Pending = s.Pending()
	vp.view.Participants = s.Presence().List()
	vp.view.Locks = s.Locks().Owners()
	vp.view.Self = s.ID()
	switch ev := e.(type) {
	case session.ConflictNotice:
		vp.view.Conflicts++
	case session.PatchRejected:
		vp.view.Rejected++
	case session.SessionClosed:
		vp.view.Closed = ev.Reason
	}
}

// View returns a copy of the participant's latest state.
func (vp *VirtualParticipant) View() View {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	v := vp.view
	v.Document = v.Document.Clone()
	v.Participants = append([]models.Participant(nil), v.Participants...)
	locks := make(map[models.LockKey]models.SessionID, len(v.Locks))
	for key, owner := range v.Locks {
		locks[key] = owner
	}
	v.Locks = locks
	return v
}

// Do runs cmd on the session and returns its error.
func (vp *VirtualParticipant) Do(ctx context.Context, cmd session.Command) error {
	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case vp.requests <- req:
	case <-vp.done:
		return fmt.Errorf("virtual participant %d: %w", vp.Index, constants.ErrSessionClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor polls View until cond holds.
func (vp *VirtualParticipant) WaitFor(ctx context.Context, cond func(View) bool) (View, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		v := vp.View()
		if cond(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, fmt.Errorf("virtual participant %d: %w (state %s, version %d, pending %d)",
				vp.Index, ctx.Err(), v.State, v.Version, v.Pending)
		case <-ticker.C:
		}
	}
}

// Joined reports whether the first snapshot arrived.
func Joined(v View) bool { return v.State == session.StateActive }

// Settled reports whether every local edit is confirmed.
func Settled(v View) bool { return v.State == session.StateActive && v.Pending == 0 }

// AtVersion returns a condition that holds once the session has seen version.
func AtVersion(version uint64) func(View) bool {
	return func(v View) bool { return v.Version >= version && v.Pending == 0 }
}

// edit runs cmd the way a user edits a field: take the lock, change the
// value, let go. A field held by someone else fails with
// constants.ErrLockHeld and changes nothing.
func (vp *VirtualParticipant) edit(ctx context.Context, key models.LockKey, cmd session.Command) error {
	if err := vp.Do(ctx, session.BeginEdit{Key: key}); err != nil {
		return err
	}
	err := vp.Do(ctx, cmd)
	if rerr := vp.Do(ctx, session.EndEdit{Key: key}); err == nil {
		err = rerr
	}
	return err
}

func (vp *VirtualParticipant) SetTitle(ctx context.Context, title string) error {
	return vp.edit(ctx, models.TitleLockKey, session.SetTitle{Title: title})
}

// SetText writes text into a TEXT block.
func (vp *VirtualParticipant) SetText(ctx context.Context, id models.BlockID, text string) error {
	return vp.edit(ctx, models.BlockLockKey(id), session.SetValue{BlockID: id, Value: models.TextValue{Text: text}})
}

// MoveToEnd drags a block below the last one and drops it.
func (vp *VirtualParticipant) MoveToEnd(ctx context.Context, id models.BlockID) error {
	last := drag.Rect{X: 0, Y: 0, Width: 400, Height: 100}
	at := time.Now()
	if err := vp.Do(ctx, session.DragStart{BlockID: id, At: at}); err != nil {
		return err
	}
	below := session.DragBelowLast{Last: last, Pointer: drag.Point{X: 200, Y: last.Bottom() + 100}, At: at.Add(time.Second)}
	if err := vp.Do(ctx, below); err != nil {
		_ = vp.Do(ctx, session.DragCancel{})
		return err
	}
	return vp.Do(ctx, session.DragEnd{})
}

// RandomEdit performs one edit chosen with RNG against the latest view:
// a retitle, a new text block, a text change or a move to the end. An edit
// of a field someone else holds is skipped. So is a drag cancelled by a
// remote change, or an edit made while the session resyncs.
func (vp *VirtualParticipant) RandomEdit(ctx context.Context) error {
	err := vp.randomEdit(ctx)
	switch {
	case errors.Is(err, constants.ErrLockHeld), errors.Is(err, constants.ErrNoDrag):
		return nil
	case errors.Is(err, constants.ErrResyncRequired):
		return nil
	}
	return err
}

func (vp *VirtualParticipant) randomEdit(ctx context.Context) error {
	doc := vp.View().Document
	var texts []models.BlockID
	for _, b := range doc.Blocks {
		if b.Type == models.BlockTypeText {
			texts = append(texts, b.ID)
		}
	}

	switch vp.RNG.Intn(4) {
	case 0:
		return vp.SetTitle(ctx, fmt.Sprintf("%s edit %d", vp.Name, vp.RNG.Intn(1000)))
	case 1:
		return vp.Do(ctx, session.InsertBlock{
			Type:  models.BlockTypeText,
			Value: models.TextValue{Text: fmt.Sprintf("note from %s", vp.Name)},
		})
	case 2:
		if len(texts) > 0 {
			id := texts[vp.RNG.Intn(len(texts))]
			return vp.SetText(ctx, id, fmt.Sprintf("%s wrote %d", vp.Name, vp.RNG.Intn(1000)))
		}
	case 3:
		if len(doc.Blocks) > 1 {
			return vp.MoveToEnd(ctx, doc.Blocks[vp.RNG.Intn(len(doc.Blocks)-1)].ID)
		}
	}
	return vp.SetTitle(ctx, fmt.Sprintf("%s edit %d", vp.Name, vp.RNG.Intn(1000)))
}

// Close ends the session, releasing its locks, and closes the connection.
func (vp *VirtualParticipant) Close(ctx context.Context) error {
	if vp.Client == nil {
		return nil
	}
	if vp.stop != nil {
		_ = vp.Do(ctx, session.Close{})
		vp.stop()
		select {
		case <-vp.done:
		case <-ctx.Done():
		}
	}
	return vp.Client.Close(ctx)
}

// Err returns why the session loop stopped, once it has.
func (vp *VirtualParticipant) Err() error {
	select {
	case <-vp.done:
		return vp.loopErr
	default:
		return nil
	}
}
