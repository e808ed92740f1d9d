// Package drag turns a pointer drag over the block grid into reorder and
// span decisions.
//
// An [Engine] works on its own copy of the block sequence for the duration
// of one drag. Every committed step is normalized, so the working copy is
// always a valid layout the host can render. When the drag ends, [Engine.End]
// reports the final layout of every block that moved or changed width.
package drag

import (
	"fmt"
	"time"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/layout"
	"github.com/daybook/recordsync/pkg/models"
)

// Rect is a bounding box in pointer coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Bottom returns the y coordinate of the lower edge.
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Point is a pointer position.
type Point struct {
	X, Y float64
}

// Relative returns p as fractions of r's width and height.
func (r Rect) Relative(p Point) (x, y float64, ok bool) {
	if r.Width <= 0 || r.Height <= 0 {
		return 0, 0, false
	}
	return (p.X - r.X) / r.Width, (p.Y - r.Y) / r.Height, true
}

const (
	edgeZone   = 0.3
	middleLow  = 0.3
	middleHigh = 0.7
)

// placement is the decision of one drag-over step.
type placement struct {
	target      models.BlockID
	index       int
	spanDragged int
	spanTarget  int
}

type Engine struct {
	throttle time.Duration
	margin   float64

	blocks   []models.Block
	dragging models.BlockID
	active   bool

	snapshot    map[models.BlockID]models.Layout
	original    []models.Block
	lastCompute time.Time
	last        placement
	recomputed  bool
}

type Option func(*Engine)

// WithThrottle overrides the minimum interval between recomputations.
func WithThrottle(d time.Duration) Option {
	return func(e *Engine) { e.throttle = d }
}

// WithDropMargin overrides how far below the last block the pointer has to
// be for a drop at the end.
func WithDropMargin(margin float64) Option {
	return func(e *Engine) { e.margin = margin }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		throttle: constants.DragThrottle,
		margin:   constants.DropBelowMargin,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dragging returns the block in motion.
func (e *Engine) Dragging() (models.BlockID, bool) {
	return e.dragging, e.active
}

// Blocks returns the working block sequence.
func (e *Engine) Blocks() []models.Block {
	out := make([]models.Block, len(e.blocks))
	copy(out, e.blocks)
	return out
}

// Start begins dragging id over blocks.
func (e *Engine) Start(blocks []models.Block, id models.BlockID, now time.Time) error {
	if e.active {
		return constants.ErrDragInProgress
	}
	found := false
	for _, b := range blocks {
		if b.ID == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", constants.ErrUnknownBlock, id)
	}

	e.blocks = layout.Normalize(blocks)
	e.original = layout.Normalize(blocks)
	e.snapshot = make(map[models.BlockID]models.Layout, len(e.blocks))
	for _, b := range e.blocks {
		e.snapshot[b.ID] = b.Layout
	}
	e.dragging = id
	e.active = true
	e.lastCompute = now
	e.last = placement{index: -1}
	e.recomputed = false
	return nil
}

func (e *Engine) due(now time.Time) bool {
	if now.Sub(e.lastCompute) < e.throttle {
		return false
	}
	e.lastCompute = now
	e.recomputed = true
	return true
}

// Over handles the pointer moving over target, whose bounding box is rect.
// It reports whether the working sequence changed.
func (e *Engine) Over(target models.BlockID, rect Rect, pointer Point, now time.Time) (bool, error) {
	if !e.active {
		return false, constants.ErrNoDrag
	}
	if target == e.dragging {
		return false, nil
	}
	x, y, ok := rect.Relative(pointer)
	if !ok {
		return false, nil
	}
	if !e.due(now) {
		return false, nil
	}

	dragged, rest := e.split()
	ti := indexOf(rest, target)
	if ti < 0 {
		return false, fmt.Errorf("%w: %s", constants.ErrUnknownBlock, target)
	}
	targetBlock := rest[ti]

	p := placement{target: target, spanTarget: targetBlock.Layout.Span}
	if dragged.Type.SupportsHalfWidth() && y >= middleLow && y <= middleHigh && (x < edgeZone || x > 1-edgeZone) {
		p.spanDragged = models.SpanHalf
		if targetBlock.Layout.Span == models.SpanFull && targetBlock.Type.SupportsHalfWidth() {
			p.spanTarget = models.SpanHalf
		}
		p.index = ti
		if x > 1-edgeZone {
			p.index = ti + 1
		}
	} else {
		p.spanDragged = models.SpanFull
		p.index = ti
		if y >= 0.5 {
			p.index = ti + 1
		}
	}

	if p == e.last || e.matches(p) {
		return false, nil
	}
	e.last = p

	dragged.Layout.Span = p.spanDragged
	rest[ti].Layout.Span = p.spanTarget
	e.commit(insert(rest, p.index, dragged))
	return true, nil
}

// BelowLast handles the pointer moving below the last block, whose bounding
// box is last. Past the drop margin the dragged block goes to the end of the
// sequence with its current span.
func (e *Engine) BelowLast(last Rect, pointer Point, now time.Time) (bool, error) {
	if !e.active {
		return false, constants.ErrNoDrag
	}
	if pointer.Y <= last.Bottom()+e.margin {
		return false, nil
	}
	if !e.due(now) {
		return false, nil
	}
	dragged, rest := e.split()
	p := placement{index: len(rest), spanDragged: dragged.Layout.Span}
	if p == e.last || e.blocks[len(e.blocks)-1].ID == e.dragging {
		return false, nil
	}
	e.last = p
	e.commit(append(rest, dragged))
	return true, nil
}

// End finishes the drag and returns the final layout of every block whose
// layout differs from the one it had when the drag started. A drag that was
// never recomputed yields no moves.
func (e *Engine) End() []models.BlockMove {
	if !e.active {
		return nil
	}
	defer e.reset()
	if !e.recomputed {
		return nil
	}
	var moves []models.BlockMove
	for _, b := range e.blocks {
		if e.snapshot[b.ID] != b.Layout {
			moves = append(moves, models.BlockMove{BlockID: b.ID, Layout: b.Layout})
		}
	}
	return moves
}

// Cancel abandons the drag and returns the sequence as it was at Start.
func (e *Engine) Cancel() []models.Block {
	if !e.active {
		return nil
	}
	original := e.original
	e.reset()
	return original
}

func (e *Engine) reset() {
	e.blocks = nil
	e.original = nil
	e.snapshot = nil
	e.dragging = models.BlockID{}
	e.active = false
	e.recomputed = false
}

// split returns the dragged block and a normalized copy of the others.
func (e *Engine) split() (models.Block, []models.Block) {
	var dragged models.Block
	rest := make([]models.Block, 0, len(e.blocks))
	for _, b := range e.blocks {
		if b.ID == e.dragging {
			dragged = b
			continue
		}
		rest = append(rest, b)
	}
	return dragged, layout.Normalize(rest)
}

// matches reports whether p describes the working sequence as it already is.
func (e *Engine) matches(p placement) bool {
	di := indexOf(e.blocks, e.dragging)
	ti := indexOf(e.blocks, p.target)
	return di == p.index &&
		e.blocks[di].Layout.Span == p.spanDragged &&
		e.blocks[ti].Layout.Span == p.spanTarget
}

func (e *Engine) commit(blocks []models.Block) {
	e.blocks = layout.Normalize(blocks)
}

func indexOf(blocks []models.Block, id models.BlockID) int {
	for i := range blocks {
		if blocks[i].ID == id {
			return i
		}
	}
	return -1
}

func insert(blocks []models.Block, i int, b models.Block) []models.Block {
	out := make([]models.Block, 0, len(blocks)+1)
	out = append(out, blocks[:i]...)
	out = append(out, b)
	return append(out, blocks[i:]...)
}
