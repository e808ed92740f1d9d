package models

import (
	"time"
)

// Document is the in-memory record being edited: a title and the ordered
// block sequence. The order is authoritative; each block's Row and Col are
// derived from it.
type Document struct {
	Title  string  `json:"title"`
	Blocks []Block `json:"blocks"`
}

// NewDefault returns the document a fresh record starts with: a DATE and a
// TIME block side by side, followed by a full-width TEXT block.
func NewDefault(now time.Time) Document {
	return Document{
		Blocks: []Block{
			{
				ID:     NewBlockID(),
				Type:   BlockTypeDate,
				Value:  DateValue{Date: now.Format(DateLayout)},
				Layout: Layout{Row: 1, Col: 1, Span: SpanHalf},
			},
			{
				ID:     NewBlockID(),
				Type:   BlockTypeTime,
				Value:  TimeValue{Hour: now.Hour(), Minute: now.Minute()},
				Layout: Layout{Row: 1, Col: 2, Span: SpanHalf},
			},
			{
				ID:     NewBlockID(),
				Type:   BlockTypeText,
				Value:  TextValue{},
				Layout: Layout{Row: 2, Col: 1, Span: SpanFull},
			},
		},
	}
}

// Index returns the position of a block, or -1.
func (d *Document) Index(id BlockID) int {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return i
		}
	}
	return -1
}

// Block returns a pointer into d.Blocks. It is invalidated by any change to
// the block sequence.
func (d *Document) Block(id BlockID) (*Block, bool) {
	i := d.Index(id)
	if i < 0 {
		return nil, false
	}
	return &d.Blocks[i], true
}

// Clone copies the block sequence. Values are treated as immutable and
// replaced wholesale, so they are shared.
func (d Document) Clone() Document {
	blocks := make([]Block, len(d.Blocks))
	copy(blocks, d.Blocks)
	return Document{Title: d.Title, Blocks: blocks}
}

// Layouts snapshots each block's layout.
func (d *Document) Layouts() map[BlockID]Layout {
	out := make(map[BlockID]Layout, len(d.Blocks))
	for _, b := range d.Blocks {
		out[b.ID] = b.Layout
	}
	return out
}

// Validate checks every block and the uniqueness of block ids.
func (d *Document) Validate() error {
	seen := make(map[BlockID]struct{}, len(d.Blocks))
	for _, b := range d.Blocks {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.ID]; dup {
			return invalid("blocks", "duplicate block id %s", b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}
