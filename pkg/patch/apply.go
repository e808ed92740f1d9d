package patch

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/daybook/recordsync/pkg/layout"
	"github.com/daybook/recordsync/pkg/models"
)

// Apply applies p to doc. It reports false with a nil error when p has no
// effect, such as deleting a block that is already gone; re-delivered
// patches are absorbed that way. An error means p is malformed and doc is
// unchanged.
func Apply(doc *models.Document, p Patch) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	switch p.Kind {
	case KindInsert:
		if doc.Index(p.Block.ID) >= 0 {
			return false, nil
		}
		doc.Blocks = layout.Normalize(append(doc.Clone().Blocks, *p.Block))
		return true, nil

	case KindDelete:
		i := doc.Index(*p.BlockID)
		if i < 0 {
			return false, nil
		}
		blocks := make([]models.Block, 0, len(doc.Blocks)-1)
		blocks = append(blocks, doc.Blocks[:i]...)
		blocks = append(blocks, doc.Blocks[i+1:]...)
		doc.Blocks = layout.Normalize(blocks)
		return true, nil

	case KindMove:
		return applyMoves(doc, p.Moves), nil

	case KindSetValue:
		b, ok := doc.Block(*p.BlockID)
		if !ok {
			return false, nil
		}
		v := p.Value.Value
		if v.Type() != b.Type {
			return false, malformed(p, "%s value for %s block %s", v.Type(), b.Type, b.ID)
		}
		if err := v.Validate(); err != nil {
			return false, malformed(p, "%v", err)
		}
		if sameValue(b.Value, v) {
			return false, nil
		}
		b.Value = v
		return true, nil

	case KindSetTitle:
		if doc.Title == *p.Title {
			return false, nil
		}
		doc.Title = *p.Title
		return true, nil
	}
	return false, fmt.Errorf("unreachable patch kind %q", p.Kind)
}

// sameValue compares two values of one block type by their encoding.
func sameValue(a, b models.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}

// applyMoves sets the given layouts, restores the reading order from the
// (row, col) positions and re-normalizes. Moves for unknown blocks are
// skipped.
func applyMoves(doc *models.Document, moves []models.BlockMove) bool {
	blocks := doc.Clone().Blocks
	index := make(map[models.BlockID]int, len(blocks))
	for i, b := range blocks {
		index[b.ID] = i
	}
	applied := false
	for _, m := range moves {
		i, ok := index[m.BlockID]
		if !ok {
			continue
		}
		blocks[i].Layout = m.Layout
		applied = true
	}
	if !applied {
		return false
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i].Layout, blocks[j].Layout
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	doc.Blocks = layout.Normalize(blocks)
	return true
}
