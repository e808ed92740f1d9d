// Package layout turns an ordered block sequence into grid coordinates.
//
// The grid has [constants.GridColumns] columns. A row holds either one
// full-width block or two half-width blocks side by side, so the spans in
// every row add up to exactly the column count.
package layout

import (
	"fmt"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
)

// Normalize pairs up half-width requests and assigns row and column numbers.
// It never modifies its input.
//
// A span-1 block keeps span 1 only when the next block also asks for span 1;
// the two then share a row. A span-1 block without such a neighbour is
// promoted to span 2, as is any block whose type cannot be shown at half
// width. The promotion is written into the returned layout.
func Normalize(blocks []models.Block) []models.Block {
	out := make([]models.Block, len(blocks))
	copy(out, blocks)

	for i := 0; i < len(out); {
		if wantsHalf(out[i]) && i+1 < len(out) && wantsHalf(out[i+1]) {
			out[i].Layout.Span = models.SpanHalf
			out[i+1].Layout.Span = models.SpanHalf
			i += 2
			continue
		}
		out[i].Layout.Span = models.SpanFull
		i++
	}

	row, col := 1, 1
	for i := range out {
		span := out[i].Layout.Span
		if col+span-1 > constants.GridColumns {
			row++
			col = 1
		}
		out[i].Layout.Row = row
		out[i].Layout.Col = col
		col += span
		if col > constants.GridColumns {
			row++
			col = 1
		}
	}
	return out
}

func wantsHalf(b models.Block) bool {
	return b.Layout.Span == models.SpanHalf && b.Type.SupportsHalfWidth()
}

// Rows groups normalized blocks by row, in order.
func Rows(blocks []models.Block) [][]models.Block {
	var rows [][]models.Block
	for _, b := range blocks {
		if len(rows) == 0 || rows[len(rows)-1][0].Layout.Row != b.Layout.Row {
			rows = append(rows, nil)
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], b)
	}
	return rows
}

// Check verifies that blocks are laid out the way Normalize lays them out:
// rows numbered from 1 without gaps, full rows, full-width blocks in column 1
// and no half-width block alone in its row.
func Check(blocks []models.Block) error {
	for i, row := range Rows(blocks) {
		want := i + 1
		if row[0].Layout.Row != want {
			return fmt.Errorf("%w: row %d follows row %d", constants.ErrInvalidLayout, row[0].Layout.Row, want-1)
		}
		sum, col := 0, 1
		for _, b := range row {
			if b.Layout.Col != col {
				return fmt.Errorf("%w: block %s in row %d at column %d, want %d",
					constants.ErrInvalidLayout, b.ID, want, b.Layout.Col, col)
			}
			if b.Layout.Span == models.SpanHalf && len(row) != 2 {
				return fmt.Errorf("%w: half-width block %s alone in row %d", constants.ErrInvalidLayout, b.ID, want)
			}
			sum += b.Layout.Span
			col += b.Layout.Span
		}
		if sum != constants.GridColumns {
			return fmt.Errorf("%w: spans in row %d add up to %d", constants.ErrInvalidLayout, want, sum)
		}
	}
	return nil
}
