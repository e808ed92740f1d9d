package patch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/layout"
	"github.com/daybook/recordsync/pkg/models"
)

func defaultDoc() models.Document {
	return models.NewDefault(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
}

func TestInsertNormalizes(t *testing.T) {
	doc := defaultDoc()
	block, err := models.NewBlock(models.BlockTypeRating, models.SpanHalf)
	require.NoError(t, err)

	applied, err := Apply(&doc, Insert(block))
	require.NoError(t, err)
	require.True(t, applied)
	require.Len(t, doc.Blocks, 4)
	assert.Equal(t, models.Layout{Row: 3, Col: 1, Span: 2}, doc.Blocks[3].Layout)
	require.NoError(t, layout.Check(doc.Blocks))

	applied, err = Apply(&doc, Insert(block))
	require.NoError(t, err)
	assert.False(t, applied, "re-delivered insert")
	assert.Len(t, doc.Blocks, 4)
}

func TestDeleteIsIdempotent(t *testing.T) {
	doc := defaultDoc()
	id := doc.Blocks[0].ID
	p := Delete(id)

	applied, err := Apply(&doc, p)
	require.NoError(t, err)
	require.True(t, applied)
	once := doc.Clone()

	applied, err = Apply(&doc, p)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, once, doc)

	assert.Equal(t, models.Layout{Row: 1, Col: 1, Span: 2}, doc.Blocks[0].Layout, "TIME lost its partner")
}

func TestMoveRestoresOrderFromLayouts(t *testing.T) {
	doc := defaultDoc()
	date, tm, text := doc.Blocks[0], doc.Blocks[1], doc.Blocks[2]

	applied, err := Apply(&doc, Move([]models.BlockMove{
		{BlockID: text.ID, Layout: models.Layout{Row: 1, Col: 1, Span: 2}},
		{BlockID: date.ID, Layout: models.Layout{Row: 2, Col: 1, Span: 1}},
		{BlockID: tm.ID, Layout: models.Layout{Row: 2, Col: 2, Span: 1}},
	}))
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, []models.BlockID{text.ID, date.ID, tm.ID},
		[]models.BlockID{doc.Blocks[0].ID, doc.Blocks[1].ID, doc.Blocks[2].ID})
	require.NoError(t, layout.Check(doc.Blocks))
}

func TestMoveOfUnknownBlocksIsNoop(t *testing.T) {
	doc := defaultDoc()
	before := doc.Clone()
	applied, err := Apply(&doc, Move([]models.BlockMove{
		{BlockID: models.NewBlockID(), Layout: models.Layout{Row: 1, Col: 1, Span: 2}},
	}))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, before, doc)
}

func TestSetValue(t *testing.T) {
	doc := defaultDoc()
	text := doc.Blocks[2]

	applied, err := Apply(&doc, SetValue(text.ID, models.TextValue{Text: "hello"}))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, models.TextValue{Text: "hello"}, doc.Blocks[2].Value)

	applied, err = Apply(&doc, SetValue(text.ID, models.TextValue{Text: "hello"}))
	require.NoError(t, err)
	assert.False(t, applied, "same value again")

	before := doc.Clone()
	applied, err = Apply(&doc, SetValue(text.ID, models.RatingValue{Stars: 3}))
	require.ErrorIs(t, err, constants.ErrMalformedPatch)
	assert.False(t, applied)
	assert.Equal(t, before, doc)

	applied, err = Apply(&doc, SetValue(models.NewBlockID(), models.TextValue{Text: "gone"}))
	require.NoError(t, err)
	assert.False(t, applied, "value for a deleted block")
}

func TestSetTitle(t *testing.T) {
	doc := defaultDoc()
	applied, err := Apply(&doc, SetTitle("Lisbon"))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, "Lisbon", doc.Title)

	applied, err = Apply(&doc, SetTitle("Lisbon"))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
	}{
		{"insert without block", Patch{Kind: KindInsert}},
		{"delete without id", Patch{Kind: KindDelete}},
		{"empty move", Patch{Kind: KindMove}},
		{"bad span", Move([]models.BlockMove{{BlockID: models.NewBlockID(), Layout: models.Layout{Span: 3}}})},
		{"set value without value", Patch{Kind: KindSetValue, BlockID: &models.BlockID{}}},
		{"set title without title", Patch{Kind: KindSetTitle}},
		{"unknown kind", Patch{Kind: "BLOCK_EXPLODE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.patch.Validate(), constants.ErrMalformedPatch)
		})
	}
}

func TestTouches(t *testing.T) {
	id := models.NewBlockID()
	key, ok := SetValue(id, models.TextValue{}).Touches()
	require.True(t, ok)
	assert.Equal(t, models.BlockLockKey(id), key)

	key, ok = SetTitle("x").Touches()
	require.True(t, ok)
	assert.Equal(t, models.TitleLockKey, key)

	_, ok = Move(nil).Touches()
	assert.False(t, ok)
}

func TestReplay(t *testing.T) {
	seed := defaultDoc()
	patches := []Patch{SetTitle("Day one")}
	for _, b := range seed.Blocks {
		patches = append(patches, Insert(b))
	}
	patches = append(patches,
		SetValue(seed.Blocks[2].ID, models.TextValue{Text: "went swimming"}),
		Delete(seed.Blocks[1].ID),
	)

	var entries []*models.PatchLogEntry
	want := models.Document{}
	for i, p := range patches {
		raw, err := p.Marshal()
		require.NoError(t, err)
		entries = append(entries, &models.PatchLogEntry{Version: uint64(i + 1), Kind: string(p.Kind), Patch: raw})
		_, err = Apply(&want, p)
		require.NoError(t, err)
	}

	got, version, err := Replay(entries)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(patches)), version)
	assert.Equal(t, want, got)
	assert.Equal(t, "Day one", got.Title)
	assert.Len(t, got.Blocks, 2)

	_, _, err = Replay(entries[1:])
	assert.Error(t, err, "log must start at version 1")
}
