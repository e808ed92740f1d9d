package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// BlockType represents the type of content block
type BlockType string

const (
	BlockTypeDate     BlockType = "DATE"
	BlockTypeTime     BlockType = "TIME"
	BlockTypeText     BlockType = "TEXT"
	BlockTypePhotos   BlockType = "PHOTOS"
	BlockTypeMood     BlockType = "MOOD"
	BlockTypeTags     BlockType = "TAGS"
	BlockTypeTable    BlockType = "TABLE"
	BlockTypeRating   BlockType = "RATING"
	BlockTypeLocation BlockType = "LOCATION"
	BlockTypeMedia    BlockType = "MEDIA"
)

// BlockTypes lists every block type in palette order.
var BlockTypes = []BlockType{
	BlockTypeDate, BlockTypeTime, BlockTypeText, BlockTypePhotos, BlockTypeMood,
	BlockTypeTags, BlockTypeTable, BlockTypeRating, BlockTypeLocation, BlockTypeMedia,
}

// Known reports whether t is one of BlockTypes.
func (t BlockType) Known() bool {
	for _, known := range BlockTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SupportsHalfWidth reports whether blocks of this type may sit in a
// half-width column next to another block. Free text, tables and media need
// the full row.
func (t BlockType) SupportsHalfWidth() bool {
	switch t {
	case BlockTypeText, BlockTypeTable, BlockTypeMedia:
		return false
	}
	return t.Known()
}

const (
	SpanHalf = 1
	SpanFull = 2
)

// Layout is a block's grid placement. Row and Col are derived from the
// block order by the layout normalizer; Span is what the block asks for.
type Layout struct {
	Row  int `json:"row"`
	Col  int `json:"col"`
	Span int `json:"span"`
}

// BlockMove is the final layout of one block after a reorder.
type BlockMove struct {
	BlockID BlockID `json:"block_id"`
	Layout  Layout  `json:"layout"`
}

// Block represents one positioned, typed unit of content.
type Block struct {
	ID     BlockID
	Type   BlockType
	Value  Value
	Layout Layout
}

// NewBlock creates a block with a fresh id and the empty value of its type.
func NewBlock(t BlockType, span int) (Block, error) {
	v, err := NewValue(t)
	if err != nil {
		return Block{}, err
	}
	return Block{ID: NewBlockID(), Type: t, Value: v, Layout: Layout{Span: span}}, nil
}

// Validate checks the block's value against its type and its requested span.
func (b Block) Validate() error {
	if b.ID.IsZero() {
		return invalid("id", "block id is empty")
	}
	if !b.Type.Known() {
		return invalid("type", "unknown block type %q", b.Type)
	}
	if b.Value == nil {
		return invalid("value", "missing value for %s block", b.Type)
	}
	if b.Value.Type() != b.Type {
		return invalid("value", "%s value on %s block", b.Value.Type(), b.Type)
	}
	if b.Layout.Span != SpanHalf && b.Layout.Span != SpanFull {
		return invalid("span", "%d is not 1 or 2", b.Layout.Span)
	}
	return b.Value.Validate()
}

type blockJSON struct {
	ID     BlockID         `json:"id"`
	Type   BlockType       `json:"type"`
	Value  json.RawMessage `json:"value"`
	Layout Layout          `json:"layout"`
}

type blockCBOR struct {
	ID     BlockID         `cbor:"id"`
	Type   BlockType       `cbor:"type"`
	Value  cbor.RawMessage `cbor:"value"`
	Layout Layout          `cbor:"layout"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	if b.Value == nil {
		return nil, fmt.Errorf("block %s has no value", b.ID)
	}
	value, err := json.Marshal(b.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockJSON{ID: b.ID, Type: b.Type, Value: value, Layout: b.Layout})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := DecodeValueJSON(raw.Type, raw.Value)
	if err != nil {
		return err
	}
	*b = Block{ID: raw.ID, Type: raw.Type, Value: v, Layout: raw.Layout}
	return nil
}

func (b Block) MarshalCBOR() ([]byte, error) {
	if b.Value == nil {
		return nil, fmt.Errorf("block %s has no value", b.ID)
	}
	value, err := cbor.Marshal(b.Value)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(blockCBOR{ID: b.ID, Type: b.Type, Value: value, Layout: b.Layout})
}

func (b *Block) UnmarshalCBOR(data []byte) error {
	var raw blockCBOR
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := DecodeValueCBOR(raw.Type, raw.Value)
	if err != nil {
		return err
	}
	*b = Block{ID: raw.ID, Type: raw.Type, Value: v, Layout: raw.Layout}
	return nil
}

// BlockList is the ordered block sequence as stored in a jsonb column.
type BlockList []Block

// Value implements the driver.Valuer interface for database storage
func (l BlockList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]Block(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for database retrieval
func (l *BlockList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = BlockList{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into BlockList", value)
	}
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*l = blocks
	return nil
}

func (BlockList) GormDataType() string { return "jsonb" }
