package models

import (
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"

	"github.com/daybook/recordsync/pkg/constants"
)

// Value is the payload of a block. The set of implementations is closed:
// each BlockType has exactly one Value type, and a block's value never
// changes type.
type Value interface {
	Type() BlockType
	Validate() error
	sealed()
}

// ValueError describes a field-level validation failure.
type ValueError struct {
	Field  string
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValueError) Unwrap() error { return constants.ErrInvalidValue }

func invalid(field, format string, args ...any) error {
	return &ValueError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DateLayout is the wire format of DateValue.
const DateLayout = "2006-01-02"

type DateValue struct {
	Date string `json:"date"`
}

func (DateValue) Type() BlockType { return BlockTypeDate }
func (DateValue) sealed()         {}

func (v DateValue) Validate() error {
	if _, err := time.Parse(DateLayout, v.Date); err != nil {
		return invalid("date", "%q is not YYYY-MM-DD", v.Date)
	}
	return nil
}

type TimeValue struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (TimeValue) Type() BlockType { return BlockTypeTime }
func (TimeValue) sealed()         {}

func (v TimeValue) Validate() error {
	if v.Hour < 0 || v.Hour > 23 {
		return invalid("hour", "%d out of range", v.Hour)
	}
	if v.Minute < 0 || v.Minute > 59 {
		return invalid("minute", "%d out of range", v.Minute)
	}
	return nil
}

type TextValue struct {
	Text string `json:"text"`
}

func (TextValue) Type() BlockType { return BlockTypeText }
func (TextValue) sealed()         {}
func (TextValue) Validate() error { return nil }

// MediaRef points at uploaded media. Before the upload is confirmed only
// LocalRef is set; resolving either to a URL happens outside the engine.
type MediaRef struct {
	MediaID  string `json:"media_id,omitempty"`
	LocalRef string `json:"local_ref,omitempty"`
}

// Pending reports whether the upload behind r is not yet confirmed.
func (r MediaRef) Pending() bool { return r.MediaID == "" && r.LocalRef != "" }

func (r MediaRef) validate(field string) error {
	if r.MediaID == "" && r.LocalRef == "" {
		return invalid(field, "media reference is empty")
	}
	return nil
}

type PhotosValue struct {
	Items []MediaRef `json:"items"`
}

func (PhotosValue) Type() BlockType { return BlockTypePhotos }
func (PhotosValue) sealed()         {}

func (v PhotosValue) Validate() error {
	for i, item := range v.Items {
		if err := item.validate(fmt.Sprintf("items[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

type Mood string

const (
	MoodNone    Mood = ""
	MoodGreat   Mood = "GREAT"
	MoodGood    Mood = "GOOD"
	MoodNeutral Mood = "NEUTRAL"
	MoodBad     Mood = "BAD"
	MoodAwful   Mood = "AWFUL"
)

type MoodValue struct {
	Mood Mood `json:"mood"`
}

func (MoodValue) Type() BlockType { return BlockTypeMood }
func (MoodValue) sealed()         {}

func (v MoodValue) Validate() error {
	switch v.Mood {
	case MoodNone, MoodGreat, MoodGood, MoodNeutral, MoodBad, MoodAwful:
		return nil
	}
	return invalid("mood", "unknown mood %q", v.Mood)
}

type TagsValue struct {
	Tags []string `json:"tags"`
}

func (TagsValue) Type() BlockType { return BlockTypeTags }
func (TagsValue) sealed()         {}

func (v TagsValue) Validate() error {
	seen := make(map[string]struct{}, len(v.Tags))
	for _, tag := range v.Tags {
		if tag == "" {
			return invalid("tags", "empty tag")
		}
		if _, dup := seen[tag]; dup {
			return invalid("tags", "duplicate tag %q", tag)
		}
		seen[tag] = struct{}{}
	}
	return nil
}

type TableValue struct {
	Rows [][]string `json:"rows"`
}

func (TableValue) Type() BlockType { return BlockTypeTable }
func (TableValue) sealed()         {}

func (v TableValue) Validate() error {
	for i, row := range v.Rows {
		if len(row) != len(v.Rows[0]) {
			return invalid("rows", "row %d has %d cells, want %d", i, len(row), len(v.Rows[0]))
		}
	}
	return nil
}

// MaxRating is the number of stars a RatingValue can hold.
const MaxRating = 5

type RatingValue struct {
	Stars int `json:"stars"`
}

func (RatingValue) Type() BlockType { return BlockTypeRating }
func (RatingValue) sealed()         {}

func (v RatingValue) Validate() error {
	if v.Stars < 0 || v.Stars > MaxRating {
		return invalid("stars", "%d out of range", v.Stars)
	}
	return nil
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationValue holds a place. Coordinates are nil until the place has been
// geocoded.
type LocationValue struct {
	Name        string       `json:"name"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

func (LocationValue) Type() BlockType { return BlockTypeLocation }
func (LocationValue) sealed()         {}

func (v LocationValue) Validate() error {
	if v.Coordinates == nil {
		return nil
	}
	c := v.Coordinates
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return invalid("lat", "%v out of range", c.Lat)
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return invalid("lng", "%v out of range", c.Lng)
	}
	return nil
}

type MediaKind string

const (
	MediaKindVideo MediaKind = "VIDEO"
	MediaKindAudio MediaKind = "AUDIO"
	MediaKindFile  MediaKind = "FILE"
)

// MediaValue is a single attachment. Media is nil for an empty block.
type MediaValue struct {
	Media *MediaRef `json:"media,omitempty"`
	Kind  MediaKind `json:"kind,omitempty"`
}

func (MediaValue) Type() BlockType { return BlockTypeMedia }
func (MediaValue) sealed()         {}

func (v MediaValue) Validate() error {
	if v.Media == nil {
		return nil
	}
	switch v.Kind {
	case MediaKindVideo, MediaKindAudio, MediaKindFile:
	default:
		return invalid("kind", "unknown media kind %q", v.Kind)
	}
	return v.Media.validate("media")
}

// NewValue returns the empty value of a block type.
func NewValue(t BlockType) (Value, error) {
	switch t {
	case BlockTypeDate:
		return DateValue{Date: time.Now().Format(DateLayout)}, nil
	case BlockTypeTime:
		now := time.Now()
		return TimeValue{Hour: now.Hour(), Minute: now.Minute()}, nil
	case BlockTypeText:
		return TextValue{}, nil
	case BlockTypePhotos:
		return PhotosValue{}, nil
	case BlockTypeMood:
		return MoodValue{}, nil
	case BlockTypeTags:
		return TagsValue{}, nil
	case BlockTypeTable:
		return TableValue{}, nil
	case BlockTypeRating:
		return RatingValue{}, nil
	case BlockTypeLocation:
		return LocationValue{}, nil
	case BlockTypeMedia:
		return MediaValue{}, nil
	}
	return nil, invalid("type", "unknown block type %q", t)
}

func decodeAs[T Value](unmarshal func(any) error) (Value, error) {
	var v T
	if err := unmarshal(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeValue(t BlockType, unmarshal func(any) error) (Value, error) {
	var (
		v   Value
		err error
	)
	switch t {
	case BlockTypeDate:
		v, err = decodeAs[DateValue](unmarshal)
	case BlockTypeTime:
		v, err = decodeAs[TimeValue](unmarshal)
	case BlockTypeText:
		v, err = decodeAs[TextValue](unmarshal)
	case BlockTypePhotos:
		v, err = decodeAs[PhotosValue](unmarshal)
	case BlockTypeMood:
		v, err = decodeAs[MoodValue](unmarshal)
	case BlockTypeTags:
		v, err = decodeAs[TagsValue](unmarshal)
	case BlockTypeTable:
		v, err = decodeAs[TableValue](unmarshal)
	case BlockTypeRating:
		v, err = decodeAs[RatingValue](unmarshal)
	case BlockTypeLocation:
		v, err = decodeAs[LocationValue](unmarshal)
	case BlockTypeMedia:
		v, err = decodeAs[MediaValue](unmarshal)
	default:
		return nil, invalid("type", "unknown block type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s value: %w", t, err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeValueJSON decodes and validates a JSON payload of the given type.
func DecodeValueJSON(t BlockType, raw []byte) (Value, error) {
	return decodeValue(t, func(dst any) error { return json.Unmarshal(raw, dst) })
}

// DecodeValueCBOR decodes and validates a CBOR payload of the given type.
func DecodeValueCBOR(t BlockType, raw []byte) (Value, error) {
	return decodeValue(t, func(dst any) error { return cbor.Unmarshal(raw, dst) })
}

// TaggedValue carries a Value together with its type, so it can be decoded
// without the block it belongs to.
type TaggedValue struct {
	Value Value
}

type taggedJSON struct {
	Type BlockType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type taggedCBOR struct {
	Type BlockType       `cbor:"type"`
	Data cbor.RawMessage `cbor:"data"`
}

func (t TaggedValue) MarshalJSON() ([]byte, error) {
	if t.Value == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(t.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedJSON{Type: t.Value.Type(), Data: data})
}

func (t *TaggedValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Value = nil
		return nil
	}
	var raw taggedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := DecodeValueJSON(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	t.Value = v
	return nil
}

func (t TaggedValue) MarshalCBOR() ([]byte, error) {
	if t.Value == nil {
		return cbor.Marshal(nil)
	}
	data, err := cbor.Marshal(t.Value)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(taggedCBOR{Type: t.Value.Type(), Data: data})
}

func (t *TaggedValue) UnmarshalCBOR(data []byte) error {
	var raw *taggedCBOR
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		t.Value = nil
		return nil
	}
	v, err := DecodeValueCBOR(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	t.Value = v
	return nil
}
