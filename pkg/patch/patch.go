// Package patch defines the five operations that change a shared record and
// how each is applied to a [models.Document].
package patch

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
)

// Kind is the operation a patch performs.
type Kind string

const (
	KindInsert   Kind = "BLOCK_INSERT"
	KindDelete   Kind = "BLOCK_DELETE"
	KindMove     Kind = "BLOCK_MOVE"
	KindSetValue Kind = "BLOCK_SET_VALUE"
	KindSetTitle Kind = "BLOCK_SET_TITLE"
)

// Patch is one operation. BaseVersion is the record version the sender had
// applied when it made the patch. Version and Session are filled in by the
// hub once the patch is accepted.
type Patch struct {
	ID          string              `json:"id"`
	Kind        Kind                `json:"kind"`
	BaseVersion uint64              `json:"base_version"`
	Version     uint64              `json:"version,omitempty"`
	Session     models.SessionID    `json:"session,omitempty"`
	Block       *models.Block       `json:"block,omitempty"`
	BlockID     *models.BlockID     `json:"block_id,omitempty"`
	Moves       []models.BlockMove  `json:"moves,omitempty"`
	Value       *models.TaggedValue `json:"value,omitempty"`
	Title       *string             `json:"title,omitempty"`
}

func newPatch(kind Kind) Patch {
	return Patch{ID: ulid.Make().String(), Kind: kind}
}

func Insert(block models.Block) Patch {
	p := newPatch(KindInsert)
	p.Block = &block
	return p
}

func Delete(id models.BlockID) Patch {
	p := newPatch(KindDelete)
	p.BlockID = &id
	return p
}

func Move(moves []models.BlockMove) Patch {
	p := newPatch(KindMove)
	p.Moves = moves
	return p
}

func SetValue(id models.BlockID, v models.Value) Patch {
	p := newPatch(KindSetValue)
	p.BlockID = &id
	p.Value = &models.TaggedValue{Value: v}
	return p
}

func SetTitle(title string) Patch {
	p := newPatch(KindSetTitle)
	p.Title = &title
	return p
}

func malformed(p Patch, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s: %s", constants.ErrMalformedPatch, p.Kind, p.ID, fmt.Sprintf(format, args...))
}

// Validate checks that p carries what its kind needs.
func (p Patch) Validate() error {
	switch p.Kind {
	case KindInsert:
		if p.Block == nil {
			return malformed(p, "missing block")
		}
		if err := p.Block.Validate(); err != nil {
			return malformed(p, "%v", err)
		}
	case KindDelete:
		if p.BlockID == nil {
			return malformed(p, "missing block id")
		}
	case KindMove:
		if len(p.Moves) == 0 {
			return malformed(p, "no moves")
		}
		for _, m := range p.Moves {
			if m.Layout.Span != models.SpanHalf && m.Layout.Span != models.SpanFull {
				return malformed(p, "span %d for block %s", m.Layout.Span, m.BlockID)
			}
		}
	case KindSetValue:
		if p.BlockID == nil || p.Value == nil || p.Value.Value == nil {
			return malformed(p, "missing block id or value")
		}
	case KindSetTitle:
		if p.Title == nil {
			return malformed(p, "missing title")
		}
	default:
		return malformed(p, "unknown kind")
	}
	return nil
}

// Touches returns the lock key of the field p edits.
func (p Patch) Touches() (models.LockKey, bool) {
	switch p.Kind {
	case KindSetTitle:
		return models.TitleLockKey, true
	case KindSetValue, KindDelete:
		if p.BlockID != nil {
			return models.BlockLockKey(*p.BlockID), true
		}
	case KindInsert:
		if p.Block != nil {
			return models.BlockLockKey(p.Block.ID), true
		}
	}
	return "", false
}

// Marshal encodes p for the patch log.
func (p Patch) Marshal() (models.RawPatch, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch %s: %w", p.ID, err)
	}
	return models.RawPatch(data), nil
}

// Unmarshal decodes a patch log payload.
func Unmarshal(raw models.RawPatch) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", constants.ErrMalformedPatch, err)
	}
	return p, nil
}
