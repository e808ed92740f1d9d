package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Record is the persisted, canonical form of a document. Version is the
// server's counter; it advances by one for every accepted patch.
type Record struct {
	ID        DocumentID `gorm:"type:uuid;primary_key" json:"id"`
	Title     string     `gorm:"not null;default:''" json:"title"`
	Blocks    BlockList  `gorm:"type:jsonb;not null" json:"blocks"`
	Version   uint64     `gorm:"not null;default:0" json:"version"`
	Published bool       `gorm:"not null;default:false" json:"published"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the table name for the record model
func (Record) TableName() string {
	return RecordsTable
}

// BeforeCreate hook to generate ID if not set
func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.ID.IsZero() {
		r.ID = NewDocumentID()
	}
	return nil
}

// Document returns a copy of the record's content.
func (r *Record) Document() Document {
	return Document{Title: r.Title, Blocks: []Block(r.Blocks)}.Clone()
}

// SetDocument replaces the record's content with a copy of doc.
func (r *Record) SetDocument(doc Document) {
	doc = doc.Clone()
	r.Title = doc.Title
	r.Blocks = BlockList(doc.Blocks)
}

// RawPatch is an encoded patch kept verbatim in the patch log.
type RawPatch []byte

func (p RawPatch) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *RawPatch) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// Value implements the driver.Valuer interface for database storage
func (p RawPatch) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return string(p), nil
}

// Scan implements the sql.Scanner interface for database retrieval
func (p *RawPatch) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(RawPatch(nil), v...)
	case string:
		*p = RawPatch(v)
	default:
		return fmt.Errorf("cannot scan type %T into RawPatch", value)
	}
	return nil
}

// PatchLogEntry is one accepted patch, in version order. Replaying the log of
// a record from version 1 reproduces its canonical document.
type PatchLogEntry struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"-"`
	RecordID  DocumentID `gorm:"type:uuid;not null;uniqueIndex:idx_patch_log_record_version" json:"record_id"`
	Version   uint64     `gorm:"not null;uniqueIndex:idx_patch_log_record_version" json:"version"`
	SessionID SessionID  `gorm:"not null;default:''" json:"session_id"`
	Kind      string     `gorm:"not null" json:"kind"`
	Patch     RawPatch   `gorm:"type:jsonb;not null" json:"patch"`
	AppliedAt time.Time  `gorm:"not null" json:"applied_at"`
}

// TableName returns the table name for the patch log model
func (PatchLogEntry) TableName() string {
	return "patch_log"
}

// Participant is one connected session as shown to the others.
type Participant struct {
	SessionID      SessionID `json:"session_id"`
	ActorID        string    `json:"actor_id"`
	DisplayName    string    `json:"display_name"`
	ProfileImageID *string   `json:"profile_image_id,omitempty"`
}
