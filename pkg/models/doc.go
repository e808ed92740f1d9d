// Package models defines the record document shared by every participant of
// a collaborative editing session.
//
// # Documents and blocks
//
// A [Document] is a title plus an ordered sequence of [Block] values. Each
// block has a [BlockType], a [Value] whose concrete type is fixed by the block
// type, and a [Layout]. The sequence order is the reading order; a block's
// Row and Col are derived from that order and each block's requested Span by
// the layout normalizer and are never set independently.
//
// Values form a closed set. [NewValue] returns the empty value of a type and
// [DecodeValueJSON] / [DecodeValueCBOR] decode and validate a payload for a
// known type. [TaggedValue] carries the type alongside the payload where no
// block is at hand, as in a BLOCK_SET_VALUE patch.
//
// # Typed IDs
//
// [DocumentID] and [BlockID] wrap UUIDs. DocumentID knows its SurrealDB table
// and marshals to a RecordID in CBOR, a uuid column in PostgreSQL and a string
// in JSON. [SessionID] is a ULID issued by the hub when a participant joins.
//
// # Persistence
//
// [Record] is the canonical, versioned form of a document as kept by the
// store. [PatchLogEntry] is one accepted patch; the log of a record replays
// to its canonical document.
package models
