package recordsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/store"
)

// ErrReplayMismatch is returned by Main when a replayed record differs from
// the stored one.
var ErrReplayMismatch = errors.New("replayed record differs from stored record")

// ReplayReport compares a record with the document rebuilt from its log.
type ReplayReport struct {
	Record          models.DocumentID `json:"record"`
	StoredVersion   uint64            `json:"stored_version"`
	ReplayedVersion uint64            `json:"replayed_version"`
	Match           bool              `json:"match"`
}

// Replay rebuilds the record named by cmd from its patch log.
func (a *App) Replay(ctx context.Context, cmd *ReplayCommand) (*ReplayReport, error) {
	id, err := models.ParseDocumentID(cmd.Record)
	if err != nil {
		return nil, err
	}

	rec, err := a.store.GetRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s: %w", id, constants.ErrNotFound)
	}

	doc, version, err := store.Replay(ctx, a.store, id)
	if err != nil {
		return nil, fmt.Errorf("failed to replay record %s: %w", id, err)
	}

	same, err := sameDocument(rec.Document(), doc)
	if err != nil {
		return nil, err
	}
	report := &ReplayReport{
		Record:          id,
		StoredVersion:   rec.Version,
		ReplayedVersion: version,
		Match:           same && rec.Version == version,
	}
	a.logger.Info("record replayed",
		"record", id,
		"stored_version", report.StoredVersion,
		"replayed_version", report.ReplayedVersion,
		"match", report.Match,
	)
	return report, nil
}

// sameDocument compares the wire encodings, so values decoded through
// different paths compare equal.
func sameDocument(a, b models.Document) (bool, error) {
	ea, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("failed to encode document: %w", err)
	}
	eb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("failed to encode document: %w", err)
	}
	return bytes.Equal(ea, eb), nil
}
