package recordsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook/recordsync/pkg/client"
	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/session"
	"github.com/daybook/recordsync/pkg/store"
	"github.com/daybook/recordsync/pkg/wire"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app, err := New(&Config{
		Store:     StoreMemory,
		Codec:     wire.ProtocolJSON,
		LogFormat: LogFormatText,
		LogFile:   filepath.Join(t.TempDir(), "recordsync.log"),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Hub().Shutdown(ctx)
		srv.Close()
		_ = app.Close()
	})
	return app, srv
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, url, nil)
	} else {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	}
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createRecord(t *testing.T, srv *httptest.Server, title string) models.Record {
	t.Helper()
	var rec models.Record
	status := do(t, http.MethodPost, srv.URL+"/api/records", `{"title":"`+title+`"}`, &rec)
	require.Equal(t, http.StatusCreated, status)
	return rec
}

func TestHealth(t *testing.T) {
	_, srv := newTestApp(t)
	var health map[string]any
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/health", "", &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, StoreMemory, health["store"])
	assert.Equal(t, false, health["read_only"])
}

func TestRecordLifecycle(t *testing.T) {
	_, srv := newTestApp(t)

	rec := createRecord(t, srv, "Trip")
	assert.Equal(t, "Trip", rec.Title)
	assert.Equal(t, uint64(4), rec.Version)
	require.Len(t, rec.Blocks, 3)
	assert.Equal(t, models.BlockTypeDate, rec.Blocks[0].Type)

	var untitled models.Record
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, srv.URL+"/api/records", "", &untitled))
	assert.Empty(t, untitled.Title)

	var got models.Record
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String(), "", &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Document(), got.Document())

	var list []models.Record
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records", "", &list))
	assert.Len(t, list, 2)

	var entries []models.PatchLogEntry
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String()+"/patches", "", &entries))
	require.Len(t, entries, 4)
	assert.Equal(t, string(patch.KindSetTitle), entries[0].Kind)

	entries = nil
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String()+"/patches?since=2&limit=1", "", &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].Version)

	var presence []models.Participant
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String()+"/presence", "", &presence))
	assert.Empty(t, presence)

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/api/records/"+rec.ID.String(), "", nil))
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String(), "", nil))
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String()+"/patches", "", nil))
}

func TestBadRequests(t *testing.T) {
	_, srv := newTestApp(t)
	rec := createRecord(t, srv, "Trip")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad record id", http.MethodGet, "/api/records/not-a-uuid", "", http.StatusBadRequest},
		{"bad payload", http.MethodPost, "/api/records", "{", http.StatusBadRequest},
		{"bad since", http.MethodGet, "/api/records/" + rec.ID.String() + "/patches?since=x", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/records/" + rec.ID.String() + "/patches?limit=-1", "", http.StatusBadRequest},
		{"bad read-only payload", http.MethodPost, "/api/admin/read-only", "nope", http.StatusBadRequest},
		{"unknown socket", http.MethodGet, "/ws/records/" + models.NewDocumentID().String(), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(t, tt.method, srv.URL+tt.path, tt.body, nil))
		})
	}
}

func TestReadOnlyToggle(t *testing.T) {
	app, srv := newTestApp(t)
	rec := createRecord(t, srv, "Frozen")

	var state readOnlyPayload
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/admin/read-only", `{"read_only":true}`, &state))
	assert.True(t, state.ReadOnly)
	assert.True(t, app.IsReadOnly())

	var failure map[string]string
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodPost, srv.URL+"/api/records", `{"title":"x"}`, &failure))
	assert.Contains(t, failure["error"], "read-only")
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodDelete, srv.URL+"/api/records/"+rec.ID.String(), "", nil))
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String(), "", nil))

	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/admin/read-only", `{"read_only":false}`, &state))
	assert.False(t, state.ReadOnly)
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/admin/read-only", "", &state))
	assert.False(t, state.ReadOnly)
}

func TestDeleteEndsSessions(t *testing.T) {
	app, srv := newTestApp(t)
	rec := createRecord(t, srv, "Shared")

	u, err := client.RecordURL(srv.URL, rec.ID)
	require.NoError(t, err)
	c, err := client.Dial(context.Background(), client.Config{URL: u})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	assert.Equal(t, wire.ProtocolJSON, c.Protocol())

	require.NoError(t, c.Send(wire.Message{Type: wire.TypeJoin, Join: &wire.Join{ActorID: "ana", DisplayName: "Ana"}}))
	snap := next(t, c, wire.TypeSnapshot).Snapshot
	assert.Equal(t, rec.Version, snap.Version)
	assert.Len(t, app.Hub().Presence(rec.ID), 1)

	require.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/api/records/"+rec.ID.String(), "", nil))
	closed := next(t, c, wire.TypeClosed).Closed
	assert.Equal(t, wire.ClosedDeleted, closed.Reason)
}

func TestApplyPatchOverHTTP(t *testing.T) {
	_, srv := newTestApp(t)
	rec := createRecord(t, srv, "Shared")
	url := srv.URL + "/api/records/" + rec.ID.String() + "/patches"

	u, err := client.RecordURL(srv.URL, rec.ID)
	require.NoError(t, err)
	c, err := client.Dial(context.Background(), client.Config{URL: u})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	require.NoError(t, c.Send(wire.Message{Type: wire.TypeJoin, Join: &wire.Join{ActorID: "ana"}}))
	snap := next(t, c, wire.TypeSnapshot).Snapshot

	var ack wire.Ack
	status := do(t, http.MethodPost, url, `{"id":"p-1","kind":"BLOCK_SET_TITLE","base_version":4,"title":"Renamed"}`, &ack)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "p-1", ack.PatchID)
	assert.Equal(t, uint64(5), ack.Version)
	assert.Equal(t, "p-1", next(t, c, wire.TypePatch).Patch.ID, "connected sessions see the patch")

	var rej struct {
		Error string `json:"error"`
		wire.Reject
	}
	status = do(t, http.MethodPost, url, `{"id":"p-2","kind":"BLOCK_SET_TITLE","base_version":99,"title":"Forged"}`, &rej)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, wire.ReasonConflict, rej.Reason)
	assert.Equal(t, uint64(5), rej.Version)

	notes := snap.Document.Blocks[2].ID
	edit := patch.SetValue(notes, models.TextValue{Text: "from ana"})
	edit.BaseVersion = 5
	require.NoError(t, c.Send(wire.PatchMessage(edit)))
	assert.Equal(t, uint64(6), next(t, c, wire.TypeAck).Ack.Version)

	stale := `{"id":"p-3","kind":"BLOCK_SET_VALUE","base_version":5,"block_id":"` + notes.String() + `","value":{"type":"TEXT","data":{"text":"over ana"}}}`
	status = do(t, http.MethodPost, url, stale, &rej)
	assert.Equal(t, http.StatusConflict, status, "ana wrote the notes after the base")
	assert.Equal(t, wire.ReasonConflict, rej.Reason)

	status = do(t, http.MethodPost, url, `{"id":"p-4","kind":"BLOCK_EXPLODE","base_version":6}`, &rej)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, wire.ReasonMalformed, rej.Reason)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, url, `{"kind":"BLOCK_SET_TITLE","title":"x"}`, nil))
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPost, srv.URL+"/api/records/"+models.NewDocumentID().String()+"/patches", `{"id":"p-5","kind":"BLOCK_SET_TITLE","title":"x"}`, nil))

	var got models.Record
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String(), "", &got))
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, uint64(6), got.Version)
	assert.Equal(t, models.TextValue{Text: "from ana"}, got.Blocks[2].Value)
}

func TestPublishOverHTTP(t *testing.T) {
	_, srv := newTestApp(t)
	rec := createRecord(t, srv, "Final")
	url := srv.URL + "/api/records/" + rec.ID.String() + "/publish"

	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, url, `{"base_version":3}`, nil))
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodPost, url, `{"base_version":4}`, nil))

	var got models.Record
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID.String(), "", &got))
	assert.True(t, got.Published)
	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, url, `{"base_version":4}`, nil))
}

func TestPersonalSessionOverAPI(t *testing.T) {
	_, srv := newTestApp(t)
	api := client.NewAPI(srv.URL)
	ctx := context.Background()

	rec, err := api.CreateRecord(ctx, "Diary")
	require.NoError(t, err)

	s, err := session.New(session.Options{Document: rec.Document(), Version: rec.Version, Sink: api.Sink(rec.ID)})
	require.NoError(t, err)
	notes := rec.Blocks[2].ID
	require.NoError(t, s.Dispatch(session.SetTitle{Title: "Dear diary"}))
	require.NoError(t, s.Dispatch(session.SetValue{BlockID: notes, Value: models.TextValue{Text: "Rain all day."}}))
	assert.Equal(t, uint64(6), s.Version())

	got, err := api.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.Version)
	assert.Equal(t, "Dear diary", got.Title)
	assert.Equal(t, models.TextValue{Text: "Rain all day."}, got.Blocks[2].Value)

	entries, err := api.ListPatches(ctx, rec.ID, 4)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Someone else edits the record behind the session's back.
	_, err = api.ApplyPatch(ctx, rec.ID, patch.Patch{ID: "elsewhere", Kind: patch.KindSetTitle, BaseVersion: 6, Title: ptr("Other")})
	require.NoError(t, err)
	err = s.Dispatch(session.Publish{})
	require.ErrorIs(t, err, constants.ErrVersionConflict)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	require.NoError(t, api.SetReadOnly(ctx, true))
	require.ErrorIs(t, s.Dispatch(session.SetTitle{Title: "Blocked"}), constants.ErrReadOnly)
	assert.Equal(t, "Dear diary", s.Document().Title)
	require.NoError(t, api.SetReadOnly(ctx, false))

	require.NoError(t, api.Publish(ctx, rec.ID, 7))
	got, err = api.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Published)
	_, err = api.GetRecord(ctx, models.NewDocumentID())
	require.ErrorIs(t, err, constants.ErrNotFound)
}

func ptr[T any](v T) *T { return &v }

func next(t *testing.T, c *client.Client, typ wire.Type) wire.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.Inbound():
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			require.FailNow(t, "timed out", "waiting for %s", typ)
		}
	}
}

func TestReplay(t *testing.T) {
	app, srv := newTestApp(t)
	rec := createRecord(t, srv, "Logged")
	ctx := context.Background()

	report, err := app.Replay(ctx, &ReplayCommand{Record: rec.ID.String()})
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.Equal(t, uint64(4), report.ReplayedVersion)

	// A save that skips the log leaves the record ahead of it.
	stored, err := app.Store().GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	stored.Title = "Tampered"
	stored.Version++
	require.NoError(t, app.Store().SaveRecord(ctx, stored, rec.Version, nil))

	report, err = app.Replay(ctx, &ReplayCommand{Record: rec.ID.String()})
	require.NoError(t, err)
	assert.False(t, report.Match)
	assert.Equal(t, uint64(5), report.StoredVersion)
	assert.Equal(t, uint64(4), report.ReplayedVersion)

	_, err = app.Replay(ctx, &ReplayCommand{Record: models.NewDocumentID().String()})
	assert.ErrorIs(t, err, constants.ErrNotFound)
}

func TestSeedReplaysToRecord(t *testing.T) {
	rec, seed, _, err := store.NewRecord("Seeded", time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	doc, version, err := patch.Replay(seed)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, version)
	same, err := sameDocument(rec.Document(), doc)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestMainMigrate(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "main.log")
	require.NoError(t, Main(context.Background(), []string{"-log-format", "zerolog", "-log-file", logFile, "migrate"}))
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "migrations completed successfully")
}

func TestMainReplayUnknownRecord(t *testing.T) {
	err := Main(context.Background(), []string{"-log-file", filepath.Join(t.TempDir(), "main.log"), "-record", models.NewDocumentID().String(), "replay"})
	assert.ErrorIs(t, err, constants.ErrNotFound)
}
