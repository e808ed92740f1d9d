package recordsync

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/hub"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/store"
	"github.com/daybook/recordsync/pkg/wire"
)

type createRecordRequest struct {
	Title string `json:"title"`
}

// rejectResponse is the body of a refused patch or publish.
type rejectResponse struct {
	Error string `json:"error"`
	wire.Reject
}

type readOnlyPayload struct {
	ReadOnly bool `json:"read_only"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"store":     a.config.Store,
		"read_only": a.IsReadOnly(),
		"time":      time.Now().Unix(),
	}
	respondJSON(w, http.StatusOK, response)
}

func (a *App) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.ListRecords(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleCreateRecord creates a record holding the default document. The
// body is optional and may carry a title.
func (a *App) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request payload")
			return
		}
	}

	rec, seed, _, err := store.NewRecord(req.Title, time.Now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.store.CreateRecord(r.Context(), rec, seed); err != nil {
		respondStoreError(w, err)
		return
	}
	a.logger.Info("record created", "record", rec.ID)
	respondJSON(w, http.StatusCreated, rec)
}

func (a *App) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	rec, err := a.store.GetRecord(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "Record not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleDeleteRecord deletes a record and ends every session editing it.
func (a *App) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	if err := a.store.DeleteRecord(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	a.hub.CloseRecord(id, wire.ClosedDeleted)
	a.logger.Info("record deleted", "record", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListPatches(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	var (
		since uint64
		limit int
		err   error
	)
	if s := r.URL.Query().Get("since"); s != "" {
		if since, err = strconv.ParseUint(s, 10, 64); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid since version")
			return
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}

	ctx := r.Context()
	rec, err := a.store.GetRecord(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "Record not found")
		return
	}

	entries, err := a.store.ListPatchesSince(ctx, id, since, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*models.PatchLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleApplyPatch applies one patch from an editor without a session. The
// patch's base_version is checked against the record like any other.
func (a *App) handleApplyPatch(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	var pt patch.Patch
	if err := json.NewDecoder(r.Body).Decode(&pt); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if pt.ID == "" {
		respondError(w, http.StatusBadRequest, "Missing patch ID")
		return
	}

	ack, err := a.hub.ApplyPatch(r.Context(), id, pt)
	if err != nil {
		respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

// handlePublish publishes a record at the version in the body.
func (a *App) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	var req wire.Publish
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := a.hub.Publish(r.Context(), id, req.BaseVersion); err != nil {
		respondHubError(w, err)
		return
	}
	a.logger.Info("record published over the api", "record", id, "version", req.BaseVersion)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handlePresence(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, a.hub.Presence(id))
}

func (a *App) handleGetReadOnly(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, readOnlyPayload{ReadOnly: a.IsReadOnly()})
}

func (a *App) handleSetReadOnly(w http.ResponseWriter, r *http.Request) {
	var req readOnlyPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	a.SetReadOnly(req.ReadOnly)
	respondJSON(w, http.StatusOK, readOnlyPayload{ReadOnly: a.IsReadOnly()})
}

func (a *App) handleRecordSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	a.hub.ServeWS(w, r, id)
}

func recordID(w http.ResponseWriter, r *http.Request) (models.DocumentID, bool) {
	id, err := models.ParseDocumentID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid record ID")
		return models.DocumentID{}, false
	}
	return id, true
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, constants.ErrReadOnly):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, constants.ErrNotFound):
		respondError(w, http.StatusNotFound, "Record not found")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondHubError(w http.ResponseWriter, err error) {
	var rej *hub.RejectError
	if errors.As(err, &rej) {
		status := http.StatusConflict
		switch rej.Reject.Reason {
		case wire.ReasonMalformed:
			status = http.StatusBadRequest
		case wire.ReasonReadOnly:
			status = http.StatusForbidden
		case wire.ReasonUnavailable:
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, rejectResponse{Error: rej.Error(), Reject: rej.Reject})
		return
	}
	switch {
	case errors.Is(err, constants.ErrPublished), errors.Is(err, constants.ErrSessionClosed):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondStoreError(w, err)
	}
}

// respondJSON sends payload as JSON with the given status. A nil payload
// sends headers only.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

// respondError sends {"error": message}.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
