package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/patch"
	"github.com/daybook/recordsync/pkg/session"
	"github.com/daybook/recordsync/pkg/wire"
)

// API is a client of the recordsync HTTP API.
//
//	api := client.NewAPI("http://localhost:8080")
//	rec, err := api.CreateRecord(ctx, "Trip")
//
// Errors from the server are *APIError values that unwrap to the matching
// constants error, so callers can test them with errors.Is.
type API struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPI creates an API client for the server at baseURL.
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a response with an error status.
type APIError struct {
	StatusCode int
	Message    string
	// Reject is set when a patch or publish was refused.
	Reject *wire.Reject
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d, body=%s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Reject != nil {
		switch e.Reject.Reason {
		case wire.ReasonConflict:
			return constants.ErrVersionConflict
		case wire.ReasonLocked:
			return constants.ErrLockHeld
		case wire.ReasonReadOnly:
			return constants.ErrReadOnly
		case wire.ReasonMalformed:
			return constants.ErrMalformedPatch
		}
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return constants.ErrNotFound
	case http.StatusForbidden:
		return constants.ErrReadOnly
	case http.StatusConflict:
		return constants.ErrPublished
	}
	return nil
}

func (a *API) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return a.httpClient.Do(req)
}

// decodeResponse decodes the JSON response into target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var payload struct {
			Error string `json:"error"`
			wire.Reject
		}
		if json.Unmarshal(body, &payload) == nil {
			if payload.Error != "" {
				apiErr.Message = payload.Error
			}
			if payload.Reason != "" {
				apiErr.Reject = &payload.Reject
			}
		}
		return apiErr
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (a *API) Health(ctx context.Context) (map[string]any, error) {
	resp, err := a.doRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Records

// CreateRecord creates a record holding the default document.
func (a *API) CreateRecord(ctx context.Context, title string) (*models.Record, error) {
	resp, err := a.doRequest(ctx, http.MethodPost, "/api/records", map[string]string{"title": title})
	if err != nil {
		return nil, err
	}

	var result models.Record
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *API) GetRecord(ctx context.Context, id models.DocumentID) (*models.Record, error) {
	resp, err := a.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/records/%s", id), nil)
	if err != nil {
		return nil, err
	}

	var result models.Record
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *API) DeleteRecord(ctx context.Context, id models.DocumentID) error {
	resp, err := a.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/records/%s", id), nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// ListPatches returns the logged patches of a record after version since.
func (a *API) ListPatches(ctx context.Context, id models.DocumentID, since uint64) ([]*models.PatchLogEntry, error) {
	resp, err := a.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/records/%s/patches?since=%d", id, since), nil)
	if err != nil {
		return nil, err
	}

	var result []*models.PatchLogEntry
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyPatch applies p to a record at p.BaseVersion.
func (a *API) ApplyPatch(ctx context.Context, id models.DocumentID, p patch.Patch) (wire.Ack, error) {
	resp, err := a.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/records/%s/patches", id), p)
	if err != nil {
		return wire.Ack{}, err
	}

	var result wire.Ack
	if err := decodeResponse(resp, &result); err != nil {
		return wire.Ack{}, err
	}
	return result, nil
}

// Publish publishes a record that is still at version base.
func (a *API) Publish(ctx context.Context, id models.DocumentID, base uint64) error {
	resp, err := a.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/records/%s/publish", id), wire.Publish{BaseVersion: base})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// Administrative

func (a *API) SetReadOnly(ctx context.Context, readOnly bool) error {
	resp, err := a.doRequest(ctx, http.MethodPost, "/api/admin/read-only", map[string]bool{"read_only": readOnly})
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// RecordSink saves the patches of a personal session editing one record.
type RecordSink struct {
	api *API
	id  models.DocumentID
}

var _ session.Sink = (*RecordSink)(nil)

func (a *API) Sink(id models.DocumentID) *RecordSink {
	return &RecordSink{api: a, id: id}
}

func (s *RecordSink) Apply(p patch.Patch) (uint64, error) {
	ack, err := s.api.ApplyPatch(context.Background(), s.id, p)
	if err != nil {
		return 0, err
	}
	return ack.Version, nil
}

func (s *RecordSink) Publish(base uint64) error {
	return s.api.Publish(context.Background(), s.id, base)
}
