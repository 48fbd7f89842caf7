package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostlabs/edgesync/internal/models"
)

func newTestClient(t *testing.T) *CentralClient {
	t.Helper()
	c := NewCentralClient("https://central.example.com/", "secret-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
	httpmock.ActivateNonDefault(c.http)
	httpmock.ActivateNonDefault(c.files)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestGetPendingChanges(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodGet, "https://central.example.com/api/sync/get-pending/",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Api-Key secret-key", req.Header.Get("Authorization"))
			return httpmock.NewJsonResponse(200, map[string]any{
				"pending_changes": []map[string]any{
					{"id": "evt-1", "model": "trucks.truck", "object_id": "7", "action": "C",
						"data_payload": map[string]any{"plate_number": "AB-123"}},
				},
				"acknowledged_events": []string{"a1b2"},
			})
		})

	resp, err := c.GetPendingChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.PendingChanges, 1)
	assert.Equal(t, "evt-1", resp.PendingChanges[0].ID)
	assert.Equal(t, models.ActionCreated, resp.PendingChanges[0].Action)
	assert.Equal(t, []string{"a1b2"}, resp.AcknowledgedEvents)
}

func TestGetPendingChangesServerError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://central.example.com/api/sync/get-pending/",
		httpmock.NewStringResponder(500, "boom"))

	_, err := c.GetPendingChanges(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGetPendingChangesNetworkError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://central.example.com/api/sync/get-pending/",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := c.GetPendingChanges(context.Background())
	assert.Error(t, err)
}

func TestPushChanges(t *testing.T) {
	c := newTestClient(t)

	var got []map[string]any
	httpmock.RegisterResponder(http.MethodPost, "https://central.example.com/api/sync/push/",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewStringResponse(200, `{"received": 1}`), nil
		})

	err := c.PushChanges(context.Background(), []models.PushItem{{
		EventUUID: "e-1",
		Model:     "trucks.truck",
		ObjectID:  "7",
		Action:    models.ActionCreated,
		Payload:   json.RawMessage(`{"plate_number":"AB-123"}`),
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e-1", got[0]["event_uuid"])
	assert.Equal(t, "C", got[0]["action"])
}

func TestPushChangesEmptyBatchSkipsNetwork(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, c.PushChanges(context.Background(), nil))
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestPushChangesFailure(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, "https://central.example.com/api/sync/push/",
		httpmock.NewStringResponder(503, "unavailable"))

	err := c.PushChanges(context.Background(), []models.PushItem{{EventUUID: "e-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestAcknowledgeChanges(t *testing.T) {
	c := newTestClient(t)

	var body map[string][]string
	httpmock.RegisterResponder(http.MethodPost, "https://central.example.com/api/sync/acknowledge/",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	require.NoError(t, c.AcknowledgeChanges(context.Background(), []string{"evt-1", "evt-2"}))
	assert.Equal(t, []string{"evt-1", "evt-2"}, body["acknowledged_events"])

	httpmock.ZeroCallCounters()
	require.NoError(t, c.AcknowledgeChanges(context.Background(), nil))
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestDownloadFile(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://files.example.com/media/photo.jpg",
		httpmock.NewBytesResponder(200, []byte{0xFF, 0xD8, 0xFF}))

	data, err := c.DownloadFile(context.Background(), "https://files.example.com/media/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
}

func TestDownloadFileNotFound(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://files.example.com/media/gone.jpg",
		httpmock.NewStringResponder(404, "not found"))

	_, err := c.DownloadFile(context.Background(), "https://files.example.com/media/gone.jpg")
	assert.Error(t, err)
}

func TestBaseURLTrailingSlash(t *testing.T) {
	c := NewCentralClient("https://central.example.com///", "k", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "https://central.example.com/api/sync/push/", c.endpoint("push"))
}
