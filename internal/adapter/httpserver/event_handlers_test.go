package httpserver_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvents_SubscribeNextUnsubscribe(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "ev-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/events/subscribe", "ev-q", "pw", map[string]any{
		"entities": []string{"task"},
	})
	require.Equal(t, http.StatusCreated, code)
	handle := body["handle"].(string)
	require.NotEmpty(t, handle)

	// A submission after subscribing must surface as a pending event.
	code, body = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "ev-q", "pw", map[string]any{
		"args": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["task_id"].(string)

	code, body = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/events/"+handle+"?timeout=1s", "ev-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	ev, ok := body["event"].(map[string]any)
	require.True(t, ok, "expected an event, got %v", body)
	require.Equal(t, "task", ev["entity"])
	require.Equal(t, taskID, ev["entity_id"])
	require.Equal(t, "pending", ev["new_status"])

	code, _ = doJSON(t, h, http.MethodDelete, "/api/v1/queues/me/events/"+handle, "ev-q", "pw", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, _ = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/events/"+handle+"?timeout=1s", "ev-q", "pw", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestEvents_NextTimesOutWithNull(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "evt-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/events/subscribe", "evt-q", "pw", map[string]any{})
	require.Equal(t, http.StatusCreated, code)
	handle := body["handle"].(string)

	code, body = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/events/"+handle+"?timeout=50ms", "evt-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	ev, present := body["event"]
	require.True(t, present)
	require.Nil(t, ev)
}

func TestEvents_StatusFilter(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "evf-q", "pw")
	wID := registerTestWorker(t, h, "evf-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/events/subscribe", "evf-q", "pw", map[string]any{
		"entities": []string{"task"},
		"statuses": []string{"running"},
	})
	require.Equal(t, http.StatusCreated, code)
	handle := body["handle"].(string)

	code, _ = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "evf-q", "pw", map[string]any{
		"args": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusCreated, code)
	code, _ = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/fetch", "evf-q", "pw", map[string]any{
		"worker_id": wID,
	})
	require.Equal(t, http.StatusOK, code)

	// The pending transition is filtered out; the first delivered event
	// is the lease.
	code, body = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/events/"+handle+"?timeout=1s", "evf-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	ev, ok := body["event"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "running", ev["new_status"])
	require.Equal(t, "pending", ev["old_status"])
}

func TestEvents_UnknownHandle_404(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "evu-q", "pw")

	code, body := doJSON(t, h, http.MethodGet, "/api/v1/queues/me/events/no-such-handle?timeout=1s", "evu-q", "pw", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", errCode(t, body))
}
