package httpserver_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// registerTestWorker registers a worker through the API and returns
// its id.
func registerTestWorker(t *testing.T, h http.Handler, queue, password string) string {
	t.Helper()
	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/workers", queue, password, map[string]any{
		"worker_name": "w-test",
	})
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["worker_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestTaskFlow_SubmitFetchHeartbeatReport(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "flow-q", "pw")
	wID := registerTestWorker(t, h, "flow-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "flow-q", "pw", map[string]any{
		"task_name": "train",
		"args":      map[string]any{"lr": 0.1, "epochs": 10},
	})
	require.Equal(t, http.StatusCreated, code)
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	code, body = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/fetch", "flow-q", "pw", map[string]any{
		"worker_id": wID,
	})
	require.Equal(t, http.StatusOK, code)
	task, ok := body["task"].(map[string]any)
	require.True(t, ok, "expected a leased task, got %v", body)
	require.Equal(t, taskID, task["task_id"])
	require.Equal(t, "running", task["status"])
	require.Equal(t, wID, task["worker_id"])

	code, _ = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/heartbeat", "flow-q", "pw", map[string]any{
		"worker_id": wID,
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/report", "flow-q", "pw", map[string]any{
		"worker_id": wID,
		"status":    "success",
		"summary":   map[string]any{"accuracy": 0.93},
	})
	require.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/tasks/"+taskID, "flow-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", body["status"])
	summary, _ := body["summary"].(map[string]any)
	require.Equal(t, 0.93, summary["accuracy"])
}

func TestFetch_EmptyQueue_NullTask(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "empty-q", "pw")
	wID := registerTestWorker(t, h, "empty-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/fetch", "empty-q", "pw", map[string]any{
		"worker_id": wID,
	})
	require.Equal(t, http.StatusOK, code)
	task, present := body["task"]
	require.True(t, present)
	require.Nil(t, task)
}

func TestReport_ByNonOwner_409(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "own-q", "pw")
	wA := registerTestWorker(t, h, "own-q", "pw")
	wB := registerTestWorker(t, h, "own-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "own-q", "pw", map[string]any{
		"args": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["task_id"].(string)

	code, _ = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/fetch", "own-q", "pw", map[string]any{
		"worker_id": wA,
	})
	require.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/report", "own-q", "pw", map[string]any{
		"worker_id": wB,
		"status":    "success",
	})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NOT_OWNED", errCode(t, body))
}

func TestSubmit_BannedArgKeys_400(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "val-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "val-q", "pw", map[string]any{
		"args": map[string]any{"$set": map[string]any{"a": 1}},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "INVALID_ARGUMENT", errCode(t, body))
}

func TestGetTask_UnknownID_404(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "miss-q", "pw")

	code, body := doJSON(t, h, http.MethodGet, "/api/v1/queues/me/tasks/no-such-task", "miss-q", "pw", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", errCode(t, body))
}

func TestLsTasks_FilterAndCursor(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "ls-q", "pw")

	for i := 0; i < 5; i++ {
		code, _ := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "ls-q", "pw", map[string]any{
			"args":     map[string]any{"i": i},
			"metadata": map[string]any{"pool": "a"},
		})
		require.Equal(t, http.StatusCreated, code)
	}

	code, body := doJSON(t, h, http.MethodGet, "/api/v1/queues/me/tasks?limit=3", "ls-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	page1, _ := body["tasks"].([]any)
	require.Len(t, page1, 3)
	cursor, _ := body["cursor"].(string)
	require.NotEmpty(t, cursor)

	code, body = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/tasks?limit=3&cursor="+cursor, "ls-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	page2, _ := body["tasks"].([]any)
	require.Len(t, page2, 2)

	seen := map[string]bool{}
	for _, raw := range append(page1, page2...) {
		task := raw.(map[string]any)
		id := task["task_id"].(string)
		require.False(t, seen[id], "task %s returned twice", id)
		seen[id] = true
	}
	require.Len(t, seen, 5)
}

func TestLsTasks_FilterByStatus(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "lsf-q", "pw")
	wID := registerTestWorker(t, h, "lsf-q", "pw")

	for i := 0; i < 3; i++ {
		code, _ := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "lsf-q", "pw", map[string]any{
			"args": map[string]any{"i": i},
		})
		require.Equal(t, http.StatusCreated, code)
	}
	code, _ := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/fetch", "lsf-q", "pw", map[string]any{
		"worker_id": wID,
	})
	require.Equal(t, http.StatusOK, code)

	filter := url.QueryEscape(`{"status":"running"}`)
	code, body := doJSON(t, h, http.MethodGet, "/api/v1/queues/me/tasks?filter="+filter, "lsf-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	tasks, _ := body["tasks"].([]any)
	require.Len(t, tasks, 1)
}

func TestBulkUpdateTasks(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "bulk-q", "pw")

	var ids []string
	for i := 0; i < 3; i++ {
		code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "bulk-q", "pw", map[string]any{
			"args":     map[string]any{"i": i},
			"metadata": map[string]any{"batch": "b1"},
		})
		require.Equal(t, http.StatusCreated, code)
		ids = append(ids, body["task_id"].(string))
	}

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/updates", "bulk-q", "pw", map[string]any{
		"filter": map[string]any{"metadata.batch": "b1"},
		"update": map[string]any{"priority": 20},
	})
	require.Equal(t, http.StatusOK, code)
	results, _ := body["results"].([]any)
	require.Len(t, results, 3)
	for _, raw := range results {
		res := raw.(map[string]any)
		require.Equal(t, true, res["ok"], "result: %v", res)
	}

	code, body = doJSON(t, h, http.MethodGet, "/api/v1/queues/me/tasks/"+ids[0], "bulk-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(20), body["priority"])
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)
	createTestQueue(t, h, "cancel-q", "pw")

	code, body := doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks", "cancel-q", "pw", map[string]any{
		"args": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusCreated, code)
	taskID := body["task_id"].(string)

	code, body = doJSON(t, h, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/cancel", "cancel-q", "pw", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", body["status"])
}
