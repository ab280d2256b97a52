package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/usecase"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

func TestTasks_SubmitDefaults(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	qID := e.createQueue(t, "q")

	id := e.submit(t, usecase.SubmitTask{QueueID: qID})
	got := e.getTask(t, qID, id)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 60*time.Second, got.HeartbeatTimeout)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, domain.PriorityMedium, got.Priority)
	assert.Nil(t, got.TaskTimeout)
	assert.Equal(t, 0, got.Retries)
}

func TestTasks_SubmitValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")

	cases := []struct {
		name string
		req  usecase.SubmitTask
	}{
		{"args not object", usecase.SubmitTask{QueueID: qID, Args: docval.Number(1)}},
		{"dollar key in args", usecase.SubmitTask{QueueID: qID, Args: obj(map[string]docval.Value{"$gt": docval.Number(1)})}},
		{"dotted key in metadata", usecase.SubmitTask{QueueID: qID, Metadata: obj(map[string]docval.Value{"a.b": docval.Number(1)})}},
		{"negative heartbeat", usecase.SubmitTask{QueueID: qID, HeartbeatTimeout: -time.Second}},
		{"zero task timeout", usecase.SubmitTask{QueueID: qID, TaskTimeout: durPtr(0)}},
		{"negative max retries", usecase.SubmitTask{QueueID: qID, MaxRetries: intPtr(-1)}},
		{"missing queue", usecase.SubmitTask{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.tasks.Submit(ctx, tc.req)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestTasks_UpdatePending(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")
	id := e.submit(t, usecase.SubmitTask{
		QueueID: qID,
		Args: obj(map[string]docval.Value{
			"lr":    docval.Number(0.1),
			"batch": docval.Number(32),
		}),
	})

	got, err := e.tasks.Update(ctx, qID, id, obj(map[string]docval.Value{
		"args": obj(map[string]docval.Value{
			"lr": docval.Number(0.01),
		}),
		"priority": docval.Number(20),
	}), false)
	require.NoError(t, err)

	// Partial update merges into args, preserving siblings.
	lr, _ := got.Args.Get("lr")
	n, _ := lr.AsNumber()
	assert.Equal(t, 0.01, n)
	batch, ok := got.Args.Get("batch")
	require.True(t, ok)
	bn, _ := batch.AsNumber()
	assert.Equal(t, float64(32), bn)
	assert.Equal(t, 20, got.Priority)
}

func TestTasks_UpdateBannedFields(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")
	id := e.submit(t, usecase.SubmitTask{QueueID: qID})

	for _, field := range []string{"status", "retries", "worker_id", "etag", "summary", "queue_id"} {
		_, err := e.tasks.Update(ctx, qID, id, obj(map[string]docval.Value{
			field: docval.String("x"),
		}), false)
		require.ErrorIs(t, err, domain.ErrInvalidArgument, "field %s must be rejected", field)
	}
}

func TestTasks_UpdateWhileRunning(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")
	id := e.submit(t, usecase.SubmitTask{QueueID: qID})
	wID := e.register(t, qID, 3)
	e.mustFetch(t, qID, wID)

	// Effective-on-next-retry fields are allowed.
	got, err := e.tasks.Update(ctx, qID, id, obj(map[string]docval.Value{
		"priority":    docval.Number(20),
		"max_retries": docval.Number(5),
	}), false)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Priority)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, domain.TaskRunning, got.Status)

	_, err = e.tasks.Update(ctx, qID, id, obj(map[string]docval.Value{
		"args": obj(map[string]docval.Value{"lr": docval.Number(1)}),
	}), false)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTasks_ResetFailedTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")
	id := e.submit(t, usecase.SubmitTask{QueueID: qID, MaxRetries: intPtr(0)})
	wID := e.register(t, qID, 10)
	e.mustFetch(t, qID, wID)
	require.NoError(t, e.dispatch.Report(ctx, qID, id, wID, usecase.OutcomeFailed, docval.Value{}))
	require.Equal(t, domain.TaskFailed, e.getTask(t, qID, id).Status)

	got, err := e.tasks.Update(ctx, qID, id, obj(map[string]docval.Value{
		"args": obj(map[string]docval.Value{"lr": docval.Number(0.5)}),
	}), true)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Nil(t, got.WorkerID)

	// Reset only applies to terminally failed tasks.
	fresh := e.submit(t, usecase.SubmitTask{QueueID: qID})
	_, err = e.tasks.Update(ctx, qID, fresh, docval.Value{}, true)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTasks_CancelIsIdempotentOnTerminal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")

	id := e.submit(t, usecase.SubmitTask{QueueID: qID})
	got, err := e.tasks.Cancel(ctx, qID, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)

	again, err := e.tasks.Cancel(ctx, qID, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, again.Status)
}

func TestTasks_CancelRunningClearsLease(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")
	id := e.submit(t, usecase.SubmitTask{QueueID: qID})
	wID := e.register(t, qID, 3)
	e.mustFetch(t, qID, wID)

	got, err := e.tasks.Cancel(ctx, qID, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.StartTime)
}

func TestTasks_LsFilterAndPaging(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")

	var matching []string
	for i := 0; i < 5; i++ {
		model := "cnn"
		if i%2 == 0 {
			model = "transformer"
		}
		id := e.submit(t, usecase.SubmitTask{
			QueueID: qID,
			Args:    obj(map[string]docval.Value{"model": docval.String(model)}),
		})
		if model == "transformer" {
			matching = append(matching, id)
		}
		e.clk.Advance(time.Millisecond)
	}

	filter := obj(map[string]docval.Value{"args.model": docval.String("transformer")})
	page1, cursor, err := e.tasks.Ls(ctx, qID, filter, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor)

	page2, cursor, err := e.tasks.Ls(ctx, qID, filter, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Nil(t, cursor)

	var got []string
	for _, task := range append(page1, page2...) {
		got = append(got, task.ID)
	}
	assert.Equal(t, matching, got)
}

func TestTasks_LsOperatorFilter(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")

	low := e.submit(t, usecase.SubmitTask{QueueID: qID, Priority: intPtr(1)})
	e.clk.Advance(time.Millisecond)
	e.submit(t, usecase.SubmitTask{QueueID: qID, Priority: intPtr(15)})

	out, _, err := e.tasks.Ls(ctx, qID, obj(map[string]docval.Value{
		"priority": obj(map[string]docval.Value{"$lt": docval.Number(10)}),
	}), nil, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, low, out[0].ID)

	_, _, err = e.tasks.Ls(ctx, qID, obj(map[string]docval.Value{
		"priority": obj(map[string]docval.Value{"$bogus": docval.Number(1)}),
	}), nil, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTasks_BulkUpdate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")

	for i := 0; i < 3; i++ {
		e.submit(t, usecase.SubmitTask{QueueID: qID, Priority: intPtr(1)})
		e.clk.Advance(time.Millisecond)
	}
	excluded := e.submit(t, usecase.SubmitTask{QueueID: qID, Priority: intPtr(50)})

	results, err := e.tasks.BulkUpdate(ctx, qID,
		obj(map[string]docval.Value{"priority": docval.Number(1)}),
		obj(map[string]docval.Value{"priority": docval.Number(30)}))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.OK, "task %s: %s", r.TaskID, r.Err)
	}
	assert.Equal(t, 50, e.getTask(t, qID, excluded).Priority)
}

func TestTasks_Delete(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	qID := e.createQueue(t, "q")
	id := e.submit(t, usecase.SubmitTask{QueueID: qID})

	require.NoError(t, e.tasks.Delete(ctx, qID, id))
	_, err := e.tasks.Get(ctx, qID, id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Queue scoping: a task is invisible from another queue.
	other := e.createQueue(t, "other")
	id2 := e.submit(t, usecase.SubmitTask{QueueID: qID})
	require.ErrorIs(t, e.tasks.Delete(ctx, other, id2), domain.ErrNotFound)
}
