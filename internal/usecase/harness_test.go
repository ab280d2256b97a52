package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/internal/adapter/store/memstore"
	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/events"
	"github.com/fairyhunter13/labtasker/internal/usecase"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// env wires the full engine against the in-memory store with a fake
// clock, which lets tests advance time deterministically.
type env struct {
	store    *memstore.Store
	clk      *clock.Fake
	bus      *events.Bus
	queues   *usecase.QueueService
	tasks    *usecase.TaskService
	workers  *usecase.WorkerService
	dispatch *usecase.DispatchService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(clk)
	bus := events.NewBus(events.WithClock(clk))
	return &env{
		store:    store,
		clk:      clk,
		bus:      bus,
		queues:   usecase.NewQueueService(store.Queues(), store.Tasks(), store.Workers(), bus, clk),
		tasks:    usecase.NewTaskService(store.Tasks(), bus, clk),
		workers:  usecase.NewWorkerService(store.Workers(), store.Tasks(), bus, clk),
		dispatch: usecase.NewDispatchService(store.Tasks(), store.Workers(), bus, clk),
	}
}

func (e *env) createQueue(t *testing.T, name string) string {
	t.Helper()
	id, err := e.queues.Create(context.Background(), name, "s3cret", docval.Value{})
	require.NoError(t, err)
	return id
}

func (e *env) submit(t *testing.T, req usecase.SubmitTask) string {
	t.Helper()
	id, err := e.tasks.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (e *env) register(t *testing.T, queueID string, maxRetries int) string {
	t.Helper()
	w, err := e.workers.Register(context.Background(), usecase.RegisterWorker{
		QueueID:    queueID,
		WorkerName: "w-" + queueID,
		MaxRetries: &maxRetries,
	})
	require.NoError(t, err)
	return w.ID
}

func (e *env) mustFetch(t *testing.T, queueID, workerID string) domain.Task {
	t.Helper()
	task, err := e.dispatch.Fetch(context.Background(), usecase.FetchRequest{
		QueueID:  queueID,
		WorkerID: workerID,
	})
	require.NoError(t, err)
	require.NotNil(t, task, "expected a task to be available")
	return *task
}

func (e *env) getTask(t *testing.T, queueID, taskID string) domain.Task {
	t.Helper()
	task, err := e.tasks.Get(context.Background(), queueID, taskID)
	require.NoError(t, err)
	return task
}

func (e *env) getWorker(t *testing.T, queueID, workerID string) domain.Worker {
	t.Helper()
	w, err := e.workers.Get(context.Background(), queueID, workerID)
	require.NoError(t, err)
	return w
}

func intPtr(n int) *int                          { return &n }
func durPtr(d time.Duration) *time.Duration     { return &d }
func obj(m map[string]docval.Value) docval.Value { return docval.Object(m) }
