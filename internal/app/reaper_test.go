package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/internal/adapter/store/memstore"
	"github.com/fairyhunter13/labtasker/internal/app"
	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/events"
	"github.com/fairyhunter13/labtasker/internal/usecase"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

func TestReaper_ExpiresStaleLease(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memstore.New(clk)
	bus := events.NewBus(events.WithClock(clk))
	queues := usecase.NewQueueService(st.Queues(), st.Tasks(), st.Workers(), bus, clk)
	tasks := usecase.NewTaskService(st.Tasks(), bus, clk)
	workers := usecase.NewWorkerService(st.Workers(), st.Tasks(), bus, clk)
	dispatch := usecase.NewDispatchService(st.Tasks(), st.Workers(), bus, clk)

	qID, err := queues.Create(ctx, "reap-q", "pw", docval.Object(nil))
	require.NoError(t, err)
	taskID, err := tasks.Submit(ctx, usecase.SubmitTask{
		QueueID:          qID,
		Args:             docval.Object(nil),
		HeartbeatTimeout: time.Second,
	})
	require.NoError(t, err)
	w, err := workers.Register(ctx, usecase.RegisterWorker{QueueID: qID, WorkerName: "w1"})
	require.NoError(t, err)
	leased, err := dispatch.Fetch(ctx, usecase.FetchRequest{QueueID: qID, WorkerID: w.ID})
	require.NoError(t, err)
	require.NotNil(t, leased)

	clk.Advance(2 * time.Second)

	reaper := app.NewReaper(dispatch, bus, 10*time.Millisecond, time.Minute)
	go reaper.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := tasks.Get(ctx, qID, taskID)
		return err == nil && got.Status == domain.TaskPending
	}, 2*time.Second, 10*time.Millisecond)

	got, err := tasks.Get(ctx, qID, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Retries)
	require.Nil(t, got.WorkerID)
}

func TestReaper_PrunesIdleSubscribers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memstore.New(clk)
	bus := events.NewBus(events.WithClock(clk))
	dispatch := usecase.NewDispatchService(st.Tasks(), st.Workers(), bus, clk)

	sub := bus.Subscribe(events.Filter{QueueID: "q1"})
	clk.Advance(2 * time.Minute)

	reaper := app.NewReaper(dispatch, bus, 10*time.Millisecond, time.Minute)
	go reaper.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := bus.Get(sub.Handle())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
