//go:build e2e

package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/pkg/client"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

func Test_E2E_SubmitFetchReport(t *testing.T) {
	ctx := context.Background()
	c := newE2EClient(t)

	taskID, err := c.SubmitTask(ctx, client.SubmitTaskRequest{
		TaskName: "train",
		Args: docval.Object(map[string]docval.Value{
			"lr":     docval.Number(0.01),
			"epochs": docval.Number(5),
		}),
	})
	require.NoError(t, err)

	wID, err := c.RegisterWorker(ctx, "e2e-worker", nil, docval.Object(nil))
	require.NoError(t, err)

	task, err := c.FetchTask(ctx, client.FetchRequest{WorkerID: wID})
	require.NoError(t, err)
	require.Equal(t, taskID, task.TaskID)
	require.Equal(t, "running", task.Status)

	require.NoError(t, c.Heartbeat(ctx, task.TaskID, wID))

	summary := docval.Object(map[string]docval.Value{"loss": docval.Number(0.03)})
	require.NoError(t, c.Report(ctx, task.TaskID, wID, "success", summary))

	got, err := c.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "success", got.Status)
}

func Test_E2E_WorkerLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c := newE2EClient(t)

	const n = 3
	for i := 0; i < n; i++ {
		_, err := c.SubmitTask(ctx, client.SubmitTaskRequest{
			Args: docval.Object(map[string]docval.Value{"i": docval.Number(float64(i))}),
		})
		require.NoError(t, err)
	}

	loop, err := client.NewLoop(ctx, c, client.LoopOptions{WorkerName: "e2e-loop"})
	require.NoError(t, err)

	done := make(chan struct{})
	processed := 0
	loopCtx, stopLoop := context.WithCancel(ctx)
	go func() {
		defer close(done)
		_ = loop.Run(loopCtx, func(_ context.Context, task client.Task) (docval.Value, error) {
			processed++
			if processed == n {
				stopLoop()
			}
			return docval.Object(nil), nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("worker loop did not drain the queue in time")
	}
	require.Equal(t, n, processed)
}

func Test_E2E_RetryOnFailure(t *testing.T) {
	ctx := context.Background()
	c := newE2EClient(t)

	one := 1
	taskID, err := c.SubmitTask(ctx, client.SubmitTaskRequest{
		Args:       docval.Object(map[string]docval.Value{"n": docval.Number(1)}),
		MaxRetries: &one,
	})
	require.NoError(t, err)

	wID, err := c.RegisterWorker(ctx, "e2e-retry", nil, docval.Object(nil))
	require.NoError(t, err)

	task, err := c.FetchTask(ctx, client.FetchRequest{WorkerID: wID})
	require.NoError(t, err)
	require.NoError(t, c.Report(ctx, task.TaskID, wID, "failed", docval.Object(nil)))

	got, err := c.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "pending", got.Status)
	require.Equal(t, 1, got.Retries)

	task, err = c.FetchTask(ctx, client.FetchRequest{WorkerID: wID})
	require.NoError(t, err)
	require.NoError(t, c.Report(ctx, task.TaskID, wID, "failed", docval.Object(nil)))

	got, err = c.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "failed", got.Status)
}
