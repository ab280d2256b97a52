package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// TaskFunc executes one task. The returned summary is attached to the
// report; a non-nil error reports the task as failed.
type TaskFunc func(ctx context.Context, task Task) (docval.Value, error)

// ErrTaskCancelled lets a TaskFunc cancel its own task: the task is
// reported cancelled and the loop keeps running.
var ErrTaskCancelled = errors.New("labtasker: task cancelled by worker")

// LoopOptions configures a worker loop.
type LoopOptions struct {
	WorkerName       string
	MaxRetries       *int
	Metadata         docval.Value
	RequiredFields   []string
	ExtraFilter      docval.Value
	HeartbeatTimeout *float64
}

// Loop fetches and executes tasks until ctx is cancelled. It registers
// a worker, polls with exponential backoff when the queue is empty,
// refreshes heartbeats in the background while the TaskFunc runs, and
// always reports an outcome, panics included.
type Loop struct {
	client   *Client
	opts     LoopOptions
	workerID string
	log      *slog.Logger
}

// NewLoop registers a worker and returns a ready loop.
func NewLoop(ctx context.Context, c *Client, opts LoopOptions) (*Loop, error) {
	if opts.WorkerName == "" {
		opts.WorkerName = "labtasker-worker"
	}
	workerID, err := c.RegisterWorker(ctx, opts.WorkerName, opts.MaxRetries, opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("op=worker.register: %w", err)
	}
	return &Loop{
		client:   c,
		opts:     opts,
		workerID: workerID,
		log:      slog.Default().With(slog.String("worker_id", workerID)),
	}, nil
}

// WorkerID reports the registered worker id.
func (l *Loop) WorkerID() string { return l.workerID }

// Run processes tasks until ctx is cancelled or the worker is
// suspended by the server.
func (l *Loop) Run(ctx context.Context, fn TaskFunc) error {
	for {
		task, err := l.fetchNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		l.runOne(ctx, task, fn)
	}
}

// fetchNext polls until a task is leased. Empty fetches back off;
// transient server errors retry; auth and suspension errors stop the
// loop.
func (l *Loop) fetchNext(ctx context.Context) (Task, error) {
	var task Task
	op := func() error {
		t, err := l.client.FetchTask(ctx, FetchRequest{
			WorkerID:         l.workerID,
			RequiredFields:   l.opts.RequiredFields,
			ExtraFilter:      l.opts.ExtraFilter,
			HeartbeatTimeout: l.opts.HeartbeatTimeout,
		})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Code != "TRANSIENT" {
				return backoff.Permanent(err)
			}
			return err
		}
		task = t
		return nil
	}
	bo := backoff.WithContext(pollBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return Task{}, err
	}
	return task, nil
}

// runOne executes fn under a heartbeat and reports the outcome. The
// report uses context.Background so a cancelled loop context still
// releases the lease.
func (l *Loop) runOne(ctx context.Context, task Task, fn TaskFunc) {
	hbCtx, stopHB := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		l.heartbeatLoop(hbCtx, task)
	}()

	status := "failed"
	var summary docval.Value
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task function panicked", slog.Any("panic", r), slog.String("task_id", task.TaskID))
			summary = docval.Object(nil).Set("labtasker_error", docval.String(fmt.Sprintf("panic: %v", r)))
		}
		stopHB()
		<-hbDone
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.client.Report(rctx, task.TaskID, l.workerID, status, summary); err != nil {
			l.log.Error("report failed", slog.Any("error", err), slog.String("task_id", task.TaskID))
		}
	}()

	out, err := fn(ctx, task)
	summary = out
	switch {
	case err == nil:
		status = "success"
	case errors.Is(err, ErrTaskCancelled):
		status = "cancelled"
	default:
		l.log.Warn("task failed", slog.Any("error", err), slog.String("task_id", task.TaskID))
		if summary.Kind() != docval.KindObject {
			summary = docval.Object(nil)
		}
		summary = summary.Set("labtasker_error", docval.String(err.Error()))
	}
}

// heartbeatLoop refreshes the lease at a third of the heartbeat
// timeout until ctx is cancelled or the server rejects ownership.
func (l *Loop) heartbeatLoop(ctx context.Context, task Task) {
	interval := time.Duration(task.HeartbeatTimeout / 3 * float64(time.Second))
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.client.Heartbeat(ctx, task.TaskID, l.workerID); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.Warn("heartbeat rejected", slog.Any("error", err), slog.String("task_id", task.TaskID))
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Status < 500 {
					return
				}
			}
		}
	}
}
