// Package client is the Go client for the Labtasker HTTP API. It
// covers the queue/task/worker surface and the worker loop helper that
// wraps user code with fetch, heartbeat and guaranteed reporting.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// APIError is a decoded server error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("labtasker: %s: %s", e.Code, e.Message)
}

// ErrNoTask is returned by FetchTask when no pending task matches.
var ErrNoTask = errors.New("labtasker: no task available")

// Client talks to one queue of a Labtasker server using Basic auth.
type Client struct {
	baseURL   string
	queueName string
	password  string
	hc        *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New builds a Client for the queue at baseURL.
func New(baseURL, queueName, password string, opts ...Option) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	c := &Client{
		baseURL:   baseURL,
		queueName: queueName,
		password:  password,
		hc:        &http.Client{Timeout: 90 * time.Second, Transport: transport},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("labtasker: encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("labtasker: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.queueName, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("labtasker: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var env struct {
			Error APIError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return &APIError{Code: "INTERNAL", Message: resp.Status, Status: resp.StatusCode}
		}
		env.Error.Status = resp.StatusCode
		return &env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("labtasker: decode response: %w", err)
	}
	return nil
}

// Task is the wire representation of a task document.
type Task struct {
	TaskID           string       `json:"task_id"`
	QueueID          string       `json:"queue_id"`
	TaskName         string       `json:"task_name"`
	Status           string       `json:"status"`
	Args             docval.Value `json:"args"`
	Metadata         docval.Value `json:"metadata"`
	Summary          docval.Value `json:"summary"`
	Cmd              string       `json:"cmd"`
	HeartbeatTimeout float64      `json:"heartbeat_timeout"`
	TaskTimeout      *float64     `json:"task_timeout"`
	MaxRetries       int          `json:"max_retries"`
	Retries          int          `json:"retries"`
	Priority         int          `json:"priority"`
	WorkerID         *string      `json:"worker_id"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Worker is the wire representation of a worker document.
type Worker struct {
	WorkerID   string       `json:"worker_id"`
	QueueID    string       `json:"queue_id"`
	WorkerName string       `json:"worker_name"`
	Status     string       `json:"status"`
	Metadata   docval.Value `json:"metadata"`
	MaxRetries int          `json:"max_retries"`
	Retries    int          `json:"retries"`
}

// CreateQueue registers the client's queue with the given metadata.
func (c *Client) CreateQueue(ctx context.Context, metadata docval.Value) (string, error) {
	var out struct {
		QueueID string `json:"queue_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/queues", map[string]any{
		"queue_name": c.queueName,
		"password":   c.password,
		"metadata":   metadata,
	}, &out)
	return out.QueueID, err
}

// SubmitTaskRequest carries submit-task parameters. Zero-valued
// optionals take server defaults.
type SubmitTaskRequest struct {
	TaskName         string       `json:"task_name,omitempty"`
	Args             docval.Value `json:"args"`
	Metadata         docval.Value `json:"metadata,omitempty"`
	Cmd              string       `json:"cmd,omitempty"`
	HeartbeatTimeout *float64     `json:"heartbeat_timeout,omitempty"`
	TaskTimeout      *float64     `json:"task_timeout,omitempty"`
	MaxRetries       *int         `json:"max_retries,omitempty"`
	Priority         *int         `json:"priority,omitempty"`
}

// SubmitTask enqueues a task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks", req, &out)
	return out.TaskID, err
}

// GetTask loads one task document.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodGet, "/api/v1/queues/me/tasks/"+taskID, nil, &out)
	return out, err
}

// RegisterWorker creates a worker in the queue and returns its id.
func (c *Client) RegisterWorker(ctx context.Context, workerName string, maxRetries *int, metadata docval.Value) (string, error) {
	var out struct {
		WorkerID string `json:"worker_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/workers", map[string]any{
		"worker_name": workerName,
		"max_retries": maxRetries,
		"metadata":    metadata,
	}, &out)
	return out.WorkerID, err
}

// FetchRequest carries fetch-task parameters.
type FetchRequest struct {
	WorkerID         string       `json:"worker_id"`
	RequiredFields   []string     `json:"required_fields,omitempty"`
	ExtraFilter      docval.Value `json:"extra_filter,omitempty"`
	HeartbeatTimeout *float64     `json:"heartbeat_timeout,omitempty"`
}

// FetchTask leases the next matching task; ErrNoTask when none.
func (c *Client) FetchTask(ctx context.Context, req FetchRequest) (Task, error) {
	var out struct {
		Task *Task `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/fetch", req, &out); err != nil {
		return Task{}, err
	}
	if out.Task == nil {
		return Task{}, ErrNoTask
	}
	return *out.Task, nil
}

// Heartbeat refreshes the lease on a running task.
func (c *Client) Heartbeat(ctx context.Context, taskID, workerID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/heartbeat",
		map[string]string{"worker_id": workerID}, nil)
}

// Report sends the task outcome: success, failed or cancelled.
func (c *Client) Report(ctx context.Context, taskID, workerID, status string, summary docval.Value) error {
	return c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/report",
		map[string]any{"worker_id": workerID, "status": status, "summary": summary}, nil)
}

// CancelTask cancels a pending or running task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPost, "/api/v1/queues/me/tasks/"+taskID+"/cancel", nil, &out)
	return out, err
}

// pollBackoff builds the retry schedule used between empty fetches.
func pollBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second
	expo.MaxElapsedTime = 0
	return expo
}
