// Package domain holds the core entities, error taxonomy and ports of
// the task dispatch engine.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// Error taxonomy (sentinels). Adapters map these to transport codes;
// engine code wraps them with fmt.Errorf("op=...: %w", err).
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrWorkerInactive  = errors.New("worker inactive")
	ErrNotOwned        = errors.New("task not owned by worker")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("store transient failure")
	ErrInternal        = errors.New("internal error")
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports the unconditionally terminal states. FAILED is
// terminal only relative to retries, which the engine checks.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskCancelled
}

// WorkerStatus enumerates worker states.
type WorkerStatus string

const (
	WorkerActive    WorkerStatus = "active"
	WorkerSuspended WorkerStatus = "suspended"
	WorkerCrashed   WorkerStatus = "crashed"
)

// Priority presets; any integer is allowed, higher dispatches first.
const (
	PriorityLow    = 0
	PriorityMedium = 10
	PriorityHigh   = 20
)

// Defaults applied at submit/register time.
const (
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultTaskMaxRetries   = 3
	DefaultWorkerMaxRetries = 3
)

// Queue scopes tasks and workers and is guarded by a shared secret.
type Queue struct {
	ID           string
	Name         string
	PasswordHash string
	Metadata     docval.Value
	CreatedAt    time.Time
	LastModified time.Time
	Etag         int64
}

// Task is one experiment parameter bundle with lifecycle state.
// Invariant: Status == running iff WorkerID, StartTime and LastHeartbeat
// are all set; the lease fields are cleared on every re-queue.
type Task struct {
	ID               string
	QueueID          string
	TaskName         string
	Status           TaskStatus
	Args             docval.Value
	Metadata         docval.Value
	Summary          docval.Value
	Cmd              string
	HeartbeatTimeout time.Duration
	TaskTimeout      *time.Duration
	MaxRetries       int
	Retries          int
	Priority         int
	WorkerID         *string
	StartTime        *time.Time
	LastHeartbeat    *time.Time
	CreatedAt        time.Time
	LastModified     time.Time
	Etag             int64
}

// Running reports whether t currently holds a lease.
func (t Task) Running() bool { return t.Status == TaskRunning }

// Worker is a registered task consumer. Retries counts consecutive
// failures attributed to it and resets to zero on any success.
type Worker struct {
	ID           string
	QueueID      string
	WorkerName   string
	Status       WorkerStatus
	Metadata     docval.Value
	MaxRetries   int
	Retries      int
	CreatedAt    time.Time
	LastModified time.Time
	Etag         int64
}

// Active reports whether the worker may acquire tasks.
func (w Worker) Active() bool { return w.Status == WorkerActive }

// EventEntity names the entity class an event refers to.
type EventEntity string

const (
	EntityTask   EventEntity = "task"
	EntityWorker EventEntity = "worker"
	EntityQueue  EventEntity = "queue"
)

// Event is an ephemeral state-transition notification. Events are
// advisory; durable state lives in the store.
type Event struct {
	ID        uint64
	Timestamp time.Time
	QueueID   string
	Entity    EventEntity
	EntityID  string
	OldStatus string
	NewStatus string
	Metadata  docval.Value
	// Overflow marks the sentinel inserted when a subscriber buffer
	// dropped events.
	Overflow bool
}

// Cursor pages ls results by (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Repositories (ports). Implementations provide per-document atomic
// compare-and-update keyed on Etag: UpdateCAS matches (ID, Etag), bumps
// Etag and LastModified, and returns ErrConflict when another writer
// won, ErrNotFound when the document is gone.

type QueueRepository interface {
	Create(ctx Context, q Queue) (string, error)
	Get(ctx Context, id string) (Queue, error)
	GetByName(ctx Context, name string) (Queue, error)
	UpdateCAS(ctx Context, q Queue) (Queue, error)
	Delete(ctx Context, id string) error
}

type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	UpdateCAS(ctx Context, t Task) (Task, error)
	Delete(ctx Context, id string) error
	DeleteByQueue(ctx Context, queueID string) error
	// ListPending returns up to limit pending tasks of the queue ordered
	// by (priority DESC, created_at ASC, id ASC).
	ListPending(ctx Context, queueID string, limit int) ([]Task, error)
	// ListRunning returns running tasks across all queues ordered by
	// last_heartbeat ASC, paged by offset. Used by the reaper.
	ListRunning(ctx Context, offset, limit int) ([]Task, error)
	// List pages the queue's tasks by (created_at, id) after the cursor.
	List(ctx Context, queueID string, after *Cursor, limit int) ([]Task, error)
	// ClearWorker detaches a deleted worker from its tasks.
	ClearWorker(ctx Context, queueID, workerID string) error
}

type WorkerRepository interface {
	Create(ctx Context, w Worker) (string, error)
	Get(ctx Context, id string) (Worker, error)
	UpdateCAS(ctx Context, w Worker) (Worker, error)
	Delete(ctx Context, id string) error
	DeleteByQueue(ctx Context, queueID string) error
	List(ctx Context, queueID string, after *Cursor, limit int) ([]Worker, error)
}

// EventSink receives state-transition events from the engine. Publish
// must never block.
type EventSink interface {
	Publish(ev Event)
}

// Context aliases context.Context; adapters pass it through unchanged.
type Context = context.Context
