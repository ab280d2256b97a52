package usecase

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/observability"
	"github.com/fairyhunter13/labtasker/internal/query"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// lsPageLimit caps one ls page read from the store while filtering.
const lsPageLimit = 100

// TaskService is the admin mutation surface for tasks: submit, update,
// cancel, delete, ls and bulk update. Dispatch-side transitions live in
// DispatchService.
type TaskService struct {
	tasks domain.TaskRepository
	bus   domain.EventSink
	clk   clock.Clock
}

// NewTaskService wires a TaskService.
func NewTaskService(tasks domain.TaskRepository, bus domain.EventSink, clk clock.Clock) *TaskService {
	return &TaskService{tasks: tasks, bus: bus, clk: clk}
}

// SubmitTask carries the submit-task request.
type SubmitTask struct {
	QueueID          string
	TaskName         string
	Args             docval.Value
	Metadata         docval.Value
	Cmd              string
	HeartbeatTimeout time.Duration
	TaskTimeout      *time.Duration
	MaxRetries       *int
	Priority         *int
}

// Submit validates the parameter bundle, persists it as PENDING and
// publishes the submission event.
func (s *TaskService) Submit(ctx domain.Context, req SubmitTask) (string, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Submit")
	defer span.End()

	if req.QueueID == "" {
		return "", fmt.Errorf("op=task.submit: queue_id required: %w", domain.ErrInvalidArgument)
	}
	if !req.Args.IsNull() && req.Args.Kind() != docval.KindObject {
		return "", fmt.Errorf("op=task.submit: args must be an object: %w", domain.ErrInvalidArgument)
	}
	if err := query.ValidateDocument(req.Args); err != nil {
		return "", err
	}
	if err := query.ValidateDocument(req.Metadata); err != nil {
		return "", err
	}
	hb := req.HeartbeatTimeout
	if hb == 0 {
		hb = domain.DefaultHeartbeatTimeout
	}
	if hb <= 0 {
		return "", fmt.Errorf("op=task.submit: heartbeat_timeout must be positive: %w", domain.ErrInvalidArgument)
	}
	if req.TaskTimeout != nil && *req.TaskTimeout <= 0 {
		return "", fmt.Errorf("op=task.submit: task_timeout must be positive: %w", domain.ErrInvalidArgument)
	}
	maxRetries := domain.DefaultTaskMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return "", fmt.Errorf("op=task.submit: max_retries must be non-negative: %w", domain.ErrInvalidArgument)
		}
		maxRetries = *req.MaxRetries
	}
	priority := domain.PriorityMedium
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := s.tasks.Create(ctx, domain.Task{
		QueueID:          req.QueueID,
		TaskName:         req.TaskName,
		Status:           domain.TaskPending,
		Args:             orEmptyObject(req.Args),
		Metadata:         orEmptyObject(req.Metadata),
		Summary:          docval.Object(nil),
		Cmd:              req.Cmd,
		HeartbeatTimeout: hb,
		TaskTimeout:      req.TaskTimeout,
		MaxRetries:       maxRetries,
		Priority:         priority,
	})
	if err != nil {
		return "", err
	}
	observability.TasksSubmittedTotal.WithLabelValues(req.QueueID).Inc()
	s.bus.Publish(domain.Event{
		QueueID:   req.QueueID,
		Entity:    domain.EntityTask,
		EntityID:  id,
		NewStatus: string(domain.TaskPending),
	})
	return id, nil
}

// Get loads one task, scoped to the queue.
func (s *TaskService) Get(ctx domain.Context, queueID, taskID string) (domain.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.QueueID != queueID {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

// Fields the update document may never touch, regardless of state.
var taskBannedFields = []string{
	"id", "queue_id", "created_at", "last_modified", "etag",
	"status", "retries", "worker_id", "start_time", "last_heartbeat",
	"summary",
}

// Fields changeable while the task is RUNNING; changes take effect on
// the next retry.
var taskRunningFields = map[string]bool{
	"metadata":    true,
	"priority":    true,
	"max_retries": true,
}

// Update applies a partial update document to the task under CAS.
// While PENDING, args/metadata/priority/max_retries/heartbeat_timeout/
// task_timeout/cmd/task_name may change; while RUNNING only
// metadata/priority/max_retries; on terminal states only metadata,
// unless reset is set, which re-queues a terminally FAILED task as
// PENDING with retries zeroed.
func (s *TaskService) Update(ctx domain.Context, queueID, taskID string, update docval.Value, reset bool) (domain.Task, error) {
	leaves, err := query.Flatten(update)
	if err != nil {
		return domain.Task{}, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		t, err := s.Get(ctx, queueID, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		next, err := applyTaskUpdate(t, leaves, reset)
		if err != nil {
			return domain.Task{}, err
		}
		updated, err := s.tasks.UpdateCAS(ctx, next)
		if err == nil {
			if reset && t.Status != domain.TaskPending {
				s.bus.Publish(domain.Event{
					QueueID:   queueID,
					Entity:    domain.EntityTask,
					EntityID:  taskID,
					OldStatus: string(t.Status),
					NewStatus: string(domain.TaskPending),
				})
			}
			return updated, nil
		}
		if !isConflict(err) {
			return domain.Task{}, err
		}
	}
	return domain.Task{}, fmt.Errorf("op=task.update: cas exhausted: %w", domain.ErrConflict)
}

func applyTaskUpdate(t domain.Task, leaves map[string]docval.Value, reset bool) (domain.Task, error) {
	terminalFailed := t.Status == domain.TaskFailed && t.Retries >= t.MaxRetries
	for path := range leaves {
		for _, b := range taskBannedFields {
			if path == b || strings.HasPrefix(path, b+".") {
				return domain.Task{}, fmt.Errorf("op=task.update: field %q is not allowed to be updated: %w", path, domain.ErrInvalidArgument)
			}
		}
		top := path
		if i := strings.IndexByte(path, '.'); i >= 0 {
			top = path[:i]
		}
		switch t.Status {
		case domain.TaskPending:
			// All non-banned fields are free while pending.
		case domain.TaskRunning:
			if !taskRunningFields[top] {
				return domain.Task{}, fmt.Errorf("op=task.update: field %q is not updatable while running: %w", path, domain.ErrInvalidArgument)
			}
		default:
			if top != "metadata" && !(reset && terminalFailed) {
				return domain.Task{}, fmt.Errorf("op=task.update: task is %s; only metadata may change: %w", t.Status, domain.ErrInvalidArgument)
			}
		}
	}
	if reset {
		if !terminalFailed {
			return domain.Task{}, fmt.Errorf("op=task.update: only a terminally failed task can be reset: %w", domain.ErrInvalidArgument)
		}
		t.Status = domain.TaskPending
		t.Retries = 0
		t.WorkerID = nil
		t.StartTime = nil
		t.LastHeartbeat = nil
	}
	for path, val := range leaves {
		var err error
		t, err = setTaskField(t, path, val)
		if err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

func setTaskField(t domain.Task, path string, val docval.Value) (domain.Task, error) {
	top, rest := path, ""
	if i := strings.IndexByte(path, '.'); i >= 0 {
		top, rest = path[:i], path[i+1:]
	}
	switch top {
	case "args":
		if rest == "" {
			if val.Kind() != docval.KindObject {
				return t, fmt.Errorf("op=task.update: args must be an object: %w", domain.ErrInvalidArgument)
			}
			t.Args = val
		} else {
			t.Args = orEmptyObject(t.Args).Set(rest, val)
		}
	case "metadata":
		if rest == "" {
			if val.Kind() != docval.KindObject {
				return t, fmt.Errorf("op=task.update: metadata must be an object: %w", domain.ErrInvalidArgument)
			}
			t.Metadata = val
		} else {
			t.Metadata = orEmptyObject(t.Metadata).Set(rest, val)
		}
	case "priority":
		n, ok := val.AsNumber()
		if !ok {
			return t, fmt.Errorf("op=task.update: priority must be a number: %w", domain.ErrInvalidArgument)
		}
		t.Priority = int(n)
	case "max_retries":
		n, ok := val.AsNumber()
		if !ok || n < 0 {
			return t, fmt.Errorf("op=task.update: max_retries must be a non-negative number: %w", domain.ErrInvalidArgument)
		}
		t.MaxRetries = int(n)
	case "heartbeat_timeout":
		n, ok := val.AsNumber()
		if !ok || n <= 0 {
			return t, fmt.Errorf("op=task.update: heartbeat_timeout must be positive seconds: %w", domain.ErrInvalidArgument)
		}
		t.HeartbeatTimeout = time.Duration(n * float64(time.Second))
	case "task_timeout":
		if val.IsNull() {
			t.TaskTimeout = nil
			break
		}
		n, ok := val.AsNumber()
		if !ok || n <= 0 {
			return t, fmt.Errorf("op=task.update: task_timeout must be positive seconds or null: %w", domain.ErrInvalidArgument)
		}
		d := time.Duration(n * float64(time.Second))
		t.TaskTimeout = &d
	case "cmd":
		sv, ok := val.AsString()
		if !ok {
			return t, fmt.Errorf("op=task.update: cmd must be a string: %w", domain.ErrInvalidArgument)
		}
		t.Cmd = sv
	case "task_name":
		sv, ok := val.AsString()
		if !ok {
			return t, fmt.Errorf("op=task.update: task_name must be a string: %w", domain.ErrInvalidArgument)
		}
		t.TaskName = sv
	default:
		return t, fmt.Errorf("op=task.update: unknown field %q: %w", path, domain.ErrInvalidArgument)
	}
	return t, nil
}

// Cancel transitions a non-terminal task to CANCELLED. If the task
// already reached a terminal state the cancel is a no-op and the
// observed state is returned.
func (s *TaskService) Cancel(ctx domain.Context, queueID, taskID string) (domain.Task, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		t, err := s.Get(ctx, queueID, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		if t.Status.Terminal() || (t.Status == domain.TaskFailed && t.Retries >= t.MaxRetries) {
			return t, nil
		}
		old := t.Status
		t.Status = domain.TaskCancelled
		t.WorkerID = nil
		t.StartTime = nil
		t.LastHeartbeat = nil
		updated, err := s.tasks.UpdateCAS(ctx, t)
		if err == nil {
			observability.TaskTransitionsTotal.WithLabelValues(string(old), string(domain.TaskCancelled)).Inc()
			s.bus.Publish(domain.Event{
				QueueID:   queueID,
				Entity:    domain.EntityTask,
				EntityID:  taskID,
				OldStatus: string(old),
				NewStatus: string(domain.TaskCancelled),
			})
			return updated, nil
		}
		if !isConflict(err) {
			return domain.Task{}, err
		}
	}
	return domain.Task{}, fmt.Errorf("op=task.cancel: cas exhausted: %w", domain.ErrConflict)
}

// Delete removes a task outright.
func (s *TaskService) Delete(ctx domain.Context, queueID, taskID string) error {
	if _, err := s.Get(ctx, queueID, taskID); err != nil {
		return err
	}
	return s.tasks.Delete(ctx, taskID)
}

// Ls pages the queue's tasks matching filter by (created_at, id).
// The next cursor is nil when the listing is exhausted.
func (s *TaskService) Ls(ctx domain.Context, queueID string, filter docval.Value, after *domain.Cursor, limit int) ([]domain.Task, *domain.Cursor, error) {
	if limit <= 0 || limit > lsPageLimit {
		limit = lsPageLimit
	}
	var out []domain.Task
	cursor := after
	for len(out) < limit {
		page, err := s.tasks.List(ctx, queueID, cursor, lsPageLimit)
		if err != nil {
			return nil, nil, err
		}
		if len(page) == 0 {
			return out, nil, nil
		}
		for _, t := range page {
			matched, err := query.Match(TaskDocument(t), filter)
			if err != nil {
				return nil, nil, err
			}
			if matched {
				out = append(out, t)
				if len(out) == limit {
					last := t
					return out, &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
				}
			}
		}
		last := page[len(page)-1]
		cursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if len(page) < lsPageLimit {
			return out, nil, nil
		}
	}
	return out, nil, nil
}

// BulkResult reports the per-task outcome of a bulk update.
type BulkResult struct {
	TaskID string
	OK     bool
	Err    string
}

// BulkUpdate applies the update document to every task matching filter.
// Every document is CAS'd individually; failures do not stop the sweep.
func (s *TaskService) BulkUpdate(ctx domain.Context, queueID string, filter, update docval.Value) ([]BulkResult, error) {
	if _, err := query.Flatten(update); err != nil {
		return nil, err
	}
	var results []BulkResult
	var cursor *domain.Cursor
	for {
		page, err := s.tasks.List(ctx, queueID, cursor, lsPageLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return results, nil
		}
		for _, t := range page {
			matched, err := query.Match(TaskDocument(t), filter)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
			if _, err := s.Update(ctx, queueID, t.ID, update, false); err != nil {
				results = append(results, BulkResult{TaskID: t.ID, Err: err.Error()})
			} else {
				results = append(results, BulkResult{TaskID: t.ID, OK: true})
			}
		}
		last := page[len(page)-1]
		cursor = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if len(page) < lsPageLimit {
			return results, nil
		}
	}
}

// TaskDocument projects a task into the document form the query matcher
// evaluates: scalar lifecycle fields plus the args/metadata/summary
// trees, mirroring the persisted layout.
func TaskDocument(t domain.Task) docval.Value {
	fields := map[string]docval.Value{
		"id":          docval.String(t.ID),
		"queue_id":    docval.String(t.QueueID),
		"status":      docval.String(string(t.Status)),
		"priority":    docval.Number(float64(t.Priority)),
		"retries":     docval.Number(float64(t.Retries)),
		"max_retries": docval.Number(float64(t.MaxRetries)),
		"args":        orEmptyObject(t.Args),
		"metadata":    orEmptyObject(t.Metadata),
		"summary":     orEmptyObject(t.Summary),
	}
	if t.TaskName != "" {
		fields["task_name"] = docval.String(t.TaskName)
	}
	if t.Cmd != "" {
		fields["cmd"] = docval.String(t.Cmd)
	}
	if t.WorkerID != nil {
		fields["worker_id"] = docval.String(*t.WorkerID)
	}
	return docval.Object(fields)
}

// WorkerDocument projects a worker for matcher evaluation in ls.
func WorkerDocument(w domain.Worker) docval.Value {
	fields := map[string]docval.Value{
		"id":          docval.String(w.ID),
		"queue_id":    docval.String(w.QueueID),
		"status":      docval.String(string(w.Status)),
		"retries":     docval.Number(float64(w.Retries)),
		"max_retries": docval.Number(float64(w.MaxRetries)),
		"metadata":    orEmptyObject(w.Metadata),
	}
	if w.WorkerName != "" {
		fields["worker_name"] = docval.String(w.WorkerName)
	}
	return docval.Object(fields)
}
