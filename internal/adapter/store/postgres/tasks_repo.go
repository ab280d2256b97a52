package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/labtasker/internal/domain"
)

// TaskRepo persists tasks. Durations are stored as nanosecond BIGINTs.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, queue_id, task_name, status, args, metadata, summary, cmd,
	heartbeat_timeout, task_timeout, max_retries, retries, priority,
	worker_id, start_time, last_heartbeat, created_at, last_modified, etag`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var args, meta, summary []byte
	var status string
	var hb int64
	var tt *int64
	if err := row.Scan(&t.ID, &t.QueueID, &t.TaskName, &status, &args, &meta, &summary, &t.Cmd,
		&hb, &tt, &t.MaxRetries, &t.Retries, &t.Priority,
		&t.WorkerID, &t.StartTime, &t.LastHeartbeat, &t.CreatedAt, &t.LastModified, &t.Etag); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.HeartbeatTimeout = time.Duration(hb)
	if tt != nil {
		d := time.Duration(*tt)
		t.TaskTimeout = &d
	}
	var err error
	if t.Args, err = unmarshalDoc(args); err != nil {
		return domain.Task{}, err
	}
	if t.Metadata, err = unmarshalDoc(meta); err != nil {
		return domain.Task{}, err
	}
	if t.Summary, err = unmarshalDoc(summary); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("store.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(attribute.String("queue.id", t.QueueID))
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	args, err := marshalDoc(t.Args)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	meta, err := marshalDoc(t.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	summary, err := marshalDoc(t.Summary)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	var tt *int64
	if t.TaskTimeout != nil {
		n := int64(*t.TaskTimeout)
		tt = &n
	}
	now := time.Now().UTC()
	sql := `INSERT INTO tasks (id, queue_id, task_name, status, args, metadata, summary, cmd,
		heartbeat_timeout, task_timeout, max_retries, retries, priority, created_at, last_modified)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`
	_, err = r.Pool.Exec(ctx, sql, id, t.QueueID, t.TaskName, string(t.Status), args, meta, summary, t.Cmd,
		int64(t.HeartbeatTimeout), tt, t.MaxRetries, t.Retries, t.Priority, now)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// UpdateCAS writes the task iff the stored etag matches t.Etag.
func (r *TaskRepo) UpdateCAS(ctx domain.Context, t domain.Task) (domain.Task, error) {
	tracer := otel.Tracer("store.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateCAS")
	defer span.End()
	args, err := marshalDoc(t.Args)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.update: %w", err)
	}
	meta, err := marshalDoc(t.Metadata)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.update: %w", err)
	}
	summary, err := marshalDoc(t.Summary)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.update: %w", err)
	}
	var tt *int64
	if t.TaskTimeout != nil {
		n := int64(*t.TaskTimeout)
		tt = &n
	}
	sql := `UPDATE tasks SET task_name=$2, status=$3, args=$4, metadata=$5, summary=$6, cmd=$7,
		heartbeat_timeout=$8, task_timeout=$9, max_retries=$10, retries=$11, priority=$12,
		worker_id=$13, start_time=$14, last_heartbeat=$15, last_modified=$16, etag=etag+1
		WHERE id=$1 AND etag=$17`
	tag, err := r.Pool.Exec(ctx, sql, t.ID, t.TaskName, string(t.Status), args, meta, summary, t.Cmd,
		int64(t.HeartbeatTimeout), tt, t.MaxRetries, t.Retries, t.Priority,
		t.WorkerID, t.StartTime, t.LastHeartbeat, time.Now().UTC(), t.Etag)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Task{}, casOutcome(ctx, r.Pool, "tasks", "task.update", t.ID)
	}
	return r.Get(ctx, t.ID)
}

// Delete removes a task by id.
func (r *TaskRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=task.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteByQueue removes every task of the queue.
func (r *TaskRepo) DeleteByQueue(ctx domain.Context, queueID string) error {
	if _, err := r.Pool.Exec(ctx, `DELETE FROM tasks WHERE queue_id=$1`, queueID); err != nil {
		return fmt.Errorf("op=task.delete_by_queue: %w", err)
	}
	return nil
}

// ListPending returns up to limit pending tasks in dispatch order.
func (r *TaskRepo) ListPending(ctx domain.Context, queueID string, limit int) ([]domain.Task, error) {
	sql := `SELECT ` + taskColumns + ` FROM tasks
		WHERE queue_id=$1 AND status='pending'
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, sql, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_pending: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_pending: %w", err)
	}
	return out, nil
}

// ListRunning returns running tasks across all queues by heartbeat age.
func (r *TaskRepo) ListRunning(ctx domain.Context, offset, limit int) ([]domain.Task, error) {
	sql := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status='running'
		ORDER BY last_heartbeat ASC, id ASC OFFSET $1 LIMIT $2`
	rows, err := r.Pool.Query(ctx, sql, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_running: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_running: %w", err)
	}
	return out, nil
}

// List pages the queue's tasks by (created_at, id) after the cursor.
func (r *TaskRepo) List(ctx domain.Context, queueID string, after *domain.Cursor, limit int) ([]domain.Task, error) {
	var rows pgx.Rows
	var err error
	if after == nil {
		sql := `SELECT ` + taskColumns + ` FROM tasks
			WHERE queue_id=$1 ORDER BY created_at ASC, id ASC LIMIT $2`
		rows, err = r.Pool.Query(ctx, sql, queueID, limit)
	} else {
		sql := `SELECT ` + taskColumns + ` FROM tasks
			WHERE queue_id=$1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC LIMIT $4`
		rows, err = r.Pool.Query(ctx, sql, queueID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	return out, nil
}

// ClearWorker detaches a deleted worker from its tasks.
func (r *TaskRepo) ClearWorker(ctx domain.Context, queueID, workerID string) error {
	sql := `UPDATE tasks SET worker_id=NULL, last_modified=$3, etag=etag+1 WHERE queue_id=$1 AND worker_id=$2`
	if _, err := r.Pool.Exec(ctx, sql, queueID, workerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=task.clear_worker: %w", err)
	}
	return nil
}
