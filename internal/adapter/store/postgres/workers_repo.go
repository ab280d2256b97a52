package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/labtasker/internal/domain"
)

// WorkerRepo persists workers.
type WorkerRepo struct{ Pool PgxPool }

// NewWorkerRepo constructs a WorkerRepo with the given pool.
func NewWorkerRepo(p PgxPool) *WorkerRepo { return &WorkerRepo{Pool: p} }

const workerColumns = `id, queue_id, worker_name, status, metadata, max_retries, retries, created_at, last_modified, etag`

func scanWorker(row pgx.Row) (domain.Worker, error) {
	var w domain.Worker
	var meta []byte
	var status string
	if err := row.Scan(&w.ID, &w.QueueID, &w.WorkerName, &status, &meta, &w.MaxRetries, &w.Retries, &w.CreatedAt, &w.LastModified, &w.Etag); err != nil {
		return domain.Worker{}, err
	}
	w.Status = domain.WorkerStatus(status)
	var err error
	w.Metadata, err = unmarshalDoc(meta)
	return w, err
}

// Create inserts a new worker and returns its id.
func (r *WorkerRepo) Create(ctx domain.Context, w domain.Worker) (string, error) {
	tracer := otel.Tracer("store.workers")
	ctx, span := tracer.Start(ctx, "workers.Create")
	defer span.End()
	id := w.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := marshalDoc(w.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=worker.create: %w", err)
	}
	now := time.Now().UTC()
	sql := `INSERT INTO workers (id, queue_id, worker_name, status, metadata, max_retries, retries, created_at, last_modified)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	if _, err := r.Pool.Exec(ctx, sql, id, w.QueueID, w.WorkerName, string(w.Status), meta, w.MaxRetries, w.Retries, now); err != nil {
		return "", fmt.Errorf("op=worker.create: %w", err)
	}
	return id, nil
}

// Get loads a worker by id.
func (r *WorkerRepo) Get(ctx domain.Context, id string) (domain.Worker, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
		}
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", err)
	}
	return w, nil
}

// UpdateCAS writes the worker iff the stored etag matches w.Etag.
func (r *WorkerRepo) UpdateCAS(ctx domain.Context, w domain.Worker) (domain.Worker, error) {
	tracer := otel.Tracer("store.workers")
	ctx, span := tracer.Start(ctx, "workers.UpdateCAS")
	defer span.End()
	meta, err := marshalDoc(w.Metadata)
	if err != nil {
		return domain.Worker{}, fmt.Errorf("op=worker.update: %w", err)
	}
	sql := `UPDATE workers SET worker_name=$2, status=$3, metadata=$4, max_retries=$5, retries=$6, last_modified=$7, etag=etag+1
		WHERE id=$1 AND etag=$8`
	tag, err := r.Pool.Exec(ctx, sql, w.ID, w.WorkerName, string(w.Status), meta, w.MaxRetries, w.Retries, time.Now().UTC(), w.Etag)
	if err != nil {
		return domain.Worker{}, fmt.Errorf("op=worker.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Worker{}, casOutcome(ctx, r.Pool, "workers", "worker.update", w.ID)
	}
	return r.Get(ctx, w.ID)
}

// Delete removes a worker by id.
func (r *WorkerRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM workers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=worker.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=worker.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteByQueue removes every worker of the queue.
func (r *WorkerRepo) DeleteByQueue(ctx domain.Context, queueID string) error {
	if _, err := r.Pool.Exec(ctx, `DELETE FROM workers WHERE queue_id=$1`, queueID); err != nil {
		return fmt.Errorf("op=worker.delete_by_queue: %w", err)
	}
	return nil
}

// List pages the queue's workers by (created_at, id) after the cursor.
func (r *WorkerRepo) List(ctx domain.Context, queueID string, after *domain.Cursor, limit int) ([]domain.Worker, error) {
	var rows pgx.Rows
	var err error
	if after == nil {
		sql := `SELECT ` + workerColumns + ` FROM workers
			WHERE queue_id=$1 ORDER BY created_at ASC, id ASC LIMIT $2`
		rows, err = r.Pool.Query(ctx, sql, queueID, limit)
	} else {
		sql := `SELECT ` + workerColumns + ` FROM workers
			WHERE queue_id=$1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC LIMIT $4`
		rows, err = r.Pool.Query(ctx, sql, queueID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("op=worker.list: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	return out, nil
}
