package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/labtasker/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// QueueRepo persists queues.
type QueueRepo struct{ Pool PgxPool }

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool) *QueueRepo { return &QueueRepo{Pool: p} }

const queueColumns = `id, name, password_hash, metadata, created_at, last_modified, etag`

func scanQueue(row pgx.Row) (domain.Queue, error) {
	var q domain.Queue
	var meta []byte
	if err := row.Scan(&q.ID, &q.Name, &q.PasswordHash, &meta, &q.CreatedAt, &q.LastModified, &q.Etag); err != nil {
		return domain.Queue{}, err
	}
	var err error
	q.Metadata, err = unmarshalDoc(meta)
	return q, err
}

// Create inserts a new queue and returns its id.
func (r *QueueRepo) Create(ctx domain.Context, q domain.Queue) (string, error) {
	tracer := otel.Tracer("store.queues")
	ctx, span := tracer.Start(ctx, "queues.Create")
	defer span.End()
	id := q.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := marshalDoc(q.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=queue.create: %w", err)
	}
	now := time.Now().UTC()
	sql := `INSERT INTO queues (id, name, password_hash, metadata, created_at, last_modified) VALUES ($1,$2,$3,$4,$5,$5)`
	if _, err := r.Pool.Exec(ctx, sql, id, q.Name, q.PasswordHash, meta, now); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=queue.create: queue %q: %w", q.Name, domain.ErrAlreadyExists)
		}
		return "", fmt.Errorf("op=queue.create: %w", err)
	}
	return id, nil
}

// Get loads a queue by id.
func (r *QueueRepo) Get(ctx domain.Context, id string) (domain.Queue, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE id=$1`, id)
	q, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Queue{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
		}
		return domain.Queue{}, fmt.Errorf("op=queue.get: %w", err)
	}
	return q, nil
}

// GetByName loads a queue by its unique name.
func (r *QueueRepo) GetByName(ctx domain.Context, name string) (domain.Queue, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE name=$1`, name)
	q, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Queue{}, fmt.Errorf("op=queue.get_by_name: queue %q: %w", name, domain.ErrNotFound)
		}
		return domain.Queue{}, fmt.Errorf("op=queue.get_by_name: %w", err)
	}
	return q, nil
}

// UpdateCAS writes the queue iff the stored etag matches q.Etag.
func (r *QueueRepo) UpdateCAS(ctx domain.Context, q domain.Queue) (domain.Queue, error) {
	tracer := otel.Tracer("store.queues")
	ctx, span := tracer.Start(ctx, "queues.UpdateCAS")
	defer span.End()
	meta, err := marshalDoc(q.Metadata)
	if err != nil {
		return domain.Queue{}, fmt.Errorf("op=queue.update: %w", err)
	}
	sql := `UPDATE queues SET name=$2, password_hash=$3, metadata=$4, last_modified=$5, etag=etag+1 WHERE id=$1 AND etag=$6`
	tag, err := r.Pool.Exec(ctx, sql, q.ID, q.Name, q.PasswordHash, meta, time.Now().UTC(), q.Etag)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Queue{}, fmt.Errorf("op=queue.update: queue %q: %w", q.Name, domain.ErrAlreadyExists)
		}
		return domain.Queue{}, fmt.Errorf("op=queue.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Queue{}, casOutcome(ctx, r.Pool, "queues", "queue.update", q.ID)
	}
	return r.Get(ctx, q.ID)
}

// Delete removes a queue by id.
func (r *QueueRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM queues WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=queue.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.delete: %w", domain.ErrNotFound)
	}
	return nil
}
