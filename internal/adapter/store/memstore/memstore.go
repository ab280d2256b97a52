// Package memstore implements the repository ports in memory. It backs
// the engine's unit and scenario tests and mirrors the concurrency
// contract of the Postgres adapter: per-document compare-and-update on
// Etag, with ErrConflict on a stale tag.
package memstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
)

// Store holds the three collections behind one mutex. Operations are
// atomic relative to each other, which is what the Postgres adapter
// guarantees per statement.
type Store struct {
	mu      sync.Mutex
	clk     clock.Clock
	queues  map[string]domain.Queue
	tasks   map[string]domain.Task
	workers map[string]domain.Worker
}

// New builds an empty Store using clk for timestamps.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		clk:     clk,
		queues:  map[string]domain.Queue{},
		tasks:   map[string]domain.Task{},
		workers: map[string]domain.Worker{},
	}
}

// Queues returns the queue repository view of the store.
func (s *Store) Queues() domain.QueueRepository { return (*queueRepo)(s) }

// Tasks returns the task repository view of the store.
func (s *Store) Tasks() domain.TaskRepository { return (*taskRepo)(s) }

// Workers returns the worker repository view of the store.
func (s *Store) Workers() domain.WorkerRepository { return (*workerRepo)(s) }

func cloneTask(t domain.Task) domain.Task {
	if t.WorkerID != nil {
		w := *t.WorkerID
		t.WorkerID = &w
	}
	if t.StartTime != nil {
		st := *t.StartTime
		t.StartTime = &st
	}
	if t.LastHeartbeat != nil {
		hb := *t.LastHeartbeat
		t.LastHeartbeat = &hb
	}
	if t.TaskTimeout != nil {
		tt := *t.TaskTimeout
		t.TaskTimeout = &tt
	}
	return t
}

type queueRepo Store

func (r *queueRepo) Create(_ domain.Context, q domain.Queue) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.queues {
		if existing.Name == q.Name {
			return "", fmt.Errorf("op=queue.create: queue %q: %w", q.Name, domain.ErrAlreadyExists)
		}
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	now := r.clk.Now()
	q.CreatedAt, q.LastModified, q.Etag = now, now, 1
	r.queues[q.ID] = q
	return q.ID, nil
}

func (r *queueRepo) Get(_ domain.Context, id string) (domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return domain.Queue{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
	}
	return q, nil
}

func (r *queueRepo) GetByName(_ domain.Context, name string) (domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if q.Name == name {
			return q, nil
		}
	}
	return domain.Queue{}, fmt.Errorf("op=queue.get_by_name: %w", domain.ErrNotFound)
}

func (r *queueRepo) UpdateCAS(_ domain.Context, q domain.Queue) (domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.queues[q.ID]
	if !ok {
		return domain.Queue{}, fmt.Errorf("op=queue.update: %w", domain.ErrNotFound)
	}
	if cur.Etag != q.Etag {
		return domain.Queue{}, fmt.Errorf("op=queue.update: %w", domain.ErrConflict)
	}
	for id, other := range r.queues {
		if id != q.ID && other.Name == q.Name {
			return domain.Queue{}, fmt.Errorf("op=queue.update: queue %q: %w", q.Name, domain.ErrAlreadyExists)
		}
	}
	q.CreatedAt = cur.CreatedAt
	q.LastModified = r.clk.Now()
	q.Etag = cur.Etag + 1
	r.queues[q.ID] = q
	return q, nil
}

func (r *queueRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; !ok {
		return fmt.Errorf("op=queue.delete: %w", domain.ErrNotFound)
	}
	delete(r.queues, id)
	return nil
}

type taskRepo Store

func (r *taskRepo) Create(_ domain.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := r.clk.Now()
	t.CreatedAt, t.LastModified, t.Etag = now, now, 1
	r.tasks[t.ID] = cloneTask(t)
	return t.ID, nil
}

func (r *taskRepo) Get(_ domain.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (r *taskRepo) UpdateCAS(_ domain.Context, t domain.Task) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
	}
	if cur.Etag != t.Etag {
		return domain.Task{}, fmt.Errorf("op=task.update: %w", domain.ErrConflict)
	}
	t.CreatedAt = cur.CreatedAt
	t.LastModified = r.clk.Now()
	t.Etag = cur.Etag + 1
	r.tasks[t.ID] = cloneTask(t)
	return cloneTask(t), nil
}

func (r *taskRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("op=task.delete: %w", domain.ErrNotFound)
	}
	delete(r.tasks, id)
	return nil
}

func (r *taskRepo) DeleteByQueue(_ domain.Context, queueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		if t.QueueID == queueID {
			delete(r.tasks, id)
		}
	}
	return nil
}

func (r *taskRepo) ListPending(_ domain.Context, queueID string, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.QueueID == queueID && t.Status == domain.TaskPending {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *taskRepo) ListRunning(_ domain.Context, offset, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.Status == domain.TaskRunning {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		var ti, tj time.Time
		if out[i].LastHeartbeat != nil {
			ti = *out[i].LastHeartbeat
		}
		if out[j].LastHeartbeat != nil {
			tj = *out[j].LastHeartbeat
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *taskRepo) List(_ domain.Context, queueID string, after *domain.Cursor, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.QueueID != queueID {
			continue
		}
		if after != nil {
			if t.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(after.CreatedAt) && t.ID <= after.ID {
				continue
			}
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *taskRepo) ClearWorker(_ domain.Context, queueID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		if t.QueueID == queueID && t.WorkerID != nil && *t.WorkerID == workerID {
			t.WorkerID = nil
			t.LastModified = r.clk.Now()
			t.Etag++
			r.tasks[id] = t
		}
	}
	return nil
}

type workerRepo Store

func (r *workerRepo) Create(_ domain.Context, w domain.Worker) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := r.clk.Now()
	w.CreatedAt, w.LastModified, w.Etag = now, now, 1
	r.workers[w.ID] = w
	return w.ID, nil
}

func (r *workerRepo) Get(_ domain.Context, id string) (domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
	}
	return w, nil
}

func (r *workerRepo) UpdateCAS(_ domain.Context, w domain.Worker) (domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.workers[w.ID]
	if !ok {
		return domain.Worker{}, fmt.Errorf("op=worker.update: %w", domain.ErrNotFound)
	}
	if cur.Etag != w.Etag {
		return domain.Worker{}, fmt.Errorf("op=worker.update: %w", domain.ErrConflict)
	}
	w.CreatedAt = cur.CreatedAt
	w.LastModified = r.clk.Now()
	w.Etag = cur.Etag + 1
	r.workers[w.ID] = w
	return w, nil
}

func (r *workerRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return fmt.Errorf("op=worker.delete: %w", domain.ErrNotFound)
	}
	delete(r.workers, id)
	return nil
}

func (r *workerRepo) DeleteByQueue(_ domain.Context, queueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.workers {
		if w.QueueID == queueID {
			delete(r.workers, id)
		}
	}
	return nil
}

func (r *workerRepo) List(_ domain.Context, queueID string, after *domain.Cursor, limit int) ([]domain.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Worker
	for _, w := range r.workers {
		if w.QueueID != queueID {
			continue
		}
		if after != nil {
			if w.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if w.CreatedAt.Equal(after.CreatedAt) && w.ID <= after.ID {
				continue
			}
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
