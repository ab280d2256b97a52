package usecase

import (
	"fmt"

	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/query"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// WorkerService manages worker registration and lifecycle. Suspension
// and crash transitions are driven by the dispatch engine; this service
// covers the admin surface, including the resume path.
type WorkerService struct {
	workers domain.WorkerRepository
	tasks   domain.TaskRepository
	bus     domain.EventSink
	clk     clock.Clock
}

// NewWorkerService wires a WorkerService.
func NewWorkerService(workers domain.WorkerRepository, tasks domain.TaskRepository, bus domain.EventSink, clk clock.Clock) *WorkerService {
	return &WorkerService{workers: workers, tasks: tasks, bus: bus, clk: clk}
}

// RegisterWorker carries worker registration parameters.
type RegisterWorker struct {
	QueueID    string
	WorkerName string
	Metadata   docval.Value
	MaxRetries *int
}

// Register creates an ACTIVE worker with a zero failure counter.
func (s *WorkerService) Register(ctx domain.Context, req RegisterWorker) (domain.Worker, error) {
	if err := query.ValidateDocument(req.Metadata); err != nil {
		return domain.Worker{}, err
	}
	maxRetries := domain.DefaultWorkerMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 1 {
			return domain.Worker{}, fmt.Errorf("op=worker.register: max_retries must be at least 1: %w", domain.ErrInvalidArgument)
		}
		maxRetries = *req.MaxRetries
	}
	id, err := s.workers.Create(ctx, domain.Worker{
		QueueID:    req.QueueID,
		WorkerName: req.WorkerName,
		Status:     domain.WorkerActive,
		Metadata:   orEmptyObject(req.Metadata),
		MaxRetries: maxRetries,
	})
	if err != nil {
		return domain.Worker{}, err
	}
	w, err := s.workers.Get(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	s.bus.Publish(domain.Event{
		QueueID:   req.QueueID,
		Entity:    domain.EntityWorker,
		EntityID:  id,
		NewStatus: string(domain.WorkerActive),
	})
	return w, nil
}

// Get returns a worker scoped to its queue.
func (s *WorkerService) Get(ctx domain.Context, queueID, workerID string) (domain.Worker, error) {
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return domain.Worker{}, err
	}
	if w.QueueID != queueID {
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
	}
	return w, nil
}

// UpdateWorker carries the mutable worker fields; nil means unchanged.
type UpdateWorker struct {
	Status         *domain.WorkerStatus
	MetadataUpdate docval.Value
	MaxRetries     *int
}

// Update applies admin changes. Setting status to ACTIVE resumes a
// suspended or crashed worker and zeroes its failure counter.
func (s *WorkerService) Update(ctx domain.Context, queueID, workerID string, upd UpdateWorker) (domain.Worker, error) {
	metaLeaves, err := query.Flatten(upd.MetadataUpdate)
	if err != nil {
		return domain.Worker{}, err
	}
	if upd.Status != nil {
		switch *upd.Status {
		case domain.WorkerActive, domain.WorkerSuspended, domain.WorkerCrashed:
		default:
			return domain.Worker{}, fmt.Errorf("op=worker.update: invalid status %q: %w", *upd.Status, domain.ErrInvalidArgument)
		}
	}
	if upd.MaxRetries != nil && *upd.MaxRetries < 1 {
		return domain.Worker{}, fmt.Errorf("op=worker.update: max_retries must be at least 1: %w", domain.ErrInvalidArgument)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		w, err := s.Get(ctx, queueID, workerID)
		if err != nil {
			return domain.Worker{}, err
		}
		old := w.Status
		if upd.Status != nil {
			w.Status = *upd.Status
			if w.Status == domain.WorkerActive && old != domain.WorkerActive {
				w.Retries = 0
			}
		}
		if upd.MaxRetries != nil {
			w.MaxRetries = *upd.MaxRetries
		}
		meta := orEmptyObject(w.Metadata)
		for path, v := range metaLeaves {
			meta = meta.Set(path, v)
		}
		w.Metadata = meta

		updated, err := s.workers.UpdateCAS(ctx, w)
		if err != nil {
			if isConflict(err) {
				continue
			}
			return domain.Worker{}, err
		}
		if updated.Status != old {
			s.bus.Publish(domain.Event{
				QueueID:   queueID,
				Entity:    domain.EntityWorker,
				EntityID:  workerID,
				OldStatus: string(old),
				NewStatus: string(updated.Status),
			})
		}
		return updated, nil
	}
	return domain.Worker{}, fmt.Errorf("op=worker.update: cas exhausted: %w", domain.ErrConflict)
}

// Delete removes the worker and detaches it from any tasks that still
// reference it. Running tasks keep running; the reaper picks up their
// leases if no report ever arrives.
func (s *WorkerService) Delete(ctx domain.Context, queueID, workerID string) error {
	if _, err := s.Get(ctx, queueID, workerID); err != nil {
		return err
	}
	if err := s.tasks.ClearWorker(ctx, queueID, workerID); err != nil {
		return err
	}
	return s.workers.Delete(ctx, workerID)
}

// Ls pages the queue's workers matching filter by (created_at, id).
func (s *WorkerService) Ls(ctx domain.Context, queueID string, filter docval.Value, after *domain.Cursor, limit int) ([]domain.Worker, *domain.Cursor, error) {
	if limit <= 0 || limit > lsPageLimit {
		limit = lsPageLimit
	}
	var out []domain.Worker
	cursor := after
	for len(out) < limit {
		page, err := s.workers.List(ctx, queueID, cursor, lsPageLimit)
		if err != nil {
			return nil, nil, err
		}
		if len(page) == 0 {
			return out, nil, nil
		}
		for _, w := range page {
			matched, err := query.Match(WorkerDocument(w), filter)
			if err != nil {
				return nil, nil, err
			}
			if matched {
				out = append(out, w)
				if len(out) == limit {
					return out, &domain.Cursor{CreatedAt: w.CreatedAt, ID: w.ID}, nil
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
