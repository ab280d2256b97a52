// Package usecase implements the task dispatch and lifecycle engine:
// queue/worker administration, task submission and mutation, the
// fetch-and-lease algorithm, heartbeats, result reporting and the
// expired-lease reaper. All state mutations go through store-level
// compare-and-update on Etag; the engine holds no in-process locks
// across store round-trips.
package usecase

import (
	"errors"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/query"
	"github.com/fairyhunter13/labtasker/internal/security"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// casAttempts bounds read-modify-write retries before surfacing
// ErrConflict to the caller.
const casAttempts = 8

var queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// QueueService administers queues and authenticates their shared
// secrets.
type QueueService struct {
	queues  domain.QueueRepository
	tasks   domain.TaskRepository
	workers domain.WorkerRepository
	bus     domain.EventSink
	clk     clock.Clock
}

// NewQueueService wires a QueueService.
func NewQueueService(queues domain.QueueRepository, tasks domain.TaskRepository, workers domain.WorkerRepository, bus domain.EventSink, clk clock.Clock) *QueueService {
	return &QueueService{queues: queues, tasks: tasks, workers: workers, bus: bus, clk: clk}
}

// Create registers a new queue and returns its id.
func (s *QueueService) Create(ctx domain.Context, name, password string, metadata docval.Value) (string, error) {
	tracer := otel.Tracer("usecase.queues")
	ctx, span := tracer.Start(ctx, "queues.Create")
	defer span.End()

	if !queueNameRe.MatchString(name) {
		return "", fmt.Errorf("op=queue.create: invalid queue name %q: %w", name, domain.ErrInvalidArgument)
	}
	if password == "" {
		return "", fmt.Errorf("op=queue.create: empty password: %w", domain.ErrInvalidArgument)
	}
	if err := query.ValidateDocument(metadata); err != nil {
		return "", err
	}
	hash, err := security.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("op=queue.create: %w", domain.ErrInternal)
	}
	id, err := s.queues.Create(ctx, domain.Queue{
		Name:         name,
		PasswordHash: hash,
		Metadata:     orEmptyObject(metadata),
	})
	if err != nil {
		return "", err
	}
	s.bus.Publish(domain.Event{
		QueueID:   id,
		Entity:    domain.EntityQueue,
		EntityID:  id,
		NewStatus: "created",
	})
	return id, nil
}

// Get loads a queue by id or by name; exactly one must be supplied.
func (s *QueueService) Get(ctx domain.Context, id, name string) (domain.Queue, error) {
	switch {
	case id != "":
		return s.queues.Get(ctx, id)
	case name != "":
		return s.queues.GetByName(ctx, name)
	}
	return domain.Queue{}, fmt.Errorf("op=queue.get: queue_id or queue_name required: %w", domain.ErrInvalidArgument)
}

// Authenticate resolves the queue by name and verifies the password.
func (s *QueueService) Authenticate(ctx domain.Context, name, password string) (domain.Queue, error) {
	q, err := s.queues.GetByName(ctx, name)
	if err != nil {
		return domain.Queue{}, err
	}
	if !security.VerifyPassword(password, q.PasswordHash) {
		return domain.Queue{}, fmt.Errorf("op=queue.auth: queue %q: %w", name, domain.ErrUnauthorized)
	}
	return q, nil
}

// UpdateQueue carries the mutable queue settings; nil pointers leave
// the current value untouched.
type UpdateQueue struct {
	NewName        *string
	NewPassword    *string
	MetadataUpdate docval.Value
}

// Update applies queue setting changes under CAS.
func (s *QueueService) Update(ctx domain.Context, queueID string, upd UpdateQueue) (domain.Queue, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		q, err := s.queues.Get(ctx, queueID)
		if err != nil {
			return domain.Queue{}, err
		}
		if upd.NewName != nil {
			if !queueNameRe.MatchString(*upd.NewName) {
				return domain.Queue{}, fmt.Errorf("op=queue.update: invalid queue name %q: %w", *upd.NewName, domain.ErrInvalidArgument)
			}
			q.Name = *upd.NewName
		}
		if upd.NewPassword != nil {
			if *upd.NewPassword == "" {
				return domain.Queue{}, fmt.Errorf("op=queue.update: empty password: %w", domain.ErrInvalidArgument)
			}
			hash, err := security.HashPassword(*upd.NewPassword)
			if err != nil {
				return domain.Queue{}, fmt.Errorf("op=queue.update: %w", domain.ErrInternal)
			}
			q.PasswordHash = hash
		}
		if !upd.MetadataUpdate.IsNull() {
			merged, err := query.ApplyUpdate(orEmptyObject(q.Metadata), upd.MetadataUpdate, nil)
			if err != nil {
				return domain.Queue{}, err
			}
			q.Metadata = merged
		}
		updated, err := s.queues.UpdateCAS(ctx, q)
		if err == nil {
			return updated, nil
		}
		if !isConflict(err) {
			return domain.Queue{}, err
		}
	}
	return domain.Queue{}, fmt.Errorf("op=queue.update: cas exhausted: %w", domain.ErrConflict)
}

// Delete removes the queue. With cascade, all of its tasks and workers
// go with it.
func (s *QueueService) Delete(ctx domain.Context, queueID string, cascade bool) error {
	q, err := s.queues.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if err := s.queues.Delete(ctx, q.ID); err != nil {
		return err
	}
	if cascade {
		if err := s.tasks.DeleteByQueue(ctx, q.ID); err != nil {
			return err
		}
		if err := s.workers.DeleteByQueue(ctx, q.ID); err != nil {
			return err
		}
	}
	s.bus.Publish(domain.Event{
		QueueID:   q.ID,
		Entity:    domain.EntityQueue,
		EntityID:  q.ID,
		OldStatus: "created",
		NewStatus: "deleted",
	})
	return nil
}

func orEmptyObject(v docval.Value) docval.Value {
	if v.IsNull() {
		return docval.Object(nil)
	}
	return v
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}
