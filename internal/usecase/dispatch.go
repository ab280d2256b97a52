package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/labtasker/internal/clock"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/observability"
	"github.com/fairyhunter13/labtasker/internal/query"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// fetchScanLimit bounds how many pending candidates one fetch call
// examines before giving up; callers back off and poll again.
const fetchScanLimit = 32

// reaperPageSize bounds one reaper page of running tasks.
const reaperPageSize = 100

// Outcome is the worker-reported result of a task execution.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// DispatchService is the fetch-and-lease engine: it matches pending
// tasks to requesting workers, tracks leases via heartbeats, applies
// reported outcomes with the retry/suspension policy, and expires stale
// leases.
type DispatchService struct {
	tasks   domain.TaskRepository
	workers domain.WorkerRepository
	bus     domain.EventSink
	clk     clock.Clock
}

// NewDispatchService wires a DispatchService.
func NewDispatchService(tasks domain.TaskRepository, workers domain.WorkerRepository, bus domain.EventSink, clk clock.Clock) *DispatchService {
	return &DispatchService{tasks: tasks, workers: workers, bus: bus, clk: clk}
}

// FetchRequest carries the fetch-next parameters.
type FetchRequest struct {
	QueueID        string
	WorkerID       string
	RequiredFields []string
	ExtraFilter    docval.Value
	// HeartbeatTimeout overrides the task's stored value for this lease
	// only; the override is persisted to the task document.
	HeartbeatTimeout *time.Duration
}

// Fetch atomically selects at most one pending task and leases it to
// the worker. A nil task with nil error means no task is available; the
// caller polls again.
func (s *DispatchService) Fetch(ctx domain.Context, req FetchRequest) (*domain.Task, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", req.WorkerID))

	w, err := s.workers.Get(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	if w.QueueID != req.QueueID {
		return nil, fmt.Errorf("op=dispatch.fetch: worker %q not in queue: %w", req.WorkerID, domain.ErrNotFound)
	}
	if !w.Active() {
		return nil, fmt.Errorf("op=dispatch.fetch: worker %q is %s: %w", req.WorkerID, w.Status, domain.ErrWorkerInactive)
	}
	if req.HeartbeatTimeout != nil && *req.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("op=dispatch.fetch: heartbeat_timeout must be positive: %w", domain.ErrInvalidArgument)
	}
	// Surface a malformed extra_filter even when no candidate reaches
	// the match step.
	if _, err := query.Match(docval.Object(nil), req.ExtraFilter); err != nil {
		return nil, err
	}

	candidates, err := s.tasks.ListPending(ctx, req.QueueID, fetchScanLimit)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	misses := 0
	for _, cand := range candidates {
		doc := TaskDocument(cand)
		if !query.HasRequiredFields(doc, req.RequiredFields) {
			continue
		}
		matched, err := query.Match(doc, req.ExtraFilter)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}

		lease := cand
		lease.Status = domain.TaskRunning
		lease.WorkerID = &req.WorkerID
		lease.StartTime = &now
		lease.LastHeartbeat = &now
		if req.HeartbeatTimeout != nil {
			lease.HeartbeatTimeout = *req.HeartbeatTimeout
		}
		leased, err := s.tasks.UpdateCAS(ctx, lease)
		if err != nil {
			if isConflict(err) {
				// Another worker won this candidate; move on.
				observability.CASConflictsTotal.WithLabelValues("fetch").Inc()
				misses++
				if misses >= casAttempts {
					return nil, nil
				}
				continue
			}
			return nil, err
		}
		observability.TasksFetchedTotal.WithLabelValues(req.QueueID).Inc()
		observability.TaskTransitionsTotal.WithLabelValues(string(domain.TaskPending), string(domain.TaskRunning)).Inc()
		s.bus.Publish(domain.Event{
			QueueID:   req.QueueID,
			Entity:    domain.EntityTask,
			EntityID:  leased.ID,
			OldStatus: string(domain.TaskPending),
			NewStatus: string(domain.TaskRunning),
			Metadata:  docval.Object(map[string]docval.Value{"worker_id": docval.String(req.WorkerID)}),
		})
		return &leased, nil
	}
	return nil, nil
}

// Heartbeat refreshes the lease on a running task. It never changes
// status; it only bounds the reaper's definition of liveness.
func (s *DispatchService) Heartbeat(ctx domain.Context, queueID, taskID, workerID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		t, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.QueueID != queueID {
			return fmt.Errorf("op=dispatch.heartbeat: %w", domain.ErrNotFound)
		}
		if t.Status != domain.TaskRunning {
			return fmt.Errorf("op=dispatch.heartbeat: task is %s, not running: %w", t.Status, domain.ErrNotOwned)
		}
		if t.WorkerID == nil || *t.WorkerID != workerID {
			return fmt.Errorf("op=dispatch.heartbeat: %w", domain.ErrNotOwned)
		}
		now := s.clk.Now()
		t.LastHeartbeat = &now
		if _, err := s.tasks.UpdateCAS(ctx, t); err == nil {
			observability.HeartbeatsTotal.WithLabelValues(queueID).Inc()
			return nil
		} else if !isConflict(err) {
			return err
		}
		observability.CASConflictsTotal.WithLabelValues("heartbeat").Inc()
	}
	return fmt.Errorf("op=dispatch.heartbeat: cas exhausted: %w", domain.ErrConflict)
}

// Report applies a worker's terminal outcome for its leased task.
func (s *DispatchService) Report(ctx domain.Context, queueID, taskID, workerID string, outcome Outcome, summary docval.Value) error {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.Report")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.outcome", string(outcome)),
	)

	switch outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeCancelled:
	default:
		return fmt.Errorf("op=dispatch.report: invalid outcome %q: %w", outcome, domain.ErrInvalidArgument)
	}
	if err := query.ValidateDocument(summary); err != nil {
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		t, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.QueueID != queueID {
			return fmt.Errorf("op=dispatch.report: %w", domain.ErrNotFound)
		}
		if t.Status != domain.TaskRunning {
			return fmt.Errorf("op=dispatch.report: task is %s, not running: %w", t.Status, domain.ErrNotOwned)
		}
		if t.WorkerID == nil || *t.WorkerID != workerID {
			return fmt.Errorf("op=dispatch.report: %w", domain.ErrNotOwned)
		}

		next := t
		next.Summary = orEmptyObject(summary)
		var newStatus domain.TaskStatus
		switch outcome {
		case OutcomeSuccess:
			next.Status = domain.TaskSuccess
			next.WorkerID, next.StartTime, next.LastHeartbeat = nil, nil, nil
			newStatus = domain.TaskSuccess
		case OutcomeCancelled:
			next.Status = domain.TaskCancelled
			next.WorkerID, next.StartTime, next.LastHeartbeat = nil, nil, nil
			newStatus = domain.TaskCancelled
		case OutcomeFailed:
			next = applyFailure(next)
			newStatus = next.Status
		}

		if _, err := s.tasks.UpdateCAS(ctx, next); err != nil {
			if isConflict(err) {
				observability.CASConflictsTotal.WithLabelValues("report").Inc()
				continue
			}
			return err
		}

		observability.TaskTransitionsTotal.WithLabelValues(string(domain.TaskRunning), string(newStatus)).Inc()
		s.bus.Publish(domain.Event{
			QueueID:   queueID,
			Entity:    domain.EntityTask,
			EntityID:  taskID,
			OldStatus: string(domain.TaskRunning),
			NewStatus: string(newStatus),
			Metadata:  docval.Object(map[string]docval.Value{"worker_id": docval.String(workerID)}),
		})

		switch outcome {
		case OutcomeSuccess:
			if err := s.resetWorkerFailures(ctx, workerID); err != nil {
				return err
			}
		case OutcomeFailed:
			if err := s.recordWorkerFailure(ctx, workerID, false); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("op=dispatch.report: cas exhausted: %w", domain.ErrConflict)
}

// applyFailure applies one failure to a running task: re-queue with an
// incremented retry count while budget remains, terminal FAILED
// otherwise. The task goes terminal without an increment once retries
// has reached max_retries, so retries never exceeds the (current)
// budget and a terminally failed task shows retries == max_retries.
func applyFailure(t domain.Task) domain.Task {
	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = domain.TaskPending
	} else {
		t.Status = domain.TaskFailed
	}
	t.WorkerID, t.StartTime, t.LastHeartbeat = nil, nil, nil
	return t
}

// resetWorkerFailures zeroes the worker's consecutive-failure counter.
func (s *DispatchService) resetWorkerFailures(ctx domain.Context, workerID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		w, err := s.workers.Get(ctx, workerID)
		if err != nil {
			return err
		}
		if w.Retries == 0 {
			return nil
		}
		w.Retries = 0
		if _, err := s.workers.UpdateCAS(ctx, w); err == nil {
			return nil
		} else if !isConflict(err) {
			return err
		}
	}
	return fmt.Errorf("op=dispatch.reset_worker: cas exhausted: %w", domain.ErrConflict)
}

// recordWorkerFailure bumps the worker's consecutive-failure counter
// and applies the suspension policy. With crashed set (reaper heartbeat
// expiry) the worker is marked CRASHED instead.
func (s *DispatchService) recordWorkerFailure(ctx domain.Context, workerID string, crashed bool) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		w, err := s.workers.Get(ctx, workerID)
		if err != nil {
			return err
		}
		old := w.Status
		w.Retries++
		switch {
		case crashed:
			w.Status = domain.WorkerCrashed
		case w.Retries >= w.MaxRetries:
			w.Status = domain.WorkerSuspended
		}
		if _, err := s.workers.UpdateCAS(ctx, w); err != nil {
			if isConflict(err) {
				continue
			}
			return err
		}
		if w.Status != old {
			if w.Status == domain.WorkerCrashed {
				observability.WorkerCrashesTotal.Inc()
			} else {
				observability.WorkerSuspensionsTotal.Inc()
			}
			s.bus.Publish(domain.Event{
				QueueID:   w.QueueID,
				Entity:    domain.EntityWorker,
				EntityID:  w.ID,
				OldStatus: string(old),
				NewStatus: string(w.Status),
			})
		}
		return nil
	}
	return fmt.Errorf("op=dispatch.record_failure: cas exhausted: %w", domain.ErrConflict)
}

// ReapExpired sweeps running tasks once and fails every expired lease:
// heartbeat silence marks the owning worker CRASHED; a task_timeout
// overrun leaves the worker alone (it is alive, the task ran long).
// Safe to run concurrently from multiple replicas: every transition is
// a CAS, and losing a race just skips the task.
func (s *DispatchService) ReapExpired(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.ReapExpired")
	defer span.End()
	observability.ReaperSweepsTotal.Inc()

	now := s.clk.Now()
	var expired []string
	for offset := 0; ; offset += reaperPageSize {
		page, err := s.tasks.ListRunning(ctx, offset, reaperPageSize)
		if err != nil {
			return expired, err
		}
		if len(page) == 0 {
			break
		}
		for _, t := range page {
			heartbeatDead := t.LastHeartbeat != nil && now.Sub(*t.LastHeartbeat) > t.HeartbeatTimeout
			timedOut := t.TaskTimeout != nil && t.StartTime != nil && now.Sub(*t.StartTime) > *t.TaskTimeout
			if !heartbeatDead && !timedOut {
				continue
			}
			cause := "heartbeat"
			if !heartbeatDead {
				cause = "task_timeout"
			}
			workerID := ""
			if t.WorkerID != nil {
				workerID = *t.WorkerID
			}

			next := applyFailure(t)
			next.Summary = orEmptyObject(next.Summary).
				Set("labtasker_error", docval.String("either heartbeat or task execution timed out"))
			if _, err := s.tasks.UpdateCAS(ctx, next); err != nil {
				if isConflict(err) {
					// Another replica or a late report got here first.
					continue
				}
				return expired, err
			}
			expired = append(expired, t.ID)
			observability.ReaperExpiredTotal.WithLabelValues(cause).Inc()
			observability.TaskTransitionsTotal.WithLabelValues(string(domain.TaskRunning), string(next.Status)).Inc()
			s.bus.Publish(domain.Event{
				QueueID:   t.QueueID,
				Entity:    domain.EntityTask,
				EntityID:  t.ID,
				OldStatus: string(domain.TaskRunning),
				NewStatus: string(next.Status),
				Metadata:  docval.Object(map[string]docval.Value{"reason": docval.String(cause)}),
			})
			if workerID != "" {
				if err := s.recordWorkerFailure(ctx, workerID, heartbeatDead); err != nil {
					// A deleted worker is already detached; the sweep
					// must still reach the remaining expired leases.
					if !errors.Is(err, domain.ErrNotFound) {
						return expired, err
					}
					slog.Warn("reaper: worker gone before failure recorded",
						slog.String("task_id", t.ID), slog.String("worker_id", workerID))
				}
			}
		}
		if len(page) < reaperPageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("reaper.expired", len(expired)))
	return expired, nil
}
