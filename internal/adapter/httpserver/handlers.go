package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/labtasker/internal/config"
	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/events"
	"github.com/fairyhunter13/labtasker/internal/usecase"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Queues   *usecase.QueueService
	Tasks    *usecase.TaskService
	Workers  *usecase.WorkerService
	Dispatch *usecase.DispatchService
	Bus      *events.Bus
	DBCheck  func(ctx domain.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, queues *usecase.QueueService, tasks *usecase.TaskService, workers *usecase.WorkerService, dispatch *usecase.DispatchService, bus *events.Bus, dbCheck func(ctx domain.Context) error) *Server {
	return &Server{Cfg: cfg, Queues: queues, Tasks: tasks, Workers: workers, Dispatch: dispatch, Bus: bus, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("op=http.decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("op=http.validate: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}

// Durations cross the wire as seconds.
func secondsToDuration(s *float64) *time.Duration {
	if s == nil {
		return nil
	}
	d := time.Duration(*s * float64(time.Second))
	return &d
}

func encodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(map[string]string{
		"created_at": c.CreatedAt.Format(time.RFC3339Nano),
		"id":         c.ID,
	})
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*domain.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("op=http.cursor: %w", domain.ErrInvalidArgument)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("op=http.cursor: %w", domain.ErrInvalidArgument)
	}
	ts, err := time.Parse(time.RFC3339Nano, m["created_at"])
	if err != nil {
		return nil, fmt.Errorf("op=http.cursor: %w", domain.ErrInvalidArgument)
	}
	return &domain.Cursor{CreatedAt: ts, ID: m["id"]}, nil
}

// ---- response DTOs ----

type queueResponse struct {
	QueueID      string       `json:"queue_id"`
	QueueName    string       `json:"queue_name"`
	Metadata     docval.Value `json:"metadata"`
	CreatedAt    time.Time    `json:"created_at"`
	LastModified time.Time    `json:"last_modified"`
}

func toQueueResponse(q domain.Queue) queueResponse {
	return queueResponse{
		QueueID:      q.ID,
		QueueName:    q.Name,
		Metadata:     q.Metadata,
		CreatedAt:    q.CreatedAt,
		LastModified: q.LastModified,
	}
}

type taskResponse struct {
	TaskID           string       `json:"task_id"`
	QueueID          string       `json:"queue_id"`
	TaskName         string       `json:"task_name,omitempty"`
	Status           string       `json:"status"`
	Args             docval.Value `json:"args"`
	Metadata         docval.Value `json:"metadata"`
	Summary          docval.Value `json:"summary"`
	Cmd              string       `json:"cmd,omitempty"`
	HeartbeatTimeout float64      `json:"heartbeat_timeout"`
	TaskTimeout      *float64     `json:"task_timeout,omitempty"`
	MaxRetries       int          `json:"max_retries"`
	Retries          int          `json:"retries"`
	Priority         int          `json:"priority"`
	WorkerID         *string      `json:"worker_id,omitempty"`
	StartTime        *time.Time   `json:"start_time,omitempty"`
	LastHeartbeat    *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	LastModified     time.Time    `json:"last_modified"`
}

func toTaskResponse(t domain.Task) taskResponse {
	resp := taskResponse{
		TaskID:           t.ID,
		QueueID:          t.QueueID,
		TaskName:         t.TaskName,
		Status:           string(t.Status),
		Args:             t.Args,
		Metadata:         t.Metadata,
		Summary:          t.Summary,
		Cmd:              t.Cmd,
		HeartbeatTimeout: t.HeartbeatTimeout.Seconds(),
		MaxRetries:       t.MaxRetries,
		Retries:          t.Retries,
		Priority:         t.Priority,
		WorkerID:         t.WorkerID,
		StartTime:        t.StartTime,
		LastHeartbeat:    t.LastHeartbeat,
		CreatedAt:        t.CreatedAt,
		LastModified:     t.LastModified,
	}
	if t.TaskTimeout != nil {
		s := t.TaskTimeout.Seconds()
		resp.TaskTimeout = &s
	}
	return resp
}

type workerResponse struct {
	WorkerID     string       `json:"worker_id"`
	QueueID      string       `json:"queue_id"`
	WorkerName   string       `json:"worker_name,omitempty"`
	Status       string       `json:"status"`
	Metadata     docval.Value `json:"metadata"`
	MaxRetries   int          `json:"max_retries"`
	Retries      int          `json:"retries"`
	CreatedAt    time.Time    `json:"created_at"`
	LastModified time.Time    `json:"last_modified"`
}

func toWorkerResponse(w domain.Worker) workerResponse {
	return workerResponse{
		WorkerID:     w.ID,
		QueueID:      w.QueueID,
		WorkerName:   w.WorkerName,
		Status:       string(w.Status),
		Metadata:     w.Metadata,
		MaxRetries:   w.MaxRetries,
		Retries:      w.Retries,
		CreatedAt:    w.CreatedAt,
		LastModified: w.LastModified,
	}
}

// ---- queue handlers ----

// CreateQueueHandler registers a new queue. The only unauthenticated
// mutating endpoint.
func (s *Server) CreateQueueHandler() http.HandlerFunc {
	type request struct {
		QueueName string       `json:"queue_name" validate:"required,max=100"`
		Password  string       `json:"password" validate:"required,min=1"`
		Metadata  docval.Value `json:"metadata"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Queues.Create(r.Context(), req.QueueName, req.Password, req.Metadata)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"queue_id": id})
	}
}

// GetQueueHandler returns the authenticated queue document.
func (s *Server) GetQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		writeJSON(w, http.StatusOK, toQueueResponse(q))
	}
}

// UpdateQueueHandler changes queue name, password or metadata.
func (s *Server) UpdateQueueHandler() http.HandlerFunc {
	type request struct {
		NewQueueName   *string      `json:"new_queue_name" validate:"omitempty,max=100"`
		NewPassword    *string      `json:"new_password"`
		MetadataUpdate docval.Value `json:"metadata_update"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		updated, err := s.Queues.Update(r.Context(), q.ID, usecase.UpdateQueue{
			NewName:        req.NewQueueName,
			NewPassword:    req.NewPassword,
			MetadataUpdate: req.MetadataUpdate,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toQueueResponse(updated))
	}
}

// DeleteQueueHandler removes the queue; cascade defaults to true.
func (s *Server) DeleteQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		cascade := true
		if v := r.URL.Query().Get("cascade"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("op=queue.delete: bad cascade value: %w", domain.ErrInvalidArgument), nil)
				return
			}
			cascade = b
		}
		if err := s.Queues.Delete(r.Context(), q.ID, cascade); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- task handlers ----

// SubmitTaskHandler enqueues a task into the authenticated queue.
func (s *Server) SubmitTaskHandler() http.HandlerFunc {
	type request struct {
		TaskName         string       `json:"task_name" validate:"max=255"`
		Args             docval.Value `json:"args"`
		Metadata         docval.Value `json:"metadata"`
		Cmd              string       `json:"cmd"`
		HeartbeatTimeout *float64     `json:"heartbeat_timeout"`
		TaskTimeout      *float64     `json:"task_timeout"`
		MaxRetries       *int         `json:"max_retries"`
		Priority         *int         `json:"priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		sub := usecase.SubmitTask{
			QueueID:     q.ID,
			TaskName:    req.TaskName,
			Args:        req.Args,
			Metadata:    req.Metadata,
			Cmd:         req.Cmd,
			TaskTimeout: secondsToDuration(req.TaskTimeout),
			MaxRetries:  req.MaxRetries,
			Priority:    req.Priority,
		}
		if hb := secondsToDuration(req.HeartbeatTimeout); hb != nil {
			sub.HeartbeatTimeout = *hb
		}
		id, err := s.Tasks.Submit(r.Context(), sub)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
	}
}

// GetTaskHandler returns one task document.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		t, err := s.Tasks.Get(r.Context(), q.ID, chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(t))
	}
}

// UpdateTaskHandler applies a partial update document; reset=true
// re-queues a terminally failed task.
func (s *Server) UpdateTaskHandler() http.HandlerFunc {
	type request struct {
		Update docval.Value `json:"update"`
		Reset  bool         `json:"reset"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		t, err := s.Tasks.Update(r.Context(), q.ID, chi.URLParam(r, "taskID"), req.Update, req.Reset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(t))
	}
}

// CancelTaskHandler cancels a pending or running task.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		t, err := s.Tasks.Cancel(r.Context(), q.ID, chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(t))
	}
}

// DeleteTaskHandler removes a task.
func (s *Server) DeleteTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		if err := s.Tasks.Delete(r.Context(), q.ID, chi.URLParam(r, "taskID")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseFilter(r *http.Request) (docval.Value, error) {
	raw := r.URL.Query().Get("filter")
	if raw == "" {
		return docval.Value{}, nil
	}
	f, err := docval.FromJSON([]byte(raw))
	if err != nil {
		return docval.Value{}, fmt.Errorf("op=http.filter: %w", domain.ErrInvalidArgument)
	}
	return f, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("op=http.limit: %w", domain.ErrInvalidArgument)
	}
	return n, nil
}

// LsTasksHandler pages tasks matching the filter.
func (s *Server) LsTasksHandler() http.HandlerFunc {
	type response struct {
		Tasks  []taskResponse `json:"tasks"`
		Cursor string         `json:"cursor,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		after, err := decodeCursor(r.URL.Query().Get("cursor"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		tasks, next, err := s.Tasks.Ls(r.Context(), q.ID, filter, after, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := response{Tasks: make([]taskResponse, 0, len(tasks)), Cursor: encodeCursor(next)}
		for _, t := range tasks {
			resp.Tasks = append(resp.Tasks, toTaskResponse(t))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// BulkUpdateTasksHandler applies one update document to every task
// matching the filter and returns per-task results.
func (s *Server) BulkUpdateTasksHandler() http.HandlerFunc {
	type request struct {
		Filter docval.Value `json:"filter"`
		Update docval.Value `json:"update" validate:"required"`
	}
	type result struct {
		TaskID string `json:"task_id"`
		OK     bool   `json:"ok"`
		Error  string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		results, err := s.Tasks.BulkUpdate(r.Context(), q.ID, req.Filter, req.Update)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]result, 0, len(results))
		for _, res := range results {
			out = append(out, result{TaskID: res.TaskID, OK: res.OK, Error: res.Err})
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

// ---- dispatch handlers ----

// FetchTaskHandler leases the next matching pending task to the
// worker; a null task means nothing matched.
func (s *Server) FetchTaskHandler() http.HandlerFunc {
	type request struct {
		WorkerID         string       `json:"worker_id" validate:"required"`
		RequiredFields   []string     `json:"required_fields"`
		ExtraFilter      docval.Value `json:"extra_filter"`
		HeartbeatTimeout *float64     `json:"heartbeat_timeout"`
		StartHeartbeat   bool         `json:"start_heartbeat"`
	}
	type response struct {
		Task *taskResponse `json:"task"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		// start_heartbeat is accepted for wire compatibility; a lease
		// always starts the heartbeat clock.
		task, err := s.Dispatch.Fetch(r.Context(), usecase.FetchRequest{
			QueueID:          q.ID,
			WorkerID:         req.WorkerID,
			RequiredFields:   req.RequiredFields,
			ExtraFilter:      req.ExtraFilter,
			HeartbeatTimeout: secondsToDuration(req.HeartbeatTimeout),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if task == nil {
			writeJSON(w, http.StatusOK, response{})
			return
		}
		resp := toTaskResponse(*task)
		writeJSON(w, http.StatusOK, response{Task: &resp})
	}
}

// HeartbeatHandler refreshes the lease on a running task.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	type request struct {
		WorkerID string `json:"worker_id" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Dispatch.Heartbeat(r.Context(), q.ID, chi.URLParam(r, "taskID"), req.WorkerID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReportTaskHandler applies the worker's outcome for its leased task.
func (s *Server) ReportTaskHandler() http.HandlerFunc {
	type request struct {
		WorkerID string       `json:"worker_id" validate:"required"`
		Status   string       `json:"status" validate:"required,oneof=success failed cancelled"`
		Summary  docval.Value `json:"summary"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		err := s.Dispatch.Report(r.Context(), q.ID, chi.URLParam(r, "taskID"), req.WorkerID, usecase.Outcome(req.Status), req.Summary)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HealthHandler reports liveness and, when a DB check is wired,
// readiness of the store.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
