package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/usecase"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// RegisterWorkerHandler creates an ACTIVE worker in the queue.
func (s *Server) RegisterWorkerHandler() http.HandlerFunc {
	type request struct {
		WorkerName string       `json:"worker_name" validate:"max=255"`
		Metadata   docval.Value `json:"metadata"`
		MaxRetries *int         `json:"max_retries"`
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
		worker, err := s.Workers.Register(r.Context(), usecase.RegisterWorker{
			QueueID:    q.ID,
			WorkerName: req.WorkerName,
			Metadata:   req.Metadata,
			MaxRetries: req.MaxRetries,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"worker_id": worker.ID})
	}
}

// GetWorkerHandler returns one worker document.
func (s *Server) GetWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		worker, err := s.Workers.Get(r.Context(), q.ID, chi.URLParam(r, "workerID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toWorkerResponse(worker))
	}
}

// UpdateWorkerHandler changes worker status, metadata or retry budget.
// Setting status to active resumes a suspended or crashed worker.
func (s *Server) UpdateWorkerHandler() http.HandlerFunc {
	type request struct {
		Status         *string      `json:"status" validate:"omitempty,oneof=active suspended crashed"`
		MetadataUpdate docval.Value `json:"metadata_update"`
		MaxRetries     *int         `json:"max_retries"`
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
		upd := usecase.UpdateWorker{
			MetadataUpdate: req.MetadataUpdate,
			MaxRetries:     req.MaxRetries,
		}
		if req.Status != nil {
			st := domain.WorkerStatus(*req.Status)
			upd.Status = &st
		}
		worker, err := s.Workers.Update(r.Context(), q.ID, chi.URLParam(r, "workerID"), upd)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toWorkerResponse(worker))
	}
}

// DeleteWorkerHandler removes the worker and detaches it from tasks.
func (s *Server) DeleteWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := queueFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		if err := s.Workers.Delete(r.Context(), q.ID, chi.URLParam(r, "workerID")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// LsWorkersHandler pages workers matching the filter.
func (s *Server) LsWorkersHandler() http.HandlerFunc {
	type response struct {
		Workers []workerResponse `json:"workers"`
		Cursor  string           `json:"cursor,omitempty"`
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
		workers, next, err := s.Workers.Ls(r.Context(), q.ID, filter, after, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := response{Workers: make([]workerResponse, 0, len(workers)), Cursor: encodeCursor(next)}
		for _, worker := range workers {
			resp.Workers = append(resp.Workers, toWorkerResponse(worker))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
