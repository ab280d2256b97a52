package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/events"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// maxNextEventWait caps the long-poll duration of next-event; it must
// stay under the server write timeout.
const maxNextEventWait = 45 * time.Second

type eventResponse struct {
	ID        uint64       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	QueueID   string       `json:"queue_id"`
	Entity    string       `json:"entity"`
	EntityID  string       `json:"entity_id"`
	OldStatus string       `json:"old_status,omitempty"`
	NewStatus string       `json:"new_status"`
	Metadata  docval.Value `json:"metadata"`
	Overflow  bool         `json:"overflow,omitempty"`
}

func toEventResponse(ev domain.Event) eventResponse {
	return eventResponse{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		QueueID:   ev.QueueID,
		Entity:    string(ev.Entity),
		EntityID:  ev.EntityID,
		OldStatus: ev.OldStatus,
		NewStatus: ev.NewStatus,
		Metadata:  ev.Metadata,
		Overflow:  ev.Overflow,
	}
}

// SubscribeEventsHandler opens a long-poll subscription on the queue's
// event stream and returns its handle.
func (s *Server) SubscribeEventsHandler() http.HandlerFunc {
	type request struct {
		Entities []string `json:"entities" validate:"omitempty,dive,oneof=task worker queue"`
		Statuses []string `json:"statuses"`
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
		filter := events.Filter{QueueID: q.ID, Statuses: req.Statuses}
		for _, e := range req.Entities {
			filter.Entities = append(filter.Entities, domain.EventEntity(e))
		}
		sub := s.Bus.Subscribe(filter)
		writeJSON(w, http.StatusCreated, map[string]string{"handle": sub.Handle()})
	}
}

// NextEventHandler long-polls for the subscriber's next event. An
// empty body field means the timeout elapsed with no event.
func (s *Server) NextEventHandler() http.HandlerFunc {
	type response struct {
		Event *eventResponse `json:"event"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := queueFrom(r); !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		handle := chi.URLParam(r, "handle")
		sub, ok := s.Bus.Get(handle)
		if !ok {
			writeError(w, r, fmt.Errorf("op=events.next: unknown handle: %w", domain.ErrNotFound), nil)
			return
		}
		wait := 30 * time.Second
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, r, fmt.Errorf("op=events.next: bad timeout: %w", domain.ErrInvalidArgument), nil)
				return
			}
			wait = d
		}
		if wait > maxNextEventWait {
			wait = maxNextEventWait
		}
		ev, got, err := sub.Next(r.Context(), wait)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !got {
			writeJSON(w, http.StatusOK, response{})
			return
		}
		resp := toEventResponse(ev)
		writeJSON(w, http.StatusOK, response{Event: &resp})
	}
}

// UnsubscribeEventsHandler closes a subscription.
func (s *Server) UnsubscribeEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := queueFrom(r); !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		s.Bus.Unsubscribe(chi.URLParam(r, "handle"))
		w.WriteHeader(http.StatusNoContent)
	}
}
