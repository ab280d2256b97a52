package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/labtasker/internal/domain"
)

type queueKey struct{}

// QueueAuth authenticates requests with HTTP Basic credentials of the
// form queue_name:password and stores the resolved queue in the
// request context.
func (s *Server) QueueAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="labtasker"`)
				writeError(w, r, fmt.Errorf("op=auth: missing credentials: %w", domain.ErrUnauthorized), nil)
				return
			}
			q, err := s.Queues.Authenticate(r.Context(), name, password)
			if err != nil {
				// An unknown queue name is an auth failure, not a 404.
				w.Header().Set("WWW-Authenticate", `Basic realm="labtasker"`)
				writeError(w, r, fmt.Errorf("op=auth: %w", domain.ErrUnauthorized), nil)
				return
			}
			ctx := context.WithValue(r.Context(), queueKey{}, q)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// queueFrom returns the authenticated queue stored by QueueAuth.
func queueFrom(r *http.Request) (domain.Queue, bool) {
	q, ok := r.Context().Value(queueKey{}).(domain.Queue)
	return q, ok
}
