// Package app wires the HTTP router and the engine's background jobs.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/labtasker/internal/adapter/httpserver"
	"github.com/fairyhunter13/labtasker/internal/config"
	"github.com/fairyhunter13/labtasker/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			pub.Post("/queues", srv.CreateQueueHandler())
		})

		// Everything under /queues/me acts on the queue resolved from
		// Basic auth credentials.
		api.Route("/queues/me", func(me chi.Router) {
			me.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			me.Use(srv.QueueAuth())

			me.Get("/", srv.GetQueueHandler())
			me.Put("/", srv.UpdateQueueHandler())
			me.Delete("/", srv.DeleteQueueHandler())

			me.Post("/tasks", srv.SubmitTaskHandler())
			me.Get("/tasks", srv.LsTasksHandler())
			me.Post("/tasks/fetch", srv.FetchTaskHandler())
			me.Post("/tasks/updates", srv.BulkUpdateTasksHandler())
			me.Get("/tasks/{taskID}", srv.GetTaskHandler())
			me.Put("/tasks/{taskID}", srv.UpdateTaskHandler())
			me.Delete("/tasks/{taskID}", srv.DeleteTaskHandler())
			me.Post("/tasks/{taskID}/heartbeat", srv.HeartbeatHandler())
			me.Post("/tasks/{taskID}/report", srv.ReportTaskHandler())
			me.Post("/tasks/{taskID}/cancel", srv.CancelTaskHandler())

			me.Post("/workers", srv.RegisterWorkerHandler())
			me.Get("/workers", srv.LsWorkersHandler())
			me.Get("/workers/{workerID}", srv.GetWorkerHandler())
			me.Patch("/workers/{workerID}", srv.UpdateWorkerHandler())
			me.Delete("/workers/{workerID}", srv.DeleteWorkerHandler())

			me.Post("/events/subscribe", srv.SubscribeEventsHandler())
			me.Get("/events/{handle}", srv.NextEventHandler())
			me.Delete("/events/{handle}", srv.UnsubscribeEventsHandler())
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
