/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/obligations/*    Schedule management and execute-now
  /api/reminders        Open reminder windows
  /api/sweeps           Manual sweep
  /api/budgets/*        Recurring budgets
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Post("/", h.CreateObligation)
			r.Get("/{id}", h.GetObligation)
			r.Put("/{id}", h.ReplaceObligation)
			r.Delete("/{id}", h.DeleteObligation)
			r.Post("/{id}/enable", h.EnableObligation)
			r.Post("/{id}/disable", h.DisableObligation)
			r.Get("/{id}/logs", h.GetLogs)
			r.Post("/{id}/execute", h.ExecuteObligation)
		})

		r.Get("/reminders", h.ListReminders)
		r.Post("/sweeps", h.TriggerSweep)

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", h.ListBudgets)
			r.Post("/", h.CreateBudget)
			r.Post("/rollover", h.RolloverBudgets)
			r.Delete("/{id}", h.DeleteBudget)
			r.Post("/{id}/cancel", h.CancelBudget)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
