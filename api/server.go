/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer token (or dev header) on /api, except scenarios

ROUTE GROUPS:
  /api/sessions/*       Session lifecycle
  /api/me/*             Caller's balance and history
  /api/offerings        Skill catalog
  /api/admin/*          Reconciliation (admin actors only)
  /api/scenarios/*      Demo scenarios (when enabled)
  /healthz, /metrics    Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions toggles optional surfaces.
type RouterOptions struct {
	CORSOrigins     []string
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", DevUserHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.BookSession)
				r.Get("/", h.ListSessions)
				r.Get("/{id}", h.GetSession)
				r.Post("/{id}/confirm", h.ConfirmSession)
				r.Post("/{id}/cancel", h.CancelSession)
				r.Post("/{id}/start", h.StartSession)
				r.Post("/{id}/complete", h.CompleteSession)
				r.Post("/{id}/dispute", h.DisputeSession)
			})

			r.Route("/me", func(r chi.Router) {
				r.Get("/balance", h.MyBalance)
				r.Get("/entries", h.MyEntries)
			})

			r.Route("/offerings", func(r chi.Router) {
				r.Get("/", h.ListOfferings)
				r.Post("/", h.PutOffering)
			})

			// Admin checks happen in the reconciler and machine, so a
			// non-admin gets 403 with the same body everywhere.
			r.Route("/admin", func(r chi.Router) {
				r.Post("/adjustments", h.CreateAdjustment)
				r.Post("/transfers", h.CreateTransfer)
				r.Post("/entries/{id}/reverse", h.ReverseEntry)
				r.Post("/sessions/{id}/resolve", h.ResolveDispute)
				r.Get("/users/{id}/balance", h.UserBalance)
				r.Get("/users/{id}/report", h.UserReport)
				r.Get("/audit", h.ListAudits)
			})
		})
	})

	return r
}
