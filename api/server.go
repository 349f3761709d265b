/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the rewards page

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus scrape endpoint
  /api/me/*             Caller's rewards, claims, coupons, sessions
  /api/leaderboard/*    Top-N snapshot and stream
  /api/complaints/*     Complaint intake (service/admin role)
  /api/admin/*          Badge audit (admin role)
  /api/scenarios/*      Demo scenarios (development only)

AUTHENTICATION:
  Every /api route requires an identity. With AUTH_JWT_SECRET set, a bearer
  token is required; otherwise X-User-ID / X-User-Role headers are trusted.

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicsense/reward-ledger/rewards"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(corsOptions(h.AllowedOrigins)))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Identity.Middleware)

		// Caller's own ledger
		r.Route("/me", func(r chi.Router) {
			r.Get("/rewards", h.GetRewards)
			r.Get("/rewards/stream", h.StreamRewards)
			r.Put("/profile", h.UpdateProfile)
			r.Get("/coupons/{code}/export", h.ExportCoupon)

			r.Group(func(r chi.Router) {
				if h.Limiter != nil {
					r.Use(h.Limiter.Middleware)
				}
				r.Post("/claims", h.Claim)
			})

			r.Get("/sessions", h.ListSessions)
			r.Post("/session", h.StartSession)
			r.Delete("/session/{id}", h.EndSession)
		})

		// Leaderboard routes
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/", h.GetLeaderboard)
			r.Get("/stream", h.StreamLeaderboard)
		})

		// Complaint service intake
		r.Route("/complaints", func(r chi.Router) {
			r.Use(RequireRole(rewards.RoleService, rewards.RoleAdmin))
			r.Post("/events", h.IngestComplaintEvent)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(rewards.RoleAdmin))
			r.Post("/audit", h.TriggerAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(RequireRole(rewards.RoleAdmin)).Post("/load", h.LoadScenario)
			r.With(RequireRole(rewards.RoleAdmin)).Post("/reset", h.ResetDatabase)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})

	return r
}

// corsOptions allows credentials only for explicitly listed origins. A
// wildcard, or no list at all, serves any origin without credentials.
func corsOptions(origins []string) cors.Options {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderUserRole},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: !wildcard,
	}
}
