package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/storepilot/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. limiter may
// be nil to disable rate limiting.
func MountRoutes(r chi.Router, h *Handlers, limiter *middleware.RateLimiter) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		if limiter != nil {
			r.Use(limiter.Handler)
		}

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Get("/playbooks", h.ListPlaybooks)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/runs", h.ListRuns)

			r.Route("/playbooks/{playbookID}", func(r chi.Router) {
				r.Post("/runs", h.CreateRun)
				r.Get("/scope", h.GetScope)
				r.Get("/rules", h.GetRules)
				r.Put("/rules", h.PutRules)
				r.Get("/draft", h.GetLatestDraft)
			})

			// Trigger gate
			r.Post("/targets/{targetID}/events", h.PostTargetEvent)
		})

		// Runs (direct access)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/events", h.ListRunEvents)

		// Drafts (direct access)
		r.Patch("/drafts/{id}/items/{index}", h.EditDraftItem)
	})
}
