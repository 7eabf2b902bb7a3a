/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin UI

ROUTE GROUPS:
  /api/events/*         Event catalog and occurrences
  /api/occurrences/*    Occurrence removal
  /api/corrections      Atomic corrections
  /api/resolve          Reference-date resolution (single and batch)
  /api/weights          Aggregation weights
  /api/conflicts        Precedence conflicts
  /api/integrity/*      Integrity checks and run history
  /api/store-groups/*   Store groups and membership
  /api/store-aliases/*  Source-system store aliases
  /api/reconcile        Manifest reconciliation
  /api/settings/*       Runtime settings
  /api/scenarios/*      Demo scenarios (dev only)
  /*                    Endpoint index

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Event routes
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Post("/reorder", h.ReorderEvents)
			r.Get("/{id}", h.GetEvent)
			r.Put("/{id}", h.UpdateEvent)
			r.Delete("/{id}", h.DeleteEvent)
			r.Get("/{id}/occurrences", h.ListOccurrences)
			r.Post("/{id}/occurrences", h.AddOccurrence)
		})

		// Occurrence routes
		r.Delete("/occurrences/{id}", h.RemoveOccurrence)
		r.Post("/corrections", h.ApplyCorrection)

		// Resolution routes
		r.Get("/resolve", h.ResolveOne)
		r.Post("/resolve", h.ResolveBatch)
		r.Post("/weights", h.DeriveWeights)

		// Integrity routes
		r.Get("/conflicts", h.ListConflicts)
		r.Route("/integrity", func(r chi.Router) {
			r.Get("/", h.CheckIntegrity)
			r.Get("/runs", h.ListIntegrityRuns)
			r.Post("/runs", h.TriggerIntegrityRun)
		})

		// Store group routes
		r.Route("/store-groups", func(r chi.Router) {
			r.Get("/", h.ListStoreGroups)
			r.Post("/", h.SaveStoreGroup)
			r.Get("/{id}/members", h.ListGroupMembers)
			r.Post("/{id}/members", h.AddGroupMember)
			r.Delete("/{id}/members/{store}", h.RemoveGroupMember)
		})
		r.Route("/store-aliases", func(r chi.Router) {
			r.Get("/", h.ListStoreAliases)
			r.Post("/", h.CreateStoreAlias)
			r.Get("/resolve", h.ResolveStoreAlias)
			r.Put("/{id}", h.UpdateStoreAlias)
			r.Delete("/{id}", h.DeleteStoreAlias)
		})

		// Admin routes
		r.Post("/reconcile", h.Reconcile)
		r.Route("/settings", func(r chi.Router) {
			r.Get("/base-offset", h.GetBaseOffset)
			r.Put("/base-offset", h.SetBaseOffset)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Reference Date Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Reference Date Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
<li><a href="/api/events">/api/events</a> - Event catalog</li>
<li><a href="/api/store-groups">/api/store-groups</a> - Store groups</li>
<li><a href="/api/store-aliases">/api/store-aliases</a> - Store aliases</li>
<li><a href="/api/integrity/runs">/api/integrity/runs</a> - Integrity run history</li>
<li><a href="/api/settings/base-offset">/api/settings/base-offset</a> - Active base offset</li>
</ul>
</body>
</html>`))
	})

	return r
}
