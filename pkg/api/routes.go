package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		// Webhook ingest gets its own rate limit tier.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Webhook,
				))
			}

			r.Post("/webhooks/gitlab", s.handleWebhook)
		})

		// Management surface.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Management,
				))
			}

			r.Route("/instances", func(r chi.Router) {
				r.Get("/", s.handleListInstances)
				r.Post("/", s.handleCreateInstance)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetInstance)
					r.Put("/", s.handleUpdateInstance)
					r.Delete("/", s.handleDeleteInstance)
					r.Post("/test", s.handleTestInstance)

					r.Post("/sync", s.handleStartSync)
					r.Get("/sync/status", s.handleSyncStatus)
					r.Get("/sync/history", s.handleSyncHistory)
					r.Post("/sync/stop", s.handleStopSync)
					r.Post("/sync/reset", s.handleResetSync)

					r.Get("/mappings/{kind}", s.handleListMappings)
					r.Post("/mappings/{kind}", s.handleCreateMapping)
				})
			})

			r.Route("/mappings/{kind}/{id}", func(r chi.Router) {
				r.Put("/", s.handleUpdateMapping)
				r.Delete("/", s.handleDeleteMapping)
			})

			r.Get("/sync/config", s.handleGetSyncConfig)
			r.Put("/sync/config", s.handleUpdateSyncConfig)

			r.Route("/events", func(r chi.Router) {
				r.Get("/", s.handleListEvents)
				r.Get("/stats", s.handleEventStats)
				r.Get("/health", s.handleEventHealth)
				r.Post("/retry", s.handleRetryAllEvents)
				r.Post("/{id}/retry", s.handleRetryEvent)
			})

			r.Route("/epics", func(r chi.Router) {
				r.Post("/push", s.handleEpicPush)
				r.Post("/pull", s.handleEpicPull)
				r.Delete("/links/{id}", s.handleEpicUnlink)
			})

			r.Route("/permissions", func(r chi.Router) {
				r.Get("/check", s.handleCheckPermission)
				r.Post("/", s.handleGrantPermission)
				r.Delete("/", s.handleRevokePermission)
				r.Get("/users/{userId}", s.handleListUserPermissions)
				r.Get("/resources/{type}/{id}", s.handleListResourcePermissions)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Gitlab-Event", "X-Gitlab-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
