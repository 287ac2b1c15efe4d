package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Applied in order: request id first so the logger can read it
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.app.HealthHandler.HealthzHandler)
	r.Method("GET", "/metrics", s.app.Metrics.Handler())

	r.Route("/api/pipelines", func(r chi.Router) {
		r.Get("/", s.app.PipelineHandler.ListHandler)
		r.Get("/{name}", s.app.PipelineHandler.GetHandler)
		r.Get("/{name}/stats", s.app.PipelineHandler.StatsHandler)
		r.Post("/{name}/run", s.app.PipelineHandler.RunHandler)
	})

	r.Route("/api/items", func(r chi.Router) {
		r.Post("/", s.app.ItemHandler.EnqueueHandler)
		r.Post("/reset", s.app.ItemHandler.ResetHandler)
		r.Post("/purge", s.app.ItemHandler.PurgeHandler)
	})

	return r
}
