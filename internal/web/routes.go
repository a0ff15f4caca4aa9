package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/faceid/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	statsHandler := handlers.NewStatsHandler(s.svc)
	personsHandler := handlers.NewPersonsHandler(s.svc, s.log)
	matchHandler := handlers.NewMatchHandler(s.config, s.svc, s.backend, s.log)
	refineHandler := handlers.NewRefineHandler(s.svc, s.backend, s.config.Thresholds.Refinement, s.log)
	processHandler := handlers.NewProcessHandler(s.config, s.svc, s.backend, s.jobManager, s.log)

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Stats
		r.Get("/stats", statsHandler.Get)

		// Persons
		r.Get("/persons", personsHandler.List)
		r.Post("/persons/{name}/rename", personsHandler.Rename)
		r.Post("/persons/{name}/ignore", personsHandler.Ignore)
		r.Post("/persons/merge", personsHandler.Merge)
		r.Delete("/persons/{name}", personsHandler.Delete)

		// Matching
		r.Post("/match", matchHandler.Match)
		r.Post("/similar", matchHandler.Similar)
		r.Post("/similar/rebuild-index", matchHandler.RebuildIndex)

		// Refinement
		r.Post("/refine/preview", refineHandler.Preview)
		r.Post("/refine/apply", refineHandler.Apply)
		r.Post("/refine/shapes", refineHandler.RepairShapes)

		// Processing jobs
		r.Post("/process", processHandler.Start)
		r.Get("/process/{jobId}", processHandler.Status)
		r.Delete("/process/{jobId}", processHandler.Cancel)
	})
}
