package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/rollcall/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	// Create handlers
	recognitionHandler := handlers.NewRecognitionHandler(s.svc, s.logger)
	attendanceHandler := handlers.NewAttendanceHandler(s.svc, s.logger)
	personsHandler := handlers.NewPersonsHandler(s.svc, s.logger)

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Streaming and enrollment are long-lived and stay outside the timeout.
		r.Get("/recognition/events", recognitionHandler.Events)
		r.Post("/persons/{personId}/enroll", personsHandler.Enroll)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(time.Minute))

			r.Get("/status", recognitionHandler.Status)
			r.Post("/recognition/start", recognitionHandler.Start)
			r.Post("/recognition/stop", recognitionHandler.Stop)

			r.Get("/attendance", attendanceHandler.List)
			r.Post("/attendance/manual", attendanceHandler.Mark)

			r.Get("/persons", personsHandler.List)
			r.Delete("/persons/{personId}", personsHandler.Delete)
			r.Post("/classifier/retrain", personsHandler.Retrain)
		})
	})
}
