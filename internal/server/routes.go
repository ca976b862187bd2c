package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Use(requireOwner)

		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			// Real-time events (SSE)
			r.Get("/events", s.sessionEvents)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.listConversations)
				r.Post("/", s.createConversation)

				r.Route("/{conversationID}", func(r chi.Router) {
					r.Get("/messages", s.listMessages)
					r.Post("/messages", s.sendMessage)
					r.Post("/send", s.sendDirect)
				})
			})
		})
	})
}
