package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes. Documents are addressed by
// path (query parameter or JSON body), never by URL segment; notebook
// paths contain slashes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/status", s.getSession)
		r.Post("/open", s.openDocument)
		r.Post("/close", s.closeDocument)
		r.Post("/prompt", s.sendPrompt)
		r.Post("/cancel", s.cancelRun)
		r.Post("/foreground", s.setForeground)
		r.Patch("/options", s.setOptions)
		r.Post("/thread", s.newThread)
		r.Delete("/thread", s.deleteThread)
		r.Delete("/", s.deleteAllSessions)

		// Session-filtered event streaming (SSE)
		r.Get("/event", s.sessionEvents)
	})

	// Backend link state and advertised configuration
	r.Route("/backend", func(r chi.Router) {
		r.Get("/state", s.getBackendState)
		r.Get("/defaults", s.getDefaults)
		r.Get("/limits", s.getLimits)
		r.Post("/limits/refresh", s.refreshLimits)
	})

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)

	// UI log forwarding
	r.Post("/log", s.writeLog)
}
