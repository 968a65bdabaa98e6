package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Reads and the event stream require no auth: the API binds to
	// localhost and status data is not sensitive.
	r.Get("/health", s.handleHealth)
	r.Post("/login", s.handleLogin)
	r.Get("/devices", s.handleListDevices)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/profiles", s.handleListProfiles)
	r.Get("/functions", s.handleListFunctions)
	r.Get("/modes", s.handleListModes)

	// Mutations require a token.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Put("/devices/{uid}/settings", s.handleSetSetting)
		r.Post("/devices/reinitialize", s.handleReinitialize)
		r.Post("/detect", s.handleDetect)

		r.Post("/profiles", s.handleSaveProfile)
		r.Delete("/profiles/{uid}", s.handleDeleteProfile)

		r.Post("/functions", s.handleSaveFunction)
		r.Delete("/functions/{uid}", s.handleDeleteFunction)

		r.Post("/modes", s.handleSaveMode)
		r.Delete("/modes/{uid}", s.handleDeleteMode)
		r.Post("/modes/{uid}/activate", s.handleActivateMode)
	})

	return r
}
