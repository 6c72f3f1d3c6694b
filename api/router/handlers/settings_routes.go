package handlers

import (
	"corsrules/core"

	"github.com/go-chi/chi/v5"
)

func RegisterSettingsRoutes(r chi.Router, svc *core.Service) {
	h := &settingsHandlers{settings: svc.Settings}
	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.put)
	})
}
