package handlers

import (
	"corsrules/core"

	"github.com/go-chi/chi/v5"
)

// RegisterTabRoutes exposes the active-tab cache to the browser-side companion.
func RegisterTabRoutes(r chi.Router, svc *core.Service) {
	h := &tabHandlers{tabs: svc.Tabs}
	r.Post("/tabs/activated", h.activated)
	r.Route("/windows/{windowID}", func(r chi.Router) {
		r.Get("/rule", h.windowRule)
		r.Delete("/", h.windowClosed)
	})
}
