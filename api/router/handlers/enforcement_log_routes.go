package handlers

import (
	"corsrules/core"

	"github.com/go-chi/chi/v5"
)

// RegisterEnforcementLogRoutes is a no-op when the service has no enforcement log.
func RegisterEnforcementLogRoutes(r chi.Router, svc *core.Service) {
	if svc.Log == nil {
		return
	}
	h := &enforcementLogHandlers{log: svc.Log}
	r.Get("/enforcement-log", h.list)
}
