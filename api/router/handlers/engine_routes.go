package handlers

import (
	"corsrules/core"

	"github.com/go-chi/chi/v5"
)

func RegisterEngineRoutes(r chi.Router, svc *core.Service) {
	h := &engineHandlers{svc: svc}
	r.Get("/engine/rules", h.activeRules)
	r.Post("/engine/sync", h.sync)
}
