package handlers

import (
	"corsrules/core"

	"github.com/go-chi/chi/v5"
)

// RegisterRuleRoutes sets up the routes for rule management. originPatterns
// lists the hosts allowed to open the change event stream cross-origin.
func RegisterRuleRoutes(r chi.Router, svc *core.Service, originPatterns []string) {
	h := &ruleHandlers{store: svc.Store, originPatterns: originPatterns}

	// Static paths share one subrouter with {ruleID} so they match first.
	r.Route("/rules", func(subRouter chi.Router) {
		subRouter.Get("/", h.list)
		subRouter.Post("/", h.create)
		subRouter.Put("/", h.replaceAll)
		subRouter.Get("/export", h.export)
		subRouter.Post("/import", h.importRules)
		subRouter.Post("/reorder", h.reorder)
		subRouter.Get("/events", h.events)

		subRouter.Route("/{ruleID}", func(ruleRouter chi.Router) {
			ruleRouter.Get("/", h.get)
			ruleRouter.Patch("/", h.update)
			ruleRouter.Delete("/", h.remove)
		})
	})
}
