package handlers

import (
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"net/http"
)

type engineHandlers struct {
	svc *core.Service
}

// activeRules lists the rules currently installed in the filtering engine.
// @Summary List active engine rules
// @Tags Engine
// @Produce json
// @Success 200 {array} models.EngineRule
// @Router /engine/rules [get]
func (h *engineHandlers) activeRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.Engine.GetActiveRules(r.Context())
	if err != nil {
		logger.Error("ActiveEngineRules: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read engine rules")
		return
	}
	if rules == nil {
		rules = []models.EngineRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// sync reconciles the engine with the stored rules.
// @Summary Resynchronize the engine
// @Tags Engine
// @Produce json
// @Success 200 {object} core.SyncReport
// @Router /engine/sync [post]
func (h *engineHandlers) sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Resync(r.Context())
	if err != nil {
		logger.Error("EngineSync: %v", err)
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
