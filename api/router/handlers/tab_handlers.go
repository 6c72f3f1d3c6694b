package handlers

import (
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"net/http"
)

type tabHandlers struct {
	tabs *core.TabCache
}

// activated records a tab activation or navigation and returns the rule now
// governing its window.
// @Summary Report an activated tab
// @Tags Tabs
// @Accept json
// @Produce json
// @Param tab body models.Tab true "Activated tab"
// @Success 200 {object} models.TabRuleResponse
// @Router /tabs/activated [post]
func (h *tabHandlers) activated(w http.ResponseWriter, r *http.Request) {
	var tab models.Tab
	if err := decodeBody(w, r, &tab); err != nil {
		logger.Error("TabActivated: Error decoding request body: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: %v", err)
		return
	}
	if tab.WindowID <= 0 {
		writeError(w, http.StatusBadRequest, "windowId is required")
		return
	}
	h.tabs.OnTabActivated(r.Context(), tab)
	writeJSON(w, http.StatusOK, h.tabs.State(r.Context(), tab.WindowID))
}

func (h *tabHandlers) windowRule(w http.ResponseWriter, r *http.Request) {
	windowID, err := int64Param(r, "windowID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, h.tabs.State(r.Context(), windowID))
}

func (h *tabHandlers) windowClosed(w http.ResponseWriter, r *http.Request) {
	windowID, err := int64Param(r, "windowID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	h.tabs.OnWindowClosed(windowID)
	w.WriteHeader(http.StatusNoContent)
}
