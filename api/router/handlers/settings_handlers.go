package handlers

import (
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"net/http"
)

type settingsHandlers struct {
	settings *core.SettingsStore
}

// get returns the current settings.
// @Summary Get settings
// @Tags Settings
// @Produce json
// @Success 200 {object} models.Settings
// @Router /settings [get]
func (h *settingsHandlers) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get(r.Context()))
}

// put replaces the settings. Out-of-range numbers are reset to their defaults
// and the stored result is echoed back.
// @Summary Save settings
// @Tags Settings
// @Accept json
// @Produce json
// @Param settings body models.Settings true "Settings"
// @Success 200 {object} models.Settings
// @Failure 400 {object} models.ErrorResponse
// @Router /settings [put]
func (h *settingsHandlers) put(w http.ResponseWriter, r *http.Request) {
	var payload models.Settings
	if err := decodeBody(w, r, &payload); err != nil {
		logger.Error("SaveSettings: Error decoding request body: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: %v", err)
		return
	}
	saved, err := h.settings.Set(r.Context(), payload)
	if err != nil {
		logger.Error("SaveSettings: %v", err)
		writeCoreError(w, err)
		return
	}
	logger.Info("Settings saved: %+v", saved)
	writeJSON(w, http.StatusOK, saved)
}
