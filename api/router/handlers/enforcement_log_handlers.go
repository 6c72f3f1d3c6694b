package handlers

import (
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"net/http"
	"strconv"
)

type enforcementLogHandlers struct {
	log core.EnforcementLog
}

// list returns a page of rewritten responses, newest first.
// @Summary List enforcement log entries
// @Tags Enforcement
// @Produce json
// @Param rule_id query int false "Only entries for this rule"
// @Param initiator query string false "Only entries from this initiator host"
// @Param method query string false "Only entries with this request method"
// @Param page query int false "Page number (default 1)"
// @Param limit query int false "Entries per page (default 50, max 500)"
// @Param sort_order query string false "asc or desc (default desc)"
// @Success 200 {object} models.PaginatedResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /enforcement-log [get]
func (h *enforcementLogHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.EnforcementLogFilters{
		Initiator: q.Get("initiator"),
		Method:    q.Get("method"),
		SortOrder: q.Get("sort_order"),
		Page:      1,
		Limit:     50,
	}
	for name, dst := range map[string]*int{"page": &filters.Page, "limit": &filters.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "Invalid %s '%s'", name, raw)
			return
		}
		*dst = v
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}
	if raw := q.Get("rule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid rule_id '%s'", raw)
			return
		}
		filters.RuleID = id
	}

	entries, total, err := h.log.List(r.Context(), filters)
	if err != nil {
		logger.Error("EnforcementLog: Error listing entries: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read enforcement log")
		return
	}
	totalPages := int((total + int64(filters.Limit) - 1) / int64(filters.Limit))
	writeJSON(w, http.StatusOK, models.PaginatedResponse{
		Page:         filters.Page,
		Limit:        filters.Limit,
		TotalRecords: int(total),
		TotalPages:   totalPages,
		Records:      entries,
	})
}
