package handlers

import (
	"context"
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type ruleHandlers struct {
	store          *core.RuleStore
	originPatterns []string
}

// list returns every stored rule.
// @Summary List rules
// @Tags Rules
// @Produce json
// @Success 200 {array} models.Rule
// @Router /rules [get]
func (h *ruleHandlers) list(w http.ResponseWriter, r *http.Request) {
	rules := h.store.GetAll(r.Context())
	if rules == nil {
		rules = []models.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// create adds a rule.
// @Summary Create a rule
// @Tags Rules
// @Accept json
// @Produce json
// @Param rule body models.RuleOptions true "Rule to create"
// @Success 201 {object} models.Rule
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Origin already enabled or rule limit reached"
// @Router /rules [post]
func (h *ruleHandlers) create(w http.ResponseWriter, r *http.Request) {
	var opts models.RuleOptions
	if err := decodeBody(w, r, &opts); err != nil {
		logger.Error("CreateRule: Error decoding request body: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: %v", err)
		return
	}

	rule, ok, err := h.store.Add(r.Context(), opts)
	if err != nil {
		logger.Error("CreateRule: Error adding rule for '%s': %v", opts.Origin, err)
		writeCoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "An enabled rule for '%s' already exists or the rule limit is reached", opts.Origin)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// replaceAll swaps in a complete rule set. The write is debounced; the
// engine follows once it reaches persistence.
// @Summary Replace all rules
// @Tags Rules
// @Accept json
// @Produce json
// @Param rules body []models.Rule true "Complete rule set"
// @Success 200 {array} models.Rule
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Rule limit exceeded"
// @Router /rules [put]
func (h *ruleHandlers) replaceAll(w http.ResponseWriter, r *http.Request) {
	var rules []models.Rule
	if err := decodeBody(w, r, &rules); err != nil {
		logger.Error("ReplaceRules: Error decoding request body: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: %v", err)
		return
	}
	saved, ok, err := h.store.Replace(r.Context(), rules)
	if err != nil {
		logger.Error("ReplaceRules: %v", err)
		writeCoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "%d rules exceed the configured rule limit", len(rules))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *ruleHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "ruleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	rule, ok := h.store.Get(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "Rule %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// update applies a partial update. Omitted fields are left untouched.
// @Summary Update a rule
// @Tags Rules
// @Accept json
// @Produce json
// @Param ruleID path int true "Rule ID"
// @Param patch body models.RulePatch true "Fields to change"
// @Success 200 {object} models.Rule
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /rules/{ruleID} [patch]
func (h *ruleHandlers) update(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "ruleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	var patch models.RulePatch
	if err := decodeBody(w, r, &patch); err != nil {
		logger.Error("UpdateRule: Error decoding request body for rule %d: %v", id, err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: %v", err)
		return
	}
	patch.ID = id

	if _, exists := h.store.Get(r.Context(), id); !exists {
		writeError(w, http.StatusNotFound, "Rule %d not found", id)
		return
	}
	rule, ok, err := h.store.Update(r.Context(), patch)
	if err != nil {
		logger.Error("UpdateRule: Error updating rule %d: %v", id, err)
		writeCoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "Another enabled rule already holds this origin")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *ruleHandlers) remove(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "ruleID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	ok, err := h.store.Remove(r.Context(), id)
	if err != nil {
		logger.Error("DeleteRule: Error removing rule %d: %v", id, err)
		writeCoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Rule %d not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ruleHandlers) export(w http.ResponseWriter, r *http.Request) {
	snapshot := h.store.ExportAll(r.Context())
	filename := "cors-rules-" + time.UnixMilli(snapshot.Timestamp).UTC().Format("2006-01-02") + ".json"
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	writeJSON(w, http.StatusOK, snapshot)
}

// importRules accepts an export file or a bare rule array.
// @Summary Import rules
// @Tags Rules
// @Accept json
// @Produce json
// @Param merge query bool false "Merge into the existing rules instead of replacing them"
// @Success 200 {array} models.Rule
// @Failure 400 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse "No usable entries"
// @Router /rules/import [post]
func (h *ruleHandlers) importRules(w http.ResponseWriter, r *http.Request) {
	merge := false
	if raw := r.URL.Query().Get("merge"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid merge flag '%s'", raw)
			return
		}
		merge = v
	}

	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read import body: %v", err)
		return
	}

	ok, err := h.store.ImportAll(r.Context(), data, merge)
	if err != nil {
		logger.Error("ImportRules: %v", err)
		writeCoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "Import contained no usable rules")
		return
	}
	writeJSON(w, http.StatusOK, h.store.GetAll(r.Context()))
}

func (h *ruleHandlers) reorder(w http.ResponseWriter, r *http.Request) {
	changed, err := h.store.Reorder(r.Context())
	if err != nil {
		logger.Error("ReorderRules: %v", err)
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// ruleChangeEvent is pushed to event stream clients after every persisted change.
type ruleChangeEvent struct {
	Type  string        `json:"type"`
	Rules []models.Rule `json:"rules,omitempty"`
	Delta []models.Rule `json:"delta,omitempty"`
}

// events streams rule changes over a websocket until the client goes away.
func (h *ruleHandlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		logger.Error("RuleEvents: websocket accept failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = conn.CloseRead(ctx)

	sub := make(chan ruleChangeEvent, 16)
	unsubscribe := h.store.Subscribe(func(newRules, oldRules []models.Rule) {
		ev := ruleChangeEvent{Type: "rules", Rules: newRules, Delta: core.Diff(newRules, oldRules)}
		select {
		case sub <- ev:
		default:
			logger.Warn("RuleEvents: client too slow, dropping change event")
		}
	})
	defer unsubscribe()

	if err := wsjson.Write(ctx, conn, ruleChangeEvent{Type: "ready"}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case ev := <-sub:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				logger.Debug("RuleEvents: write failed: %v", err)
				conn.Close(websocket.StatusInternalError, "write_failed")
				return
			}
		}
	}
}
