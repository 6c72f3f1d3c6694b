package handlers

import (
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies, import files included.
const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, models.ErrorResponse{Message: fmt.Sprintf(format, args...)})
}

// writeCoreError maps core errors onto HTTP status codes.
func writeCoreError(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Message: err.Error(), Field: ve.Field})
	case errors.Is(err, core.ErrPersistence):
		writeError(w, http.StatusServiceUnavailable, "%v", err)
	default:
		logger.Error("API: Unexpected error: %v", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s '%s'", name, raw)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
