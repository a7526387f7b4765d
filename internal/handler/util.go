// Package handler provides HTTP handlers for the workspace API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/internal/middleware"
	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/internal/service"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, model.ErrorBody{Detail: detail})
}

// writeServiceError maps a service error to a response.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, service.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidFolder):
		writeError(w, http.StatusBadRequest, "Invalid folder")
	case errors.Is(err, service.ErrStorageLimit):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		middleware.RequestLogger(r.Context(), log).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// viewer builds the service viewer from the authenticated request.
func viewer(r *http.Request, adminScope string) service.Viewer {
	ctx := r.Context()
	return service.Viewer{
		ID:         middleware.GetUserID(ctx),
		Department: middleware.GetDepartment(ctx),
		Admin:      middleware.HasScope(ctx, adminScope),
	}
}

// idParam parses the {id} URL parameter.
func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}
