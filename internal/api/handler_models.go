package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/Resinat/Ballast/internal/service"
)

// HandleListModels returns a handler for GET /api/v1/models.
func HandleListModels(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WritePage(w, cp.ListModels(), p)
	}
}

// HandleGetModel returns a handler for GET /api/v1/models/{model}.
func HandleGetModel(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cp.GetModel(r.Context(), modelParam(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleOptimizeModel returns a handler for
// POST /api/v1/models/{model}/actions/optimize.
func HandleOptimizeModel(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := cp.OptimizeModel(r.Context(), modelParam(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sum)
	}
}

// modelParam returns the unescaped {model} segment, so names containing a
// slash can be passed as %2F.
func modelParam(r *http.Request) string {
	raw := chi.URLParam(r, "model")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
