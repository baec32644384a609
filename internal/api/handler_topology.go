package api

import (
	"net/http"

	"github.com/Resinat/Ballast/internal/service"
)

// HandleReloadTopology returns a handler for POST /api/v1/topology/actions/reload.
func HandleReloadTopology(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := cp.ReloadTopology(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sum)
	}
}

type buildTopologyRequest struct {
	Models []string `json:"models"`
}

// HandleBuildTopology returns a handler for POST /api/v1/topology/actions/build.
// The body is optional; without models every advertised model is built.
func HandleBuildTopology(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req buildTopologyRequest
		if err := DecodeBody(r, &req, true); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		report, err := cp.BuildTopology(r.Context(), req.Models)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// HandleOptimizeWeights returns a handler for POST /api/v1/weights/actions/optimize.
func HandleOptimizeWeights(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.OptimizeWeights(r.Context()))
	}
}
