package api

import (
	"net/http"

	"github.com/Resinat/Ballast/internal/service"
)

// HandleListRecoveryTickets returns a handler for GET /api/v1/recovery/tickets.
func HandleListRecoveryTickets(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WritePage(w, cp.ListRecoveryTickets(), p)
	}
}

// HandleListFailures returns a handler for GET /api/v1/recovery/failures.
func HandleListFailures(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WritePage(w, cp.ListFailures(), p)
	}
}

// HandleTriggerRecovery returns a handler for POST /api/v1/recovery/actions/trigger.
func HandleTriggerRecovery(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.TriggerRecoveryRequest
		if err := DecodeBody(r, &req, false); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		out, err := cp.TriggerRecovery(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}
