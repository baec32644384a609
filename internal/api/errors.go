package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/service"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

var serviceErrorStatus = map[string]int{
	"INVALID_ARGUMENT": http.StatusBadRequest,
	"NOT_FOUND":        http.StatusNotFound,
	"CONFLICT":         http.StatusConflict,
	"UNAVAILABLE":      http.StatusServiceUnavailable,
}

// writeServiceError maps service errors to HTTP response codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if err == nil || !errors.As(err, &svcErr) {
		log.Errorf("[api] unexpected error: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}
	status, ok := serviceErrorStatus[svcErr.Code]
	if !ok {
		if svcErr.Err != nil {
			log.Errorf("[api] %s: %v", svcErr.Message, svcErr.Err)
		}
		status = http.StatusInternalServerError
	}
	WriteError(w, status, svcErr.Code, svcErr.Message)
}
