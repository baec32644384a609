// Package api implements Ballast's admin HTTP API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/Resinat/Ballast/internal/log"
)

// WriteJSON writes v as the response body. Upstream URLs are written
// without HTML escaping.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Debugf("[api] write response: %v", err)
	}
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes {"error":{"code","message"}}.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// PageResponse wraps one page of a list endpoint.
type PageResponse[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func newPage[T any](items []T, total int, p Pagination) PageResponse[T] {
	return PageResponse[T]{
		Items:   items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+len(items) < total,
	}
}

// WritePage slices an in-memory list by p and writes it.
func WritePage[T any](w http.ResponseWriter, all []T, p Pagination) {
	WriteJSON(w, http.StatusOK, newPage(PaginateSlice(all, p), len(all), p))
}
