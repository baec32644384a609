package api

import (
	"net/http"

	"github.com/Resinat/Ballast/internal/journal"
	"github.com/Resinat/Ballast/internal/service"
)

var eventKinds = map[string]bool{
	journal.KindPriority:     true,
	journal.KindWeight:       true,
	journal.KindStatusChange: true,
	journal.KindValidation:   true,
	journal.KindRecovery:     true,
	journal.KindSweep:        true,
}

// HandleListEvents returns a handler for GET /api/v1/events.
// Query: kind, model, since, until (RFC 3339), limit, offset.
func HandleListEvents(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		q := r.URL.Query()
		f := journal.Filter{Kind: q.Get("kind"), Model: q.Get("model"), Limit: p.Limit, Offset: p.Offset}
		if f.Kind != "" && !eventKinds[f.Kind] {
			writeInvalidArgument(w, "kind: unknown event kind "+f.Kind)
			return
		}
		if f.Since, err = ParseTimeQuery(r, "since"); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if f.Until, err = ParseTimeQuery(r, "until"); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		page, err := cp.ListEvents(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newPage(page.Items, page.Total, p))
	}
}
