package api

import (
	"net/http"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// auditRange implements GET /audit?from=<seq>&to=<seq>. Admin only — the audit
// log is the compliance record, not an operator convenience view.
func (h *handlers) auditRange(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if !auth.RequireRole(sess, model.RoleAdmin) {
		writeError(w, apperr.New(apperr.KindForbidden, "role cannot read audit log"))
		return
	}
	q := r.URL.Query()
	from := int64(atoiDefault(q.Get("from"), 0))
	to := int64(atoiDefault(q.Get("to"), 1<<62))

	events, err := h.deps.Store.AuditRange(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
