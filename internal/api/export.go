package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// exportClient implements POST /export/{client_id}: export every APPROVED
// booking for the client to the named target, returning one receipt per
// booking. Only admin/accountant may trigger export — it is the last step
// before an ERP write, same authorization tier as approval itself.
func (h *handlers) exportClient(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if !auth.RequireRole(sess, model.RoleAdmin, model.RoleAccountant) {
		writeError(w, apperr.New(apperr.KindForbidden, "role cannot export"))
		return
	}
	clientID := chi.URLParam(r, "client_id")

	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, apperr.New(apperr.KindInput, "target is required").WithField("target"))
		return
	}

	approved, err := h.deps.Approval.List(r.Context(), sess, store.BookingFilter{
		Status: model.StateApproved, ClientID: clientID, Limit: 500,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	type result struct {
		BookingID string `json:"booking_id"`
		Filename  string `json:"filename,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(approved))
	for _, b := range approved {
		receipt, err := h.deps.Exporter.Export(r.Context(), b, req.Target, sess.Username)
		if err != nil {
			results = append(results, result{BookingID: b.ID, Error: err.Error()})
			continue
		}
		results = append(results, result{BookingID: b.ID, Filename: receipt.Filename})
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": results})
}
