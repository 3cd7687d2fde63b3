package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/booking"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

func (h *handlers) listBookings(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	q := r.URL.Query()
	filter := store.BookingFilter{
		Status:   model.State(q.Get("status")),
		ClientID: q.Get("client"),
		Limit:    atoiDefault(q.Get("limit"), 50),
		Offset:   atoiDefault(q.Get("offset"), 0),
	}
	rows, err := h.deps.Approval.List(r.Context(), sess, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handlers) getBooking(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	b, err := h.deps.Approval.Get(r.Context(), sess, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handlers) approveBooking(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	b, err := h.deps.Approval.Approve(r.Context(), sess, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": b.Status})
}

func (h *handlers) rejectBooking(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		writeError(w, apperr.New(apperr.KindInput, "reason is required").WithField("reason"))
		return
	}
	b, err := h.deps.Approval.Reject(r.Context(), sess, id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": b.Status})
}

func (h *handlers) correctBooking(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	var patch booking.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, apperr.New(apperr.KindInput, "malformed correction patch"))
		return
	}
	next, err := h.deps.Approval.Correct(r.Context(), sess, id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking_id": next.ID, "status": next.Status})
}
