package api

import (
	"encoding/json"
	"net/http"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// swapModel drains in-flight inference work and atomically swaps the
// running primary model handle. Admin only, since the swap holds every
// inference slot while it drains and probes; a failed probe keeps the
// current model.
func (h *handlers) swapModel(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if !auth.RequireRole(sess, model.RoleAdmin) {
		writeError(w, apperr.New(apperr.KindForbidden, "swap-model requires admin"))
		return
	}

	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" {
		writeError(w, apperr.New(apperr.KindInput, "handle is required"))
		return
	}

	if err := h.deps.Inference.SwapModel(r.Context(), req.Handle); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": h.deps.Inference.CurrentModel()})
}
