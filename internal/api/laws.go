package api

import (
	"net/http"
	"time"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
)

// searchLaws implements GET /laws/search?query=&as_of=. as_of defaults to
// now, matching the RAG index's time-sliced retrieval contract.
func (h *handlers) searchLaws(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, apperr.New(apperr.KindInput, "query is required").WithField("query"))
		return
	}
	asOf := time.Now().UTC()
	if raw := q.Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, apperr.New(apperr.KindInput, "as_of must be YYYY-MM-DD").WithField("as_of"))
			return
		}
		asOf = parsed
	}
	topK := atoiDefault(q.Get("top_k"), 10)

	hits, err := h.deps.RAG.Search(r.Context(), query, asOf, topK)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}
