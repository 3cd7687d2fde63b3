package api

import (
	"io"
	"net/http"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

const maxUploadBytes = 32 << 20 // 32 MiB, generous for a scanned invoice PDF

// uploadDocument implements POST /documents: stores the raw bytes as a
// blob, then runs it through the booking pipeline synchronously. The
// pipeline itself decides PROPOSED vs NEEDS_REVIEW; this handler only
// reports what came out. When the pipeline fails, no booking is created
// (none is left at INGESTED): the response carries a null booking_id and
// the error as a diagnostic.
func (h *handlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, apperr.New(apperr.KindInput, "malformed multipart upload"))
		return
	}
	clientID := r.FormValue("client_id")
	if clientID == "" {
		writeError(w, apperr.New(apperr.KindInput, "client_id is required").WithField("client_id"))
		return
	}
	docClass := model.DocClass(r.FormValue("doc_class"))
	if docClass == "" {
		writeError(w, apperr.New(apperr.KindInput, "doc_class is required").WithField("doc_class"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.New(apperr.KindInput, "file is required").WithField("file"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInput, err, "reading upload"))
		return
	}
	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	blobID, err := h.deps.Blobs.Put(data, mediaType)
	if err != nil {
		writeError(w, err)
		return
	}

	b, err := h.deps.Pipeline.Ingest(r.Context(), clientID, docClass, blobID, mediaType, sess.Username)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"blob_id": blobID, "booking_id": nil, "diagnostic": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"blob_id": blobID, "booking_id": b.ID, "status": b.Status,
	})
}
