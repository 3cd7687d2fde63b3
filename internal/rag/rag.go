// Package rag implements C5: a time-aware legal-corpus index combining a
// keyword search over the relational store with an in-process dense
// cosine-similarity index over chunk embeddings. Every result carries a
// CitationRef precise to paragraph and gazette reference. No chunk is
// searchable until an operator confirms it; unconfirmed drops sit in a
// quarantine collection.
package rag

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// Embedder produces a dense vector for a text query, backed by the
// configured local embedding endpoint. Kept as an interface so the index
// can be unit tested without a running endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the C5 contract implementation.
type Index struct {
	st       store.Store
	embedder Embedder
}

// New builds a RAG Index. embedder may be nil, in which case Search falls
// back to keyword-only ranking — the same "dense-search miss recovers to
// keyword fallback" policy the error-handling design calls for.
func New(st store.Store, embedder Embedder) *Index {
	return &Index{st: st, embedder: embedder}
}

// Ingest appends a new chunk in the quarantine state (Confirmed=false).
func (idx *Index) Ingest(ctx context.Context, chunk model.LegalChunk) error {
	chunk.Confirmed = false
	return eris.Wrap(idx.st.InsertLegalChunk(ctx, chunk), "rag: ingest")
}

// Confirm promotes a quarantined chunk to searchable state.
func (idx *Index) Confirm(ctx context.Context, chunkID string) error {
	chunk, err := idx.st.GetLegalChunk(ctx, chunkID)
	if err != nil {
		return eris.Wrap(err, "rag: confirm lookup")
	}
	chunk.Confirmed = true
	return eris.Wrap(idx.st.UpdateLegalChunk(ctx, *chunk), "rag: confirm")
}

// Supersede closes the open chunk for (law_code, article, paragraph) at
// newChunk.EffectiveFrom-1day and ingests newChunk quarantined.
func (idx *Index) Supersede(ctx context.Context, newChunk model.LegalChunk) error {
	open, err := idx.st.FindOpenChunk(ctx, newChunk.LawCode, newChunk.Article, newChunk.Paragraph)
	if err != nil {
		return eris.Wrap(err, "rag: supersede lookup")
	}
	if open != nil {
		cutover := newChunk.EffectiveFrom.AddDate(0, 0, -1)
		open.EffectiveTo = &cutover
		if err := idx.st.UpdateLegalChunk(ctx, *open); err != nil {
			return eris.Wrap(err, "rag: close superseded chunk")
		}
		newChunk.Supersedes = open.ID
	}
	return idx.Ingest(ctx, newChunk)
}

// ListQuarantined returns unconfirmed chunks for the admin surface.
func (idx *Index) ListQuarantined(ctx context.Context) ([]model.LegalChunk, error) {
	chunks, err := idx.st.ListQuarantined(ctx)
	return chunks, eris.Wrap(err, "rag: list quarantined")
}

// SearchHit pairs a scored chunk with the citation for the query's as-of
// date, since a chunk's own EffectiveTo may be open-ended.
type SearchHit = model.SearchHit

// Search returns the top_k chunks in force on asOf, ranked by a blend of
// keyword hits and (if an embedder is configured) dense cosine similarity,
// with a small boost for chunks whose EffectiveFrom is closer to asOf so a
// newer, superseding enactment wins ties.
func (idx *Index) Search(ctx context.Context, queryText string, asOf time.Time, topK int) ([]SearchHit, error) {
	keywords := tokenize(queryText)

	chunks, err := idx.st.SearchChunksAsOf(ctx, asOf, keywords, 0)
	if err != nil {
		return nil, eris.Wrap(err, "rag: search chunks")
	}

	var queryVec []float32
	if idx.embedder != nil {
		v, err := idx.embedder.Embed(ctx, queryText)
		if err == nil {
			queryVec = v
		}
		// Embedding failure is non-fatal: fall back to keyword-only ranking.
	}

	hits := make([]SearchHit, 0, len(chunks))
	for _, c := range chunks {
		score := keywordScore(keywords, c.Keywords, c.Text)
		if queryVec != nil && len(c.Vector) > 0 {
			score = 0.5*score + 0.5*cosineSimilarity(queryVec, c.Vector)
		}
		score += recencyBoost(c.EffectiveFrom, asOf)
		hits = append(hits, SearchHit{Chunk: c, Score: score, Citation: c.Citation(asOf)})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

func keywordScore(query []string, chunkKeywords []string, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]bool, len(chunkKeywords))
	for _, k := range chunkKeywords {
		set[strings.ToLower(k)] = true
	}
	lowerText := strings.ToLower(text)
	hits := 0
	for _, q := range query {
		if set[q] || strings.Contains(lowerText, q) {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// recencyBoost prefers chunks whose EffectiveFrom is closer to asOf,
// resolving edge-of-range ties in favor of the newer enactment.
func recencyBoost(effectiveFrom, asOf time.Time) float64 {
	days := asOf.Sub(effectiveFrom).Hours() / 24
	if days < 0 {
		return 0
	}
	return 0.05 / (1 + days/365)
}
