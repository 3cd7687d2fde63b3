package model

import "time"

// LegalChunk is one time-sliced, cited fragment of the legal corpus.
// It carries its own effective date range so lookups can be time-sliced.
type LegalChunk struct {
	ID            string    `json:"id"`
	CorpusID      string    `json:"corpus_id"`
	LawCode       string    `json:"law_code"`
	Article       string    `json:"article"`
	Paragraph     string    `json:"paragraph,omitempty"`
	Text          string    `json:"text"`
	GazetteRef    string    `json:"gazette_ref"`
	EffectiveFrom time.Time `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"` // nil == open-ended
	Supersedes    string    `json:"supersedes,omitempty"`
	Vector        []float32 `json:"vector,omitempty"`
	Keywords      []string  `json:"keywords,omitempty"`

	// Confirmed is false for a newly ingested chunk quarantined awaiting
	// operator sign-off; excluded from search until confirmed.
	Confirmed bool `json:"confirmed"`
}

// InForce reports whether the chunk governs a business event on `asOf`.
func (c LegalChunk) InForce(asOf time.Time) bool {
	if asOf.Before(c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && asOf.After(*c.EffectiveTo) {
		return false
	}
	return true
}

// Citation builds the CitationRef for a query at a given as-of date.
func (c LegalChunk) Citation(asOf time.Time) CitationRef {
	return CitationRef{
		LawCode:     c.LawCode,
		Article:     c.Article,
		Paragraph:   c.Paragraph,
		GazetteRef:  c.GazetteRef,
		EffectiveOn: asOf,
	}
}

// SearchHit is one ranked result from the RAG index.
type SearchHit struct {
	Chunk    LegalChunk  `json:"chunk"`
	Score    float64     `json:"score"`
	Citation CitationRef `json:"citation"`
}
