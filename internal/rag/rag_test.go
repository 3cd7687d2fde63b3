package rag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "rag.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestIndex_IngestRequiresConfirmationBeforeSearchable(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunk := model.LegalChunk{
		ID: "c1", CorpusID: "vat-act", LawCode: "VAT", Article: "38",
		Text: "standard rate twenty five percent", Keywords: []string{"vat", "rate"},
		GazetteRef: "NN 1/2024", EffectiveFrom: mustDate("2024-01-01"),
	}
	require.NoError(t, idx.Ingest(ctx, chunk))

	hits, err := idx.Search(ctx, "vat rate", mustDate("2024-06-01"), 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	quarantined, err := idx.ListQuarantined(ctx)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)

	require.NoError(t, idx.Confirm(ctx, "c1"))
	hits, err = idx.Search(ctx, "vat rate", mustDate("2024-06-01"), 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "VAT", hits[0].Citation.LawCode)
}

func TestIndex_Supersede_ClosesOldChunkOneDayBefore(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	old := model.LegalChunk{
		ID: "c1", CorpusID: "vat-act", LawCode: "VAT", Article: "38",
		Text: "standard rate twenty five percent", Keywords: []string{"vat"},
		GazetteRef: "NN 1/2020", EffectiveFrom: mustDate("2020-01-01"),
	}
	require.NoError(t, idx.Ingest(ctx, old))
	require.NoError(t, idx.Confirm(ctx, "c1"))

	newChunk := model.LegalChunk{
		ID: "c2", CorpusID: "vat-act", LawCode: "VAT", Article: "38",
		Text: "standard rate twenty six percent", Keywords: []string{"vat"},
		GazetteRef: "NN 1/2025", EffectiveFrom: mustDate("2025-01-01"),
	}
	require.NoError(t, idx.Supersede(ctx, newChunk))
	require.NoError(t, idx.Confirm(ctx, "c2"))

	// A query as-of the day before the new chunk's effective date must
	// still see the old chunk, not the new one.
	hits, err := idx.Search(ctx, "vat", mustDate("2024-12-31"), 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "c1", hits[0].Chunk.ID)

	hits, err = idx.Search(ctx, "vat", mustDate("2025-01-01"), 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "c2", hits[0].Chunk.ID)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.Equal(t, 0.0, cosineSimilarity(nil, []float32{1}))
}
