package inference

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// ContextSource is either the RAG index or the memory store's Suggest call,
// abstracted so Prefetch can fan out to both without importing either
// package (both already import model, avoiding an import cycle back here).
type ContextSource interface {
	Fetch(ctx context.Context) (citations []model.CitationRef, ruleSuggestions []model.MemoryRule, err error)
}

// Prefetch runs every source concurrently and merges their results,
// grounded on the same errgroup fan-out shape the wider codebase uses for
// independent side-effecting calls. A single source's failure does not fail
// the others — inference proceeds with whatever context did arrive, since a
// missing RAG citation or memory suggestion degrades quality, not
// correctness.
func Prefetch(ctx context.Context, sources ...ContextSource) ([]model.CitationRef, []model.MemoryRule) {
	if len(sources) == 0 {
		return nil, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	results := make([][]model.CitationRef, len(sources))
	rules := make([][]model.MemoryRule, len(sources))

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			citations, r, err := src.Fetch(gCtx)
			if err != nil {
				// Degrade, don't fail: this source simply contributes nothing.
				return nil
			}
			results[i] = citations
			rules[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var allCitations []model.CitationRef
	var allRules []model.MemoryRule
	for i := range sources {
		allCitations = append(allCitations, results[i]...)
		allRules = append(allRules, rules[i]...)
	}
	return allCitations, allRules
}
