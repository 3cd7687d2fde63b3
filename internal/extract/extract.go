// Package extract implements C2: a fabric of per-(doc_class, source_tier)
// extractors. The Registry runs every applicable extractor, highest-fidelity
// tier first; a NoMatch from one tier is not an error, it just tries the
// next. The highest-fidelity tier that returns a value wins; every other
// match is kept as a shadow extraction for the Verifier's algorithmic check.
package extract

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// ErrNoMatch signals an extractor does not recognize the input; the fabric
// treats it as "try the next tier", not a failure.
var ErrNoMatch = eris.New("extract: no match")

// Input is what the fabric hands to every extractor.
type Input struct {
	BlobID    string
	MediaType string
	Bytes     []byte
}

// Extractor turns raw blob bytes into a normalized model.ExtractedDoc, or
// returns ErrNoMatch if it doesn't recognize the input.
type Extractor interface {
	Tier() model.SourceTier
	Extract(ctx context.Context, in Input) (model.ExtractedDoc, error)
}

// Registry is populated at startup, one Extractor per (doc_class,
// source_tier); no reflection-based discovery.
type Registry struct {
	byClass map[model.DocClass][]Extractor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byClass: map[model.DocClass][]Extractor{}}
}

// Register binds an Extractor to a doc class. Extractors for the same class
// may be registered in any order; Run always tries them highest-fidelity
// tier first.
func (r *Registry) Register(class model.DocClass, ex Extractor) {
	r.byClass[class] = append(r.byClass[class], ex)
}

// Run routes in through the registered extractors for class, most trusted
// tier first, and returns the highest-fidelity match plus every lower-tier
// attempt as shadow extractions. Total tier exhaustion is Unextractable,
// which callers surface via apperr.
func (r *Registry) Run(ctx context.Context, class model.DocClass, in Input) (model.ExtractedDoc, error) {
	extractors := append([]Extractor(nil), r.byClass[class]...)
	sort.Slice(extractors, func(i, j int) bool {
		return model.TierRank(extractors[i].Tier()) < model.TierRank(extractors[j].Tier())
	})

	var matches []model.ExtractedDoc
	for _, ex := range extractors {
		doc, err := ex.Extract(ctx, in)
		if err != nil {
			// NoMatch just means try the next tier; any other error from a
			// single tier is treated the same way — total exhaustion is the
			// only failure the fabric surfaces.
			continue
		}
		matches = append(matches, doc)
	}

	if len(matches) == 0 {
		return model.ExtractedDoc{}, eris.Wrapf(ErrNoMatch, "extract: doc_class %q exhausted all %d tiers", class, len(extractors))
	}

	best := matches[0]
	best.ShadowExtractions = append(best.ShadowExtractions, matches[1:]...)
	return best, nil
}
