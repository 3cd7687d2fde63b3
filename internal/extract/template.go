package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// Template describes one known supplier's fixed invoice layout as a set of
// anchor labels paired with the regexp that captures the value following
// each label. Templates are hand-authored per recurring supplier, not
// learned, matching the fabric's no-reflection-discovery rule.
type Template struct {
	ID          string
	DocClass    model.DocClass
	AnchorLine  *regexp.Regexp // must match somewhere in the document for this template to apply
	Fields      map[string]*regexp.Regexp
	Currency    string
}

// TemplateExtractor matches a document against a fixed set of known layout
// templates. It ranks below structured_xml: templates are maintained by
// hand and drift when a supplier changes their invoice layout.
type TemplateExtractor struct {
	templates []Template
}

// NewTemplateExtractor builds an extractor over a set of hand-registered
// layout templates.
func NewTemplateExtractor(templates []Template) *TemplateExtractor {
	return &TemplateExtractor{templates: templates}
}

func (*TemplateExtractor) Tier() model.SourceTier { return model.TierTemplateMatch }

func (t *TemplateExtractor) Extract(ctx context.Context, in Input) (model.ExtractedDoc, error) {
	if !strings.Contains(in.MediaType, "text") && !strings.Contains(in.MediaType, "pdf") {
		return model.ExtractedDoc{}, ErrNoMatch
	}
	text := string(in.Bytes)

	for _, tmpl := range t.templates {
		if tmpl.AnchorLine == nil || !tmpl.AnchorLine.MatchString(text) {
			continue
		}

		fields := make(map[string]model.FieldValue, len(tmpl.Fields))
		matchedAny := false
		for name, pattern := range tmpl.Fields {
			m := pattern.FindStringSubmatch(text)
			if len(m) < 2 {
				continue
			}
			matchedAny = true
			fields[name] = model.FieldValueOf(strings.TrimSpace(m[1]), 0.9, model.TierTemplateMatch, "template."+tmpl.ID)
		}
		if !matchedAny {
			continue
		}

		return model.ExtractedDoc{
			BlobID:     in.BlobID,
			DocClass:   tmpl.DocClass,
			SourceTier: model.TierTemplateMatch,
			Currency:   orDefault(tmpl.Currency, "EUR"),
			Fields:     fields,
		}, nil
	}

	return model.ExtractedDoc{}, ErrNoMatch
}
