package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// Classifier adapts an Orchestrator to internal/booking.Classifier: given an
// extracted document and the legal citations retrieved for its posting
// date, ask the model for the account code and VAT class it belongs under.
type Classifier struct {
	orch *Orchestrator
}

// NewClassifier wraps orch for booking-pipeline use.
func NewClassifier(orch *Orchestrator) *Classifier {
	return &Classifier{orch: orch}
}

type classifyResponse struct {
	Account  string `json:"account"`
	VATClass string `json:"vat_class"`
}

// Classify runs one KindClassify call and parses the model's JSON answer.
func (c *Classifier) Classify(ctx context.Context, doc model.ExtractedDoc, citations []model.CitationRef) (string, string, error) {
	prompt := buildClassifyPrompt(doc, citations)
	result, err := c.orch.Infer(ctx, Request{
		Kind:     KindClassify,
		UserID:   "pipeline:" + doc.BlobID,
		Prompt:   prompt,
		Deadline: time.Now().Add(30 * time.Second),
	}, nil)
	if err != nil {
		return "", "", eris.Wrap(err, "classifier: infer")
	}
	if result.Cancelled {
		return "", "", eris.New("classifier: call cancelled")
	}

	var resp classifyResponse
	text := strings.TrimSpace(result.Text)
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return "", "", eris.Wrap(err, "classifier: parse model response")
	}
	if resp.Account == "" || resp.VATClass == "" {
		return "", "", eris.New("classifier: model returned empty account or vat_class")
	}
	return resp.Account, resp.VATClass, nil
}

func buildClassifyPrompt(doc model.ExtractedDoc, citations []model.CitationRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document class: %s\nCurrency: %s\nLanguage: %s\n", doc.DocClass, doc.Currency, doc.Language)
	b.WriteString("Extracted fields:\n")
	for name, fv := range doc.Fields {
		fmt.Fprintf(&b, "- %s: %v (confidence %.2f)\n", name, fv.Value, fv.Confidence)
	}
	if len(citations) > 0 {
		b.WriteString("Applicable law:\n")
		for _, c := range citations {
			fmt.Fprintf(&b, "- %s art. %s %s (%s)\n", c.LawCode, c.Article, c.Paragraph, c.GazetteRef)
		}
	}
	b.WriteString(`Respond with a single JSON object: {"account": "<chart-of-accounts code>", "vat_class": "<code>"}.`)
	return b.String()
}
