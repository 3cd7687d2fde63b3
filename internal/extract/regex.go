package extract

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

var (
	oibPattern    = regexp.MustCompile(`\bOIB[:\s]*([0-9]{11})\b`)
	amountPattern = regexp.MustCompile(`(?i)(?:ukupno|iznos|total)[:\s]*([0-9]{1,3}(?:[.,][0-9]{3})*[.,][0-9]{2})\s*(EUR|HRK|USD)?`)
	datePattern   = regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})[./](\d{4})\b`)
)

// RegexExtractor is the last-resort structured tier before vision OCR: it
// grep-style scans normalized text for domain-recognizable patterns
// (Croatian OIB, totals, dates) with no layout assumptions at all.
type RegexExtractor struct {
	docClass model.DocClass
}

// NewRegexExtractor builds an extractor that tags every match with class.
// The fabric registers one instance per doc_class it wants regex fallback
// for.
func NewRegexExtractor(docClass model.DocClass) *RegexExtractor {
	return &RegexExtractor{docClass: docClass}
}

func (*RegexExtractor) Tier() model.SourceTier { return model.TierRegex }

func (r *RegexExtractor) Extract(ctx context.Context, in Input) (model.ExtractedDoc, error) {
	if !strings.Contains(in.MediaType, "text") && !strings.Contains(in.MediaType, "pdf") {
		return model.ExtractedDoc{}, ErrNoMatch
	}
	text := norm.NFC.String(string(in.Bytes))

	fields := map[string]model.FieldValue{}

	if m := oibPattern.FindStringSubmatch(text); len(m) == 2 {
		fields["fiscal_id"] = model.FieldValueOf(m[1], 0.6, model.TierRegex, "regex.oib")
	}
	if m := amountPattern.FindStringSubmatch(text); len(m) >= 2 {
		fields["payable_amount"] = model.FieldValueOf(normalizeAmount(m[1]), 0.5, model.TierRegex, "regex.amount")
	}
	if m := datePattern.FindStringSubmatch(text); len(m) == 4 {
		// Ambiguous D/M vs M/D dates are never guessed here; the field is
		// left low-confidence for the doc_class rules to resolve or the
		// operator to correct.
		fields["issue_date"] = model.FieldValueOf(m[0], 0.4, model.TierRegex, "regex.date")
	}

	if len(fields) == 0 {
		return model.ExtractedDoc{}, ErrNoMatch
	}

	return model.ExtractedDoc{
		BlobID:     in.BlobID,
		DocClass:   r.docClass,
		SourceTier: model.TierRegex,
		Currency:   "EUR",
		Fields:     fields,
	}, nil
}

// normalizeAmount rewrites a locale-formatted amount (thousand separators of
// either "." or ",", decimal comma common in Croatian text) into the
// dot-decimal form money.Parse expects, without ever guessing a value.
func normalizeAmount(raw string) string {
	raw = strings.TrimSpace(raw)
	lastComma := strings.LastIndex(raw, ",")
	lastDot := strings.LastIndex(raw, ".")
	decimalSep := byte(',')
	if lastDot > lastComma {
		decimalSep = '.'
	}

	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == decimalSep:
			sb.WriteByte('.')
		case c >= '0' && c <= '9':
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
