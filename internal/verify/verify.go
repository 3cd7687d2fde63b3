// Package verify implements C3: for each extracted field, run an AI check,
// an algorithmic check, and a rule check, then compute a consensus score
// that gates the booking pipeline. A missing check source counts as
// disagreement, never as agreement.
package verify

import (
	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
)

// CheckFunc computes one model.Check for a field given its extracted value.
type CheckFunc func(field model.FieldValue) model.Check

// FieldSpec binds a field name to the independent checks the pipeline must
// run for it. AI is always the extractor's own value, so only Algo and
// Rule are registered here.
type FieldSpec struct {
	FieldName   string
	AlgoCheck   CheckFunc // nil if no independent algorithmic recomputation exists
	RuleCheck   CheckFunc // nil if no domain predicate applies
	Monetary    bool
	Identifier  bool
	Tolerance   money.Decimal // monetary tolerance, home currency
	FXTolerance money.Decimal // monetary tolerance, after FX conversion
}

// CheckRegistry is the startup-populated table of (field_pattern) → checks,
// per the design note against reflection-based discovery.
type CheckRegistry struct {
	specs map[string]FieldSpec
}

// NewCheckRegistry builds an empty registry.
func NewCheckRegistry() *CheckRegistry {
	return &CheckRegistry{specs: map[string]FieldSpec{}}
}

// Register adds a FieldSpec, keyed by field name.
func (r *CheckRegistry) Register(spec FieldSpec) {
	r.specs[spec.FieldName] = spec
}

// IsMonetary reports whether fieldName was registered with Monetary set.
// The booking pipeline uses this to scope its "never past 1of3 on a
// monetary field" override invariant to monetary fields specifically.
func (r *CheckRegistry) IsMonetary(fieldName string) bool {
	spec, ok := r.specs[fieldName]
	return ok && spec.Monetary
}

// Evaluate runs the checks for one field and computes its model.Consensus.
// isFX widens monetary tolerance for values that required an FX conversion.
func (r *CheckRegistry) Evaluate(fieldName string, aiValue model.FieldValue, isFX bool) model.Consensus {
	spec, ok := r.specs[fieldName]
	if !ok {
		spec = FieldSpec{FieldName: fieldName}
	}

	aiCheck := model.Check{Source: model.CheckSourceAI, Value: aiValue.Value, OK: true}

	var algoCheck, ruleCheck model.Check
	haveAlgo, haveRule := false, false

	if spec.AlgoCheck != nil {
		algoCheck = spec.AlgoCheck(aiValue)
		haveAlgo = true
	}
	if spec.RuleCheck != nil {
		ruleCheck = spec.RuleCheck(aiValue)
		haveRule = true
	}

	// Monetary and identifier fields must carry a rule check; its absence
	// is a rejection regardless of what AI/algo agree on.
	if (spec.Monetary || spec.Identifier) && !haveRule {
		return finalize(model.Consensus{Checks: []model.Check{aiCheck}, Agreement: model.AgreementNone, Score: 0})
	}

	checks := []model.Check{aiCheck}
	agreeCount := 1 // AI agrees with itself trivially
	total := 1

	if haveAlgo {
		total++
		checks = append(checks, algoCheck)
		if algoCheck.OK && agrees(aiValue.Value, algoCheck.Value, spec, isFX) {
			agreeCount++
		}
	}
	if haveRule {
		total++
		checks = append(checks, ruleCheck)
		if ruleCheck.OK {
			agreeCount++
		}
	}

	return finalize(scoreFrom(checks, agreeCount, total))
}

func scoreFrom(checks []model.Check, agreeCount, total int) model.Consensus {
	switch {
	case total == 3 && agreeCount == 3:
		return model.Consensus{Checks: checks, Agreement: model.Agreement3of3, Score: 1.00}
	case total == 3 && agreeCount == 2:
		return model.Consensus{Checks: checks, Agreement: model.Agreement2of3, Score: 0.82}
	case total == 2 && agreeCount == 2:
		// A missing third source is disagreement, never agreement: two
		// concurring sources land at the bottom of the 2of3 band, not 3of3.
		return model.Consensus{Checks: checks, Agreement: model.Agreement2of3, Score: 0.70}
	default:
		return model.Consensus{Checks: checks, Agreement: model.Agreement1of3, Score: 0.40}
	}
}

func finalize(c model.Consensus) model.Consensus {
	c.Admitted = c.Agreement == model.Agreement3of3 || c.Agreement == model.Agreement2of3
	c.Warning = c.Agreement == model.Agreement2of3
	return c
}

func agrees(a, b any, spec FieldSpec, isFX bool) bool {
	if !spec.Monetary {
		return normalized(a) == normalized(b)
	}
	da, errA := asDecimal(a)
	db, errB := asDecimal(b)
	if errA != nil || errB != nil {
		return false
	}
	tol := spec.Tolerance
	if isFX {
		tol = spec.FXTolerance
	}
	if tol.IsZero() {
		tol = money.MustParse("0.01")
		if isFX {
			tol = money.MustParse("0.02")
		}
	}
	return da.WithinTolerance(db, tol)
}

func asDecimal(v any) (money.Decimal, error) {
	switch x := v.(type) {
	case money.Decimal:
		return x, nil
	case string:
		return money.Parse(x)
	default:
		return money.Zero, eris.Errorf("verify: value %T is not a monetary decimal", v)
	}
}

func normalized(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case money.Decimal:
		return x.String()
	case fmtStringer:
		return x.String()
	default:
		return ""
	}
}

type fmtStringer interface{ String() string }
