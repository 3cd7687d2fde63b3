package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
)

func netAmountSpec() FieldSpec {
	return FieldSpec{
		FieldName: "net_amount",
		Monetary:  true,
		AlgoCheck: func(fv model.FieldValue) model.Check {
			return model.Check{Source: model.CheckSourceAlgo, Value: fv.Value, OK: true}
		},
		RuleCheck: func(fv model.FieldValue) model.Check {
			d, err := money.Parse(fv.Value.(string))
			return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: err == nil && d.IsPositive()}
		},
	}
}

func TestCheckRegistry_Evaluate_3of3(t *testing.T) {
	r := NewCheckRegistry()
	r.Register(netAmountSpec())

	fv := model.FieldValue{Value: "1000.00"}
	c := r.Evaluate("net_amount", fv, false)
	require.Equal(t, model.Agreement3of3, c.Agreement)
	require.Equal(t, 1.0, c.Score)
	require.True(t, c.Admitted)
	require.False(t, c.Warning)
}

func TestCheckRegistry_Evaluate_MissingRuleOnMonetaryRejects(t *testing.T) {
	r := NewCheckRegistry()
	r.Register(FieldSpec{FieldName: "net_amount", Monetary: true})

	c := r.Evaluate("net_amount", model.FieldValue{Value: "1000.00"}, false)
	require.Equal(t, model.AgreementNone, c.Agreement)
	require.False(t, c.Admitted)
}

func TestCheckRegistry_Evaluate_RuleFailsDegradesTo2of3(t *testing.T) {
	r := NewCheckRegistry()
	r.Register(netAmountSpec())

	c := r.Evaluate("net_amount", model.FieldValue{Value: "-5.00"}, false)
	require.Equal(t, model.Agreement2of3, c.Agreement)
	require.True(t, c.Warning)
}

func TestCheckRegistry_Evaluate_IdentifierChecksumFailure(t *testing.T) {
	r := NewCheckRegistry()
	r.Register(FieldSpec{
		FieldName:  "fiscal_id",
		Identifier: true,
		RuleCheck: func(fv model.FieldValue) model.Check {
			return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: false}
		},
	})

	c := r.Evaluate("fiscal_id", model.FieldValue{Value: "12345678900"}, false)
	require.Equal(t, model.Agreement1of3, c.Agreement)
	require.False(t, c.Admitted)
}

func TestCheckRegistry_Evaluate_FXWidensTolerance(t *testing.T) {
	r := NewCheckRegistry()
	spec := netAmountSpec()
	spec.Tolerance = money.MustParse("0.01")
	spec.FXTolerance = money.MustParse("0.02")
	r.Register(spec)

	fv := model.FieldValue{Value: "1000.00"}
	// Algo disagrees by 0.015 — within FX tolerance, outside home tolerance.
	spec.AlgoCheck = func(model.FieldValue) model.Check {
		return model.Check{Source: model.CheckSourceAlgo, Value: "1000.015", OK: true}
	}
	r.Register(spec)

	home := r.Evaluate("net_amount", fv, false)
	fx := r.Evaluate("net_amount", fv, true)
	require.NotEqual(t, home.Score, fx.Score)
}
