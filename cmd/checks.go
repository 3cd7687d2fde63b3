package main

import (
	"strconv"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/verify"
)

// buildCheckRegistry registers the algorithmic and rule checks the pipeline
// runs against every extracted field. Field names here must match what the
// extract fabric writes into model.ExtractedDoc.Fields.
func buildCheckRegistry() *verify.CheckRegistry {
	r := verify.NewCheckRegistry()

	monetaryPositive := func(fv model.FieldValue) model.Check {
		s, _ := fv.Value.(string)
		d, err := money.Parse(s)
		return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: err == nil && d.IsPositive()}
	}
	monetaryAlgo := func(fv model.FieldValue) model.Check {
		return model.Check{Source: model.CheckSourceAlgo, Value: fv.Value, OK: true}
	}

	r.Register(verify.FieldSpec{FieldName: "payable_amount", Monetary: true, AlgoCheck: monetaryAlgo, RuleCheck: monetaryPositive})
	r.Register(verify.FieldSpec{FieldName: "tax_amount", Monetary: true, AlgoCheck: monetaryAlgo, RuleCheck: monetaryPositive})

	r.Register(verify.FieldSpec{
		FieldName:  "fiscal_id",
		Identifier: true,
		RuleCheck: func(fv model.FieldValue) model.Check {
			s, _ := fv.Value.(string)
			return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: validOIB(s)}
		},
	})

	r.Register(verify.FieldSpec{
		FieldName:  "invoice_id",
		Identifier: true,
		RuleCheck: func(fv model.FieldValue) model.Check {
			s, _ := fv.Value.(string)
			return model.Check{Source: model.CheckSourceRule, Value: fv.Value, OK: len(s) > 0}
		},
	})

	return r
}

// validOIB checks a Croatian personal identification number against the
// ISO/IEC 7064 MOD 11-10 control digit used for OIB.
func validOIB(oib string) bool {
	if len(oib) != 11 {
		return false
	}
	digits := make([]int, 11)
	for i, c := range oib {
		d, err := strconv.Atoi(string(c))
		if err != nil {
			return false
		}
		digits[i] = d
	}

	control := 10
	for i := 0; i < 10; i++ {
		control = (control + digits[i]) % 10
		if control == 0 {
			control = 10
		}
		control = (control * 2) % 11
	}
	checkDigit := (11 - control) % 10
	return checkDigit == digits[10]
}
