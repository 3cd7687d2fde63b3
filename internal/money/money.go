// Package money provides exact decimal monetary arithmetic. Binary floating
// point never crosses a component boundary; every monetary value that is
// stored, compared, or serialized flows through Decimal.
package money

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Decimal wraps shopspring/decimal so the rest of the codebase never imports
// it directly and never has a stray float64 comparison creep into ledger math.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// New builds a Decimal from an integer coefficient and exponent, e.g.
// New(12550, -2) == 125.50.
func New(coefficient int64, exp int32) Decimal {
	return Decimal{d: decimal.New(coefficient, exp)}
}

// Parse parses a decimal string such as "1250.00". It never accepts a
// float64 — conversion at API edges is lossless string <-> decimal only.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, eris.Wrapf(err, "money: parse %q", s)
	}
	return Decimal{d: d}, nil
}

// MustParse panics on malformed input; only for compile-time-known constants.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (m Decimal) Add(other Decimal) Decimal { return Decimal{d: m.d.Add(other.d)} }
func (m Decimal) Sub(other Decimal) Decimal { return Decimal{d: m.d.Sub(other.d)} }
func (m Decimal) Mul(other Decimal) Decimal { return Decimal{d: m.d.Mul(other.d)} }
func (m Decimal) Neg() Decimal              { return Decimal{d: m.d.Neg()} }
func (m Decimal) Abs() Decimal              { return Decimal{d: m.d.Abs()} }

// Div divides with the given decimal places of precision, banker's-rounding
// free (shopspring uses round-half-away-from-zero at the requested scale).
func (m Decimal) Div(other Decimal, places int32) Decimal {
	return Decimal{d: m.d.DivRound(other.d, places)}
}

// Round rounds to the given number of decimal places.
func (m Decimal) Round(places int32) Decimal {
	return Decimal{d: m.d.Round(places)}
}

// Cmp returns -1, 0, or 1.
func (m Decimal) Cmp(other Decimal) int { return m.d.Cmp(other.d) }

// Equal is exact decimal equality — never approximate.
func (m Decimal) Equal(other Decimal) bool { return m.d.Equal(other.d) }

// WithinTolerance reports whether |m - other| <= tolerance, used for the
// verifier's monetary consensus checks (spec §4.3: ±0.01 home, ±0.02 FX).
func (m Decimal) WithinTolerance(other Decimal, tolerance Decimal) bool {
	diff := m.Sub(other).Abs()
	return diff.Cmp(tolerance) <= 0
}

func (m Decimal) IsZero() bool     { return m.d.IsZero() }
func (m Decimal) IsNegative() bool { return m.d.IsNegative() }
func (m Decimal) IsPositive() bool { return m.d.IsPositive() }

// String renders fixed two-decimal-place formatting for ledger amounts.
func (m Decimal) String() string { return m.d.StringFixed(2) }

// StringFixed renders with an explicit number of decimal places, used by
// the ERP exporters that need more precision for VAT-rate fields.
func (m Decimal) StringFixed(places int32) string { return m.d.StringFixed(places) }

// ToFloat64ForDisplay is an explicit, named escape hatch for human-facing
// report rendering only. Never call this for comparisons or ledger math.
func (m Decimal) ToFloat64ForDisplay() float64 {
	f, _ := m.d.Float64()
	return f
}

func (m Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.d.String())
}

func (m *Decimal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Fall back to numeric JSON for lenient ingress; still routed
		// through decimal, never float64, by decimal's own unmarshaler.
		var dd decimal.Decimal
		if err2 := json.Unmarshal(b, &dd); err2 != nil {
			return eris.Wrap(err, "money: unmarshal")
		}
		m.d = dd
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return eris.Wrapf(err, "money: unmarshal %q", s)
	}
	m.d = d
	return nil
}

// Value implements driver.Valuer for database/sql.
func (m Decimal) Value() (driver.Value, error) {
	return m.d.String(), nil
}

// Scan implements sql.Scanner for database/sql.
func (m *Decimal) Scan(src any) error {
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return eris.Wrapf(err, "money: scan %q", v)
		}
		m.d = d
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return eris.Wrapf(err, "money: scan %q", string(v))
		}
		m.d = d
	case int64:
		m.d = decimal.NewFromInt(v)
	case nil:
		m.d = decimal.Zero
	default:
		return eris.Errorf("money: unsupported scan type %T", src)
	}
	return nil
}

// Sum adds a sequence of Decimals.
func Sum(values ...Decimal) Decimal {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
