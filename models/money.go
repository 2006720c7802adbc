package models

import "github.com/shopspring/decimal"

// ValidationTolerance is the absolute difference (currency units) under which a
// planilla's concept sum is considered equal to its total. Legacy amounts were
// stored as binary floats, so exact equality is not reliable for old rows.
var ValidationTolerance = decimal.New(1, -2)

// WithinTolerance reports whether |total - sum| < ValidationTolerance.
func WithinTolerance(total, sum decimal.Decimal) bool {
	return total.Sub(sum).Abs().LessThan(ValidationTolerance)
}
