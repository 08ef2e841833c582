// Package money holds the fixed-point types used for fees and USD notionals.
// USD is int64 cents and BPS is int64 basis points, so fee tiers and impact
// bands compare exactly.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	USDScale int64 = 100
	// BPSScale is 100% in basis points.
	BPSScale int64 = 10_000
)

// USD is an amount of US dollars in cents.
type USD int64

func NewUSDFromCents(cents int64) USD { return USD(cents) }

// NewUSDFromDecimal rounds a dollar amount half away from zero to the cent.
func NewUSDFromDecimal(d decimal.Decimal) USD {
	return USD(d.Shift(2).Round(0).IntPart())
}

// Valuation is the USD value of amount units priced at priceUSD each.
func Valuation(amount, priceUSD decimal.Decimal) USD {
	return NewUSDFromDecimal(amount.Mul(priceUSD))
}

func (a USD) Add(b USD) USD            { return a + b }
func (a USD) LessThan(b USD) bool      { return a < b }
func (a USD) Cents() int64             { return int64(a) }
func (a USD) Decimal() decimal.Decimal { return decimal.New(int64(a), -2) }

// String formats as "$1234.50" or "-$3.00".
func (a USD) String() string {
	if a < 0 {
		return "-" + (-a).String()
	}
	return "$" + a.Decimal().StringFixed(2)
}

// BPS is a rate in basis points: 30 bps is 0.3%.
type BPS int64

func NewBPSFromInt(bps int64) BPS { return BPS(bps) }

// ParseBPSPercent converts a percentage such as 0.5 to 50 bps. Fractions of
// a basis point are rejected rather than rounded.
func ParseBPSPercent(percent decimal.Decimal) (BPS, error) {
	scaled := percent.Shift(2)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%s%% is finer than one basis point", percent)
	}
	b := BPS(scaled.IntPart())
	if !b.Valid() {
		return 0, fmt.Errorf("%s%% is outside [0, 100]", percent)
	}
	return b, nil
}

// Complement is 100% minus a: a 30 bps fee keeps 9970.
func (a BPS) Complement() BPS { return BPS(BPSScale) - a }

// ApplyTo returns x * a / 10000, truncated toward zero.
func (a BPS) ApplyTo(x *big.Int) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(int64(a)))
	return out.Quo(out, big.NewInt(BPSScale))
}

// Valid reports whether a is within [0, 10000].
func (a BPS) Valid() bool { return a >= 0 && int64(a) <= BPSScale }

func (a BPS) Int64() int64 { return int64(a) }

// Percent is the rate as a percentage: 50 bps is 0.5.
func (a BPS) Percent() decimal.Decimal { return decimal.New(int64(a), -2) }

// Fraction is the rate as a fraction of one: 50 bps is 0.005.
func (a BPS) Fraction() decimal.Decimal { return decimal.New(int64(a), -4) }

func (a BPS) String() string { return fmt.Sprintf("%d bps", int64(a)) }
