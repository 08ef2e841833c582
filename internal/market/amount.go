package market

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToRaw converts a human amount into base units, truncating extra precision.
func ToRaw(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromRaw converts base units into a human amount.
func FromRaw(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
