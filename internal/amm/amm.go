// Package amm implements constant-product (x*y=k) pool math on raw token
// amounts. All inputs and outputs are base units; fees are basis points.
package amm

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/money"
)

// MinimumLiquidity is locked forever by the first deposit into a pool.
var MinimumLiquidity = big.NewInt(1000)

var (
	ErrInsufficientInputAmount = errors.New("amm: insufficient input amount")
	ErrInsufficientLiquidity   = errors.New("amm: insufficient liquidity")
	ErrInvalidFee              = errors.New("amm: fee must be in [0, 10000) bps")
	ErrInvalidSlippage         = errors.New("amm: slippage must be in [0, 100] percent")
)

var (
	bpsScale = big.NewInt(money.BPSScale)
	hundred  = decimal.NewFromInt(100)
)

func positive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}

func checkFee(fee money.BPS) error {
	if fee < 0 || int64(fee) >= money.BPSScale {
		return ErrInvalidFee
	}
	return nil
}

// GetAmountOut returns the output for amountIn against reserves after the fee:
//
//	out = reserveOut - reserveIn*reserveOut / (reserveIn + amountIn*(1-fee))
//
// computed as in*(1-fee)*rOut / (rIn + in*(1-fee)) with integer division.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, fee money.BPS) (*big.Int, error) {
	if !positive(amountIn) {
		return nil, ErrInsufficientInputAmount
	}
	if !positive(reserveIn) || !positive(reserveOut) {
		return nil, ErrInsufficientLiquidity
	}
	if err := checkFee(fee); err != nil {
		return nil, err
	}

	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(fee.Complement().Int64()))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, bpsScale)
	denominator.Add(denominator, inWithFee)

	return numerator.Quo(numerator, denominator), nil
}

// MidPriceOutput values the fee-adjusted input at the pool mid price
// (reserveOut/reserveIn), i.e. the output of an infinitely small trade.
func MidPriceOutput(amountIn, reserveIn, reserveOut *big.Int, fee money.BPS) (*big.Int, error) {
	if !positive(amountIn) {
		return nil, ErrInsufficientInputAmount
	}
	if !positive(reserveIn) || !positive(reserveOut) {
		return nil, ErrInsufficientLiquidity
	}
	if err := checkFee(fee); err != nil {
		return nil, err
	}

	out := new(big.Int).Mul(amountIn, big.NewInt(fee.Complement().Int64()))
	out.Mul(out, reserveOut)
	return out.Quo(out, new(big.Int).Mul(reserveIn, bpsScale)), nil
}

// PriceImpactPct returns (expected - actual) / expected as a percentage,
// floored at zero.
func PriceImpactPct(expected, actual *big.Int) decimal.Decimal {
	if !positive(expected) || actual == nil {
		return decimal.Zero
	}
	e := decimal.NewFromBigInt(expected, 0)
	diff := e.Sub(decimal.NewFromBigInt(actual, 0))
	if diff.Sign() <= 0 {
		return decimal.Zero
	}
	return diff.Mul(hundred).DivRound(e, 6)
}

// SwapImpact computes the output and price impact of a swap in one call.
func SwapImpact(amountIn, reserveIn, reserveOut *big.Int, fee money.BPS) (out *big.Int, impactPct decimal.Decimal, err error) {
	out, err = GetAmountOut(amountIn, reserveIn, reserveOut, fee)
	if err != nil {
		return nil, decimal.Zero, err
	}
	mid, err := MidPriceOutput(amountIn, reserveIn, reserveOut, fee)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return out, PriceImpactPct(mid, out), nil
}

// Quote returns the amount of B equivalent to amountA at the reserve ratio.
func Quote(amountA, reserveA, reserveB *big.Int) (*big.Int, error) {
	if !positive(amountA) {
		return nil, ErrInsufficientInputAmount
	}
	if !positive(reserveA) || !positive(reserveB) {
		return nil, ErrInsufficientLiquidity
	}
	out := new(big.Int).Mul(amountA, reserveB)
	return out.Quo(out, reserveA), nil
}

// OptimalAmounts mirrors the router's add-liquidity matching: keep A and
// derive B from the ratio; if that needs more B than desired, keep B and
// derive A instead.
func OptimalAmounts(aDesired, bDesired, reserveA, reserveB *big.Int) (a, b *big.Int, err error) {
	if !positive(aDesired) || !positive(bDesired) {
		return nil, nil, ErrInsufficientInputAmount
	}
	bOptimal, err := Quote(aDesired, reserveA, reserveB)
	if err != nil {
		return nil, nil, err
	}
	if bOptimal.Cmp(bDesired) <= 0 {
		return new(big.Int).Set(aDesired), bOptimal, nil
	}
	aOptimal, err := Quote(bDesired, reserveB, reserveA)
	if err != nil {
		return nil, nil, err
	}
	return aOptimal, new(big.Int).Set(bDesired), nil
}

// LiquidityMinted returns the LP tokens minted for a deposit.
// The first deposit mints sqrt(a*b) - MinimumLiquidity.
func LiquidityMinted(amountA, amountB, reserveA, reserveB, totalSupply *big.Int) (*big.Int, error) {
	if !positive(amountA) || !positive(amountB) {
		return nil, ErrInsufficientInputAmount
	}

	if !positive(totalSupply) {
		liq := new(big.Int).Sqrt(new(big.Int).Mul(amountA, amountB))
		liq.Sub(liq, MinimumLiquidity)
		if liq.Sign() <= 0 {
			return nil, ErrInsufficientLiquidity
		}
		return liq, nil
	}

	if !positive(reserveA) || !positive(reserveB) {
		return nil, ErrInsufficientLiquidity
	}
	la := new(big.Int).Mul(amountA, totalSupply)
	la.Quo(la, reserveA)
	lb := new(big.Int).Mul(amountB, totalSupply)
	lb.Quo(lb, reserveB)
	if la.Cmp(lb) > 0 {
		la = lb
	}
	if la.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return la, nil
}

// RemoveAmounts returns the underlying tokens for burning lp of totalSupply.
func RemoveAmounts(lp, reserveA, reserveB, totalSupply *big.Int) (a, b *big.Int, err error) {
	if !positive(lp) {
		return nil, nil, ErrInsufficientInputAmount
	}
	if !positive(totalSupply) || lp.Cmp(totalSupply) > 0 {
		return nil, nil, ErrInsufficientLiquidity
	}
	a = new(big.Int).Mul(lp, reserveA)
	a.Quo(a, totalSupply)
	b = new(big.Int).Mul(lp, reserveB)
	b.Quo(b, totalSupply)
	return a, b, nil
}

// PoolSharePct returns deposit/(reserve+deposit) as a percentage.
// An empty reserve means the depositor owns the whole pool.
func PoolSharePct(deposit, reserve *big.Int) decimal.Decimal {
	if !positive(reserve) {
		return hundred
	}
	if !positive(deposit) {
		return decimal.Zero
	}
	d := decimal.NewFromBigInt(deposit, 0)
	total := d.Add(decimal.NewFromBigInt(reserve, 0))
	return d.Mul(hundred).DivRound(total, 6)
}

// ShareOfSupplyPct returns lp/totalSupply as a percentage.
func ShareOfSupplyPct(lp, totalSupply *big.Int) decimal.Decimal {
	if !positive(lp) || !positive(totalSupply) {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(lp, 0).Mul(hundred).DivRound(decimal.NewFromBigInt(totalSupply, 0), 6)
}

// ApplySlippage returns amount * (1 - slippagePct/100), truncated.
func ApplySlippage(amount *big.Int, slippagePct decimal.Decimal) (*big.Int, error) {
	if slippagePct.IsNegative() || slippagePct.GreaterThan(hundred) {
		return nil, ErrInvalidSlippage
	}
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	keep := hundred.Sub(slippagePct).Div(hundred)
	return decimal.NewFromBigInt(amount, 0).Mul(keep).Truncate(0).BigInt(), nil
}
