package amm

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/money"
)

const fee30 = money.BPS(30)

func units(s string, decimals int32) *big.Int {
	return decimal.RequireFromString(s).Shift(decimals).BigInt()
}

func human(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}

// 1,000,000 USDC / 500 ETH pool, 10,000 USDC in
func TestSwapImpact_ReferenceScenario(t *testing.T) {
	reserveUSDC := units("1000000", 6)
	reserveETH := units("500", 18)

	out, impact, err := SwapImpact(units("10000", 6), reserveUSDC, reserveETH, fee30)
	require.NoError(t, err)

	got := human(out, 18)
	assert.InDelta(t, 4.9358, got.InexactFloat64(), 0.005, "amountOut")
	assert.InDelta(t, 0.987, impact.InexactFloat64(), 0.05, "price impact pct")

	minOut, err := ApplySlippage(out, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.InDelta(t, 4.8864, human(minOut, 18).InexactFloat64(), 0.005, "minimum received")

	t.Logf("✓ out=%s ETH impact=%s%% min=%s ETH", got.StringFixed(4), impact.StringFixed(3), human(minOut, 18).StringFixed(4))
}

func TestGetAmountOut_MatchesClosedForm(t *testing.T) {
	rIn := units("1000", 18)
	rOut := units("2000000", 6)
	in := units("3", 18)

	out, err := GetAmountOut(in, rIn, rOut, fee30)
	require.NoError(t, err)

	// reserveOut - reserveIn*reserveOut/(reserveIn + amountIn*(1-fee))
	inF := decimal.NewFromBigInt(in, 0).Mul(decimal.RequireFromString("0.997"))
	rInD := decimal.NewFromBigInt(rIn, 0)
	rOutD := decimal.NewFromBigInt(rOut, 0)
	want := rOutD.Sub(rInD.Mul(rOutD).Div(rInD.Add(inF)))

	assert.InDelta(t, want.InexactFloat64(), float64(out.Int64()), 2)
}

func TestPriceImpact_MonotonicInSize(t *testing.T) {
	rIn := units("1000000", 6)
	rOut := units("500", 18)

	prev := decimal.NewFromInt(-1)
	for _, amount := range []string{"1", "100", "1000", "10000", "100000", "500000"} {
		_, impact, err := SwapImpact(units(amount, 6), rIn, rOut, fee30)
		require.NoError(t, err)
		assert.True(t, impact.GreaterThanOrEqual(prev), "impact for %s should not decrease (%s < %s)", amount, impact, prev)
		assert.False(t, impact.IsNegative())
		prev = impact
	}
}

func TestReversal_NeverGains(t *testing.T) {
	rA := units("1000000", 6)
	rB := units("500", 18)

	for _, amount := range []string{"1", "2500", "10000", "250000"} {
		in := units(amount, 6)

		outB, err := GetAmountOut(in, rA, rB, fee30)
		require.NoError(t, err)

		// pool after the first swap
		newA := new(big.Int).Add(rA, in)
		newB := new(big.Int).Sub(rB, outB)

		back, err := GetAmountOut(outB, newB, newA, fee30)
		require.NoError(t, err)
		assert.True(t, back.Cmp(in) <= 0, "round trip of %s USDC returned %s", amount, human(back, 6))
	}
}

func TestApplySlippage(t *testing.T) {
	amount := units("4.9358", 18)

	zero, err := ApplySlippage(amount, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Cmp(amount), "zero slippage keeps the amount")

	for _, pct := range []string{"0.1", "0.5", "1", "50"} {
		minOut, err := ApplySlippage(amount, decimal.RequireFromString(pct))
		require.NoError(t, err)
		assert.True(t, minOut.Cmp(amount) <= 0)
		assert.True(t, minOut.Sign() >= 0)
	}

	_, err = ApplySlippage(amount, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidSlippage)
}

func TestInputValidation(t *testing.T) {
	r := units("10", 18)

	_, err := GetAmountOut(big.NewInt(0), r, r, fee30)
	assert.ErrorIs(t, err, ErrInsufficientInputAmount)

	_, err = GetAmountOut(big.NewInt(1), big.NewInt(0), r, fee30)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = GetAmountOut(big.NewInt(1), r, r, money.BPS(10000))
	assert.ErrorIs(t, err, ErrInvalidFee)

	_, err = Quote(big.NewInt(1), r, nil)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestOptimalAmounts(t *testing.T) {
	rA := units("1000000", 6)
	rB := units("500", 18)

	t.Run("derives B from A", func(t *testing.T) {
		a, b, err := OptimalAmounts(units("2000", 6), units("5", 18), rA, rB)
		require.NoError(t, err)
		assert.Equal(t, units("2000", 6), a)
		assert.Equal(t, units("1", 18), b)
	})

	t.Run("derives A from B when B is short", func(t *testing.T) {
		a, b, err := OptimalAmounts(units("2000", 6), units("0.5", 18), rA, rB)
		require.NoError(t, err)
		assert.Equal(t, units("1000", 6), a)
		assert.Equal(t, units("0.5", 18), b)
	})
}

func TestLiquidityMintedAndRemoved(t *testing.T) {
	a := units("1000", 6)
	b := units("0.5", 18)

	first, err := LiquidityMinted(a, b, nil, nil, nil)
	require.NoError(t, err)
	expected := new(big.Int).Sqrt(new(big.Int).Mul(a, b))
	expected.Sub(expected, MinimumLiquidity)
	assert.Equal(t, expected, first)

	supply := new(big.Int).Add(first, MinimumLiquidity)
	second, err := LiquidityMinted(a, b, a, b, supply)
	require.NoError(t, err)
	assert.Equal(t, supply, second, "equal deposit mints equal supply")

	ra := new(big.Int).Mul(a, big.NewInt(2))
	rb := new(big.Int).Mul(b, big.NewInt(2))
	total := new(big.Int).Add(supply, second)
	outA, outB, err := RemoveAmounts(second, ra, rb, total)
	require.NoError(t, err)
	assert.Equal(t, a, outA)
	assert.Equal(t, b, outB)

	_, _, err = RemoveAmounts(new(big.Int).Add(total, big.NewInt(1)), ra, rb, total)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestPoolSharePct(t *testing.T) {
	assert.True(t, PoolSharePct(big.NewInt(5), big.NewInt(0)).Equal(decimal.NewFromInt(100)), "empty pool")
	assert.True(t, PoolSharePct(big.NewInt(100), big.NewInt(300)).Equal(decimal.NewFromInt(25)))
	assert.True(t, ShareOfSupplyPct(big.NewInt(1), big.NewInt(4)).Equal(decimal.NewFromInt(25)))
}
