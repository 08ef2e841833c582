package liquidity

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/pairs"
	"github.com/agatticelli/dex-swap-engine/internal/platform/cache"
	"github.com/agatticelli/dex-swap-engine/internal/positions"
)

var planNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func units(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func token(t *testing.T, symbol string) market.Token {
	t.Helper()
	tok, err := market.WellKnownToken(symbol, 1)
	require.NoError(t, err)
	return tok
}

func newCalculator(t *testing.T) (*Calculator, *chain.SimGateway) {
	t.Helper()
	clock := func() time.Time { return planNow }
	sim := chain.NewSimGateway(chain.SimConfig{ChainID: 1, Clock: clock})
	sim.SeedPool(token(t, "USDC"), token(t, "ETH"), units(1_000_000, 6), units(500, 18))

	mem := cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{Clock: clock})
	t.Cleanup(func() { _ = mem.Close() })
	resolver, err := pairs.NewResolver(pairs.ResolverConfig{Gateway: sim, Cache: mem, Clock: clock})
	require.NoError(t, err)

	calc, err := NewCalculator(CalculatorConfig{
		ChainID:            1,
		Tokens:             market.NewDirectory(sim),
		Pairs:              resolver,
		DefaultSlippagePct: 0.5,
		MaxSlippagePct:     50,
		Clock:              clock,
	})
	require.NoError(t, err)
	return calc, sim
}

func TestPlanAdd_NewPairLocksRatio(t *testing.T) {
	calc, _ := newCalculator(t)

	plan, err := calc.PlanAddLiquidity(context.Background(), AddRequest{
		TokenA:         market.SymbolKey("DAI"),
		TokenB:         market.SymbolKey("USDC"),
		AmountADesired: dec("1000"),
		AmountBDesired: ptr("1002"),
		SlippagePct:    ptr("1"),
	})
	require.NoError(t, err)

	assert.True(t, plan.NewPair)
	assert.True(t, plan.PoolSharePct.Equal(decimal.NewFromInt(100)))
	assert.Zero(t, plan.AmountAMin.Sign())
	assert.Zero(t, plan.AmountBMin.Sign())
	assert.True(t, plan.AmountAUnits.Equal(dec("1000")))
	assert.True(t, plan.AmountBUnits.Equal(dec("1002")), "the provided ratio is kept as-is")
	assert.True(t, plan.PriceBPerA.Equal(dec("1.002")), plan.PriceBPerA.String())
	assert.Equal(t, planNow.Add(20*time.Minute).Unix(), plan.Deadline)
	assert.True(t, plan.LPMinted.Sign() > 0)
}

func TestPlanAdd_NewPairNeedsBothAmounts(t *testing.T) {
	calc, _ := newCalculator(t)

	_, err := calc.PlanAddLiquidity(context.Background(), AddRequest{
		TokenA:         market.SymbolKey("DAI"),
		TokenB:         market.SymbolKey("USDC"),
		AmountADesired: dec("1000"),
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPlanAdd_NewPairMinimumLiquidity(t *testing.T) {
	calc, _ := newCalculator(t)
	plan := func(amount string) (AddPlan, error) {
		return calc.PlanAddLiquidity(context.Background(), AddRequest{
			TokenA:         market.SymbolKey("USDC"),
			TokenB:         market.SymbolKey("USDT"),
			AmountADesired: dec(amount),
			AmountBDesired: ptr(amount),
		})
	}

	// sqrt(1000 * 1000) raw units is exactly the locked minimum
	_, err := plan("0.001")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := plan("0.001001")
	require.NoError(t, err)
	assert.True(t, got.NewPair)
	assert.Equal(t, big.NewInt(1), got.LPMinted)
	assert.Equal(t, big.NewInt(1_001), got.TotalSupply)
	assert.True(t, got.PriceBPerA.Equal(dec("1")), "the ratio is still the caller's")
}

func TestPlanAdd_ExistingPairFollowsReserves(t *testing.T) {
	calc, _ := newCalculator(t)

	plan, err := calc.PlanAddLiquidity(context.Background(), AddRequest{
		TokenA:         market.SymbolKey("USDC"),
		TokenB:         market.SymbolKey("ETH"),
		AmountADesired: dec("10000"),
		SlippagePct:    ptr("1"),
	})
	require.NoError(t, err)

	assert.False(t, plan.NewPair)
	assert.True(t, plan.AmountBUnits.Equal(dec("5")), plan.AmountBUnits.String())
	assert.True(t, market.FromRaw(plan.AmountAMin, 6).Equal(dec("9900")))
	assert.True(t, market.FromRaw(plan.AmountBMin, 18).Equal(dec("4.95")))
	assert.InDelta(t, 0.990099, plan.PoolSharePct.InexactFloat64(), 0.000001)
	assert.True(t, plan.PriceBPerA.Equal(dec("0.0005")), plan.PriceBPerA.String())
}

func TestPlanAdd_ExistingPairCapsToScarceSide(t *testing.T) {
	calc, _ := newCalculator(t)

	plan, err := calc.PlanAddLiquidity(context.Background(), AddRequest{
		TokenA:         market.SymbolKey("ETH"),
		TokenB:         market.SymbolKey("USDC"),
		AmountADesired: dec("5"),
		AmountBDesired: ptr("4000"),
	})
	require.NoError(t, err)

	assert.True(t, plan.AmountAUnits.Equal(dec("2")), plan.AmountAUnits.String())
	assert.True(t, plan.AmountBUnits.Equal(dec("4000")))
	assert.True(t, plan.SlippagePct.Equal(dec("0.5")))
}

func TestPlanAdd_FreshSeesNewPool(t *testing.T) {
	calc, sim := newCalculator(t)
	ctx := context.Background()
	req := AddRequest{
		TokenA:         market.SymbolKey("DAI"),
		TokenB:         market.SymbolKey("USDC"),
		AmountADesired: dec("100"),
		AmountBDesired: ptr("100"),
	}

	plan, err := calc.PlanAddLiquidity(ctx, req)
	require.NoError(t, err)
	require.True(t, plan.NewPair)

	sim.SeedPool(token(t, "DAI"), token(t, "USDC"), units(50_000, 18), units(50_000, 6))

	plan, err = calc.PlanAddLiquidity(ctx, req)
	require.NoError(t, err)
	assert.True(t, plan.NewPair, "existence is cached")

	req.Fresh = true
	plan, err = calc.PlanAddLiquidity(ctx, req)
	require.NoError(t, err)
	assert.False(t, plan.NewPair)
	assert.True(t, plan.AmountAMin.Sign() > 0)
}

func TestPlanAdd_InputErrors(t *testing.T) {
	calc, _ := newCalculator(t)

	tests := []struct {
		name string
		req  AddRequest
		want error
	}{
		{"zero amount", AddRequest{TokenA: market.SymbolKey("USDC"), TokenB: market.SymbolKey("ETH"), AmountADesired: dec("0")}, ErrInvalidAmount},
		{"negative b", AddRequest{TokenA: market.SymbolKey("USDC"), TokenB: market.SymbolKey("ETH"), AmountADesired: dec("1"), AmountBDesired: ptr("-1")}, ErrInvalidAmount},
		{"slippage too high", AddRequest{TokenA: market.SymbolKey("USDC"), TokenB: market.SymbolKey("ETH"), AmountADesired: dec("1"), SlippagePct: ptr("51")}, ErrInvalidSlippage},
		{"same token", AddRequest{TokenA: market.SymbolKey("USDC"), TokenB: market.SymbolKey("USDC"), AmountADesired: dec("1")}, ErrSameToken},
		{"same token by address", AddRequest{TokenA: market.SymbolKey("USDC"), TokenB: token(t, "USDC").Key(), AmountADesired: dec("1")}, ErrSameToken},
		{"missing token", AddRequest{TokenA: market.SymbolKey("USDC"), AmountADesired: dec("1")}, ErrInvalidToken},
		{"dust", AddRequest{TokenA: market.SymbolKey("USDC"), TokenB: market.SymbolKey("ETH"), AmountADesired: dec("0.0000001")}, ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.PlanAddLiquidity(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func testPosition(t *testing.T) positions.Position {
	a, b := market.SortTokens(token(t, "USDC"), token(t, "ETH"))
	amountA, amountB := units(10_000, 6), units(5, 18)
	if a.Symbol == "ETH" {
		amountA, amountB = amountB, amountA
	}
	return positions.Position{
		ChainID:      1,
		PairAddress:  chain.SimAccount,
		TokenA:       a,
		TokenB:       b,
		LPBalance:    big.NewInt(1_000),
		TotalSupply:  big.NewInt(100_000),
		TokenAAmount: amountA,
		TokenBAmount: amountB,
	}
}

func TestPlanRemove_ScalesByBps(t *testing.T) {
	calc, _ := newCalculator(t)
	pos := testPosition(t)

	plan, err := calc.PlanRemoveLiquidity(context.Background(), pos, 2_500, ptr("1"))
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(250), plan.Liquidity)
	assert.Equal(t, big.NewInt(750), plan.RemainingLP)
	assert.Equal(t, new(big.Int).Div(pos.TokenAAmount, big.NewInt(4)), plan.AmountA)
	assert.Equal(t, new(big.Int).Div(pos.TokenBAmount, big.NewInt(4)), plan.AmountB)

	wantMinA := new(big.Int).Div(new(big.Int).Mul(plan.AmountA, big.NewInt(99)), big.NewInt(100))
	assert.Equal(t, wantMinA, plan.AmountAMin)
	assert.Equal(t, planNow.Add(20*time.Minute).Unix(), plan.Deadline)

	full, err := calc.PlanRemoveLiquidity(context.Background(), pos, 10_000, nil)
	require.NoError(t, err)
	assert.Equal(t, pos.LPBalance, full.Liquidity)
	assert.Zero(t, full.RemainingLP.Sign())
	assert.Equal(t, pos.TokenAAmount, full.AmountA)
}

func TestPlanRemove_Errors(t *testing.T) {
	calc, _ := newCalculator(t)
	pos := testPosition(t)
	ctx := context.Background()

	_, err := calc.PlanRemoveLiquidity(ctx, pos, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidPercentage)
	_, err = calc.PlanRemoveLiquidity(ctx, pos, 10_001, nil)
	assert.ErrorIs(t, err, ErrInvalidPercentage)
	_, err = calc.PlanRemoveLiquidity(ctx, pos, 5_000, ptr("-1"))
	assert.ErrorIs(t, err, ErrInvalidSlippage)
	_, err = calc.PlanRemoveLiquidity(ctx, pos, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount, "1 bps of 1000 LP rounds to zero")

	pos.LPBalance = big.NewInt(0)
	_, err = calc.PlanRemoveLiquidity(ctx, pos, 5_000, nil)
	assert.ErrorIs(t, err, ErrEmptyPosition)
}
