package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/money"
)

var (
	usdc = market.Token{ChainID: 1, Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Name: "USD Coin", Decimals: 6}
	weth = market.Token{ChainID: 1, Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "ETH", Name: "Wrapped Ether", Decimals: 18}
	dai  = market.Token{ChainID: 1, Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18}
)

func units(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

var simNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newSim(t *testing.T) (*SimGateway, *testClock, common.Address) {
	t.Helper()
	clock := &testClock{t: simNow}
	g := NewSimGateway(SimConfig{ChainID: 1, Clock: clock.Now})
	pair := g.SeedPool(usdc, weth, units(1_000_000, 6), units(500, 18))
	return g, clock, pair
}

func deadline(c *testClock) int64 {
	return c.Now().Add(20 * time.Minute).Unix()
}

func TestSimGateway_GetPairIsOrderIndependent(t *testing.T) {
	g, _, pair := newSim(t)
	ctx := context.Background()

	ab, err := g.GetPair(ctx, usdc.Address, weth.Address)
	require.NoError(t, err)
	ba, err := g.GetPair(ctx, weth.Address, usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, pair, ab)
	assert.Equal(t, ab, ba)

	none, err := g.GetPair(ctx, usdc.Address, dai.Address)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, none)

	res, err := g.GetReserves(ctx, pair)
	require.NoError(t, err)
	rUSDC, rETH := res.For(usdc.Address)
	assert.Equal(t, units(1_000_000, 6), rUSDC)
	assert.Equal(t, units(500, 18), rETH)

	_, err = g.GetReserves(ctx, common.HexToAddress("0x01"))
	assert.ErrorIs(t, err, ErrPairNotFound)
}

func TestSimGateway_Swap(t *testing.T) {
	g, clock, pair := newSim(t)
	ctx := context.Background()
	in := units(10_000, 6)

	t.Run("requires allowance", func(t *testing.T) {
		g.Fund(usdc.Address, g.Account(), in)
		h, err := g.SwapExactInput(ctx, SwapParams{TokenIn: usdc.Address, TokenOut: weth.Address, AmountIn: in, Deadline: deadline(clock)})
		assert.ErrorIs(t, err, ErrTxReverted)
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
		assert.Equal(t, TxFailed, h.Status)
	})

	_, err := g.Approve(ctx, usdc.Address, g.Router(), MaxUint256)
	require.NoError(t, err)

	t.Run("rejects output below minimum", func(t *testing.T) {
		_, err := g.SwapExactInput(ctx, SwapParams{
			TokenIn: usdc.Address, TokenOut: weth.Address, AmountIn: in,
			AmountOutMin: units(5, 18), Deadline: deadline(clock),
		})
		assert.ErrorIs(t, err, ErrInsufficientOutput)

		res, _ := g.GetReserves(ctx, pair)
		rUSDC, _ := res.For(usdc.Address)
		assert.Equal(t, units(1_000_000, 6), rUSDC, "reverted swap leaves reserves untouched")
	})

	t.Run("rejects expired deadline", func(t *testing.T) {
		_, err := g.SwapExactInput(ctx, SwapParams{
			TokenIn: usdc.Address, TokenOut: weth.Address, AmountIn: in,
			Deadline: clock.Now().Add(-time.Second).Unix(),
		})
		assert.ErrorIs(t, err, ErrDeadlineExpired)
	})

	t.Run("executes at the constant product price", func(t *testing.T) {
		want, err := amm.GetAmountOut(in, units(1_000_000, 6), units(500, 18), money.NewBPSFromInt(30))
		require.NoError(t, err)

		h, err := g.SwapExactInput(ctx, SwapParams{
			TokenIn: usdc.Address, TokenOut: weth.Address, AmountIn: in,
			AmountOutMin: units(4, 18), Deadline: deadline(clock),
		})
		require.NoError(t, err)
		assert.Equal(t, TxConfirmed, h.Status)
		assert.Equal(t, want, g.BalanceOf(weth.Address, g.Account()))
		assert.Equal(t, 0, g.BalanceOf(usdc.Address, g.Account()).Sign())

		res, _ := g.GetReserves(ctx, pair)
		rUSDC, rETH := res.For(usdc.Address)
		assert.Equal(t, units(1_010_000, 6), rUSDC)
		assert.Equal(t, new(big.Int).Sub(units(500, 18), want), rETH)

		got, err := g.TxStatus(ctx, h.Hash)
		require.NoError(t, err)
		assert.Equal(t, TxConfirmed, got.Status)
	})
}

func TestSimGateway_LiquidityLifecycle(t *testing.T) {
	g, clock, _ := newSim(t)
	ctx := context.Background()

	g.Fund(dai.Address, g.Account(), units(10_000, 18))
	g.Fund(usdc.Address, g.Account(), units(10_000, 6))
	_, _ = g.Approve(ctx, dai.Address, g.Router(), MaxUint256)
	_, _ = g.Approve(ctx, usdc.Address, g.Router(), MaxUint256)

	// first provider sets the price
	_, err := g.AddLiquidity(ctx, AddLiquidityParams{
		TokenA: dai.Address, TokenB: usdc.Address,
		AmountADesired: units(1_000, 18), AmountBDesired: units(1_000, 6),
		Deadline: deadline(clock),
	})
	require.NoError(t, err)

	pair, err := g.GetPair(ctx, usdc.Address, dai.Address)
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, pair)

	lp, err := g.LPBalance(ctx, pair, g.Account())
	require.NoError(t, err)
	expected := new(big.Int).Sqrt(new(big.Int).Mul(units(1_000, 18), units(1_000, 6)))
	expected.Sub(expected, amm.MinimumLiquidity)
	assert.Equal(t, expected, lp)

	// existing pool enforces the ratio: excess B is not taken
	_, err = g.AddLiquidity(ctx, AddLiquidityParams{
		TokenA: dai.Address, TokenB: usdc.Address,
		AmountADesired: units(500, 18), AmountBDesired: units(900, 6),
		Deadline: deadline(clock),
	})
	require.NoError(t, err)
	assert.Equal(t, units(8_500, 18), g.BalanceOf(dai.Address, g.Account()))
	assert.Equal(t, units(8_500, 6), g.BalanceOf(usdc.Address, g.Account()))

	lp, _ = g.LPBalance(ctx, pair, g.Account())
	half := new(big.Int).Quo(lp, big.NewInt(2))

	_, err = g.RemoveLiquidity(ctx, RemoveLiquidityParams{TokenA: dai.Address, TokenB: usdc.Address, Liquidity: half, Deadline: deadline(clock)})
	assert.ErrorIs(t, err, ErrInsufficientAllowance, "LP tokens must be approved to the router")

	_, err = g.Approve(ctx, pair, g.Router(), half)
	require.NoError(t, err)
	_, err = g.RemoveLiquidity(ctx, RemoveLiquidityParams{TokenA: dai.Address, TokenB: usdc.Address, Liquidity: half, Deadline: deadline(clock)})
	require.NoError(t, err)

	left, _ := g.LPBalance(ctx, pair, g.Account())
	assert.Equal(t, new(big.Int).Sub(lp, half), left)
	assert.True(t, g.BalanceOf(dai.Address, g.Account()).Cmp(units(9_200, 18)) > 0)

	pairs, err := g.KnownPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestSimGateway_RevertedAddDoesNotCreatePair(t *testing.T) {
	g, clock, _ := newSim(t)
	ctx := context.Background()

	_, err := g.AddLiquidity(ctx, AddLiquidityParams{
		TokenA: dai.Address, TokenB: usdc.Address,
		AmountADesired: units(1, 18), AmountBDesired: units(1, 6),
		Deadline: deadline(clock),
	})
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	pair, err := g.GetPair(ctx, dai.Address, usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, pair)
}

func TestSimGateway_PendingUntilConfirmDelay(t *testing.T) {
	clock := &testClock{t: simNow}
	g := NewSimGateway(SimConfig{Clock: clock.Now, ConfirmDelay: 12 * time.Second})
	ctx := context.Background()

	h, err := g.Approve(ctx, usdc.Address, g.Router(), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, TxPending, h.Status)

	got, err := g.TxStatus(ctx, h.Hash)
	require.NoError(t, err)
	assert.Equal(t, TxPending, got.Status)

	clock.Advance(12 * time.Second)
	got, err = g.TxStatus(ctx, h.Hash)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, got.Status)

	_, err = g.TxStatus(ctx, common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestSimGateway_TokenMetadata(t *testing.T) {
	g, _, _ := newSim(t)
	ctx := context.Background()

	tok, err := g.TokenMetadata(ctx, 1, usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, int32(6), tok.Decimals)

	_, err = g.TokenMetadata(ctx, 8453, usdc.Address)
	assert.ErrorIs(t, err, market.ErrTokenNotFound)

	dir := market.NewDirectory(g)
	custom := market.Token{ChainID: 1, Address: common.HexToAddress("0x1111111111111111111111111111111111111111"), Symbol: "FOO", Decimals: 9}
	g.AddToken(custom)
	got, err := dir.Resolve(ctx, custom.Key(), 1)
	require.NoError(t, err)
	assert.Equal(t, "FOO", got.Symbol)
}
