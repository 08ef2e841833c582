package positions

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/worker"
)

var trackerNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func token(t *testing.T, symbol string) market.Token {
	t.Helper()
	tok, err := market.WellKnownToken(symbol, 1)
	require.NoError(t, err)
	return tok
}

func units(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

type fixture struct {
	sim     *chain.SimGateway
	tracker *Tracker
	usdc    market.Token
	weth    market.Token
	pair    common.Address
}

func newFixture(t *testing.T, gw Gateway) *fixture {
	t.Helper()
	clock := func() time.Time { return trackerNow }
	sim := chain.NewSimGateway(chain.SimConfig{ChainID: 1, Clock: clock})
	usdc, weth := token(t, "USDC"), token(t, "ETH")
	pair := sim.SeedPool(usdc, weth, units(1_000_000, 6), units(500, 18))

	if gw == nil {
		gw = sim
	}
	pool := worker.NewPool(context.Background(), 2, 8)
	t.Cleanup(pool.Close)

	tracker, err := NewTracker(TrackerConfig{
		Gateway: gw,
		Tokens:  market.NewDirectory(sim),
		Pool:    pool,
		Clock:   clock,
	})
	require.NoError(t, err)
	return &fixture{sim: sim, tracker: tracker, usdc: usdc, weth: weth, pair: pair}
}

// deposit adds liquidity from the simulated account at the pool ratio
func (f *fixture) deposit(t *testing.T, usdcAmount, wethAmount *big.Int) {
	t.Helper()
	ctx := context.Background()
	account := f.sim.Account()
	f.sim.Fund(f.usdc.Address, account, usdcAmount)
	f.sim.Fund(f.weth.Address, account, wethAmount)
	_, err := f.sim.Approve(ctx, f.usdc.Address, f.sim.Router(), chain.MaxUint256)
	require.NoError(t, err)
	_, err = f.sim.Approve(ctx, f.weth.Address, f.sim.Router(), chain.MaxUint256)
	require.NoError(t, err)

	_, err = f.sim.AddLiquidity(ctx, chain.AddLiquidityParams{
		TokenA:         f.usdc.Address,
		TokenB:         f.weth.Address,
		AmountADesired: usdcAmount,
		AmountBDesired: wethAmount,
		AmountAMin:     big.NewInt(0),
		AmountBMin:     big.NewInt(0),
		Deadline:       trackerNow.Add(time.Minute).Unix(),
	})
	require.NoError(t, err)
}

func TestTracker_RefreshDerivesFromChain(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.sim.Account()

	got, err := f.tracker.Refresh(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, got, "no LP balance means no position")

	f.deposit(t, units(10_000, 6), units(5, 18))

	got, err = f.tracker.Refresh(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, got, 1)

	p := got[0]
	assert.Equal(t, f.pair, p.PairAddress)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.Pending)
	first, _ := market.SortTokens(f.usdc, f.weth)
	assert.Equal(t, first, p.TokenA)
	assert.InDelta(t, 0.990099, p.PoolSharePct.InexactFloat64(), 0.0001)

	usdcAmount, wethAmount := p.AmountAUnits(), p.AmountBUnits()
	if p.TokenA.SameAs(f.weth) {
		usdcAmount, wethAmount = wethAmount, usdcAmount
	}
	assert.InDelta(t, 10_000, usdcAmount.InexactFloat64(), 0.01)
	assert.InDelta(t, 5, wethAmount.InexactFloat64(), 0.0001)

	again, err := f.tracker.Refresh(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, p.ID, again[0].ID, "refresh keeps position identity")
}

func TestTracker_ApplyCreatesMergesAndRemoves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000b0b00")

	created, open, err := f.tracker.Apply(ctx, Delta{
		ChainID:     1,
		Owner:       owner,
		PairAddress: f.pair,
		TokenA:      f.weth,
		TokenB:      f.usdc,
		LPChange:    big.NewInt(1_000),
		AmountA:     units(1, 18),
		AmountB:     units(2_000, 6),
	})
	require.NoError(t, err)
	assert.True(t, open)
	assert.True(t, created.Pending)
	assert.NotEmpty(t, created.ID)

	// same key in the opposite token order sums onto the same position
	merged, _, err := f.tracker.Apply(ctx, Delta{
		Owner:       owner,
		PairAddress: f.pair,
		TokenA:      f.usdc,
		TokenB:      f.weth,
		LPChange:    big.NewInt(500),
		AmountA:     units(1_000, 6),
		AmountB:     new(big.Int).Div(units(1, 18), big.NewInt(2)),
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, big.NewInt(1_500), merged.LPBalance)
	assert.Len(t, f.tracker.Positions(owner), 1)

	usdcAmount := merged.TokenAAmount
	if merged.TokenA.SameAs(f.weth) {
		usdcAmount = merged.TokenBAmount
	}
	assert.Equal(t, units(3_000, 6), usdcAmount)

	_, open, err = f.tracker.Apply(ctx, Delta{
		Owner:       owner,
		PairAddress: f.pair,
		TokenA:      f.usdc,
		TokenB:      f.weth,
		LPChange:    big.NewInt(-1_500),
	})
	require.NoError(t, err)
	assert.False(t, open, "zero lp balance closes the position")
	assert.Empty(t, f.tracker.Positions(owner))

	_, err = f.tracker.Position(f.pair, owner)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestTracker_ApplyRejectsInvalidDeltas(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.sim.Account()

	_, _, err := f.tracker.Apply(ctx, Delta{Owner: owner, LPChange: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, _, err = f.tracker.Apply(ctx, Delta{Owner: owner, PairAddress: f.pair})
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, _, err = f.tracker.Apply(ctx, Delta{Owner: owner, PairAddress: f.pair, LPChange: big.NewInt(-1)})
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestTracker_RefreshReconcilesOptimisticUpdate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.sim.Account()

	f.deposit(t, units(10_000, 6), units(5, 18))
	_, err := f.tracker.Refresh(ctx, owner)
	require.NoError(t, err)
	before, err := f.tracker.Position(f.pair, owner)
	require.NoError(t, err)

	// optimistic update that never landed on chain
	_, _, err = f.tracker.Apply(ctx, Delta{
		Owner: owner, PairAddress: f.pair, TokenA: f.usdc, TokenB: f.weth,
		LPChange: big.NewInt(1_000_000),
	})
	require.NoError(t, err)

	after, err := f.tracker.Refresh(ctx, owner)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before.LPBalance, after[0].LPBalance)
	assert.False(t, after[0].Pending)
}

type flakyGateway struct {
	Gateway
	fail bool
}

func (g *flakyGateway) LPBalance(ctx context.Context, pair, owner common.Address) (*big.Int, error) {
	if g.fail {
		return nil, errors.New("rpc unavailable")
	}
	return g.Gateway.LPBalance(ctx, pair, owner)
}

func TestTracker_RefreshKeepsPositionsOfFailedPairs(t *testing.T) {
	flaky := &flakyGateway{}
	f := newFixture(t, flaky)
	flaky.Gateway = f.sim
	ctx := context.Background()
	owner := f.sim.Account()

	f.deposit(t, units(10_000, 6), units(5, 18))
	_, err := f.tracker.Refresh(ctx, owner)
	require.NoError(t, err)

	flaky.fail = true
	got, err := f.tracker.Refresh(ctx, owner)
	require.Error(t, err)
	require.Len(t, got, 1, "a failed read does not drop the position")
	assert.Equal(t, f.pair, got[0].PairAddress)
}

func TestTracker_StartRefreshesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.sim.Account()
	f.deposit(t, units(10_000, 6), units(5, 18))

	h := f.tracker.Start(context.Background(), owner, time.Hour)
	defer h.Stop()

	require.Eventually(t, func() bool {
		return len(f.tracker.Positions(owner)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMerge_SumsBalances(t *testing.T) {
	usdc, weth := token(t, "USDC"), token(t, "ETH")
	a, b := market.SortTokens(usdc, weth)

	p := Position{TokenA: a, TokenB: b, LPBalance: big.NewInt(10), TotalSupply: big.NewInt(100),
		TokenAAmount: big.NewInt(4), TokenBAmount: big.NewInt(6)}
	other := Position{TokenA: b, TokenB: a, LPBalance: big.NewInt(10), TotalSupply: big.NewInt(100),
		TokenAAmount: big.NewInt(1), TokenBAmount: big.NewInt(2)}

	m := Merge(p, other)
	assert.Equal(t, big.NewInt(20), m.LPBalance)
	assert.Equal(t, big.NewInt(6), m.TokenAAmount)
	assert.Equal(t, big.NewInt(7), m.TokenBAmount)
	assert.True(t, m.PoolSharePct.Equal(decimal.NewFromInt(20)), m.PoolSharePct.String())
}
