package positions

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/market"
)

func TestDeltaPosition_OrdersTokensCanonically(t *testing.T) {
	usdc, weth := token(t, "USDC"), token(t, "ETH")
	first, second := market.SortTokens(usdc, weth)

	// given in reverse canonical order
	d := Delta{
		PairAddress: common.HexToAddress("0x0000000000000000000000000000000000000a11"),
		Owner:       common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
		TokenA:      second,
		TokenB:      first,
		LPChange:    big.NewInt(10),
		AmountA:     big.NewInt(2),
		AmountB:     big.NewInt(1),
	}
	p := d.Position("id-1", trackerNow)

	assert.True(t, p.TokenA.SameAs(first))
	assert.True(t, p.TokenB.SameAs(second))
	assert.Equal(t, big.NewInt(1), p.TokenAAmount)
	assert.Equal(t, big.NewInt(2), p.TokenBAmount)

	d.TokenA, d.TokenB = first, second
	d.AmountA, d.AmountB = big.NewInt(1), big.NewInt(2)
	same := d.Position("id-2", trackerNow)
	assert.Equal(t, p.TokenAAmount, same.TokenAAmount)
	assert.Equal(t, p.TokenBAmount, same.TokenBAmount)
}

func TestDeltaPosition_ShareUsesPairSupply(t *testing.T) {
	d := Delta{
		PairAddress: common.HexToAddress("0x0000000000000000000000000000000000000a11"),
		Owner:       common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
		LPChange:    big.NewInt(1_000),
		TotalSupply: big.NewInt(1_000_000),
	}
	p := d.Position("id", trackerNow)
	require.Equal(t, big.NewInt(1_000_000), p.TotalSupply)
	assert.True(t, p.PoolSharePct.Equal(decimal.RequireFromString("0.1")), p.PoolSharePct.String())

	// unknown supply: the delta is the whole pool
	d.TotalSupply = nil
	p = d.Position("id", trackerNow)
	assert.True(t, p.PoolSharePct.Equal(decimal.NewFromInt(100)), p.PoolSharePct.String())

	// a later delta carrying the new supply replaces the estimate
	next := applyDelta(p, Delta{LPChange: big.NewInt(1_000), TotalSupply: big.NewInt(4_000)}, trackerNow)
	assert.Equal(t, big.NewInt(2_000), next.LPBalance)
	assert.True(t, next.PoolSharePct.Equal(decimal.NewFromInt(50)), next.PoolSharePct.String())
}
