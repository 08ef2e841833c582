// Package positions keeps the authoritative in-memory list of a wallet's
// liquidity positions. The chain is the source of truth; optimistic deltas
// applied after a transaction are reconciled by the next refresh.
package positions

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/market"
)

// Key identifies a position
type Key struct {
	Pair  common.Address
	Owner common.Address
}

// Position is an owner's LP stake in one pair. TokenA/TokenB follow the
// pair's canonical (sorted) order.
type Position struct {
	ID           string          `json:"id"`
	ChainID      int64           `json:"chainId"`
	Owner        common.Address  `json:"owner"`
	PairAddress  common.Address  `json:"pairAddress"`
	TokenA       market.Token    `json:"tokenA"`
	TokenB       market.Token    `json:"tokenB"`
	LPBalance    *big.Int        `json:"lpBalance"`
	TotalSupply  *big.Int        `json:"totalSupply"`
	TokenAAmount *big.Int        `json:"tokenAAmount"`
	TokenBAmount *big.Int        `json:"tokenBAmount"`
	PoolSharePct decimal.Decimal `json:"poolSharePct"`
	// Pending is set by optimistic updates and cleared by a refresh
	Pending   bool      `json:"pending"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the position's identity
func (p Position) Key() Key {
	return Key{Pair: p.PairAddress, Owner: p.Owner}
}

// AmountAUnits returns TokenAAmount in display units
func (p Position) AmountAUnits() decimal.Decimal {
	return market.FromRaw(p.TokenAAmount, p.TokenA.Decimals)
}

// AmountBUnits returns TokenBAmount in display units
func (p Position) AmountBUnits() decimal.Decimal {
	return market.FromRaw(p.TokenBAmount, p.TokenB.Decimals)
}

// Delta is a signed change to one position. Token amounts are given in the
// caller's (TokenA, TokenB) order and are re-ordered to the position's.
type Delta struct {
	ChainID     int64
	Owner       common.Address
	PairAddress common.Address
	TokenA      market.Token
	TokenB      market.Token
	LPChange    *big.Int
	AmountA     *big.Int
	AmountB     *big.Int
	// TotalSupply is the pair's LP supply after the change. Nil means the
	// position's last known supply moved by LPChange.
	TotalSupply *big.Int
}

// Position turns a delta into the position it would create
func (d Delta) Position(id string, now time.Time) Position {
	a, b := d.TokenA, d.TokenB
	amountA, amountB := orZero(d.AmountA), orZero(d.AmountB)
	if t0, _ := market.SortTokens(a, b); !t0.SameAs(a) {
		a, b = b, a
		amountA, amountB = amountB, amountA
	}
	lp := orZero(d.LPChange)
	supply := lp
	if d.TotalSupply != nil && d.TotalSupply.Cmp(lp) > 0 {
		supply = d.TotalSupply
	}
	return Position{
		ID:           id,
		ChainID:      d.ChainID,
		Owner:        d.Owner,
		PairAddress:  d.PairAddress,
		TokenA:       a,
		TokenB:       b,
		LPBalance:    lp,
		TotalSupply:  new(big.Int).Set(supply),
		TokenAAmount: amountA,
		TokenBAmount: amountB,
		PoolSharePct: amm.ShareOfSupplyPct(lp, supply),
		Pending:      true,
		UpdatedAt:    now,
	}
}

// Merge sums other into p. Both must share the same key.
func Merge(p, other Position) Position {
	out := p
	amountA, amountB := orZero(other.TokenAAmount), orZero(other.TokenBAmount)
	if other.TokenA.Address == p.TokenB.Address {
		amountA, amountB = amountB, amountA
	}

	out.LPBalance = new(big.Int).Add(orZero(p.LPBalance), orZero(other.LPBalance))
	out.TokenAAmount = nonNegative(new(big.Int).Add(orZero(p.TokenAAmount), amountA))
	out.TokenBAmount = nonNegative(new(big.Int).Add(orZero(p.TokenBAmount), amountB))

	supply := orZero(p.TotalSupply)
	if other.TotalSupply != nil && other.TotalSupply.Cmp(supply) > 0 {
		supply = other.TotalSupply
	}
	out.TotalSupply = new(big.Int).Set(supply)
	out.PoolSharePct = amm.ShareOfSupplyPct(out.LPBalance, out.TotalSupply)
	out.Pending = p.Pending || other.Pending
	if other.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = other.UpdatedAt
	}
	return out
}

func applyDelta(p Position, d Delta, now time.Time) Position {
	amountA, amountB := orZero(d.AmountA), orZero(d.AmountB)
	if d.TokenA.Address == p.TokenB.Address {
		amountA, amountB = amountB, amountA
	}
	lp := orZero(d.LPChange)

	out := p
	out.LPBalance = new(big.Int).Add(orZero(p.LPBalance), lp)
	if d.TotalSupply != nil && d.TotalSupply.Sign() > 0 {
		out.TotalSupply = new(big.Int).Set(d.TotalSupply)
	} else {
		out.TotalSupply = nonNegative(new(big.Int).Add(orZero(p.TotalSupply), lp))
	}
	out.TokenAAmount = nonNegative(new(big.Int).Add(orZero(p.TokenAAmount), amountA))
	out.TokenBAmount = nonNegative(new(big.Int).Add(orZero(p.TokenBAmount), amountB))
	out.PoolSharePct = amm.ShareOfSupplyPct(out.LPBalance, out.TotalSupply)
	out.Pending = true
	out.UpdatedAt = now
	return out
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func nonNegative(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		return new(big.Int)
	}
	return x
}
