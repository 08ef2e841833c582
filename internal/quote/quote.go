// Package quote turns a desired swap into a priced, slippage-bounded quote.
// Quotes come from on-chain reserves when the pair has liquidity and fall
// back to an estimate from USD mid prices, which is never executable.
package quote

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/pricing"
)

var (
	ErrPairUnavailable = errors.New("pair unavailable")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrSameToken       = errors.New("input and output token are the same")
	ErrInvalidSlippage = errors.New("slippage out of range")
	ErrInvalidToken    = errors.New("token cannot be resolved")

	// ErrProviderTimeout is recoverable: the caller may retry
	ErrProviderTimeout = pricing.ErrProviderTimeout
)

// IsRecoverable reports whether retrying the same request may succeed.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrPairUnavailable)
}

// Source names how a quote was priced
type Source string

const (
	SourceOnChainReserves   Source = "on_chain_reserves"
	SourceEstimatedMidPrice Source = "estimated_mid_price"
)

// Request is a swap the caller wants priced. AmountIn is in token units.
// A nil SlippagePct uses the engine default.
type Request struct {
	TokenIn     market.TokenKey
	TokenOut    market.TokenKey
	AmountIn    decimal.Decimal
	SlippagePct *decimal.Decimal
}

// SwapQuote is a priced exact-input swap. Raw amounts are in the tokens'
// smallest units; the *Units fields are the same values scaled by decimals.
type SwapQuote struct {
	ID       string       `json:"id"`
	ChainID  int64        `json:"chainId"`
	TokenIn  market.Token `json:"tokenIn"`
	TokenOut market.Token `json:"tokenOut"`

	AmountIn        *big.Int `json:"amountIn"`
	AmountOut       *big.Int `json:"amountOut"`
	MinimumReceived *big.Int `json:"minimumReceived"`

	AmountInUnits        decimal.Decimal `json:"amountInUnits"`
	AmountOutUnits       decimal.Decimal `json:"amountOutUnits"`
	MinimumReceivedUnits decimal.Decimal `json:"minimumReceivedUnits"`
	ExecutionPrice       decimal.Decimal `json:"executionPrice"` // out per in

	PriceImpactPct decimal.Decimal  `json:"priceImpactPct"`
	SlippagePct    decimal.Decimal  `json:"slippagePct"`
	FeeTierBps     int64            `json:"feeTierBps"`
	Route          []common.Address `json:"route"`
	PairAddress    common.Address   `json:"pairAddress,omitempty"`

	Source     Source    `json:"source"`
	Estimated  bool      `json:"estimated"`
	ComputedAt time.Time `json:"computedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Executable reports whether the quote may back a transaction at now.
func (q SwapQuote) Executable(now time.Time) bool {
	return !q.Estimated && !now.After(q.ExpiresAt)
}
