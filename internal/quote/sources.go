package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/money"
	"github.com/agatticelli/dex-swap-engine/internal/pairs"
)

// Input is a validated, resolved swap
type Input struct {
	TokenIn  market.Token
	TokenOut market.Token
	AmountIn *big.Int
	Fee      money.BPS
}

// Estimate is a source's answer before slippage is applied
type Estimate struct {
	AmountOut      *big.Int
	PriceImpactPct decimal.Decimal
	PairAddress    common.Address
}

// QuoteSource prices an Input. Sources return ErrPairUnavailable when they
// cannot price the pair so the engine can try the next one.
type QuoteSource interface {
	Name() Source
	Estimated() bool
	Estimate(ctx context.Context, in Input) (Estimate, error)
}

// PairResolver is the part of pairs.Resolver the engine needs
type PairResolver interface {
	ChainID() int64
	Resolve(ctx context.Context, a, b market.Token) (pairs.State, error)
}

// PriceSource serves USD prices; implemented by pricing.PriceOracle
type PriceSource interface {
	GetPrice(ctx context.Context, key market.TokenKey) (market.PricePoint, error)
}

// OnChainReserves prices swaps with the constant product formula against
// live pair reserves.
type OnChainReserves struct {
	pairs PairResolver
}

// NewOnChainReserves creates the reserves-backed source
func NewOnChainReserves(resolver PairResolver) *OnChainReserves {
	return &OnChainReserves{pairs: resolver}
}

func (s *OnChainReserves) Name() Source    { return SourceOnChainReserves }
func (s *OnChainReserves) Estimated() bool { return false }

func (s *OnChainReserves) Estimate(ctx context.Context, in Input) (Estimate, error) {
	st, err := s.pairs.Resolve(ctx, in.TokenIn, in.TokenOut)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %w", ErrPairUnavailable, err)
	}
	if !st.Exists {
		return Estimate{}, fmt.Errorf("%w: no %s/%s pool, the first liquidity provider sets the price",
			ErrPairUnavailable, in.TokenIn.Symbol, in.TokenOut.Symbol)
	}
	if !st.HasLiquidity() {
		return Estimate{}, fmt.Errorf("%w: %s has no liquidity", ErrPairUnavailable, st.PairAddress.Hex())
	}

	out, impact, err := amm.SwapImpact(in.AmountIn, st.ReserveA, st.ReserveB, in.Fee)
	if err != nil {
		if errors.Is(err, amm.ErrInsufficientLiquidity) {
			return Estimate{}, fmt.Errorf("%w: %w", ErrPairUnavailable, err)
		}
		return Estimate{}, err
	}
	if out.Sign() <= 0 {
		return Estimate{}, fmt.Errorf("%w: output rounds to zero", ErrInvalidAmount)
	}
	return Estimate{AmountOut: out, PriceImpactPct: impact, PairAddress: st.PairAddress}, nil
}

// ImpactBand is an estimated price impact for trades below a USD notional
type ImpactBand struct {
	BelowUSD  money.USD
	ImpactPct decimal.Decimal
}

// DefaultImpactBands: <$1k 0.1%, <$10k 0.5%, <$100k 1.2%, else 2.5%
var DefaultImpactBands = []ImpactBand{
	{BelowUSD: money.NewUSDFromCents(1_000_00), ImpactPct: decimal.RequireFromString("0.1")},
	{BelowUSD: money.NewUSDFromCents(10_000_00), ImpactPct: decimal.RequireFromString("0.5")},
	{BelowUSD: money.NewUSDFromCents(100_000_00), ImpactPct: decimal.RequireFromString("1.2")},
}

// LargeTradeImpactPct applies above the last band
var LargeTradeImpactPct = decimal.RequireFromString("2.5")

// HeuristicImpactPct returns the banded impact for a USD notional.
func HeuristicImpactPct(notional money.USD) decimal.Decimal {
	for _, b := range DefaultImpactBands {
		if notional.LessThan(b.BelowUSD) {
			return b.ImpactPct
		}
	}
	return LargeTradeImpactPct
}

// EstimatedMidPrice values the input at USD mid prices and applies the fee
// and a heuristic impact. Its quotes are indicative only.
type EstimatedMidPrice struct {
	prices PriceSource
}

// NewEstimatedMidPrice creates the oracle-backed fallback source
func NewEstimatedMidPrice(prices PriceSource) *EstimatedMidPrice {
	return &EstimatedMidPrice{prices: prices}
}

func (s *EstimatedMidPrice) Name() Source    { return SourceEstimatedMidPrice }
func (s *EstimatedMidPrice) Estimated() bool { return true }

func (s *EstimatedMidPrice) Estimate(ctx context.Context, in Input) (Estimate, error) {
	var priceIn, priceOut market.PricePoint

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		priceIn, err = s.prices.GetPrice(gctx, in.TokenIn.Key())
		return err
	})
	g.Go(func() (err error) {
		priceOut, err = s.prices.GetPrice(gctx, in.TokenOut.Key())
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrProviderTimeout) {
			return Estimate{}, err
		}
		return Estimate{}, fmt.Errorf("%w: no mid price: %w", ErrPairUnavailable, err)
	}
	if !priceIn.PriceUSD.IsPositive() || !priceOut.PriceUSD.IsPositive() {
		return Estimate{}, fmt.Errorf("%w: non-positive mid price", ErrPairUnavailable)
	}

	amountIn := market.FromRaw(in.AmountIn, in.TokenIn.Decimals)
	notional := amountIn.Mul(priceIn.PriceUSD)
	impact := HeuristicImpactPct(money.Valuation(amountIn, priceIn.PriceUSD))

	out := notional.Div(priceOut.PriceUSD).
		Mul(in.Fee.Complement().Fraction()).
		Mul(decimal.NewFromInt(100).Sub(impact)).Div(decimal.NewFromInt(100))

	raw := market.ToRaw(out, in.TokenOut.Decimals)
	if raw.Sign() <= 0 {
		return Estimate{}, fmt.Errorf("%w: output rounds to zero", ErrInvalidAmount)
	}
	return Estimate{AmountOut: raw, PriceImpactPct: impact}, nil
}
