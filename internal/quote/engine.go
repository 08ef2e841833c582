package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/money"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// Engine validates swap requests and prices them with the first source that
// can. On-chain reserves come first; the mid-price estimate is the fallback.
type Engine struct {
	chainID            int64
	tokens             *market.Directory
	sources            []QuoteSource
	fee                money.BPS
	defaultSlippagePct decimal.Decimal
	maxSlippagePct     decimal.Decimal
	ttl                time.Duration
	now                func() time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// EngineConfig configures an Engine
type EngineConfig struct {
	ChainID int64
	Tokens  *market.Directory
	// Sources in priority order
	Sources            []QuoteSource
	FeeBps             int64
	DefaultSlippagePct float64
	MaxSlippagePct     float64
	// TTL bounds how long a quote may back a transaction
	TTL     time.Duration
	Clock   func() time.Time
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// NewEngine creates a quote engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("quote engine needs a token directory")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("quote engine needs at least one source")
	}
	fee := money.NewBPSFromInt(cfg.FeeBps)
	if !fee.Valid() {
		return nil, fmt.Errorf("%w: %d", amm.ErrInvalidFee, cfg.FeeBps)
	}
	if cfg.MaxSlippagePct <= 0 || cfg.MaxSlippagePct > 50 {
		cfg.MaxSlippagePct = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Engine{
		chainID:            cfg.ChainID,
		tokens:             cfg.Tokens,
		sources:            cfg.Sources,
		fee:                fee,
		defaultSlippagePct: decimal.NewFromFloat(cfg.DefaultSlippagePct),
		maxSlippagePct:     decimal.NewFromFloat(cfg.MaxSlippagePct),
		ttl:                cfg.TTL,
		now:                cfg.Clock,
		logger:             cfg.Logger.WithComponent("quote-engine"),
		metrics:            cfg.Metrics,
		tracer:             observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

// FeeTier returns the pool fee the engine quotes with
func (e *Engine) FeeTier() money.BPS {
	return e.fee
}

// SlippageOrDefault validates an optional slippage tolerance
func (e *Engine) SlippageOrDefault(pct *decimal.Decimal) (decimal.Decimal, error) {
	if pct == nil {
		return e.defaultSlippagePct, nil
	}
	if pct.IsNegative() || pct.GreaterThan(e.maxSlippagePct) {
		return decimal.Zero, fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidSlippage, pct, e.maxSlippagePct)
	}
	return *pct, nil
}

// Validate performs the checks that need no I/O
func (e *Engine) Validate(req Request) (decimal.Decimal, error) {
	slippage, err := e.SlippageOrDefault(req.SlippagePct)
	if err != nil {
		return decimal.Zero, err
	}
	if !req.AmountIn.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, req.AmountIn)
	}
	if req.TokenIn.IsZero() || req.TokenOut.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	if req.TokenIn == req.TokenOut {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSameToken, req.TokenIn)
	}
	return slippage, nil
}

// Quote prices an exact-input swap.
func (e *Engine) Quote(ctx context.Context, req Request) (q SwapQuote, err error) {
	start := time.Now()
	slippage, err := e.Validate(req)
	if err != nil {
		e.metrics.RecordQuote(ctx, "none", "invalid", time.Since(start))
		return SwapQuote{}, err
	}

	ctx, span := e.tracer.StartSpan(ctx, "quote.Quote", observability.WithAttributes(
		attribute.String("token_in", req.TokenIn.String()),
		attribute.String("token_out", req.TokenOut.String()),
		attribute.String("amount_in", req.AmountIn.String()),
	))
	defer observability.Finish(span, &err)

	in, err := e.resolve(ctx, req)
	if err != nil {
		e.metrics.RecordQuote(ctx, "none", "invalid", time.Since(start))
		return SwapQuote{}, err
	}

	var errs []error
	for _, src := range e.sources {
		est, err := src.Estimate(ctx, in)
		if err == nil {
			q, err = e.build(in, src, est, slippage)
			if err != nil {
				return SwapQuote{}, err
			}
			span.SetAttribute("source", string(src.Name()))
			e.metrics.RecordQuote(ctx, string(src.Name()), "ok", time.Since(start))
			return q, nil
		}
		if errors.Is(err, ErrInvalidAmount) || ctx.Err() != nil {
			e.metrics.RecordQuote(ctx, string(src.Name()), "error", time.Since(start))
			return SwapQuote{}, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		e.logger.LogDebug(ctx, "quote source unavailable, trying next", "source", src.Name(), "error", err)
	}

	e.metrics.RecordQuote(ctx, "none", "unavailable", time.Since(start))
	joined := errors.Join(errs...)
	if errors.Is(joined, ErrProviderTimeout) {
		return SwapQuote{}, fmt.Errorf("%w: %w", ErrProviderTimeout, joined)
	}
	return SwapQuote{}, fmt.Errorf("%w: %w", ErrPairUnavailable, joined)
}

func (e *Engine) resolve(ctx context.Context, req Request) (Input, error) {
	tokenIn, err := e.tokens.Resolve(ctx, req.TokenIn, e.chainID)
	if err != nil {
		return Input{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	tokenOut, err := e.tokens.Resolve(ctx, req.TokenOut, e.chainID)
	if err != nil {
		return Input{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if tokenIn.SameAs(tokenOut) {
		return Input{}, fmt.Errorf("%w: %s", ErrSameToken, tokenIn.Symbol)
	}

	raw := market.ToRaw(req.AmountIn, tokenIn.Decimals)
	if raw.Sign() <= 0 {
		return Input{}, fmt.Errorf("%w: %s is below one unit of %s", ErrInvalidAmount, req.AmountIn, tokenIn.Symbol)
	}
	return Input{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: raw, Fee: e.fee}, nil
}

func (e *Engine) build(in Input, src QuoteSource, est Estimate, slippage decimal.Decimal) (SwapQuote, error) {
	minOut, err := amm.ApplySlippage(est.AmountOut, slippage)
	if err != nil {
		return SwapQuote{}, fmt.Errorf("%w: %w", ErrInvalidSlippage, err)
	}

	amountIn := market.FromRaw(in.AmountIn, in.TokenIn.Decimals)
	amountOut := market.FromRaw(est.AmountOut, in.TokenOut.Decimals)
	now := e.now()

	return SwapQuote{
		ID:                   uuid.NewString(),
		ChainID:              in.TokenIn.ChainID,
		TokenIn:              in.TokenIn,
		TokenOut:             in.TokenOut,
		AmountIn:             in.AmountIn,
		AmountOut:            est.AmountOut,
		MinimumReceived:      minOut,
		AmountInUnits:        amountIn,
		AmountOutUnits:       amountOut,
		MinimumReceivedUnits: market.FromRaw(minOut, in.TokenOut.Decimals),
		ExecutionPrice:       amountOut.DivRound(amountIn, 18),
		PriceImpactPct:       est.PriceImpactPct,
		SlippagePct:          slippage,
		FeeTierBps:           in.Fee.Int64(),
		Route:                []common.Address{in.TokenIn.Address, in.TokenOut.Address},
		PairAddress:          est.PairAddress,
		Source:               src.Name(),
		Estimated:            src.Estimated(),
		ComputedAt:           now,
		ExpiresAt:            now.Add(e.ttl),
	}, nil
}
