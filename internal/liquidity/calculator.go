// Package liquidity plans deposits into and withdrawals from constant
// product pools. Plans carry every amount, minimum and deadline a router
// call needs; enforcing the deadline is left to the chain.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/money"
	"github.com/agatticelli/dex-swap-engine/internal/pairs"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/positions"
)

var (
	ErrInvalidAmount     = errors.New("invalid liquidity amount")
	ErrInvalidSlippage   = errors.New("invalid slippage tolerance")
	ErrInvalidToken      = errors.New("invalid token")
	ErrSameToken         = errors.New("liquidity tokens must differ")
	ErrInvalidPercentage = errors.New("percentage must be in (0, 10000] bps")
	ErrEmptyPosition     = errors.New("position has no liquidity")
)

// DefaultDeadlineWindow is how long a plan stays valid on chain
const DefaultDeadlineWindow = 20 * time.Minute

// PairResolver is the part of pairs.Resolver the calculator needs
type PairResolver interface {
	Resolve(ctx context.Context, a, b market.Token) (pairs.State, error)
	ResolveFresh(ctx context.Context, a, b market.Token) (pairs.State, error)
}

// AddRequest asks for a deposit plan. AmountBDesired may be nil for an
// existing pair, in which case it is derived from the reserve ratio.
type AddRequest struct {
	TokenA         market.TokenKey
	TokenB         market.TokenKey
	AmountADesired decimal.Decimal
	AmountBDesired *decimal.Decimal
	SlippagePct    *decimal.Decimal
	// Fresh re-checks pair existence instead of trusting the cache
	Fresh bool
}

// AddPlan is a ready-to-submit deposit
type AddPlan struct {
	ChainID     int64          `json:"chainId"`
	TokenA      market.Token   `json:"tokenA"`
	TokenB      market.Token   `json:"tokenB"`
	PairAddress common.Address `json:"pairAddress"`
	// NewPair means this deposit sets the initial price
	NewPair      bool            `json:"newPair"`
	AmountA      *big.Int        `json:"amountA"`
	AmountB      *big.Int        `json:"amountB"`
	AmountAMin   *big.Int        `json:"amountAMin"`
	AmountBMin   *big.Int        `json:"amountBMin"`
	AmountAUnits decimal.Decimal `json:"amountAUnits"`
	AmountBUnits decimal.Decimal `json:"amountBUnits"`
	// PriceBPerA is the pool price the deposit is made at
	PriceBPerA   decimal.Decimal `json:"priceBPerA"`
	PoolSharePct decimal.Decimal `json:"poolSharePct"`
	LPMinted     *big.Int        `json:"lpMinted"`
	// TotalSupply is the pair's LP supply once the deposit is minted
	TotalSupply  *big.Int        `json:"totalSupply"`
	SlippagePct  decimal.Decimal `json:"slippagePct"`
	Deadline     int64           `json:"deadline"`
	ComputedAt   time.Time       `json:"computedAt"`
}

// RemovePlan is a ready-to-submit withdrawal
type RemovePlan struct {
	ChainID       int64           `json:"chainId"`
	TokenA        market.Token    `json:"tokenA"`
	TokenB        market.Token    `json:"tokenB"`
	PairAddress   common.Address  `json:"pairAddress"`
	PercentageBps int64           `json:"percentageBps"`
	Liquidity     *big.Int        `json:"liquidity"`
	RemainingLP   *big.Int        `json:"remainingLp"`
	AmountA       *big.Int        `json:"amountA"`
	AmountB       *big.Int        `json:"amountB"`
	AmountAMin    *big.Int        `json:"amountAMin"`
	AmountBMin    *big.Int        `json:"amountBMin"`
	AmountAUnits  decimal.Decimal `json:"amountAUnits"`
	AmountBUnits  decimal.Decimal `json:"amountBUnits"`
	SlippagePct   decimal.Decimal `json:"slippagePct"`
	Deadline      int64           `json:"deadline"`
	ComputedAt    time.Time       `json:"computedAt"`
}

// Calculator builds liquidity plans against live pair state
type Calculator struct {
	chainID            int64
	tokens             *market.Directory
	pairs              PairResolver
	defaultSlippagePct decimal.Decimal
	maxSlippagePct     decimal.Decimal
	deadlineWindow     time.Duration
	now                func() time.Time

	logger *observability.Logger
	tracer observability.Tracer
}

// CalculatorConfig configures a Calculator
type CalculatorConfig struct {
	ChainID            int64
	Tokens             *market.Directory
	Pairs              PairResolver
	DefaultSlippagePct float64
	MaxSlippagePct     float64
	DeadlineWindow     time.Duration
	Clock              func() time.Time
	Logger             *observability.Logger
	Tracer             observability.Tracer
}

// NewCalculator creates a liquidity calculator
func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("liquidity calculator needs a token directory")
	}
	if cfg.Pairs == nil {
		return nil, errors.New("liquidity calculator needs a pair resolver")
	}
	if cfg.MaxSlippagePct <= 0 || cfg.MaxSlippagePct > 50 {
		cfg.MaxSlippagePct = 50
	}
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = DefaultDeadlineWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Calculator{
		chainID:            cfg.ChainID,
		tokens:             cfg.Tokens,
		pairs:              cfg.Pairs,
		defaultSlippagePct: decimal.NewFromFloat(cfg.DefaultSlippagePct),
		maxSlippagePct:     decimal.NewFromFloat(cfg.MaxSlippagePct),
		deadlineWindow:     cfg.DeadlineWindow,
		now:                cfg.Clock,
		logger:             cfg.Logger.WithComponent("liquidity"),
		tracer:             observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

func (c *Calculator) slippage(pct *decimal.Decimal) (decimal.Decimal, error) {
	if pct == nil {
		return c.defaultSlippagePct, nil
	}
	if pct.IsNegative() || pct.GreaterThan(c.maxSlippagePct) {
		return decimal.Zero, fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidSlippage, pct, c.maxSlippagePct)
	}
	return *pct, nil
}

// ValidateAdd performs the checks that need no I/O
func (c *Calculator) ValidateAdd(req AddRequest) (decimal.Decimal, error) {
	slippage, err := c.slippage(req.SlippagePct)
	if err != nil {
		return decimal.Zero, err
	}
	if !req.AmountADesired.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amountA %s", ErrInvalidAmount, req.AmountADesired)
	}
	if req.AmountBDesired != nil && req.AmountBDesired.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: amountB %s", ErrInvalidAmount, req.AmountBDesired)
	}
	if req.TokenA.IsZero() || req.TokenB.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	if req.TokenA == req.TokenB {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSameToken, req.TokenA)
	}
	return slippage, nil
}

// PlanAddLiquidity prices a deposit. On a pair without liquidity the given
// ratio becomes the initial price, the depositor owns the whole pool and no
// minimums apply. On an existing pair the amounts follow the reserve ratio.
func (c *Calculator) PlanAddLiquidity(ctx context.Context, req AddRequest) (plan AddPlan, err error) {
	slippage, err := c.ValidateAdd(req)
	if err != nil {
		return AddPlan{}, err
	}

	ctx, span := c.tracer.StartSpan(ctx, "liquidity.PlanAdd", observability.WithAttributes(
		attribute.String("token_a", req.TokenA.String()),
		attribute.String("token_b", req.TokenB.String()),
		attribute.Bool("fresh", req.Fresh),
	))
	defer observability.Finish(span, &err)

	tokenA, tokenB, err := c.resolveTokens(ctx, req.TokenA, req.TokenB)
	if err != nil {
		return AddPlan{}, err
	}

	rawA := market.ToRaw(req.AmountADesired, tokenA.Decimals)
	if rawA.Sign() <= 0 {
		return AddPlan{}, fmt.Errorf("%w: %s is below one unit of %s", ErrInvalidAmount, req.AmountADesired, tokenA.Symbol)
	}
	var rawB *big.Int
	if req.AmountBDesired != nil {
		rawB = market.ToRaw(*req.AmountBDesired, tokenB.Decimals)
	}

	resolve := c.pairs.Resolve
	if req.Fresh {
		resolve = c.pairs.ResolveFresh
	}
	st, err := resolve(ctx, tokenA, tokenB)
	if err != nil {
		return AddPlan{}, fmt.Errorf("resolve pair: %w", err)
	}

	now := c.now()
	plan = AddPlan{
		ChainID:     c.chainID,
		TokenA:      tokenA,
		TokenB:      tokenB,
		PairAddress: st.PairAddress,
		SlippagePct: slippage,
		Deadline:    now.Add(c.deadlineWindow).Unix(),
		ComputedAt:  now,
	}

	if !st.HasLiquidity() {
		err = c.planFirstDeposit(&plan, rawA, rawB)
	} else {
		err = c.planDeposit(&plan, st, rawA, rawB)
	}
	if err != nil {
		return AddPlan{}, err
	}

	plan.AmountAUnits = market.FromRaw(plan.AmountA, tokenA.Decimals)
	plan.AmountBUnits = market.FromRaw(plan.AmountB, tokenB.Decimals)
	span.SetAttribute("new_pair", plan.NewPair)
	c.logger.LogDebug(ctx, "planned deposit",
		"pair", plan.PairAddress.Hex(),
		"new_pair", plan.NewPair,
		"amount_a", plan.AmountAUnits.String(),
		"amount_b", plan.AmountBUnits.String(),
		"pool_share_pct", plan.PoolSharePct.String(),
	)
	return plan, nil
}

func (c *Calculator) planFirstDeposit(plan *AddPlan, rawA, rawB *big.Int) error {
	if rawB == nil || rawB.Sign() <= 0 {
		return fmt.Errorf("%w: the first deposit sets the price and needs both amounts", ErrInvalidAmount)
	}
	lp, err := amm.LiquidityMinted(rawA, rawB, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	plan.NewPair = true
	plan.AmountA = rawA
	plan.AmountB = rawB
	plan.AmountAMin = big.NewInt(0)
	plan.AmountBMin = big.NewInt(0)
	plan.PoolSharePct = decimal.NewFromInt(100)
	plan.LPMinted = lp
	plan.TotalSupply = new(big.Int).Add(lp, amm.MinimumLiquidity)
	plan.PriceBPerA = market.FromRaw(rawB, plan.TokenB.Decimals).
		DivRound(market.FromRaw(rawA, plan.TokenA.Decimals), 18)
	return nil
}

func (c *Calculator) planDeposit(plan *AddPlan, st pairs.State, rawA, rawB *big.Int) error {
	var (
		a, b *big.Int
		err  error
	)
	if rawB == nil || rawB.Sign() == 0 {
		a = rawA
		b, err = amm.Quote(rawA, st.ReserveA, st.ReserveB)
	} else {
		a, b, err = amm.OptimalAmounts(rawA, rawB, st.ReserveA, st.ReserveB)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if a.Sign() <= 0 || b.Sign() <= 0 {
		return fmt.Errorf("%w: deposit rounds to zero at the pool ratio", ErrInvalidAmount)
	}

	lp, err := amm.LiquidityMinted(a, b, st.ReserveA, st.ReserveB, st.TotalSupply)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	minA, err := amm.ApplySlippage(a, plan.SlippagePct)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSlippage, err)
	}
	minB, err := amm.ApplySlippage(b, plan.SlippagePct)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSlippage, err)
	}

	plan.AmountA = a
	plan.AmountB = b
	plan.AmountAMin = minA
	plan.AmountBMin = minB
	plan.PoolSharePct = amm.PoolSharePct(a, st.ReserveA)
	plan.LPMinted = lp
	plan.TotalSupply = new(big.Int).Add(st.TotalSupply, lp)
	plan.PriceBPerA = market.FromRaw(st.ReserveB, plan.TokenB.Decimals).
		DivRound(market.FromRaw(st.ReserveA, plan.TokenA.Decimals), 18)
	return nil
}

// PlanRemoveLiquidity scales position by percentageBps/10000. Output
// minimums use the same slippage rule as deposits.
func (c *Calculator) PlanRemoveLiquidity(ctx context.Context, position positions.Position, percentageBps int64, slippagePct *decimal.Decimal) (plan RemovePlan, err error) {
	slippage, err := c.slippage(slippagePct)
	if err != nil {
		return RemovePlan{}, err
	}
	if percentageBps <= 0 || percentageBps > 10_000 {
		return RemovePlan{}, fmt.Errorf("%w: %d", ErrInvalidPercentage, percentageBps)
	}
	if position.LPBalance == nil || position.LPBalance.Sign() <= 0 {
		return RemovePlan{}, fmt.Errorf("%w: %s", ErrEmptyPosition, position.PairAddress.Hex())
	}

	_, span := c.tracer.StartSpan(ctx, "liquidity.PlanRemove", observability.WithAttributes(
		attribute.String("pair", position.PairAddress.Hex()),
		attribute.Int64("percentage_bps", percentageBps),
	))
	defer observability.Finish(span, &err)

	liquidity := scaleBps(position.LPBalance, percentageBps)
	if liquidity.Sign() <= 0 {
		return RemovePlan{}, fmt.Errorf("%w: %d bps of %s LP rounds to zero", ErrInvalidAmount, percentageBps, position.LPBalance)
	}
	amountA := scaleBps(position.TokenAAmount, percentageBps)
	amountB := scaleBps(position.TokenBAmount, percentageBps)

	minA, err := amm.ApplySlippage(amountA, slippage)
	if err != nil {
		return RemovePlan{}, fmt.Errorf("%w: %w", ErrInvalidSlippage, err)
	}
	minB, err := amm.ApplySlippage(amountB, slippage)
	if err != nil {
		return RemovePlan{}, fmt.Errorf("%w: %w", ErrInvalidSlippage, err)
	}

	now := c.now()
	return RemovePlan{
		ChainID:       position.ChainID,
		TokenA:        position.TokenA,
		TokenB:        position.TokenB,
		PairAddress:   position.PairAddress,
		PercentageBps: percentageBps,
		Liquidity:     liquidity,
		RemainingLP:   new(big.Int).Sub(position.LPBalance, liquidity),
		AmountA:       amountA,
		AmountB:       amountB,
		AmountAMin:    minA,
		AmountBMin:    minB,
		AmountAUnits:  market.FromRaw(amountA, position.TokenA.Decimals),
		AmountBUnits:  market.FromRaw(amountB, position.TokenB.Decimals),
		SlippagePct:   slippage,
		Deadline:      now.Add(c.deadlineWindow).Unix(),
		ComputedAt:    now,
	}, nil
}

func (c *Calculator) resolveTokens(ctx context.Context, a, b market.TokenKey) (market.Token, market.Token, error) {
	tokenA, err := c.tokens.Resolve(ctx, a, c.chainID)
	if err != nil {
		return market.Token{}, market.Token{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	tokenB, err := c.tokens.Resolve(ctx, b, c.chainID)
	if err != nil {
		return market.Token{}, market.Token{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if tokenA.SameAs(tokenB) {
		return market.Token{}, market.Token{}, fmt.Errorf("%w: %s", ErrSameToken, tokenA.Symbol)
	}
	return tokenA, tokenB, nil
}

// scaleBps returns x*bps/10000; 10000 bps returns x unchanged.
func scaleBps(x *big.Int, bps int64) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	if bps == money.BPSScale {
		return new(big.Int).Set(x)
	}
	return money.NewBPSFromInt(bps).ApplyTo(x)
}
