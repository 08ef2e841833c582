// Package execution turns quotes and liquidity plans into gateway
// transactions: re-price against fresh pair state, approve the router when
// the allowance is short, submit, record the optimistic position change and
// publish a transaction event.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/liquidity"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/notification"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/positions"
	"github.com/agatticelli/dex-swap-engine/internal/quote"
)

// Steps a transaction flow can fail at
const (
	StepQuote     = "quote"
	StepPlan      = "plan"
	StepAllowance = "allowance"
	StepApprove   = "approve"
	StepSubmit    = "submit"
	StepConfirm   = "confirm"
)

var (
	ErrNotExecutable       = errors.New("quote is not executable")
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
)

// StepError reports which step of a flow failed. Gateway errors are
// surfaced as-is and never retried.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// Quoter prices swaps; implemented by quote.Engine
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (quote.SwapQuote, error)
}

// Planner plans liquidity changes; implemented by liquidity.Calculator
type Planner interface {
	PlanAddLiquidity(ctx context.Context, req liquidity.AddRequest) (liquidity.AddPlan, error)
	PlanRemoveLiquidity(ctx context.Context, position positions.Position, percentageBps int64, slippagePct *decimal.Decimal) (liquidity.RemovePlan, error)
}

// PositionBook is the tracker surface the executor updates
type PositionBook interface {
	Refresh(ctx context.Context, owner common.Address) ([]positions.Position, error)
	Position(pair, owner common.Address) (positions.Position, error)
	Apply(ctx context.Context, d positions.Delta) (positions.Position, bool, error)
}

// PairInvalidator drops cached pair existence; implemented by pairs.Resolver
type PairInvalidator interface {
	Invalidate(ctx context.Context, a, b market.Token)
}

// EventPublisher publishes transaction events
type EventPublisher interface {
	PublishTxEvent(ctx context.Context, ev *notification.TxEvent) error
}

// SwapResult is the outcome of Swap
type SwapResult struct {
	Quote    quote.SwapQuote `json:"quote"`
	Approval *chain.TxHandle `json:"approval,omitempty"`
	Tx       chain.TxHandle  `json:"tx"`
}

// AddResult is the outcome of AddLiquidity
type AddResult struct {
	Plan      liquidity.AddPlan  `json:"plan"`
	Approvals []chain.TxHandle   `json:"approvals,omitempty"`
	Tx        chain.TxHandle     `json:"tx"`
	Position  positions.Position `json:"position"`
}

// RemoveResult is the outcome of RemoveLiquidity
type RemoveResult struct {
	Plan     liquidity.RemovePlan `json:"plan"`
	Approval *chain.TxHandle      `json:"approval,omitempty"`
	Tx       chain.TxHandle       `json:"tx"`
	// Position is the remaining stake; nil once fully withdrawn
	Position *positions.Position `json:"position,omitempty"`
}

// Executor runs swap and liquidity flows against one gateway
type Executor struct {
	gateway   chain.Gateway
	quoter    Quoter
	planner   Planner
	positions PositionBook
	pairs     PairInvalidator
	publisher EventPublisher

	deadlineWindow      time.Duration
	waitConfirmations   bool
	confirmationPoll    time.Duration
	confirmationTimeout time.Duration
	now                 func() time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// Config configures an Executor
type Config struct {
	Gateway   chain.Gateway
	Quoter    Quoter
	Planner   Planner
	Positions PositionBook
	Pairs     PairInvalidator
	Publisher EventPublisher

	// DeadlineWindow bounds how long a swap may wait in the mempool
	DeadlineWindow time.Duration
	// WaitConfirmations blocks until the main transaction is final.
	// Approvals are always waited for.
	WaitConfirmations   bool
	ConfirmationPoll    time.Duration
	ConfirmationTimeout time.Duration
	Clock               func() time.Time

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// NewExecutor creates an executor
func NewExecutor(cfg Config) (*Executor, error) {
	switch {
	case cfg.Gateway == nil:
		return nil, errors.New("executor needs a gateway")
	case cfg.Quoter == nil:
		return nil, errors.New("executor needs a quoter")
	case cfg.Planner == nil:
		return nil, errors.New("executor needs a liquidity planner")
	case cfg.Positions == nil:
		return nil, errors.New("executor needs a position book")
	}
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = liquidity.DefaultDeadlineWindow
	}
	if cfg.ConfirmationPoll <= 0 {
		cfg.ConfirmationPoll = 2 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 3 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notification.NewNoOpPublisher(cfg.Logger)
	}
	return &Executor{
		gateway:             cfg.Gateway,
		quoter:              cfg.Quoter,
		planner:             cfg.Planner,
		positions:           cfg.Positions,
		pairs:               cfg.Pairs,
		publisher:           cfg.Publisher,
		deadlineWindow:      cfg.DeadlineWindow,
		waitConfirmations:   cfg.WaitConfirmations,
		confirmationPoll:    cfg.ConfirmationPoll,
		confirmationTimeout: cfg.ConfirmationTimeout,
		now:                 cfg.Clock,
		logger:              cfg.Logger.WithComponent("executor"),
		metrics:             cfg.Metrics,
		tracer:              observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

// Swap re-quotes req against fresh reserves and submits an exact-input swap
// with the quote's minimum output. Estimated quotes are refused.
func (e *Executor) Swap(ctx context.Context, req quote.Request) (res SwapResult, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "execution.Swap", observability.WithAttributes(
		attribute.String("token_in", req.TokenIn.String()),
		attribute.String("token_out", req.TokenOut.String()),
	))
	defer observability.Finish(span, &err)

	q, err := e.freshQuote(ctx, req)
	if err != nil {
		return SwapResult{}, err
	}
	res.Quote = q

	approval, err := e.ensureAllowance(ctx, q.TokenIn.Address, q.AmountIn)
	if err != nil {
		e.publishFailure(ctx, chain.TxSwap, q.TokenIn, q.TokenOut, q.PairAddress, err)
		return res, err
	}
	res.Approval = approval

	tx, err := e.gateway.SwapExactInput(ctx, chain.SwapParams{
		TokenIn:      q.TokenIn.Address,
		TokenOut:     q.TokenOut.Address,
		AmountIn:     q.AmountIn,
		AmountOutMin: q.MinimumReceived,
		Recipient:    e.gateway.Account(),
		Deadline:     e.now().Add(e.deadlineWindow).Unix(),
	})
	res.Tx = tx
	if err != nil {
		err = stepErr(StepSubmit, err)
		e.record(ctx, chain.TxSwap, StepSubmit, err)
		e.publishFailure(ctx, chain.TxSwap, q.TokenIn, q.TokenOut, q.PairAddress, err)
		return res, err
	}
	e.record(ctx, chain.TxSwap, StepSubmit, nil)
	span.SetAttribute("tx_hash", tx.Hash.Hex())

	res.Tx, err = e.settle(ctx, tx, &notification.TxEvent{
		Kind:        string(chain.TxSwap),
		PairAddress: q.PairAddress.Hex(),
		TokenA:      q.TokenIn.Symbol,
		TokenB:      q.TokenOut.Symbol,
		AmountA:     q.AmountInUnits.String(),
		AmountB:     q.AmountOutUnits.String(),
	})
	return res, err
}

// freshQuote prices req. A quote that fell back to the mid-price estimate
// is retried once after dropping cached pair existence, so a pool created
// since the last lookup is seen.
func (e *Executor) freshQuote(ctx context.Context, req quote.Request) (quote.SwapQuote, error) {
	q, err := e.quoter.Quote(ctx, req)
	if err != nil {
		return quote.SwapQuote{}, stepErr(StepQuote, err)
	}
	if q.Estimated && e.pairs != nil {
		e.pairs.Invalidate(ctx, q.TokenIn, q.TokenOut)
		if q, err = e.quoter.Quote(ctx, req); err != nil {
			return quote.SwapQuote{}, stepErr(StepQuote, err)
		}
	}
	if !q.Executable(e.now()) {
		return quote.SwapQuote{}, stepErr(StepQuote, fmt.Errorf("%w: source %s", ErrNotExecutable, q.Source))
	}
	return q, nil
}

// AddLiquidity re-plans req against fresh pair state, approves both tokens
// when needed and submits the deposit.
func (e *Executor) AddLiquidity(ctx context.Context, req liquidity.AddRequest) (res AddResult, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "execution.AddLiquidity", observability.WithAttributes(
		attribute.String("token_a", req.TokenA.String()),
		attribute.String("token_b", req.TokenB.String()),
	))
	defer observability.Finish(span, &err)

	req.Fresh = true
	plan, err := e.planner.PlanAddLiquidity(ctx, req)
	if err != nil {
		return AddResult{}, stepErr(StepPlan, err)
	}
	res.Plan = plan

	for _, spend := range []struct {
		token  common.Address
		amount *big.Int
	}{
		{plan.TokenA.Address, plan.AmountA},
		{plan.TokenB.Address, plan.AmountB},
	} {
		approval, err := e.ensureAllowance(ctx, spend.token, spend.amount)
		if err != nil {
			e.publishFailure(ctx, chain.TxAddLiquidity, plan.TokenA, plan.TokenB, plan.PairAddress, err)
			return res, err
		}
		if approval != nil {
			res.Approvals = append(res.Approvals, *approval)
		}
	}

	owner := e.gateway.Account()
	tx, err := e.gateway.AddLiquidity(ctx, chain.AddLiquidityParams{
		TokenA:         plan.TokenA.Address,
		TokenB:         plan.TokenB.Address,
		AmountADesired: plan.AmountA,
		AmountBDesired: plan.AmountB,
		AmountAMin:     plan.AmountAMin,
		AmountBMin:     plan.AmountBMin,
		Recipient:      owner,
		Deadline:       plan.Deadline,
	})
	res.Tx = tx
	if err != nil {
		err = stepErr(StepSubmit, err)
		e.record(ctx, chain.TxAddLiquidity, StepSubmit, err)
		e.publishFailure(ctx, chain.TxAddLiquidity, plan.TokenA, plan.TokenB, plan.PairAddress, err)
		return res, err
	}
	e.record(ctx, chain.TxAddLiquidity, StepSubmit, nil)

	pair := plan.PairAddress
	if plan.NewPair && e.pairs != nil {
		e.pairs.Invalidate(ctx, plan.TokenA, plan.TokenB)
	}
	if pair == (common.Address{}) {
		if pair, err = e.gateway.GetPair(ctx, plan.TokenA.Address, plan.TokenB.Address); err != nil {
			e.logger.LogWarn(ctx, "could not look up new pair address", "error", err)
		}
	}

	if pair != (common.Address{}) {
		pos, _, applyErr := e.positions.Apply(ctx, positions.Delta{
			ChainID:     plan.ChainID,
			Owner:       owner,
			PairAddress: pair,
			TokenA:      plan.TokenA,
			TokenB:      plan.TokenB,
			LPChange:    plan.LPMinted,
			AmountA:     plan.AmountA,
			AmountB:     plan.AmountB,
			TotalSupply: plan.TotalSupply,
		})
		if applyErr != nil {
			e.logger.LogWarn(ctx, "optimistic position update failed", "pair", pair.Hex(), "error", applyErr)
		}
		res.Position = pos
	}

	res.Tx, err = e.settle(ctx, tx, &notification.TxEvent{
		Kind:        string(chain.TxAddLiquidity),
		PairAddress: pair.Hex(),
		TokenA:      plan.TokenA.Symbol,
		TokenB:      plan.TokenB.Symbol,
		AmountA:     plan.AmountAUnits.String(),
		AmountB:     plan.AmountBUnits.String(),
	})
	return res, err
}

// RemoveLiquidity withdraws percentageBps of the account's position in pair.
// The position is re-read from the chain before planning.
func (e *Executor) RemoveLiquidity(ctx context.Context, pair common.Address, percentageBps int64, slippagePct *decimal.Decimal) (res RemoveResult, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "execution.RemoveLiquidity", observability.WithAttributes(
		attribute.String("pair", pair.Hex()),
		attribute.Int64("percentage_bps", percentageBps),
	))
	defer observability.Finish(span, &err)

	owner := e.gateway.Account()
	if _, err := e.positions.Refresh(ctx, owner); err != nil {
		e.logger.LogWarn(ctx, "position refresh before withdrawal was partial", "error", err)
	}
	pos, err := e.positions.Position(pair, owner)
	if err != nil {
		return RemoveResult{}, stepErr(StepPlan, err)
	}
	plan, err := e.planner.PlanRemoveLiquidity(ctx, pos, percentageBps, slippagePct)
	if err != nil {
		return RemoveResult{}, stepErr(StepPlan, err)
	}
	res.Plan = plan

	// the router pulls LP tokens from the owner
	approval, err := e.ensureAllowance(ctx, pair, plan.Liquidity)
	if err != nil {
		e.publishFailure(ctx, chain.TxRemoveLiquidity, plan.TokenA, plan.TokenB, pair, err)
		return res, err
	}
	res.Approval = approval

	tx, err := e.gateway.RemoveLiquidity(ctx, chain.RemoveLiquidityParams{
		TokenA:     plan.TokenA.Address,
		TokenB:     plan.TokenB.Address,
		Liquidity:  plan.Liquidity,
		AmountAMin: plan.AmountAMin,
		AmountBMin: plan.AmountBMin,
		Recipient:  owner,
		Deadline:   plan.Deadline,
	})
	res.Tx = tx
	if err != nil {
		err = stepErr(StepSubmit, err)
		e.record(ctx, chain.TxRemoveLiquidity, StepSubmit, err)
		e.publishFailure(ctx, chain.TxRemoveLiquidity, plan.TokenA, plan.TokenB, pair, err)
		return res, err
	}
	e.record(ctx, chain.TxRemoveLiquidity, StepSubmit, nil)

	remaining, open, applyErr := e.positions.Apply(ctx, positions.Delta{
		ChainID:     plan.ChainID,
		Owner:       owner,
		PairAddress: pair,
		TokenA:      plan.TokenA,
		TokenB:      plan.TokenB,
		LPChange:    new(big.Int).Neg(plan.Liquidity),
		AmountA:     new(big.Int).Neg(plan.AmountA),
		AmountB:     new(big.Int).Neg(plan.AmountB),
	})
	if applyErr != nil {
		e.logger.LogWarn(ctx, "optimistic position update failed", "pair", pair.Hex(), "error", applyErr)
	} else if open {
		res.Position = &remaining
	}

	res.Tx, err = e.settle(ctx, tx, &notification.TxEvent{
		Kind:        string(chain.TxRemoveLiquidity),
		PairAddress: pair.Hex(),
		TokenA:      plan.TokenA.Symbol,
		TokenB:      plan.TokenB.Symbol,
		AmountA:     plan.AmountAUnits.String(),
		AmountB:     plan.AmountBUnits.String(),
	})
	return res, err
}

// ensureAllowance approves exactly amount to the router when the current
// allowance is short and waits for the approval to be final.
func (e *Executor) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) (*chain.TxHandle, error) {
	owner, router := e.gateway.Account(), e.gateway.Router()
	allowance, err := e.gateway.GetAllowance(ctx, token, owner, router)
	if err != nil {
		return nil, stepErr(StepAllowance, err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}

	tx, err := e.gateway.Approve(ctx, token, router, amount)
	if err != nil {
		err = stepErr(StepApprove, err)
		e.record(ctx, chain.TxApprove, StepSubmit, err)
		return &tx, err
	}
	e.logger.LogInfo(ctx, "approval submitted", "token", token.Hex(), "amount", amount.String(), "tx_hash", tx.Hash.Hex())

	tx, err = e.waitFinal(ctx, tx)
	if err != nil {
		err = stepErr(StepApprove, err)
		e.record(ctx, chain.TxApprove, StepConfirm, err)
		return &tx, err
	}
	e.record(ctx, chain.TxApprove, StepConfirm, nil)
	return &tx, nil
}

// settle publishes the submission and, when configured, waits for the
// transaction to become final.
func (e *Executor) settle(ctx context.Context, tx chain.TxHandle, ev *notification.TxEvent) (chain.TxHandle, error) {
	ev.TxHash = tx.Hash.Hex()
	ev.Status = notification.StatusSubmitted
	e.publish(ctx, ev)

	if !e.waitConfirmations {
		return tx, nil
	}

	final, err := e.waitFinal(ctx, tx)
	kind := chain.TxKind(ev.Kind)
	if err != nil {
		err = stepErr(StepConfirm, err)
		e.record(ctx, kind, StepConfirm, err)
		ev.Status, ev.Step, ev.Error = notification.StatusFailed, StepConfirm, err.Error()
		e.publish(ctx, ev)
		return final, err
	}
	e.record(ctx, kind, StepConfirm, nil)
	ev.Status = notification.StatusConfirmed
	e.publish(ctx, ev)
	return final, nil
}

// waitFinal polls the gateway until tx is confirmed or failed.
func (e *Executor) waitFinal(ctx context.Context, tx chain.TxHandle) (chain.TxHandle, error) {
	if tx.Status == chain.TxConfirmed {
		return tx, nil
	}
	if tx.Status == chain.TxFailed {
		return tx, fmt.Errorf("%w: %s", chain.ErrTxReverted, tx.Error)
	}

	ctx, cancel := context.WithTimeout(ctx, e.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(e.confirmationPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return tx, fmt.Errorf("%w: %s", ErrConfirmationTimeout, tx.Hash.Hex())
		case <-ticker.C:
		}

		cur, err := e.gateway.TxStatus(ctx, tx.Hash)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return tx, err
		}
		switch cur.Status {
		case chain.TxConfirmed:
			return cur, nil
		case chain.TxFailed:
			return cur, fmt.Errorf("%w: %s", chain.ErrTxReverted, cur.Error)
		}
	}
}

func (e *Executor) publishFailure(ctx context.Context, kind chain.TxKind, a, b market.Token, pair common.Address, err error) {
	ev := &notification.TxEvent{
		Kind:   string(kind),
		Status: notification.StatusFailed,
		TokenA: a.Symbol,
		TokenB: b.Symbol,
		Error:  err.Error(),
	}
	if pair != (common.Address{}) {
		ev.PairAddress = pair.Hex()
	}
	var se *StepError
	if errors.As(err, &se) {
		ev.Step = se.Step
	}
	e.publish(ctx, ev)
}

// publish never fails the flow; the transaction is already on its way.
func (e *Executor) publish(ctx context.Context, ev *notification.TxEvent) {
	ev.EventID = uuid.NewString()
	ev.ChainID = e.gateway.ChainID()
	ev.Owner = e.gateway.Account().Hex()
	ev.Timestamp = e.now()
	if err := e.publisher.PublishTxEvent(ctx, ev); err != nil {
		e.logger.LogWarn(ctx, "failed to publish transaction event", "kind", ev.Kind, "status", ev.Status, "error", err)
		e.metrics.RecordError(ctx, "publish_tx_event")
	}
}

func (e *Executor) record(ctx context.Context, kind chain.TxKind, step string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		e.logger.LogError(ctx, "transaction step failed", err, "kind", kind, "step", step)
	}
	e.metrics.RecordTransaction(ctx, string(kind), step, status)
}
