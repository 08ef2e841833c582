package positions

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/schedule"
	"github.com/agatticelli/dex-swap-engine/internal/platform/worker"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidDelta     = errors.New("invalid position delta")
)

// Gateway is the part of chain.Gateway the tracker reads from
type Gateway interface {
	ChainID() int64
	KnownPairs(ctx context.Context) ([]common.Address, error)
	LPBalance(ctx context.Context, pair, owner common.Address) (*big.Int, error)
	GetReserves(ctx context.Context, pair common.Address) (chain.Reserves, error)
}

// TokenResolver resolves pair tokens; implemented by market.Directory
type TokenResolver interface {
	Resolve(ctx context.Context, key market.TokenKey, chainID int64) (market.Token, error)
}

// Tracker holds positions keyed by (pair, owner)
type Tracker struct {
	gateway Gateway
	tokens  TokenResolver
	pool    *worker.Pool
	now     func() time.Time

	mu        sync.RWMutex
	positions map[Key]Position

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// TrackerConfig configures a Tracker
type TrackerConfig struct {
	Gateway Gateway
	Tokens  TokenResolver
	// Pool values pairs concurrently during Refresh
	Pool    *worker.Pool
	Clock   func() time.Time
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// NewTracker creates a position tracker
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("position tracker needs a gateway")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("position tracker needs a token resolver")
	}
	if cfg.Pool == nil {
		return nil, errors.New("position tracker needs a worker pool")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Tracker{
		gateway:   cfg.Gateway,
		tokens:    cfg.Tokens,
		pool:      cfg.Pool,
		now:       cfg.Clock,
		positions: make(map[Key]Position),
		logger:    cfg.Logger.WithComponent("positions"),
		metrics:   cfg.Metrics,
		tracer:    observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

// Positions returns owner's positions ordered by pair address
func (t *Tracker) Positions(owner common.Address) []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Position
	for k, p := range t.positions {
		if k.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PairAddress.Hex() < out[j].PairAddress.Hex()
	})
	return out
}

// Position returns a single position
func (t *Tracker) Position(pair, owner common.Address) (Position, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[Key{Pair: pair, Owner: owner}]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, pair.Hex())
	}
	return p, nil
}

// Apply records a submitted transaction's effect before it is observed on
// chain. A delta for an unknown key creates the position; a resulting LP
// balance of zero or less removes it.
func (t *Tracker) Apply(ctx context.Context, d Delta) (Position, bool, error) {
	if d.PairAddress == (common.Address{}) || d.Owner == (common.Address{}) {
		return Position{}, false, fmt.Errorf("%w: pair and owner are required", ErrInvalidDelta)
	}
	if d.LPChange == nil || d.LPChange.Sign() == 0 {
		return Position{}, false, fmt.Errorf("%w: no lp change", ErrInvalidDelta)
	}

	key := Key{Pair: d.PairAddress, Owner: d.Owner}
	now := t.now()

	t.mu.Lock()
	cur, ok := t.positions[key]
	var next Position
	switch {
	case ok:
		next = applyDelta(cur, d, now)
	case d.LPChange.Sign() > 0:
		next = d.Position(uuid.NewString(), now)
	default:
		t.mu.Unlock()
		return Position{}, false, fmt.Errorf("%w: %s", ErrPositionNotFound, d.PairAddress.Hex())
	}

	live := next.LPBalance.Sign() > 0
	if live {
		t.positions[key] = next
	} else {
		delete(t.positions, key)
	}
	n := t.countLocked(d.Owner)
	t.mu.Unlock()

	t.metrics.SetPositionsTracked(ctx, d.Owner.Hex(), n)
	t.logger.LogDebug(ctx, "applied optimistic position update",
		"pair", d.PairAddress.Hex(),
		"lp_change", d.LPChange.String(),
		"open", live,
	)
	return next, live, nil
}

// Refresh re-derives owner's positions from the chain. Pairs whose reads
// fail keep their previous entry; the failures are returned joined.
func (t *Tracker) Refresh(ctx context.Context, owner common.Address) (out []Position, err error) {
	ctx, span := t.tracer.StartSpan(ctx, "positions.Refresh")
	defer observability.Finish(span, &err)

	pairs, err := t.gateway.KnownPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	pairs = dedupe(pairs)

	jobs := make([]worker.Job, len(pairs))
	for i, pair := range pairs {
		jobs[i] = worker.Job{
			ID: pair.Hex(),
			Execute: func(ctx context.Context) (interface{}, error) {
				p, err := t.value(ctx, pair, owner)
				return p, err
			},
		}
	}
	results := t.pool.SubmitAndWait(ctx, jobs)

	fresh := make(map[Key]Position, len(results))
	failed := make(map[common.Address]bool)
	var errs []error
	for i, r := range results {
		if r.Err != nil {
			failed[pairs[i]] = true
			errs = append(errs, fmt.Errorf("%s: %w", r.JobID, r.Err))
			continue
		}
		p, ok := r.Value.(*Position)
		if !ok || p == nil {
			continue
		}
		if prev, dup := fresh[p.Key()]; dup {
			fresh[p.Key()] = Merge(prev, *p)
			continue
		}
		fresh[p.Key()] = *p
	}

	t.mu.Lock()
	for k, p := range t.positions {
		if k.Owner != owner {
			continue
		}
		if failed[k.Pair] {
			fresh[k] = p
			continue
		}
		if np, ok := fresh[k]; ok {
			np.ID = p.ID
			fresh[k] = np
		}
		delete(t.positions, k)
	}
	for k, p := range fresh {
		t.positions[k] = p
	}
	n := t.countLocked(owner)
	t.mu.Unlock()

	t.metrics.SetPositionsTracked(ctx, owner.Hex(), n)
	span.SetAttribute("positions", n)
	t.logger.LogDebug(ctx, "refreshed positions", "owner", owner.Hex(), "pairs", len(pairs), "positions", n, "failed", len(failed))

	if len(errs) > 0 {
		return t.Positions(owner), fmt.Errorf("refresh %d of %d pairs failed: %w", len(errs), len(pairs), errors.Join(errs...))
	}
	return t.Positions(owner), nil
}

// Start refreshes owner's positions every interval until ctx is done
func (t *Tracker) Start(ctx context.Context, owner common.Address, interval time.Duration) *schedule.Handle {
	return schedule.NewPoller(interval, func(ctx context.Context) {
		if _, err := t.Refresh(ctx, owner); err != nil && ctx.Err() == nil {
			t.logger.LogWarn(ctx, "position refresh failed", "owner", owner.Hex(), "error", err)
		}
	}, schedule.WithImmediateRun()).Start(ctx)
}

// value reads one pair's stake. A nil position means no LP balance.
func (t *Tracker) value(ctx context.Context, pair, owner common.Address) (*Position, error) {
	lp, err := t.gateway.LPBalance(ctx, pair, owner)
	if err != nil {
		return nil, fmt.Errorf("lp balance: %w", err)
	}
	if lp == nil || lp.Sign() <= 0 {
		return nil, nil
	}

	res, err := t.gateway.GetReserves(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("reserves: %w", err)
	}
	chainID := t.gateway.ChainID()
	tokenA, err := t.tokens.Resolve(ctx, market.AddressKey(chainID, res.Token0), chainID)
	if err != nil {
		return nil, fmt.Errorf("token0: %w", err)
	}
	tokenB, err := t.tokens.Resolve(ctx, market.AddressKey(chainID, res.Token1), chainID)
	if err != nil {
		return nil, fmt.Errorf("token1: %w", err)
	}

	amountA, amountB, err := amm.RemoveAmounts(lp, res.Reserve0, res.Reserve1, res.TotalSupply)
	if err != nil {
		return nil, fmt.Errorf("value lp: %w", err)
	}

	return &Position{
		ID:           uuid.NewString(),
		ChainID:      chainID,
		Owner:        owner,
		PairAddress:  pair,
		TokenA:       tokenA,
		TokenB:       tokenB,
		LPBalance:    lp,
		TotalSupply:  res.TotalSupply,
		TokenAAmount: amountA,
		TokenBAmount: amountB,
		PoolSharePct: amm.ShareOfSupplyPct(lp, res.TotalSupply),
		UpdatedAt:    t.now(),
	}, nil
}

func (t *Tracker) countLocked(owner common.Address) int {
	n := 0
	for k := range t.positions {
		if k.Owner == owner {
			n++
		}
	}
	return n
}

func dedupe(pairs []common.Address) []common.Address {
	seen := make(map[common.Address]bool, len(pairs))
	out := pairs[:0:0]
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
