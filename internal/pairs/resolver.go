// Package pairs answers whether a token pair has a pool on a chain and, when
// it does, what its reserves are.
package pairs

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/dex-swap-engine/internal/chain"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/cache"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

var (
	ErrSameToken      = errors.New("pair tokens must differ")
	ErrChainMismatch  = errors.New("pair tokens are on different chains")
	ErrNoPairProvider = errors.New("pair discovery is not configured")
)

// State is a pair as seen from the caller's (TokenA, TokenB) order.
// Exists=false means the caller would be the first liquidity provider.
type State struct {
	Exists      bool           `json:"exists"`
	TokenA      market.Token   `json:"tokenA"`
	TokenB      market.Token   `json:"tokenB"`
	PairAddress common.Address `json:"pairAddress"`
	ReserveA    *big.Int       `json:"reserveA"`
	ReserveB    *big.Int       `json:"reserveB"`
	TotalSupply *big.Int       `json:"totalSupply"`
	FetchedAt   time.Time      `json:"fetchedAt"`
}

// HasLiquidity reports whether both reserves are positive.
func (s State) HasLiquidity() bool {
	return s.Exists && s.ReserveA != nil && s.ReserveB != nil && s.ReserveA.Sign() > 0 && s.ReserveB.Sign() > 0
}

// Resolver looks pairs up through the chain gateway. Existence is cached per
// canonical (sorted) pair; reserves are always read fresh.
type Resolver struct {
	gateway chain.Gateway
	pairs   market.PairDataProvider
	exists  *cache.Typed[string]
	now     cache.Clock
	group   singleflight.Group

	logger *observability.Logger
	tracer observability.Tracer
}

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	Gateway chain.Gateway
	// Pairs backs Discover; optional
	Pairs   market.PairDataProvider
	Cache   cache.Cache
	TTL     time.Duration
	Clock   cache.Clock
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// NewResolver creates a pair resolver
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("pair resolver needs a chain gateway")
	}
	if cfg.Cache == nil {
		return nil, errors.New("pair resolver needs a cache")
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
	return &Resolver{
		gateway: cfg.Gateway,
		pairs:   cfg.Pairs,
		exists: cache.NewTyped[string](cfg.Cache, cache.TypedConfig{
			Name: "pair", TTL: cfg.TTL, Clock: cfg.Clock, Metrics: cfg.Metrics,
		}),
		now:    cfg.Clock,
		logger: cfg.Logger.WithComponent("pair-resolver"),
		tracer: observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

// ChainID is the chain this resolver serves
func (r *Resolver) ChainID() int64 {
	return r.gateway.ChainID()
}

func pairKey(a, b market.Token) string {
	t0, t1 := market.SortTokens(a, b)
	return fmt.Sprintf("%d:%s:%s", t0.ChainID, strings.ToLower(t0.Address.Hex()), strings.ToLower(t1.Address.Hex()))
}

func validate(a, b market.Token) error {
	if a.ChainID != b.ChainID {
		return fmt.Errorf("%w: %d and %d", ErrChainMismatch, a.ChainID, b.ChainID)
	}
	if a.SameAs(b) {
		return fmt.Errorf("%w: %s", ErrSameToken, a.Symbol)
	}
	return nil
}

// Resolve returns the pair state, using cached existence.
func (r *Resolver) Resolve(ctx context.Context, a, b market.Token) (State, error) {
	return r.resolve(ctx, a, b, false)
}

// ResolveFresh skips the existence cache. Used before submitting a transaction.
func (r *Resolver) ResolveFresh(ctx context.Context, a, b market.Token) (State, error) {
	return r.resolve(ctx, a, b, true)
}

func (r *Resolver) resolve(ctx context.Context, a, b market.Token, fresh bool) (st State, err error) {
	if err := validate(a, b); err != nil {
		return State{}, err
	}

	ctx, span := r.tracer.StartSpan(ctx, "pairs.Resolve", observability.WithAttributes(
		attribute.String("token_a", a.Symbol),
		attribute.String("token_b", b.Symbol),
		attribute.Bool("fresh", fresh),
	))
	defer observability.Finish(span, &err)

	pair, err := r.pairAddress(ctx, a, b, fresh)
	if err != nil {
		return State{}, err
	}

	st = State{TokenA: a, TokenB: b, FetchedAt: r.now()}
	if pair == (common.Address{}) {
		return st, nil
	}

	res, err := r.reserves(ctx, pair)
	if err != nil {
		return State{}, err
	}
	st.Exists = true
	st.PairAddress = pair
	st.ReserveA, st.ReserveB = res.For(a.Address)
	st.TotalSupply = res.TotalSupply
	return st, nil
}

func (r *Resolver) pairAddress(ctx context.Context, a, b market.Token, fresh bool) (common.Address, error) {
	key := pairKey(a, b)
	if !fresh {
		if hex, err := r.exists.Get(ctx, key); err == nil {
			return common.HexToAddress(hex), nil
		}
	}

	v, err, _ := r.group.Do("exists:"+key, func() (interface{}, error) {
		pair, err := r.gateway.GetPair(ctx, a.Address, b.Address)
		if err != nil {
			return common.Address{}, fmt.Errorf("get pair %s/%s: %w", a.Symbol, b.Symbol, err)
		}
		if err := r.exists.Put(ctx, key, pair.Hex()); err != nil {
			r.logger.LogWarn(ctx, "failed to cache pair existence", "pair", key, "error", err)
		}
		return pair, nil
	})
	if err != nil {
		return common.Address{}, err
	}
	return v.(common.Address), nil
}

func (r *Resolver) reserves(ctx context.Context, pair common.Address) (chain.Reserves, error) {
	v, err, _ := r.group.Do("reserves:"+pair.Hex(), func() (interface{}, error) {
		return r.gateway.GetReserves(ctx, pair)
	})
	if err != nil {
		return chain.Reserves{}, fmt.Errorf("get reserves %s: %w", pair.Hex(), err)
	}
	return v.(chain.Reserves), nil
}

// Invalidate drops cached existence for a pair, e.g. after it was created.
func (r *Resolver) Invalidate(ctx context.Context, a, b market.Token) {
	if err := r.exists.Delete(ctx, pairKey(a, b)); err != nil {
		r.logger.LogWarn(ctx, "failed to invalidate pair", "error", err)
	}
}

// Discover lists the pools a token trades in on this chain, most liquid first.
func (r *Resolver) Discover(ctx context.Context, token market.Token) ([]market.PairSummary, error) {
	if r.pairs == nil {
		return nil, ErrNoPairProvider
	}
	pairs, err := r.pairs.GetPairsForToken(ctx, token.ChainID, strings.ToLower(token.Address.Hex()))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].LiquidityUSD.GreaterThan(pairs[j].LiquidityUSD)
	})
	return pairs, nil
}
