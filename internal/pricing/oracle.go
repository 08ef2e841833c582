package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/cache"
	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// ErrSearchUnavailable is returned when both search backends fail
var ErrSearchUnavailable = errors.New("token search unavailable")

const (
	defaultSourceTimeout  = 8 * time.Second
	defaultMaxConcurrency = 8
	snapshotParallelism   = 4
)

// OracleConfig holds price oracle configuration
type OracleConfig struct {
	// Sources in priority order; the first success wins
	Sources []Source

	// Market and Pairs back SearchTokens and History; either may be nil
	Market market.MarketDataProvider
	Pairs  market.PairDataProvider

	Cache     cache.Cache
	PriceTTL  time.Duration
	SearchTTL time.Duration

	// SourceTimeout bounds each provider call; a timeout counts as a failure
	SourceTimeout time.Duration

	// MaxConcurrency caps in-flight provider calls across all callers
	MaxConcurrency int64

	// Watchlist is refreshed by Warmup
	Watchlist []market.TokenKey

	Clock   cache.Clock
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// PriceOracle resolves USD prices from ranked providers with TTL caching.
// When every provider fails it serves the last good value flagged stale.
type PriceOracle struct {
	sources []Source
	market  market.MarketDataProvider
	pairs   market.PairDataProvider

	prices   *cache.Typed[market.PricePoint]
	searches *cache.Typed[[]market.TokenSummary]
	history  *cache.Typed[[]market.HistoryPoint]

	sourceTimeout time.Duration
	watchlist     []market.TokenKey
	now           cache.Clock
	sem           *semaphore.Weighted
	group         singleflight.Group

	mu       sync.RWMutex
	lastGood map[string]market.PricePoint

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// NewPriceOracle creates a price oracle
func NewPriceOracle(cfg OracleConfig) (*PriceOracle, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("price oracle needs at least one source")
	}
	if cfg.Cache == nil {
		return nil, errors.New("price oracle needs a cache")
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = 60 * time.Second
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 5 * time.Minute
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = defaultSourceTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &PriceOracle{
		sources: cfg.Sources,
		market:  cfg.Market,
		pairs:   cfg.Pairs,
		prices: cache.NewTyped[market.PricePoint](cfg.Cache, cache.TypedConfig{
			Name: "price", TTL: cfg.PriceTTL, Clock: cfg.Clock, Metrics: cfg.Metrics,
		}),
		searches: cache.NewTyped[[]market.TokenSummary](cfg.Cache, cache.TypedConfig{
			Name: "search", TTL: cfg.SearchTTL, Clock: cfg.Clock, Metrics: cfg.Metrics,
		}),
		history: cache.NewTyped[[]market.HistoryPoint](cfg.Cache, cache.TypedConfig{
			Name: "history", TTL: cfg.PriceTTL, Clock: cfg.Clock, Metrics: cfg.Metrics,
		}),
		sourceTimeout: cfg.SourceTimeout,
		watchlist:     cfg.Watchlist,
		now:           cfg.Clock,
		sem:           semaphore.NewWeighted(cfg.MaxConcurrency),
		lastGood:      make(map[string]market.PricePoint),
		logger:        cfg.Logger.WithComponent("price-oracle"),
		metrics:       cfg.Metrics,
		tracer:        observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

func validateKey(key market.TokenKey) error {
	if key.IsZero() {
		return fmt.Errorf("%w: empty", market.ErrInvalidTokenKey)
	}
	if !key.HasAddress() && !config.TokenRegistry.IsWellKnown(key.Symbol) {
		return fmt.Errorf("%w: %s", market.ErrUnknownSymbol, key.Symbol)
	}
	return nil
}

// GetPrice returns the cached price for key, fetching it on a miss.
func (o *PriceOracle) GetPrice(ctx context.Context, key market.TokenKey) (p market.PricePoint, err error) {
	if err := validateKey(key); err != nil {
		return market.PricePoint{}, err
	}

	ctx, span := o.tracer.StartSpan(ctx, "oracle.GetPrice",
		observability.WithAttributes(attribute.String("token", key.String())))
	defer observability.Finish(span, &err)

	if cached, err := o.prices.Get(ctx, key.String()); err == nil {
		span.SetAttribute("cache_hit", true)
		return cached.WithKey(key), nil
	}

	return o.fetch(ctx, key)
}

// Refresh fetches key from the providers, bypassing the cache.
func (o *PriceOracle) Refresh(ctx context.Context, key market.TokenKey) (market.PricePoint, error) {
	if err := validateKey(key); err != nil {
		return market.PricePoint{}, err
	}
	return o.fetch(ctx, key)
}

// fetch deduplicates concurrent lookups of the same key. The shared lookup
// outlives a cancelled caller; each source call is bounded by its own timeout.
func (o *PriceOracle) fetch(ctx context.Context, key market.TokenKey) (market.PricePoint, error) {
	ch := o.group.DoChan(key.String(), func() (interface{}, error) {
		return o.fetchFromSources(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return market.PricePoint{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return market.PricePoint{}, res.Err
		}
		return res.Val.(market.PricePoint), nil
	}
}

func (o *PriceOracle) fetchFromSources(ctx context.Context, key market.TokenKey) (market.PricePoint, error) {
	var (
		errs     []error
		attempts int
		timeouts int
	)

	for _, src := range o.sources {
		p, err := o.callSource(ctx, src, key)
		if err == nil {
			return o.record(ctx, key, p), nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if errors.Is(err, ErrUnsupportedKey) {
			continue
		}

		attempts++
		if errors.Is(err, context.DeadlineExceeded) {
			timeouts++
		}
		o.metrics.RecordOracleFallback(ctx, "next_provider")
		o.logger.LogWarn(ctx, "price source failed, trying next",
			"source", src.Name(), "token", key.String(), "error", err)
	}

	if last, ok := o.lastKnown(key); ok {
		last.Stale = true
		o.metrics.RecordOracleFallback(ctx, "stale")
		o.logger.LogWarn(ctx, "all price sources failed, serving last known price",
			"token", key.String(), "age", o.now().Sub(last.FetchedAt).String())
		return last, nil
	}

	o.metrics.RecordOracleFallback(ctx, "not_found")
	if attempts > 0 && timeouts == attempts {
		return market.PricePoint{}, fmt.Errorf("%w: %w: %s", ErrPriceNotFound, ErrProviderTimeout, key)
	}
	return market.PricePoint{}, fmt.Errorf("%w: %s: %w", ErrPriceNotFound, key, errors.Join(errs...))
}

func (o *PriceOracle) callSource(ctx context.Context, src Source, key market.TokenKey) (p market.PricePoint, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.sourceTimeout)
	defer cancel()

	ctx, span := o.tracer.StartSpan(ctx, "oracle.FetchPrice", observability.WithClientKind(),
		observability.WithAttributes(attribute.String("source", src.Name())))
	defer observability.Finish(span, &err)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return market.PricePoint{}, err
	}
	defer o.sem.Release(1)

	p, err = src.FetchPrice(ctx, key)
	if err != nil {
		return market.PricePoint{}, err
	}
	if !p.PriceUSD.IsPositive() {
		return market.PricePoint{}, fmt.Errorf("%w: non-positive price from %s", ErrPriceNotFound, src.Name())
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = o.now()
	}
	return p, nil
}

// record stores a fresh point unless a newer one is already known, which
// keeps FetchedAt non-decreasing per key.
func (o *PriceOracle) record(ctx context.Context, key market.TokenKey, p market.PricePoint) market.PricePoint {
	p = p.WithKey(key)
	k := key.String()

	o.mu.Lock()
	if prev, ok := o.lastGood[k]; ok && p.FetchedAt.Before(prev.FetchedAt) {
		o.mu.Unlock()
		return prev
	}
	o.lastGood[k] = p
	o.mu.Unlock()

	if err := o.prices.Put(ctx, k, p); err != nil {
		o.logger.LogWarn(ctx, "failed to cache price", "token", k, "error", err)
	}
	o.metrics.RecordTokenPrice(ctx, k, p.PriceUSD.InexactFloat64())
	return p
}

func (o *PriceOracle) lastKnown(key market.TokenKey) (market.PricePoint, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.lastGood[key.String()]
	return p, ok
}

// Snapshot prices several keys concurrently. Keys that cannot be priced are
// left out of the result; only cancellation is reported as an error.
func (o *PriceOracle) Snapshot(ctx context.Context, keys []market.TokenKey) (map[string]market.PricePoint, error) {
	return o.collect(ctx, keys, o.GetPrice)
}

// RefreshAll is Snapshot without the cache.
func (o *PriceOracle) RefreshAll(ctx context.Context, keys []market.TokenKey) (map[string]market.PricePoint, error) {
	return o.collect(ctx, keys, o.Refresh)
}

func (o *PriceOracle) collect(ctx context.Context, keys []market.TokenKey, get func(context.Context, market.TokenKey) (market.PricePoint, error)) (map[string]market.PricePoint, error) {
	var mu sync.Mutex
	out := make(map[string]market.PricePoint, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotParallelism)
	for _, key := range keys {
		g.Go(func() error {
			p, err := get(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.LogDebug(gctx, "snapshot skipped token", "token", key.String(), "error", err)
				return nil
			}
			mu.Lock()
			out[key.String()] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// SearchTokens searches the market-data provider, falling back to pair
// search. Results are cached per normalized query.
func (o *PriceOracle) SearchTokens(ctx context.Context, query string) (results []market.TokenSummary, err error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []market.TokenSummary{}, nil
	}

	ctx, span := o.tracer.StartSpan(ctx, "oracle.SearchTokens",
		observability.WithAttributes(attribute.String("query", q)))
	defer observability.Finish(span, &err)

	if cached, err := o.searches.Get(ctx, q); err == nil {
		return cached, nil
	}

	var errs []error
	if o.market != nil {
		sctx, cancel := context.WithTimeout(ctx, o.sourceTimeout)
		results, err = o.market.SearchTokens(sctx, q)
		cancel()
		if err == nil {
			o.cacheSearch(ctx, q, results)
			return results, nil
		}
		errs = append(errs, err)
		o.metrics.RecordOracleFallback(ctx, "search_pairs")
	}

	if o.pairs != nil {
		sctx, cancel := context.WithTimeout(ctx, o.sourceTimeout)
		pairs, err := o.pairs.SearchPairs(sctx, q)
		cancel()
		if err == nil {
			results = tokensFromPairs(pairs)
			o.cacheSearch(ctx, q, results)
			return results, nil
		}
		errs = append(errs, err)
	}

	return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, errors.Join(errs...))
}

func (o *PriceOracle) cacheSearch(ctx context.Context, q string, results []market.TokenSummary) {
	if err := o.searches.Put(ctx, q, results); err != nil {
		o.logger.LogWarn(ctx, "failed to cache search", "query", q, "error", err)
	}
}

// tokensFromPairs lists each base token once, most liquid pool first.
func tokensFromPairs(pairs []market.PairSummary) []market.TokenSummary {
	seen := make(map[string]bool, len(pairs))
	out := make([]market.TokenSummary, 0, len(pairs))
	for _, p := range pairs {
		id := strconv.FormatInt(p.ChainID, 10) + ":" + strings.ToLower(p.BaseToken.Address)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, market.TokenSummary{
			ID:      id,
			Symbol:  strings.ToUpper(p.BaseToken.Symbol),
			Name:    p.BaseToken.Name,
			ChainID: p.ChainID,
			Address: strings.ToLower(p.BaseToken.Address),
			Source:  config.ProviderDexScreener,
		})
	}
	return out
}

// History returns price history for a market-data id.
func (o *PriceOracle) History(ctx context.Context, id string, days int) ([]market.HistoryPoint, error) {
	if o.market == nil {
		return nil, fmt.Errorf("%w: no market-data provider", ErrPriceNotFound)
	}
	k := id + ":" + strconv.Itoa(days)
	if cached, err := o.history.Get(ctx, k); err == nil {
		return cached, nil
	}

	sctx, cancel := context.WithTimeout(ctx, o.sourceTimeout)
	defer cancel()

	points, err := o.market.GetHistory(sctx, id, days)
	if err != nil {
		return nil, err
	}
	if err := o.history.Put(ctx, k, points); err != nil {
		o.logger.LogWarn(ctx, "failed to cache history", "id", id, "error", err)
	}
	return points, nil
}

// Name returns the warmup provider name.
func (o *PriceOracle) Name() string {
	return "price-oracle"
}

// Warmup prices the watchlist so first requests hit the cache.
func (o *PriceOracle) Warmup(ctx context.Context) error {
	if len(o.watchlist) == 0 {
		return nil
	}
	got, err := o.RefreshAll(ctx, o.watchlist)
	if err != nil {
		return err
	}
	if len(got) == 0 {
		return fmt.Errorf("%w: no watchlist token could be priced", ErrPriceNotFound)
	}
	o.logger.LogInfo(ctx, "price cache warmed", "tokens", len(got), "watchlist", len(o.watchlist))
	return nil
}
