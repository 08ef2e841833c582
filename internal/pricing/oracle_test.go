package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: fixedNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	name  string
	calls int32
	delay time.Duration
	clock *fakeClock

	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) set(price string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price != "" {
		s.price = decimal.RequireFromString(price)
	}
	s.err = err
}

func (s *fakeSource) FetchPrice(ctx context.Context, key market.TokenKey) (market.PricePoint, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return market.PricePoint{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return market.PricePoint{}, s.err
	}
	return market.PricePoint{PriceUSD: s.price, FetchedAt: s.clock.Now(), Source: s.name}, nil
}

func (s *fakeSource) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

func newTestOracle(t *testing.T, clock *fakeClock, sources ...Source) *PriceOracle {
	t.Helper()
	mem := cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{Clock: clock.Now})
	t.Cleanup(func() { _ = mem.Close() })

	o, err := NewPriceOracle(OracleConfig{
		Sources:       sources,
		Cache:         mem,
		PriceTTL:      60 * time.Second,
		SearchTTL:     5 * time.Minute,
		SourceTimeout: 100 * time.Millisecond,
		Clock:         clock.Now,
	})
	require.NoError(t, err)
	return o
}

var ethKey = market.SymbolKey("ETH")

func TestOracle_FallsBackInRankOrder(t *testing.T) {
	clock := newFakeClock()
	primary := &fakeSource{name: "primary", clock: clock, err: errors.New("503")}
	secondary := &fakeSource{name: "secondary", clock: clock, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, primary, secondary)

	p, err := o.GetPrice(context.Background(), ethKey)
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Source)
	assert.Equal(t, "sym:ETH", p.TokenKey)
	assert.False(t, p.Stale)
	assert.Equal(t, 1, primary.Calls())
}

func TestOracle_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, src)
	ctx := context.Background()

	_, err := o.GetPrice(ctx, ethKey)
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	_, err = o.GetPrice(ctx, ethKey)
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls(), "read at t0+TTL is a hit")

	clock.Advance(time.Millisecond)
	_, err = o.GetPrice(ctx, ethKey)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls(), "read at t0+TTL+1ms refetches")
}

func TestOracle_ServesStaleWhenAllFail(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, src)
	ctx := context.Background()

	_, err := o.GetPrice(ctx, ethKey)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	src.set("", errors.New("network down"))

	p, err := o.GetPrice(ctx, ethKey)
	require.NoError(t, err)
	assert.True(t, p.Stale)
	assert.True(t, p.PriceUSD.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, fixedNow, p.FetchedAt)
}

func TestOracle_NotFoundWithoutCache(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, err: errors.New("bad payload")}
	o := newTestOracle(t, clock, src)

	_, err := o.GetPrice(context.Background(), ethKey)
	assert.ErrorIs(t, err, ErrPriceNotFound)
	assert.NotErrorIs(t, err, ErrProviderTimeout)
}

func TestOracle_TimeoutIsProviderFailure(t *testing.T) {
	clock := newFakeClock()
	slow := &fakeSource{name: "slow", clock: clock, delay: time.Second, price: decimal.NewFromInt(1)}
	o := newTestOracle(t, clock, slow)

	start := time.Now()
	_, err := o.GetPrice(context.Background(), ethKey)
	assert.ErrorIs(t, err, ErrPriceNotFound)
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOracle_RejectsUnknownSymbols(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(1)}
	o := newTestOracle(t, clock, src)

	_, err := o.GetPrice(context.Background(), market.SymbolKey("PEPE"))
	assert.ErrorIs(t, err, market.ErrUnknownSymbol)
	assert.Equal(t, 0, src.Calls(), "input errors are rejected before any I/O")
}

func TestOracle_DeduplicatesConcurrentFetches(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, delay: 30 * time.Millisecond, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, src)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.GetPrice(context.Background(), ethKey)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, src.Calls())
}

func TestOracle_FetchedAtNeverMovesBackwards(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, src)
	ctx := context.Background()

	first, err := o.Refresh(ctx, ethKey)
	require.NoError(t, err)

	// provider clock skew: an older observation arrives later
	clock.Advance(-time.Minute)
	src.set("1900", nil)
	second, err := o.Refresh(ctx, ethKey)
	require.NoError(t, err)

	assert.False(t, second.FetchedAt.Before(first.FetchedAt))
	assert.True(t, second.PriceUSD.Equal(decimal.NewFromInt(2000)), "older point is discarded")
}

func TestOracle_Snapshot(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(3)}
	o := newTestOracle(t, clock, src)

	got, err := o.Snapshot(context.Background(), []market.TokenKey{ethKey, market.SymbolKey("USDC"), market.SymbolKey("PEPE")})
	require.NoError(t, err)
	assert.Len(t, got, 2, "unpriceable keys are skipped")
	assert.Contains(t, got, "sym:USDC")
}

type fakeMarket struct {
	searchErr error
	calls     int32
}

func (f *fakeMarket) SearchTokens(ctx context.Context, query string) ([]market.TokenSummary, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []market.TokenSummary{{ID: "uniswap", Symbol: "UNI"}}, nil
}

func (f *fakeMarket) GetMarketSnapshot(ctx context.Context, ids []string) ([]market.PricePoint, error) {
	return nil, nil
}

func (f *fakeMarket) GetHistory(ctx context.Context, id string, days int) ([]market.HistoryPoint, error) {
	return []market.HistoryPoint{{Timestamp: fixedNow, PriceUSD: decimal.NewFromInt(5)}}, nil
}

type fakePairs struct{}

func (fakePairs) GetPairsForToken(ctx context.Context, chainID int64, addr string) ([]market.PairSummary, error) {
	return nil, nil
}

func (fakePairs) GetPairByAddress(ctx context.Context, chainID int64, pair string) (market.PairSummary, error) {
	return market.PairSummary{}, nil
}

func (fakePairs) SearchPairs(ctx context.Context, query string) ([]market.PairSummary, error) {
	base := market.PairToken{Address: "0xAbC", Symbol: "uni", Name: "Uniswap"}
	return []market.PairSummary{
		{ChainID: 1, BaseToken: base},
		{ChainID: 1, BaseToken: base},
		{ChainID: 8453, BaseToken: base},
	}, nil
}

func TestOracle_SearchTokens(t *testing.T) {
	clock := newFakeClock()
	mem := cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{Clock: clock.Now})
	defer mem.Close()
	ctx := context.Background()

	mkt := &fakeMarket{}
	o, err := NewPriceOracle(OracleConfig{
		Sources: []Source{&fakeSource{name: "cg", clock: clock}},
		Market:  mkt,
		Pairs:   fakePairs{},
		Cache:   mem,
		Clock:   clock.Now,
	})
	require.NoError(t, err)

	t.Run("cached for five minutes", func(t *testing.T) {
		_, err := o.SearchTokens(ctx, " UNI ")
		require.NoError(t, err)
		_, err = o.SearchTokens(ctx, "uni")
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&mkt.calls))

		clock.Advance(5*time.Minute + time.Millisecond)
		_, err = o.SearchTokens(ctx, "uni")
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&mkt.calls))
	})

	t.Run("falls back to pair search", func(t *testing.T) {
		mkt.searchErr = errors.New("429")
		got, err := o.SearchTokens(ctx, "uniswap")
		require.NoError(t, err)
		require.Len(t, got, 2, "one entry per chain and address")
		assert.Equal(t, "UNI", got[0].Symbol)
		assert.Equal(t, "0xabc", got[0].Address)
	})

	t.Run("empty query", func(t *testing.T) {
		got, err := o.SearchTokens(ctx, "  ")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("history", func(t *testing.T) {
		h, err := o.History(ctx, "uniswap", 1)
		require.NoError(t, err)
		assert.Len(t, h, 1)
	})
}

func TestTicker_RefreshesUntilStopped(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, src)

	updates := make(chan map[string]market.PricePoint, 16)
	ticker := NewTicker(o, TickerConfig{
		Keys:     []market.TokenKey{ethKey},
		Interval: 10 * time.Millisecond,
		OnUpdate: func(p map[string]market.PricePoint) { updates <- p },
	})

	h := ticker.Start(context.Background())
	first := <-updates
	assert.Contains(t, first, "sym:ETH")
	<-updates
	h.Stop()

	calls := src.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, src.Calls(), "no refresh after stop")
}

func TestTicker_RefreshesWithoutHook(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "cg", clock: clock, price: decimal.NewFromInt(2000)}
	o := newTestOracle(t, clock, src)

	h := NewTicker(o, TickerConfig{Keys: []market.TokenKey{ethKey}, Interval: 10 * time.Millisecond}).
		Start(context.Background())
	defer h.Stop()

	require.Eventually(t, func() bool { return src.Calls() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestLiveSearch_OnlyLatestQueryApplies(t *testing.T) {
	clock := newFakeClock()
	mem := cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{Clock: clock.Now})
	defer mem.Close()

	o, err := NewPriceOracle(OracleConfig{
		Sources: []Source{&fakeSource{name: "cg", clock: clock}},
		Market:  &fakeMarket{},
		Cache:   mem,
		Clock:   clock.Now,
	})
	require.NoError(t, err)

	results := make(chan SearchResult, 4)
	ls := NewLiveSearch(context.Background(), o, LiveSearchConfig{
		Debounce: 20 * time.Millisecond,
		OnResult: func(r SearchResult) { results <- r },
	})
	defer ls.Stop()

	ls.Input("tab-1", "u")
	ls.Input("tab-1", "un")
	ls.Input("tab-1", "uni")

	select {
	case r := <-results:
		assert.Equal(t, "uni", r.Query)
		assert.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("no search result delivered")
	}

	select {
	case r := <-results:
		t.Fatalf("unexpected extra result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
