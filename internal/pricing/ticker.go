package pricing

import (
	"context"
	"time"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/schedule"
)

// Ticker refreshes a watchlist on a fixed interval and hands the fresh
// points to OnUpdate.
type Ticker struct {
	oracle   *PriceOracle
	keys     []market.TokenKey
	interval time.Duration
	onUpdate func(map[string]market.PricePoint)
	logger   *observability.Logger
}

// TickerConfig configures a Ticker
type TickerConfig struct {
	Keys     []market.TokenKey
	Interval time.Duration
	OnUpdate func(map[string]market.PricePoint)
	Logger   *observability.Logger
}

// NewTicker creates a price ticker over oracle
func NewTicker(oracle *PriceOracle, cfg TickerConfig) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.OnUpdate == nil {
		cfg.OnUpdate = func(map[string]market.PricePoint) {}
	}
	return &Ticker{
		oracle:   oracle,
		keys:     cfg.Keys,
		interval: cfg.Interval,
		onUpdate: cfg.OnUpdate,
		logger:   cfg.Logger.WithComponent("price-ticker"),
	}
}

// Start begins polling. Stop the returned handle to cancel future ticks.
func (t *Ticker) Start(ctx context.Context) *schedule.Handle {
	return schedule.NewPoller(t.interval, t.tick, schedule.WithImmediateRun()).Start(ctx)
}

func (t *Ticker) tick(ctx context.Context) {
	points, err := t.oracle.RefreshAll(ctx, t.keys)
	if err != nil {
		// cancelled mid-refresh: the owner is gone
		return
	}
	t.logger.LogDebug(ctx, "watchlist refreshed", "priced", len(points), "watchlist", len(t.keys))
	t.onUpdate(points)
}
