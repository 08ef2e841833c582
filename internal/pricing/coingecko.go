package pricing

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// CoinGeckoClient is the market-data provider: search, market snapshots,
// price history and contract-address prices.
type CoinGeckoClient struct {
	*httpProvider
	now func() time.Time
}

// CoinGeckoClientConfig holds CoinGecko client configuration
type CoinGeckoClientConfig struct {
	Provider config.ProviderConfig
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Clock    func() time.Time
}

type cgSearchResponse struct {
	Coins []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Symbol        string `json:"symbol"`
		MarketCapRank int    `json:"market_cap_rank"`
		Thumb         string `json:"thumb"`
	} `json:"coins"`
}

type cgMarket struct {
	ID                       string          `json:"id"`
	Symbol                   string          `json:"symbol"`
	Name                     string          `json:"name"`
	CurrentPrice             decimal.Decimal `json:"current_price"`
	MarketCap                decimal.Decimal `json:"market_cap"`
	TotalVolume              decimal.Decimal `json:"total_volume"`
	PriceChangePercentage24h decimal.Decimal `json:"price_change_percentage_24h"`
}

type cgMarketChart struct {
	Prices [][2]decimal.Decimal `json:"prices"`
}

type cgTokenPrice struct {
	USD          decimal.Decimal `json:"usd"`
	USDMarketCap decimal.Decimal `json:"usd_market_cap"`
	USD24hVol    decimal.Decimal `json:"usd_24h_vol"`
	USD24hChange decimal.Decimal `json:"usd_24h_change"`
}

// NewCoinGeckoClient creates a CoinGecko client
func NewCoinGeckoClient(cfg CoinGeckoClientConfig) *CoinGeckoClient {
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	p := newHTTPProvider(config.ProviderCoinGecko, cfg.Provider, cfg.Logger, cfg.Metrics)
	if cfg.Provider.APIKey != "" {
		p.client.SetHeader("x-cg-demo-api-key", cfg.Provider.APIKey)
	}

	return &CoinGeckoClient{httpProvider: p, now: cfg.Clock}
}

// SearchTokens searches coins by name or symbol.
func (c *CoinGeckoClient) SearchTokens(ctx context.Context, query string) ([]market.TokenSummary, error) {
	var resp cgSearchResponse
	if err := c.get(ctx, "search", "/search", map[string]string{"query": query}, &resp); err != nil {
		return nil, err
	}

	out := make([]market.TokenSummary, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		out = append(out, market.TokenSummary{
			ID:            coin.ID,
			Symbol:        strings.ToUpper(coin.Symbol),
			Name:          coin.Name,
			MarketCapRank: coin.MarketCapRank,
			Thumb:         coin.Thumb,
			Source:        c.name,
		})
	}
	return out, nil
}

// GetMarketSnapshot returns USD market data for the given coin ids.
// Points carry the provider id; callers attach their own token key.
func (c *CoinGeckoClient) GetMarketSnapshot(ctx context.Context, ids []string) ([]market.PricePoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var resp []cgMarket
	query := map[string]string{
		"vs_currency": "usd",
		"ids":         strings.Join(ids, ","),
	}
	if err := c.get(ctx, "markets", "/coins/markets", query, &resp); err != nil {
		return nil, err
	}

	fetchedAt := c.now()
	out := make([]market.PricePoint, 0, len(resp))
	for _, m := range resp {
		if !m.CurrentPrice.IsPositive() {
			continue
		}
		out = append(out, market.PricePoint{
			ID:        m.ID,
			Symbol:    strings.ToUpper(m.Symbol),
			PriceUSD:  m.CurrentPrice,
			Change24h: m.PriceChangePercentage24h,
			Volume24h: m.TotalVolume,
			MarketCap: m.MarketCap,
			FetchedAt: fetchedAt,
			Source:    c.name,
		})
	}
	return out, nil
}

// GetHistory returns daily-or-finer USD prices for the last days.
func (c *CoinGeckoClient) GetHistory(ctx context.Context, id string, days int) ([]market.HistoryPoint, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty coin id", market.ErrInvalidTokenKey)
	}
	if days <= 0 {
		days = 1
	}

	var resp cgMarketChart
	query := map[string]string{
		"vs_currency": "usd",
		"days":        strconv.Itoa(days),
	}
	path := "/coins/" + url.PathEscape(id) + "/market_chart"
	if err := c.get(ctx, "market_chart", path, query, &resp); err != nil {
		return nil, err
	}

	out := make([]market.HistoryPoint, 0, len(resp.Prices))
	for _, sample := range resp.Prices {
		out = append(out, market.HistoryPoint{
			Timestamp: time.UnixMilli(sample[0].IntPart()).UTC(),
			PriceUSD:  sample[1],
		})
	}
	return out, nil
}

// TokenPrice returns the USD price of a contract on a CoinGecko asset platform.
func (c *CoinGeckoClient) TokenPrice(ctx context.Context, platform, address string) (market.PricePoint, error) {
	address = strings.ToLower(address)

	resp := map[string]cgTokenPrice{}
	query := map[string]string{
		"contract_addresses":  address,
		"vs_currencies":       "usd",
		"include_market_cap":  "true",
		"include_24hr_vol":    "true",
		"include_24hr_change": "true",
	}
	if err := c.get(ctx, "token_price", "/simple/token_price/"+url.PathEscape(platform), query, &resp); err != nil {
		return market.PricePoint{}, err
	}

	tp, ok := resp[address]
	if !ok || !tp.USD.IsPositive() {
		return market.PricePoint{}, fmt.Errorf("%w: %s on %s", ErrPriceNotFound, address, platform)
	}

	return market.PricePoint{
		PriceUSD:  tp.USD,
		Change24h: tp.USD24hChange,
		Volume24h: tp.USD24hVol,
		MarketCap: tp.USDMarketCap,
		FetchedAt: c.now(),
		Source:    c.name,
	}, nil
}
