package pricing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// DexScreenerClient is the pair-discovery provider.
type DexScreenerClient struct {
	*httpProvider
	slugs   map[int64]string // chain ID -> DexScreener chain slug
	chainOf map[string]int64
	now     func() time.Time
}

// DexScreenerClientConfig holds DexScreener client configuration
type DexScreenerClientConfig struct {
	Provider config.ProviderConfig
	Chains   []config.ChainConfig
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Clock    func() time.Time
}

type dsPairsResponse struct {
	Pairs []dsPair `json:"pairs"`
}

type dsPair struct {
	ChainID     string          `json:"chainId"`
	DexID       string          `json:"dexId"`
	PairAddress string          `json:"pairAddress"`
	BaseToken   dsToken         `json:"baseToken"`
	QuoteToken  dsToken         `json:"quoteToken"`
	PriceNative decimal.Decimal `json:"priceNative"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	Volume      struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"priceChange"`
	Liquidity struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
	FDV decimal.Decimal `json:"fdv"`
}

type dsToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// NewDexScreenerClient creates a DexScreener client
func NewDexScreenerClient(cfg DexScreenerClientConfig) *DexScreenerClient {
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.dexscreener.com"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	d := &DexScreenerClient{
		httpProvider: newHTTPProvider(config.ProviderDexScreener, cfg.Provider, cfg.Logger, cfg.Metrics),
		slugs:        make(map[int64]string),
		chainOf:      make(map[string]int64),
		now:          cfg.Clock,
	}
	for _, ch := range cfg.Chains {
		slug := ch.DexScreenerID
		if slug == "" {
			slug = strings.ToLower(ch.Name)
		}
		d.slugs[ch.ChainID] = slug
		d.chainOf[slug] = ch.ChainID
	}
	return d
}

func (d *DexScreenerClient) slug(chainID int64) (string, error) {
	s, ok := d.slugs[chainID]
	if !ok {
		return "", fmt.Errorf("dexscreener: chain %d is not configured", chainID)
	}
	return s, nil
}

func (d *DexScreenerClient) convert(p dsPair) market.PairSummary {
	return market.PairSummary{
		ChainID:        d.chainOf[p.ChainID],
		DexID:          p.DexID,
		PairAddress:    p.PairAddress,
		BaseToken:      market.PairToken{Address: p.BaseToken.Address, Symbol: p.BaseToken.Symbol, Name: p.BaseToken.Name},
		QuoteToken:     market.PairToken{Address: p.QuoteToken.Address, Symbol: p.QuoteToken.Symbol, Name: p.QuoteToken.Name},
		PriceUSD:       p.PriceUSD,
		PriceNative:    p.PriceNative,
		LiquidityUSD:   p.Liquidity.USD,
		Volume24h:      p.Volume.H24,
		PriceChange24h: p.PriceChange.H24,
		FDV:            p.FDV,
	}
}

// GetPairsForToken lists pools containing tokenAddress on chainID.
func (d *DexScreenerClient) GetPairsForToken(ctx context.Context, chainID int64, tokenAddress string) ([]market.PairSummary, error) {
	slug, err := d.slug(chainID)
	if err != nil {
		return nil, err
	}

	var resp dsPairsResponse
	path := "/latest/dex/tokens/" + url.PathEscape(tokenAddress)
	if err := d.get(ctx, "token_pairs", path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]market.PairSummary, 0, len(resp.Pairs))
	for _, p := range resp.Pairs {
		if p.ChainID != slug {
			continue
		}
		out = append(out, d.convert(p))
	}
	return out, nil
}

// GetPairByAddress returns one pool by its address.
func (d *DexScreenerClient) GetPairByAddress(ctx context.Context, chainID int64, pairAddress string) (market.PairSummary, error) {
	slug, err := d.slug(chainID)
	if err != nil {
		return market.PairSummary{}, err
	}

	var resp dsPairsResponse
	path := "/latest/dex/pairs/" + url.PathEscape(slug) + "/" + url.PathEscape(pairAddress)
	if err := d.get(ctx, "pair", path, nil, &resp); err != nil {
		return market.PairSummary{}, err
	}
	if len(resp.Pairs) == 0 {
		return market.PairSummary{}, fmt.Errorf("dexscreener: pair %s not found on %s", pairAddress, slug)
	}
	return d.convert(resp.Pairs[0]), nil
}

// SearchPairs runs a free-text pair search across chains.
func (d *DexScreenerClient) SearchPairs(ctx context.Context, query string) ([]market.PairSummary, error) {
	var resp dsPairsResponse
	if err := d.get(ctx, "search", "/latest/dex/search", map[string]string{"q": query}, &resp); err != nil {
		return nil, err
	}

	out := make([]market.PairSummary, 0, len(resp.Pairs))
	for _, p := range resp.Pairs {
		out = append(out, d.convert(p))
	}
	return out, nil
}

// BestPriceFromPairs derives a USD price for tokenAddress from the most
// liquid pool. When the token is the quote side, its price is the base USD
// price divided by the native price.
func BestPriceFromPairs(pairs []market.PairSummary, tokenAddress string) (market.PairSummary, decimal.Decimal, bool) {
	var (
		best      market.PairSummary
		bestPrice decimal.Decimal
		found     bool
	)

	for _, p := range pairs {
		var price decimal.Decimal
		switch {
		case strings.EqualFold(p.BaseToken.Address, tokenAddress):
			price = p.PriceUSD
		case strings.EqualFold(p.QuoteToken.Address, tokenAddress):
			if !p.PriceNative.IsPositive() {
				continue
			}
			price = p.PriceUSD.DivRound(p.PriceNative, 18)
		default:
			continue
		}
		if !price.IsPositive() {
			continue
		}
		if !found || p.LiquidityUSD.GreaterThan(best.LiquidityUSD) {
			best, bestPrice, found = p, price, true
		}
	}

	return best, bestPrice, found
}
