package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is a USD price observation for a token.
// FetchedAt only moves forward for a given key.
type PricePoint struct {
	Key       TokenKey        `json:"-"`
	TokenKey  string          `json:"tokenKey"`
	ID        string          `json:"id,omitempty"` // provider id, e.g. CoinGecko "ethereum"
	Symbol    string          `json:"symbol,omitempty"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
	Change24h decimal.Decimal `json:"change24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
	MarketCap decimal.Decimal `json:"marketCap"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Source    string          `json:"source"`
	Stale     bool            `json:"stale,omitempty"`
}

// WithKey returns a copy of p tagged with key.
func (p PricePoint) WithKey(key TokenKey) PricePoint {
	p.Key = key
	p.TokenKey = key.String()
	return p
}

// Age returns how old the point is at now.
func (p PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.FetchedAt)
}

// TokenSummary is a search result from the market-data provider.
type TokenSummary struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	MarketCapRank int    `json:"marketCapRank,omitempty"`
	Thumb         string `json:"thumb,omitempty"`
	ChainID       int64  `json:"chainId,omitempty"`
	Address       string `json:"address,omitempty"`
	Source        string `json:"source"`
}

// PairToken is one side of a PairSummary.
type PairToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
}

// PairSummary is a pool as reported by the pair-discovery provider.
type PairSummary struct {
	ChainID        int64           `json:"chainId"`
	DexID          string          `json:"dexId"`
	PairAddress    string          `json:"pairAddress"`
	BaseToken      PairToken       `json:"baseToken"`
	QuoteToken     PairToken       `json:"quoteToken"`
	PriceUSD       decimal.Decimal `json:"priceUsd"`
	PriceNative    decimal.Decimal `json:"priceNative"` // base priced in quote units
	LiquidityUSD   decimal.Decimal `json:"liquidityUsd"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	PriceChange24h decimal.Decimal `json:"priceChange24h"`
	FDV            decimal.Decimal `json:"fdv"`
}

// HistoryPoint is one (timestamp, price) sample.
type HistoryPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
}

// MarketDataProvider serves token search, price snapshots and history.
type MarketDataProvider interface {
	SearchTokens(ctx context.Context, query string) ([]TokenSummary, error)
	GetMarketSnapshot(ctx context.Context, ids []string) ([]PricePoint, error)
	GetHistory(ctx context.Context, id string, days int) ([]HistoryPoint, error)
}

// PairDataProvider serves pool discovery by token, address or free text.
type PairDataProvider interface {
	GetPairsForToken(ctx context.Context, chainID int64, tokenAddress string) ([]PairSummary, error)
	GetPairByAddress(ctx context.Context, chainID int64, pairAddress string) (PairSummary, error)
	SearchPairs(ctx context.Context, query string) ([]PairSummary, error)
}
