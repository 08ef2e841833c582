package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
)

var (
	// ErrPriceNotFound is returned when no provider and no cache can price a token
	ErrPriceNotFound = errors.New("price not found")

	// ErrProviderTimeout marks a lookup where every provider timed out
	ErrProviderTimeout = errors.New("price provider timeout")

	// ErrUnsupportedKey is returned by a source that cannot price this kind of key
	ErrUnsupportedKey = errors.New("source cannot price this key")
)

// Source prices a single token key. The oracle tries sources in rank order.
type Source interface {
	Name() string
	FetchPrice(ctx context.Context, key market.TokenKey) (market.PricePoint, error)
}

// MarketSource prices tokens through the market-data provider: registry
// tokens by coin id, other contracts by asset platform and address.
type MarketSource struct {
	client    *CoinGeckoClient
	registry  config.TokenDirectory
	platforms map[int64]string
}

// NewMarketSource creates a source backed by CoinGecko
func NewMarketSource(client *CoinGeckoClient, chains []config.ChainConfig) *MarketSource {
	platforms := make(map[int64]string, len(chains))
	for _, ch := range chains {
		if ch.CoinGeckoPlatform != "" {
			platforms[ch.ChainID] = ch.CoinGeckoPlatform
		}
	}
	return &MarketSource{client: client, registry: config.TokenRegistry, platforms: platforms}
}

// Name returns the source name
func (s *MarketSource) Name() string { return s.client.Name() }

// FetchPrice implements Source
func (s *MarketSource) FetchPrice(ctx context.Context, key market.TokenKey) (market.PricePoint, error) {
	var (
		info config.TokenInfo
		ok   bool
	)
	if key.HasAddress() {
		info, ok = s.registry.ByAddress(key.ChainID, key.Address)
	} else {
		info, ok = s.registry.BySymbol(key.Symbol)
	}

	if ok {
		points, err := s.client.GetMarketSnapshot(ctx, []string{info.CoinGeckoID})
		if err != nil {
			return market.PricePoint{}, err
		}
		for _, p := range points {
			if p.ID == info.CoinGeckoID {
				return p, nil
			}
		}
		return market.PricePoint{}, fmt.Errorf("%w: %s", ErrPriceNotFound, info.CoinGeckoID)
	}

	if !key.HasAddress() {
		return market.PricePoint{}, fmt.Errorf("%w: %s", ErrUnsupportedKey, key)
	}
	platform, ok := s.platforms[key.ChainID]
	if !ok {
		return market.PricePoint{}, fmt.Errorf("%w: no platform for chain %d", ErrUnsupportedKey, key.ChainID)
	}
	return s.client.TokenPrice(ctx, platform, key.Address)
}

// PairSource prices tokens by on-chain address from the most liquid pool
// reported by the pair-discovery provider.
type PairSource struct {
	client         *DexScreenerClient
	registry       config.TokenDirectory
	defaultChainID int64
}

// NewPairSource creates a source backed by DexScreener. Symbol keys are
// resolved to their deployment on defaultChainID.
func NewPairSource(client *DexScreenerClient, defaultChainID int64) *PairSource {
	return &PairSource{client: client, registry: config.TokenRegistry, defaultChainID: defaultChainID}
}

// Name returns the source name
func (s *PairSource) Name() string { return s.client.Name() }

// FetchPrice implements Source
func (s *PairSource) FetchPrice(ctx context.Context, key market.TokenKey) (market.PricePoint, error) {
	chainID, address := key.ChainID, key.Address
	if !key.HasAddress() {
		info, ok := s.registry.BySymbol(key.Symbol)
		if !ok {
			return market.PricePoint{}, fmt.Errorf("%w: %s", ErrUnsupportedKey, key)
		}
		addr, ok := info.AddressOn(s.defaultChainID)
		if !ok {
			return market.PricePoint{}, fmt.Errorf("%w: %s not on chain %d", ErrUnsupportedKey, key.Symbol, s.defaultChainID)
		}
		chainID, address = s.defaultChainID, strings.ToLower(addr)
	}

	pairs, err := s.client.GetPairsForToken(ctx, chainID, address)
	if err != nil {
		return market.PricePoint{}, err
	}

	best, price, ok := BestPriceFromPairs(pairs, address)
	if !ok {
		return market.PricePoint{}, fmt.Errorf("%w: no priced pool for %s", ErrPriceNotFound, address)
	}

	symbol := best.BaseToken.Symbol
	if !strings.EqualFold(best.BaseToken.Address, address) {
		symbol = best.QuoteToken.Symbol
	}

	return market.PricePoint{
		Symbol:    strings.ToUpper(symbol),
		PriceUSD:  price,
		Change24h: best.PriceChange24h,
		Volume24h: best.Volume24h,
		MarketCap: best.FDV,
		FetchedAt: s.client.now(),
		Source:    s.client.Name(),
	}, nil
}
