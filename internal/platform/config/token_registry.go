package config

import (
	"fmt"
	"strings"
)

// Chain IDs with entries in the well-known token registry
const (
	ChainEthereum int64 = 1
	ChainBase     int64 = 8453
)

// TokenInfo contains metadata for a well-known asset
type TokenInfo struct {
	Symbol       string
	Name         string
	CoinGeckoID  string           // id used by the market-data provider
	Decimals     int32            // same on every chain listed in Addresses
	IsStablecoin bool
	Addresses    map[int64]string // chain ID -> contract address
}

// AddressOn returns the token contract on chainID.
func (t TokenInfo) AddressOn(chainID int64) (string, bool) {
	addr, ok := t.Addresses[chainID]
	return addr, ok
}

// TokenDirectory is the allow-list of assets that may be looked up by symbol alone.
// Everything else must be identified by (chain ID, address).
type TokenDirectory map[string]TokenInfo

// TokenRegistry is the fixed allow-list of well-known assets
var TokenRegistry = TokenDirectory{
	"ETH": {
		Symbol:      "ETH",
		Name:        "Wrapped Ether",
		CoinGeckoID: "ethereum",
		Decimals:    18,
		Addresses: map[int64]string{
			ChainEthereum: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", // WETH
			ChainBase:     "0x4200000000000000000000000000000000000006",
		},
	},
	"WBTC": {
		Symbol:      "WBTC",
		Name:        "Wrapped Bitcoin",
		CoinGeckoID: "wrapped-bitcoin",
		Decimals:    8,
		Addresses: map[int64]string{
			ChainEthereum: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599",
		},
	},
	"LINK": {
		Symbol:      "LINK",
		Name:        "Chainlink",
		CoinGeckoID: "chainlink",
		Decimals:    18,
		Addresses: map[int64]string{
			ChainEthereum: "0x514910771AF9Ca656af840dff83E8264EcF986CA",
		},
	},
	"UNI": {
		Symbol:      "UNI",
		Name:        "Uniswap",
		CoinGeckoID: "uniswap",
		Decimals:    18,
		Addresses: map[int64]string{
			ChainEthereum: "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984",
		},
	},
	"AAVE": {
		Symbol:      "AAVE",
		Name:        "Aave",
		CoinGeckoID: "aave",
		Decimals:    18,
		Addresses: map[int64]string{
			ChainEthereum: "0x7Fc66500c84A76Ad7e9c93437bFc5Ac33E2DDaE9",
		},
	},
	"USDC": {
		Symbol:       "USDC",
		Name:         "USD Coin",
		CoinGeckoID:  "usd-coin",
		Decimals:     6,
		IsStablecoin: true,
		Addresses: map[int64]string{
			ChainEthereum: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			ChainBase:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		},
	},
	"USDT": {
		Symbol:       "USDT",
		Name:         "Tether USD",
		CoinGeckoID:  "tether",
		Decimals:     6,
		IsStablecoin: true,
		Addresses: map[int64]string{
			ChainEthereum: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		},
	},
	"DAI": {
		Symbol:       "DAI",
		Name:         "Dai Stablecoin",
		CoinGeckoID:  "dai",
		Decimals:     18,
		IsStablecoin: true,
		Addresses: map[int64]string{
			ChainEthereum: "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		},
	},
}

// BySymbol looks up a well-known asset, case-insensitively.
func (d TokenDirectory) BySymbol(symbol string) (TokenInfo, bool) {
	info, ok := d[strings.ToUpper(strings.TrimSpace(symbol))]
	return info, ok
}

// ByAddress finds the well-known asset deployed at address on chainID.
func (d TokenDirectory) ByAddress(chainID int64, address string) (TokenInfo, bool) {
	for _, info := range d {
		if addr, ok := info.Addresses[chainID]; ok && strings.EqualFold(addr, address) {
			return info, true
		}
	}
	return TokenInfo{}, false
}

// ByCoinGeckoID finds a well-known asset by its market-data id.
func (d TokenDirectory) ByCoinGeckoID(id string) (TokenInfo, bool) {
	for _, info := range d {
		if info.CoinGeckoID == id {
			return info, true
		}
	}
	return TokenInfo{}, false
}

// IsWellKnown reports whether symbol may be resolved without an address.
func (d TokenDirectory) IsWellKnown(symbol string) bool {
	_, ok := d.BySymbol(symbol)
	return ok
}

// ParsePair parses a pair string like "ETH-USDC" into its two well-known tokens.
// Both tokens must be deployed on chainID.
//
// Example: ParsePair("ETH-USDC", 1) returns:
//   - a: TokenInfo{Symbol: "ETH", Addresses[1]: "0xC02a..."}
//   - b: TokenInfo{Symbol: "USDC", Addresses[1]: "0xA0b8..."}
func (d TokenDirectory) ParsePair(pairName string, chainID int64) (a TokenInfo, b TokenInfo, err error) {
	parts := strings.Split(pairName, "-")
	if len(parts) != 2 {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("invalid pair format: %s (expected A-B like ETH-USDC)", pairName)
	}

	symA, symB := strings.ToUpper(parts[0]), strings.ToUpper(parts[1])
	if symA == symB {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("pair tokens must be different: %s", pairName)
	}

	a, ok := d.BySymbol(symA)
	if !ok {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("unknown token: %s", symA)
	}
	b, ok = d.BySymbol(symB)
	if !ok {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("unknown token: %s", symB)
	}

	if _, ok := a.AddressOn(chainID); !ok {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("%s is not deployed on chain %d", symA, chainID)
	}
	if _, ok := b.AddressOn(chainID); !ok {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("%s is not deployed on chain %d", symB, chainID)
	}

	return a, b, nil
}
