package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
)

// MetadataSource reads ERC-20 metadata for tokens outside the registry.
type MetadataSource interface {
	TokenMetadata(ctx context.Context, chainID int64, address common.Address) (Token, error)
}

// Directory resolves token keys to tokens. Well-known assets come from the
// static registry; other addresses are looked up through the metadata source.
type Directory struct {
	registry config.TokenDirectory
	meta     MetadataSource
}

// NewDirectory creates a directory. meta may be nil, in which case only
// registry tokens resolve.
func NewDirectory(meta MetadataSource) *Directory {
	return &Directory{registry: config.TokenRegistry, meta: meta}
}

// Resolve returns the token for key on chainID. Symbol keys resolve to the
// registry deployment on chainID; address keys must match chainID.
func (d *Directory) Resolve(ctx context.Context, key TokenKey, chainID int64) (Token, error) {
	if !key.HasAddress() {
		return WellKnownToken(key.Symbol, chainID)
	}
	if key.ChainID != chainID {
		return Token{}, fmt.Errorf("%w: %s is not on chain %d", ErrTokenNotFound, key, chainID)
	}

	if info, ok := d.registry.ByAddress(chainID, key.Address); ok {
		return WellKnownToken(info.Symbol, chainID)
	}

	if d.meta == nil {
		return Token{}, fmt.Errorf("%w: %s", ErrTokenNotFound, key)
	}
	tok, err := d.meta.TokenMetadata(ctx, chainID, common.HexToAddress(key.Address))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %s: %v", ErrTokenNotFound, key, err)
	}
	return tok, nil
}

// CoinGeckoID returns the market-data id for key, when the registry knows it.
func (d *Directory) CoinGeckoID(key TokenKey) (string, bool) {
	var (
		info config.TokenInfo
		ok   bool
	)
	if key.HasAddress() {
		info, ok = d.registry.ByAddress(key.ChainID, key.Address)
	} else {
		info, ok = d.registry.BySymbol(key.Symbol)
	}
	if !ok {
		return "", false
	}
	return info.CoinGeckoID, true
}
