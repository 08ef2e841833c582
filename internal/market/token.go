// Package market defines the token, price and pair types shared by the
// pricing, quoting and liquidity packages, plus the provider contracts.
package market

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
)

var (
	ErrInvalidTokenKey = errors.New("invalid token key")
	ErrUnknownSymbol   = errors.New("symbol is not a well-known asset")
	ErrTokenNotFound   = errors.New("token not found")
)

// Token is an ERC-20 asset on a specific chain. (ChainID, Address) is unique.
type Token struct {
	ChainID  int64          `json:"chainId"`
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals int32          `json:"decimals"`
}

// Key returns the address-based key for the token.
func (t Token) Key() TokenKey {
	return AddressKey(t.ChainID, t.Address)
}

// SameAs reports whether both tokens are the same contract on the same chain.
func (t Token) SameAs(o Token) bool {
	return t.ChainID == o.ChainID && t.Address == o.Address
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%d:%s)", t.Symbol, t.ChainID, strings.ToLower(t.Address.Hex()))
}

// TokenKey is a provider-agnostic token identity: (chain, address) when
// known, otherwise a bare symbol restricted to well-known assets.
type TokenKey struct {
	ChainID int64
	Address string // lowercase 0x hex, empty for symbol keys
	Symbol  string // upper case, set for symbol keys
}

// AddressKey builds a key from a chain and contract address.
func AddressKey(chainID int64, addr common.Address) TokenKey {
	return TokenKey{ChainID: chainID, Address: strings.ToLower(addr.Hex())}
}

// SymbolKey builds a symbol-only key.
func SymbolKey(symbol string) TokenKey {
	return TokenKey{Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// HasAddress reports whether the key identifies a contract.
func (k TokenKey) HasAddress() bool {
	return k.Address != ""
}

// IsZero reports whether the key is empty.
func (k TokenKey) IsZero() bool {
	return k.Address == "" && k.Symbol == ""
}

// String renders "chainId:0xaddr" or "sym:SYMBOL". It is the cache key form.
func (k TokenKey) String() string {
	if k.HasAddress() {
		return fmt.Sprintf("%d:%s", k.ChainID, k.Address)
	}
	return "sym:" + k.Symbol
}

// ParseTokenKey accepts "chainId:0xaddr", "sym:SYMBOL" or a bare symbol.
// Symbol keys are restricted to the well-known allow-list.
func ParseTokenKey(s string) (TokenKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TokenKey{}, fmt.Errorf("%w: empty", ErrInvalidTokenKey)
	}

	if sym, ok := strings.CutPrefix(s, "sym:"); ok {
		s = sym
	} else if chain, addr, ok := strings.Cut(s, ":"); ok {
		chainID, err := strconv.ParseInt(chain, 10, 64)
		if err != nil || chainID <= 0 {
			return TokenKey{}, fmt.Errorf("%w: bad chain id in %q", ErrInvalidTokenKey, s)
		}
		if !common.IsHexAddress(addr) {
			return TokenKey{}, fmt.Errorf("%w: bad address in %q", ErrInvalidTokenKey, s)
		}
		return AddressKey(chainID, common.HexToAddress(addr)), nil
	}

	key := SymbolKey(s)
	if !config.TokenRegistry.IsWellKnown(key.Symbol) {
		return TokenKey{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, key.Symbol)
	}
	return key, nil
}

// WellKnownToken returns the registry token for symbol on chainID.
func WellKnownToken(symbol string, chainID int64) (Token, error) {
	info, ok := config.TokenRegistry.BySymbol(symbol)
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	addr, ok := info.AddressOn(chainID)
	if !ok {
		return Token{}, fmt.Errorf("%w: %s on chain %d", ErrTokenNotFound, info.Symbol, chainID)
	}
	return Token{
		ChainID:  chainID,
		Address:  common.HexToAddress(addr),
		Symbol:   info.Symbol,
		Name:     info.Name,
		Decimals: info.Decimals,
	}, nil
}

// SortTokens returns a and b ordered by address, the canonical pair order.
func SortTokens(a, b Token) (Token, Token) {
	if strings.ToLower(a.Address.Hex()) <= strings.ToLower(b.Address.Hex()) {
		return a, b
	}
	return b, a
}
