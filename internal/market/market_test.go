package market

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
)

func TestParseTokenKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "address key", in: "1:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", want: "1:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
		{name: "bare well-known symbol", in: "eth", want: "sym:ETH"},
		{name: "prefixed symbol", in: "sym:usdc", want: "sym:USDC"},
		{name: "unknown symbol", in: "PEPE", wantErr: ErrUnknownSymbol},
		{name: "bad chain", in: "x:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", wantErr: ErrInvalidTokenKey},
		{name: "bad address", in: "1:0x123", wantErr: ErrInvalidTokenKey},
		{name: "empty", in: " ", wantErr: ErrInvalidTokenKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseTokenKey(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key.String())
		})
	}
}

func TestWellKnownToken(t *testing.T) {
	usdc, err := WellKnownToken("USDC", config.ChainBase)
	require.NoError(t, err)
	assert.Equal(t, int32(6), usdc.Decimals)
	assert.Equal(t, common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), usdc.Address)

	_, err = WellKnownToken("WBTC", config.ChainBase)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestSortTokens_OrderIndependent(t *testing.T) {
	eth, _ := WellKnownToken("ETH", config.ChainEthereum)
	usdc, _ := WellKnownToken("USDC", config.ChainEthereum)

	a0, b0 := SortTokens(eth, usdc)
	a1, b1 := SortTokens(usdc, eth)
	assert.Equal(t, a0, a1)
	assert.Equal(t, b0, b1)
	assert.Equal(t, "USDC", a0.Symbol, "0xA0b8 sorts before 0xC02a")
}

func TestAmountConversion(t *testing.T) {
	raw := ToRaw(decimal.RequireFromString("1.2345678"), 6)
	assert.Equal(t, "1234567", raw.String(), "extra precision is truncated")

	back := FromRaw(big.NewInt(1234567), 6)
	assert.True(t, back.Equal(decimal.RequireFromString("1.234567")))

	assert.True(t, FromRaw(nil, 18).IsZero())
}

type fakeMetadata struct {
	tok Token
	err error
}

func (f fakeMetadata) TokenMetadata(ctx context.Context, chainID int64, address common.Address) (Token, error) {
	return f.tok, f.err
}

func TestDirectory_Resolve(t *testing.T) {
	ctx := context.Background()
	custom := Token{ChainID: 1, Address: common.HexToAddress("0x1111111111111111111111111111111111111111"), Symbol: "CUST", Decimals: 9}

	dir := NewDirectory(fakeMetadata{tok: custom})

	t.Run("symbol key", func(t *testing.T) {
		tok, err := dir.Resolve(ctx, SymbolKey("dai"), config.ChainEthereum)
		require.NoError(t, err)
		assert.Equal(t, "DAI", tok.Symbol)
	})

	t.Run("registry address", func(t *testing.T) {
		key := AddressKey(1, common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"))
		tok, err := dir.Resolve(ctx, key, 1)
		require.NoError(t, err)
		assert.Equal(t, "USDC", tok.Symbol)
	})

	t.Run("metadata lookup", func(t *testing.T) {
		tok, err := dir.Resolve(ctx, custom.Key(), 1)
		require.NoError(t, err)
		assert.Equal(t, int32(9), tok.Decimals)
	})

	t.Run("chain mismatch", func(t *testing.T) {
		_, err := dir.Resolve(ctx, custom.Key(), config.ChainBase)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("metadata failure", func(t *testing.T) {
		d := NewDirectory(fakeMetadata{err: errors.New("not a contract")})
		_, err := d.Resolve(ctx, custom.Key(), 1)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("coingecko id", func(t *testing.T) {
		id, ok := dir.CoinGeckoID(SymbolKey("ETH"))
		assert.True(t, ok)
		assert.Equal(t, "ethereum", id)
		_, ok = dir.CoinGeckoID(custom.Key())
		assert.False(t, ok)
	})
}
