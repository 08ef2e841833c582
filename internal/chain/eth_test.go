package chain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testFactory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	testRouter  = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	testPair    = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
)

func mustABI(t *testing.T, def string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(def))
	require.NoError(t, err)
	return parsed
}

// mainnetStub answers the calls a V2 deployment would, for the USDC/WETH pair.
func mainnetStub(t *testing.T) func(to common.Address, data []byte) ([]byte, error) {
	factory := mustABI(t, uniswapV2FactoryABI)
	pair := mustABI(t, uniswapV2PairABI)
	erc20 := mustABI(t, erc20ABI)

	pack := func(parsed abi.ABI, method string, values ...interface{}) ([]byte, error) {
		return parsed.Methods[method].Outputs.Pack(values...)
	}
	is := func(parsed abi.ABI, method string, data []byte) bool {
		return len(data) >= 4 && bytes.Equal(data[:4], parsed.Methods[method].ID)
	}

	return func(to common.Address, data []byte) ([]byte, error) {
		switch {
		case to == testFactory && is(factory, "getPair", data):
			args, err := factory.Methods["getPair"].Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}
			a, b := args[0].(common.Address), args[1].(common.Address)
			if (a == usdc.Address && b == weth.Address) || (a == weth.Address && b == usdc.Address) {
				return pack(factory, "getPair", testPair)
			}
			return pack(factory, "getPair", common.Address{})
		case to == testPair && is(pair, "getReserves", data):
			return pack(pair, "getReserves", units(1_000_000, 6), units(500, 18), uint32(1700000000))
		case to == testPair && is(pair, "token0", data):
			return pack(pair, "token0", usdc.Address)
		case to == testPair && is(pair, "token1", data):
			return pack(pair, "token1", weth.Address)
		case to == testPair && is(pair, "totalSupply", data):
			return pack(pair, "totalSupply", big.NewInt(22360679774997))
		case is(erc20, "decimals", data):
			return pack(erc20, "decimals", uint8(9))
		case is(erc20, "symbol", data):
			return pack(erc20, "symbol", "FOO")
		case is(erc20, "name", data):
			return pack(erc20, "name", "Foo Token")
		case is(erc20, "allowance", data):
			return pack(erc20, "allowance", big.NewInt(42))
		}
		return nil, &rpcFailure{Code: 3, Message: fmt.Sprintf("execution reverted: %x", data[:4])}
	}
}

func newTestGateway(t *testing.T, node *fakeNode) (*EthGateway, *ClientPool) {
	t.Helper()
	cp := newTestPool(t, EndpointConfig{URL: node.URL, Weight: 1})
	g, err := NewEthGateway(EthGatewayConfig{
		ChainID:        1,
		Pool:           cp,
		FactoryAddress: testFactory.Hex(),
		RouterAddress:  testRouter.Hex(),
		Owner:          SimAccount.Hex(),
		CallTimeout:    2 * time.Second,
	})
	require.NoError(t, err)
	return g, cp
}

func TestEthGateway_Reads(t *testing.T) {
	node := newFakeNode(t, mainnetStub(t))
	g, _ := newTestGateway(t, node)
	ctx := context.Background()

	pair, err := g.GetPair(ctx, weth.Address, usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, testPair, pair)

	none, err := g.GetPair(ctx, usdc.Address, dai.Address)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, none)

	res, err := g.GetReserves(ctx, pair)
	require.NoError(t, err)
	rETH, rUSDC := res.For(weth.Address)
	assert.Equal(t, units(500, 18), rETH)
	assert.Equal(t, units(1_000_000, 6), rUSDC)
	assert.Equal(t, big.NewInt(22360679774997), res.TotalSupply)

	known, err := g.KnownPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testPair}, known, "discovered pairs are remembered")

	tok, err := g.TokenMetadata(ctx, 1, common.HexToAddress("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	assert.Equal(t, "FOO", tok.Symbol)
	assert.Equal(t, int32(9), tok.Decimals)

	allowance, err := g.GetAllowance(ctx, usdc.Address, g.Account(), g.Router())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), allowance)
}

func TestEthGateway_RevertKeepsEndpointHealthy(t *testing.T) {
	node := newFakeNode(t, mainnetStub(t))
	g, cp := newTestGateway(t, node)

	_, err := g.LPBalance(context.Background(), common.HexToAddress("0x02"), g.Account())
	require.Error(t, err)
	assert.Equal(t, 1, cp.HealthyCount())
}

func TestEthGateway_TransportFailureMarksEndpoint(t *testing.T) {
	node := newFakeNode(t, mainnetStub(t))
	g, cp := newTestGateway(t, node)

	node.setHealthy(false)
	_, err := g.GetPair(context.Background(), weth.Address, usdc.Address)
	require.Error(t, err)
	assert.Equal(t, 0, cp.HealthyCount())

	_, err = g.GetPair(context.Background(), weth.Address, usdc.Address)
	assert.ErrorIs(t, err, ErrNoHealthyEndpoint)
}

func TestEthGateway_ReadOnlyAndPendingReceipt(t *testing.T) {
	node := newFakeNode(t, mainnetStub(t))
	g, _ := newTestGateway(t, node)
	ctx := context.Background()

	_, err := g.Approve(ctx, usdc.Address, g.Router(), MaxUint256)
	assert.ErrorIs(t, err, ErrReadOnly)

	h, err := g.TxStatus(ctx, common.HexToHash("0xabc"))
	require.NoError(t, err)
	assert.Equal(t, TxPending, h.Status)
	assert.Equal(t, 1, node.count("eth_getTransactionReceipt"))
}

func TestNewEthGateway_Validation(t *testing.T) {
	_, err := NewEthGateway(EthGatewayConfig{})
	assert.Error(t, err)

	node := newFakeNode(t, noCalls)
	cp := newTestPool(t, EndpointConfig{URL: node.URL})
	_, err = NewEthGateway(EthGatewayConfig{Pool: cp, FactoryAddress: testFactory.Hex(), RouterAddress: testRouter.Hex(), SignerKey: "not-hex"})
	assert.Error(t, err)

	// well-known test key, never funded
	g, err := NewEthGateway(EthGatewayConfig{
		ChainID: 1, Pool: cp, FactoryAddress: testFactory.Hex(), RouterAddress: testRouter.Hex(),
		SignerKey: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), g.Account())
}
