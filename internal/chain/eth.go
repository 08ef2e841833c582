package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// EthGateway talks to a Uniswap V2 style router and factory over JSON-RPC.
// Without a signer key it serves reads only.
type EthGateway struct {
	chainID     int64
	pool        *ClientPool
	factory     common.Address
	router      common.Address
	account     common.Address
	key         *ecdsa.PrivateKey
	callTimeout time.Duration
	now         func() time.Time

	factoryABI abi.ABI
	pairABI    abi.ABI
	erc20ABI   abi.ABI
	routerABI  abi.ABI

	mu        sync.Mutex
	known     map[common.Address]struct{}
	submitted map[common.Hash]TxHandle

	logger  *observability.Logger
	metrics *observability.Metrics
}

// EthGatewayConfig holds RPC gateway configuration
type EthGatewayConfig struct {
	ChainID        int64
	Pool           *ClientPool
	FactoryAddress string
	RouterAddress  string
	// SignerKey is a hex private key; empty means read-only
	SignerKey string
	// Owner is used as Account when there is no signer
	Owner       string
	KnownPairs  []string
	CallTimeout time.Duration
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewEthGateway creates an RPC gateway
func NewEthGateway(cfg EthGatewayConfig) (*EthGateway, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("client pool is required")
	}
	if !common.IsHexAddress(cfg.FactoryAddress) || !common.IsHexAddress(cfg.RouterAddress) {
		return nil, fmt.Errorf("factory and router addresses are required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	g := &EthGateway{
		chainID:     cfg.ChainID,
		pool:        cfg.Pool,
		factory:     common.HexToAddress(cfg.FactoryAddress),
		router:      common.HexToAddress(cfg.RouterAddress),
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
		known:       make(map[common.Address]struct{}),
		submitted:   make(map[common.Hash]TxHandle),
		logger:      cfg.Logger.WithComponent("eth-gateway"),
		metrics:     cfg.Metrics,
	}

	for name, src := range map[string]struct {
		dst *abi.ABI
		def string
	}{
		"factory": {&g.factoryABI, uniswapV2FactoryABI},
		"pair":    {&g.pairABI, uniswapV2PairABI},
		"erc20":   {&g.erc20ABI, erc20ABI},
		"router":  {&g.routerABI, uniswapV2RouterABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(src.def))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s ABI: %w", name, err)
		}
		*src.dst = parsed
	}

	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
		g.key = key
		g.account = crypto.PubkeyToAddress(key.PublicKey)
	} else if cfg.Owner != "" {
		g.account = common.HexToAddress(cfg.Owner)
	}

	for _, p := range cfg.KnownPairs {
		g.known[common.HexToAddress(p)] = struct{}{}
	}
	return g, nil
}

func (g *EthGateway) ChainID() int64          { return g.chainID }
func (g *EthGateway) Account() common.Address { return g.account }
func (g *EthGateway) Router() common.Address  { return g.router }

// call runs a view method. Transport failures take the endpoint out of
// rotation; JSON-RPC errors such as reverts do not.
func (g *EthGateway) call(ctx context.Context, addr common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	client, url, err := g.pool.Client()
	if err != nil {
		return nil, err
	}

	contract := bind.NewBoundContract(addr, parsed, client, client, client)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		g.classify(ctx, url, err)
		return nil, fmt.Errorf("%s.%s: %w", addr.Hex(), method, err)
	}
	return out, nil
}

func (g *EthGateway) classify(ctx context.Context, url string, err error) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) || ctx.Err() != nil || strings.Contains(err.Error(), "no contract code") {
		return
	}
	g.pool.MarkUnhealthy(url)
}

func (g *EthGateway) GetPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	out, err := g.call(ctx, g.factory, g.factoryABI, "getPair", tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	pair := out[0].(common.Address)
	if pair != (common.Address{}) {
		g.mu.Lock()
		g.known[pair] = struct{}{}
		g.mu.Unlock()
	}
	return pair, nil
}

func (g *EthGateway) GetReserves(ctx context.Context, pair common.Address) (Reserves, error) {
	if pair == (common.Address{}) {
		return Reserves{}, ErrPairNotFound
	}
	res, err := g.call(ctx, pair, g.pairABI, "getReserves")
	if err != nil {
		return Reserves{}, err
	}
	t0, err := g.call(ctx, pair, g.pairABI, "token0")
	if err != nil {
		return Reserves{}, err
	}
	t1, err := g.call(ctx, pair, g.pairABI, "token1")
	if err != nil {
		return Reserves{}, err
	}
	supply, err := g.call(ctx, pair, g.pairABI, "totalSupply")
	if err != nil {
		return Reserves{}, err
	}
	return Reserves{
		Pair:        pair,
		Token0:      t0[0].(common.Address),
		Token1:      t1[0].(common.Address),
		Reserve0:    res[0].(*big.Int),
		Reserve1:    res[1].(*big.Int),
		TotalSupply: supply[0].(*big.Int),
	}, nil
}

func (g *EthGateway) LPBalance(ctx context.Context, pair, owner common.Address) (*big.Int, error) {
	out, err := g.call(ctx, pair, g.erc20ABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (g *EthGateway) KnownPairs(_ context.Context) ([]common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.Address, 0, len(g.known))
	for p := range g.known {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (g *EthGateway) TokenMetadata(ctx context.Context, chainID int64, address common.Address) (market.Token, error) {
	if chainID != g.chainID {
		return market.Token{}, fmt.Errorf("%w: chain %d", market.ErrTokenNotFound, chainID)
	}
	dec, err := g.call(ctx, address, g.erc20ABI, "decimals")
	if err != nil {
		return market.Token{}, err
	}
	sym, err := g.call(ctx, address, g.erc20ABI, "symbol")
	if err != nil {
		return market.Token{}, err
	}
	name, err := g.call(ctx, address, g.erc20ABI, "name")
	if err != nil {
		return market.Token{}, err
	}
	return market.Token{
		ChainID:  chainID,
		Address:  address,
		Symbol:   sym[0].(string),
		Name:     name[0].(string),
		Decimals: int32(dec[0].(uint8)),
	}, nil
}

func (g *EthGateway) GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := g.call(ctx, token, g.erc20ABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// transact signs and sends a router or token call.
func (g *EthGateway) transact(ctx context.Context, kind TxKind, addr common.Address, parsed abi.ABI, method string, args ...interface{}) (TxHandle, error) {
	if g.key == nil {
		return TxHandle{}, ErrReadOnly
	}

	client, url, err := g.pool.Client()
	if err != nil {
		return TxHandle{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(g.key, big.NewInt(g.chainID))
	if err != nil {
		return TxHandle{}, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	contract := bind.NewBoundContract(addr, parsed, client, client, client)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		g.classify(ctx, url, err)
		g.metrics.RecordTransaction(ctx, string(kind), "submit", string(TxFailed))
		return TxHandle{Kind: kind, Status: TxFailed, SubmittedAt: g.now(), Error: err.Error()},
			fmt.Errorf("%s: %w", method, err)
	}

	h := TxHandle{Hash: tx.Hash(), Kind: kind, Status: TxPending, SubmittedAt: g.now()}
	g.mu.Lock()
	g.submitted[h.Hash] = h
	g.mu.Unlock()

	g.metrics.RecordTransaction(ctx, string(kind), "submit", string(TxPending))
	g.logger.LogInfo(ctx, "transaction submitted", "kind", kind, "hash", h.Hash.Hex(), "nonce", tx.Nonce())
	return h, nil
}

func (g *EthGateway) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (TxHandle, error) {
	return g.transact(ctx, TxApprove, token, g.erc20ABI, "approve", spender, amount)
}

func (g *EthGateway) SwapExactInput(ctx context.Context, p SwapParams) (TxHandle, error) {
	return g.transact(ctx, TxSwap, g.router, g.routerABI, "swapExactTokensForTokens",
		p.AmountIn, orZero(p.AmountOutMin), []common.Address{p.TokenIn, p.TokenOut},
		g.recipient(p.Recipient), big.NewInt(p.Deadline))
}

func (g *EthGateway) AddLiquidity(ctx context.Context, p AddLiquidityParams) (TxHandle, error) {
	return g.transact(ctx, TxAddLiquidity, g.router, g.routerABI, "addLiquidity",
		p.TokenA, p.TokenB, p.AmountADesired, p.AmountBDesired,
		orZero(p.AmountAMin), orZero(p.AmountBMin), g.recipient(p.Recipient), big.NewInt(p.Deadline))
}

func (g *EthGateway) RemoveLiquidity(ctx context.Context, p RemoveLiquidityParams) (TxHandle, error) {
	return g.transact(ctx, TxRemoveLiquidity, g.router, g.routerABI, "removeLiquidity",
		p.TokenA, p.TokenB, p.Liquidity, orZero(p.AmountAMin), orZero(p.AmountBMin),
		g.recipient(p.Recipient), big.NewInt(p.Deadline))
}

// TxStatus reads the receipt; no receipt yet means pending.
func (g *EthGateway) TxStatus(ctx context.Context, hash common.Hash) (TxHandle, error) {
	g.mu.Lock()
	h, ok := g.submitted[hash]
	g.mu.Unlock()
	if !ok {
		h = TxHandle{Hash: hash, Status: TxPending}
	}
	if h.Done() {
		return h, nil
	}

	client, url, err := g.pool.Client()
	if err != nil {
		return h, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	receipt, err := client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return h, nil
	}
	if err != nil {
		g.classify(ctx, url, err)
		return h, err
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		h.Status = TxConfirmed
	} else {
		h.Status = TxFailed
		h.Error = ErrTxReverted.Error()
	}
	g.mu.Lock()
	g.submitted[hash] = h
	g.mu.Unlock()

	g.metrics.RecordTransaction(ctx, string(h.Kind), "receipt", string(h.Status))
	return h, nil
}

func (g *EthGateway) recipient(to common.Address) common.Address {
	if to == (common.Address{}) {
		return g.account
	}
	return to
}
