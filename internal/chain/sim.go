package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/agatticelli/dex-swap-engine/internal/amm"
	"github.com/agatticelli/dex-swap-engine/internal/market"
	"github.com/agatticelli/dex-swap-engine/internal/money"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// Default simulated addresses
var (
	SimRouter  = common.HexToAddress("0x00000000000000000000000000000000005a1e00")
	SimAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type simPool struct {
	token0, token1     common.Address
	reserve0, reserve1 *big.Int
	totalSupply        *big.Int
	lp                 map[common.Address]*big.Int
}

func (p *simPool) reserves(addr common.Address) Reserves {
	return Reserves{
		Pair:        addr,
		Token0:      p.token0,
		Token1:      p.token1,
		Reserve0:    new(big.Int).Set(p.reserve0),
		Reserve1:    new(big.Int).Set(p.reserve1),
		TotalSupply: new(big.Int).Set(p.totalSupply),
	}
}

// reservePtrs returns pointers to the live reserves ordered as (tokenA, tokenB).
func (p *simPool) reservePtrs(tokenA common.Address) (*big.Int, *big.Int) {
	if tokenA == p.token0 {
		return p.reserve0, p.reserve1
	}
	return p.reserve1, p.reserve0
}

// SimGateway is an in-memory constant-product AMM that behaves like a V2
// router: allowances, balances, deadlines and minimum amounts are enforced
// and failed transactions are recorded as failed.
type SimGateway struct {
	chainID      int64
	account      common.Address
	router       common.Address
	fee          money.BPS
	now          func() time.Time
	confirmDelay time.Duration

	mu         sync.Mutex
	tokens     map[common.Address]market.Token
	pools      map[common.Address]*simPool
	balances   map[common.Address]map[common.Address]*big.Int                    // token -> owner -> amount
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int // token -> owner -> spender
	txs        map[common.Hash]TxHandle

	logger  *observability.Logger
	metrics *observability.Metrics
}

// SimConfig configures a SimGateway
type SimConfig struct {
	ChainID int64
	Account common.Address
	Router  common.Address
	FeeBps  int64
	Clock   func() time.Time

	// ConfirmDelay keeps transactions pending for this long after submission
	ConfirmDelay time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewSimGateway creates an empty simulated chain
func NewSimGateway(cfg SimConfig) *SimGateway {
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.Account == (common.Address{}) {
		cfg.Account = SimAccount
	}
	if cfg.Router == (common.Address{}) {
		cfg.Router = SimRouter
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = 30
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &SimGateway{
		chainID:      cfg.ChainID,
		account:      cfg.Account,
		router:       cfg.Router,
		fee:          money.NewBPSFromInt(cfg.FeeBps),
		now:          cfg.Clock,
		confirmDelay: cfg.ConfirmDelay,
		tokens:       make(map[common.Address]market.Token),
		pools:        make(map[common.Address]*simPool),
		balances:     make(map[common.Address]map[common.Address]*big.Int),
		allowances:   make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		txs:          make(map[common.Hash]TxHandle),
		logger:       cfg.Logger.WithComponent("sim-gateway"),
		metrics:      cfg.Metrics,
	}
}

func (g *SimGateway) ChainID() int64          { return g.chainID }
func (g *SimGateway) Account() common.Address { return g.account }
func (g *SimGateway) Router() common.Address  { return g.router }

// PairAddress derives the deterministic simulated address for a token pair.
func (g *SimGateway) PairAddress(tokenA, tokenB common.Address) common.Address {
	t0, t1 := sortAddresses(tokenA, tokenB)
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], uint64(g.chainID))
	h := crypto.Keccak256(chain[:], t0.Bytes(), t1.Bytes())
	return common.BytesToAddress(h[12:])
}

// AddToken registers token metadata.
func (g *SimGateway) AddToken(tok market.Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[tok.Address] = tok
}

// SeedPool creates a pool with the given reserves owned by the zero address.
// Seeding an existing pool replaces its reserves.
func (g *SimGateway) SeedPool(a, b market.Token, reserveA, reserveB *big.Int) common.Address {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokens[a.Address] = a
	g.tokens[b.Address] = b

	addr := g.PairAddress(a.Address, b.Address)
	pool := g.ensurePool(a.Address, b.Address)
	ra, rb := pool.reservePtrs(a.Address)
	ra.Set(reserveA)
	rb.Set(reserveB)
	pool.totalSupply = new(big.Int).Sqrt(new(big.Int).Mul(reserveA, reserveB))
	pool.lp = map[common.Address]*big.Int{{}: new(big.Int).Set(pool.totalSupply)}
	return addr
}

// Fund credits amount of token to owner.
func (g *SimGateway) Fund(token, owner common.Address, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bal := g.balanceRef(token, owner)
	bal.Add(bal, amount)
}

// BalanceOf returns owner's balance of token.
func (g *SimGateway) BalanceOf(token, owner common.Address) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.balanceRef(token, owner))
}

func (g *SimGateway) ensurePool(tokenA, tokenB common.Address) *simPool {
	addr := g.PairAddress(tokenA, tokenB)
	if p, ok := g.pools[addr]; ok {
		return p
	}
	t0, t1 := sortAddresses(tokenA, tokenB)
	p := &simPool{
		token0:      t0,
		token1:      t1,
		reserve0:    new(big.Int),
		reserve1:    new(big.Int),
		totalSupply: new(big.Int),
		lp:          make(map[common.Address]*big.Int),
	}
	g.pools[addr] = p
	return p
}

func (g *SimGateway) balanceRef(token, owner common.Address) *big.Int {
	byOwner, ok := g.balances[token]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		g.balances[token] = byOwner
	}
	bal, ok := byOwner[owner]
	if !ok {
		bal = new(big.Int)
		byOwner[owner] = bal
	}
	return bal
}

func (g *SimGateway) allowanceRef(token, owner, spender common.Address) *big.Int {
	byOwner, ok := g.allowances[token]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]*big.Int)
		g.allowances[token] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[common.Address]*big.Int)
		byOwner[owner] = bySpender
	}
	a, ok := bySpender[spender]
	if !ok {
		a = new(big.Int)
		bySpender[spender] = a
	}
	return a
}

// spend checks and consumes the router allowance and the account balance.
// LP tokens live in the pool's lp map rather than balances.
func (g *SimGateway) spend(token common.Address, amount *big.Int, balance *big.Int) error {
	allowance := g.allowanceRef(token, g.account, g.router)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientAllowance, token.Hex())
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, token.Hex())
	}
	if allowance.Cmp(MaxUint256) != 0 {
		allowance.Sub(allowance, amount)
	}
	balance.Sub(balance, amount)
	return nil
}

func (g *SimGateway) GetPair(_ context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr := g.PairAddress(tokenA, tokenB)
	if _, ok := g.pools[addr]; !ok {
		return common.Address{}, nil
	}
	return addr, nil
}

func (g *SimGateway) GetReserves(_ context.Context, pair common.Address) (Reserves, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pools[pair]
	if !ok {
		return Reserves{}, fmt.Errorf("%w: %s", ErrPairNotFound, pair.Hex())
	}
	return p.reserves(pair), nil
}

func (g *SimGateway) LPBalance(_ context.Context, pair, owner common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pools[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, pair.Hex())
	}
	return new(big.Int).Set(orZero(p.lp[owner])), nil
}

func (g *SimGateway) KnownPairs(_ context.Context) ([]common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.Address, 0, len(g.pools))
	for addr := range g.pools {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (g *SimGateway) TokenMetadata(_ context.Context, chainID int64, address common.Address) (market.Token, error) {
	if chainID != g.chainID {
		return market.Token{}, fmt.Errorf("%w: chain %d", market.ErrTokenNotFound, chainID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tok, ok := g.tokens[address]
	if !ok {
		return market.Token{}, fmt.Errorf("%w: %s", market.ErrTokenNotFound, address.Hex())
	}
	return tok, nil
}

func (g *SimGateway) GetAllowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.allowanceRef(token, owner, spender)), nil
}

func (g *SimGateway) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowanceRef(token, g.account, spender).Set(amount)
	return g.submit(ctx, TxApprove, nil), nil
}

func (g *SimGateway) SwapExactInput(ctx context.Context, p SwapParams) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finish(ctx, TxSwap, g.swap(p))
}

func (g *SimGateway) swap(p SwapParams) error {
	if err := g.checkDeadline(p.Deadline); err != nil {
		return err
	}
	pool, ok := g.pools[g.PairAddress(p.TokenIn, p.TokenOut)]
	if !ok {
		return ErrPairNotFound
	}
	rIn, rOut := pool.reservePtrs(p.TokenIn)
	out, err := amm.GetAmountOut(p.AmountIn, rIn, rOut, g.fee)
	if err != nil {
		return err
	}
	if out.Cmp(orZero(p.AmountOutMin)) < 0 {
		return fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientOutput, out, p.AmountOutMin)
	}
	if err := g.spend(p.TokenIn, p.AmountIn, g.balanceRef(p.TokenIn, g.account)); err != nil {
		return err
	}

	rIn.Add(rIn, p.AmountIn)
	rOut.Sub(rOut, out)
	bal := g.balanceRef(p.TokenOut, g.recipient(p.Recipient))
	bal.Add(bal, out)
	return nil
}

func (g *SimGateway) AddLiquidity(ctx context.Context, p AddLiquidityParams) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finish(ctx, TxAddLiquidity, g.addLiquidity(p))
}

func (g *SimGateway) addLiquidity(p AddLiquidityParams) error {
	if err := g.checkDeadline(p.Deadline); err != nil {
		return err
	}
	if p.TokenA == p.TokenB {
		return fmt.Errorf("%w: identical tokens", amm.ErrInsufficientLiquidity)
	}

	pair := g.PairAddress(p.TokenA, p.TokenB)
	pool, existed := g.pools[pair]
	if !existed {
		pool = g.ensurePool(p.TokenA, p.TokenB)
	}
	rA, rB := pool.reservePtrs(p.TokenA)

	amountA, amountB := p.AmountADesired, p.AmountBDesired
	if rA.Sign() > 0 || rB.Sign() > 0 {
		var err error
		amountA, amountB, err = amm.OptimalAmounts(p.AmountADesired, p.AmountBDesired, rA, rB)
		if err != nil {
			return g.dropEmpty(pair, existed, err)
		}
	}
	if amountA.Cmp(orZero(p.AmountAMin)) < 0 || amountB.Cmp(orZero(p.AmountBMin)) < 0 {
		return g.dropEmpty(pair, existed, fmt.Errorf("%w: deposit below minimum", ErrInsufficientOutput))
	}

	liquidity, err := amm.LiquidityMinted(amountA, amountB, rA, rB, pool.totalSupply)
	if err != nil {
		return g.dropEmpty(pair, existed, err)
	}

	balA, balB := g.balanceRef(p.TokenA, g.account), g.balanceRef(p.TokenB, g.account)
	if err := g.checkFunds(p.TokenA, amountA, balA); err != nil {
		return g.dropEmpty(pair, existed, err)
	}
	if err := g.checkFunds(p.TokenB, amountB, balB); err != nil {
		return g.dropEmpty(pair, existed, err)
	}
	_ = g.spend(p.TokenA, amountA, balA)
	_ = g.spend(p.TokenB, amountB, balB)

	if pool.totalSupply.Sign() == 0 {
		pool.totalSupply.Add(pool.totalSupply, amm.MinimumLiquidity)
		pool.lp[common.Address{}] = new(big.Int).Set(amm.MinimumLiquidity)
	}
	rA.Add(rA, amountA)
	rB.Add(rB, amountB)
	pool.totalSupply.Add(pool.totalSupply, liquidity)

	to := g.recipient(p.Recipient)
	if pool.lp[to] == nil {
		pool.lp[to] = new(big.Int)
	}
	pool.lp[to].Add(pool.lp[to], liquidity)
	return nil
}

func (g *SimGateway) checkFunds(token common.Address, amount, balance *big.Int) error {
	if g.allowanceRef(token, g.account, g.router).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientAllowance, token.Hex())
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, token.Hex())
	}
	return nil
}

// dropEmpty removes a pool created by a reverted addLiquidity.
func (g *SimGateway) dropEmpty(pair common.Address, existed bool, err error) error {
	if !existed {
		delete(g.pools, pair)
	}
	return err
}

func (g *SimGateway) RemoveLiquidity(ctx context.Context, p RemoveLiquidityParams) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finish(ctx, TxRemoveLiquidity, g.removeLiquidity(p))
}

func (g *SimGateway) removeLiquidity(p RemoveLiquidityParams) error {
	if err := g.checkDeadline(p.Deadline); err != nil {
		return err
	}
	pair := g.PairAddress(p.TokenA, p.TokenB)
	pool, ok := g.pools[pair]
	if !ok {
		return ErrPairNotFound
	}

	rA, rB := pool.reservePtrs(p.TokenA)
	amountA, amountB, err := amm.RemoveAmounts(p.Liquidity, rA, rB, pool.totalSupply)
	if err != nil {
		return err
	}
	if amountA.Cmp(orZero(p.AmountAMin)) < 0 || amountB.Cmp(orZero(p.AmountBMin)) < 0 {
		return fmt.Errorf("%w: withdrawal below minimum", ErrInsufficientOutput)
	}

	held := orZero(pool.lp[g.account])
	if err := g.spend(pair, p.Liquidity, held); err != nil {
		return err
	}
	pool.lp[g.account] = held

	rA.Sub(rA, amountA)
	rB.Sub(rB, amountB)
	pool.totalSupply.Sub(pool.totalSupply, p.Liquidity)

	to := g.recipient(p.Recipient)
	balA, balB := g.balanceRef(p.TokenA, to), g.balanceRef(p.TokenB, to)
	balA.Add(balA, amountA)
	balB.Add(balB, amountB)
	return nil
}

func (g *SimGateway) TxStatus(_ context.Context, hash common.Hash) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.txs[hash]
	if !ok {
		return TxHandle{}, fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
	}
	if h.Status == TxPending && !g.now().Before(h.SubmittedAt.Add(g.confirmDelay)) {
		h.Status = TxConfirmed
		g.txs[hash] = h
	}
	return h, nil
}

func (g *SimGateway) recipient(to common.Address) common.Address {
	if to == (common.Address{}) {
		return g.account
	}
	return to
}

func (g *SimGateway) checkDeadline(deadline int64) error {
	if deadline != 0 && g.now().Unix() > deadline {
		return ErrDeadlineExpired
	}
	return nil
}

// finish records the transaction; a revert yields a failed handle and an error.
func (g *SimGateway) finish(ctx context.Context, kind TxKind, revert error) (TxHandle, error) {
	h := g.submit(ctx, kind, revert)
	if revert != nil {
		return h, fmt.Errorf("%w: %w", ErrTxReverted, revert)
	}
	return h, nil
}

func (g *SimGateway) submit(ctx context.Context, kind TxKind, revert error) TxHandle {
	id := uuid.New()
	h := TxHandle{
		Hash:        crypto.Keccak256Hash(id[:]),
		Kind:        kind,
		Status:      TxConfirmed,
		SubmittedAt: g.now(),
	}
	switch {
	case revert != nil:
		h.Status = TxFailed
		h.Error = revert.Error()
	case g.confirmDelay > 0:
		h.Status = TxPending
	}
	g.txs[h.Hash] = h

	g.metrics.RecordTransaction(ctx, string(kind), "submit", string(h.Status))
	if revert != nil {
		g.logger.LogWarn(ctx, "simulated transaction reverted", "kind", kind, "hash", h.Hash.Hex(), "reason", revert)
	} else {
		g.logger.LogDebug(ctx, "simulated transaction submitted", "kind", kind, "hash", h.Hash.Hex())
	}
	return h
}
